// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tandem

import (
	"fmt"

	"github.com/antflydb/tandem/pkg/tandem/lib/encoders"
	"github.com/antflydb/tandem/pkg/tandem/lib/trfbatch"
	"go.uber.org/zap"
)

// DefaultStageName is the upstream name listeners subscribe to when none is
// configured; it is also the key under which loss contributions are recorded.
const DefaultStageName = "transformer"

// DefaultPipeBatchSize is the minibatch size Pipe uses when none is given.
const DefaultPipeBatchSize = 128

// BatchTokenizer turns a document batch into the padded wordpiece encoding the
// encoder consumes, recording per-document alignment along the way.
type BatchTokenizer interface {
	Tokenize(docs []trfbatch.Document) (*trfbatch.BatchEncoding, error)
}

// AnnotationFunc records a batch's output onto whatever representation the
// host pipeline uses, e.g. deriving pooled per-token vectors. It is invoked
// once per SetAnnotations call, after the stage has cached the per-document
// slices.
type AnnotationFunc func(docs []trfbatch.Document, batch *trfbatch.FullBatch)

// NullAnnotation is the no-op annotation writer.
func NullAnnotation([]trfbatch.Document, *trfbatch.FullBatch) {}

// Transformer is the orchestrating stage. It owns the encoder, runs the
// forward pass once per document batch, broadcasts per-document output slices
// to every registered listener, and on the backward pass merges the listeners'
// gradient contributions and invokes the encoder's backward operation exactly
// once.
type Transformer struct {
	name      string
	encoder   encoders.Encoder
	tokenizer BatchTokenizer
	annotate  AnnotationFunc
	listeners []*Listener
	cache     *OutputCache
	logger    *zap.Logger
}

// Config holds configuration for creating a Transformer stage.
type Config struct {
	// Name is the stage name listeners subscribe to ("" = DefaultStageName).
	Name string

	// Encoder is the stage-owned encoder.
	Encoder encoders.Encoder

	// Tokenizer produces the encoder's batched input.
	Tokenizer BatchTokenizer

	// Annotate is the external annotation writer (nil = NullAnnotation).
	Annotate AnnotationFunc

	// CacheCapacity bounds the output cache (0 = DefaultCacheCapacity).
	CacheCapacity int

	// Logger for logging (nil = no logging)
	Logger *zap.Logger
}

// New creates a Transformer stage.
func New(cfg Config) (*Transformer, error) {
	if cfg.Encoder == nil {
		return nil, fmt.Errorf("encoder is required")
	}
	if cfg.Tokenizer == nil {
		return nil, fmt.Errorf("tokenizer is required")
	}
	name := cfg.Name
	if name == "" {
		name = DefaultStageName
	}
	annotate := cfg.Annotate
	if annotate == nil {
		annotate = NullAnnotation
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transformer{
		name:      name,
		encoder:   cfg.Encoder,
		tokenizer: cfg.Tokenizer,
		annotate:  annotate,
		cache:     NewOutputCache(cfg.CacheCapacity),
		logger:    logger,
	}, nil
}

// Name returns the stage name.
func (t *Transformer) Name() string { return t.name }

// Cache returns the stage-owned output cache.
func (t *Transformer) Cache() *OutputCache { return t.cache }

// RegisterListener attaches a listener to this stage's broadcasts and gives it
// read access to the output cache.
func (t *Transformer) RegisterListener(l *Listener) {
	l.cache = t.cache
	t.listeners = append(t.listeners, l)
	t.logger.Debug("Registered listener",
		zap.String("stage", t.name),
		zap.Int("listeners", len(t.listeners)))
}

// DiscoverListeners scans an explicit candidate list and registers every
// listener whose upstream name matches this stage. It returns how many were
// attached.
func (t *Transformer) DiscoverListeners(candidates []*Listener) int {
	attached := 0
	for _, l := range candidates {
		if l.Upstream() == t.name {
			t.RegisterListener(l)
			attached++
		}
	}
	return attached
}

// Listeners returns the registered listeners in registration order.
func (t *Transformer) Listeners() []*Listener { return t.listeners }

// Predict runs the encoder forward pass once, splits the result per document,
// and broadcasts the slices to every registered listener with a nil gradient
// acceptor (no backward pass will occur). docs are never mutated.
func (t *Transformer) Predict(docs []trfbatch.Document) (*trfbatch.FullBatch, error) {
	batch, _, err := t.forward(docs, false)
	if err != nil {
		return nil, err
	}
	fingerprint := trfbatch.Fingerprint(docs)
	for _, l := range t.listeners {
		l.Receive(fingerprint, batch.DocData, nil)
	}
	t.logger.Debug("Broadcast prediction",
		zap.String("stage", t.name),
		zap.Uint64("fingerprint", fingerprint),
		zap.Int("documents", len(docs)),
		zap.Int("listeners", len(t.listeners)))
	return batch, nil
}

// SetAnnotations stores each document's output slice in the output cache,
// keyed by document fingerprint, then invokes the annotation writer with the
// full batch.
func (t *Transformer) SetAnnotations(docs []trfbatch.Document, batch *trfbatch.FullBatch) error {
	if len(batch.DocData) < len(docs) {
		return fmt.Errorf("batch holds %d outputs for %d documents", len(batch.DocData), len(docs))
	}
	for i, doc := range docs {
		t.cache.Put(trfbatch.DocumentFingerprint(doc), batch.DocData[i])
	}
	t.annotate(docs, batch)
	return nil
}

// Pipe processes a document stream in minibatches, predicting and annotating
// each batch. batchSize <= 0 selects DefaultPipeBatchSize.
func (t *Transformer) Pipe(docs []trfbatch.Document, batchSize int) error {
	if batchSize <= 0 {
		batchSize = DefaultPipeBatchSize
	}
	for start := 0; start < len(docs); start += batchSize {
		end := min(start+batchSize, len(docs))
		batch, err := t.Predict(docs[start:end])
		if err != nil {
			return fmt.Errorf("predicting batch %d-%d: %w", start, end, err)
		}
		if err := t.SetAnnotations(docs[start:end], batch); err != nil {
			return fmt.Errorf("annotating batch %d-%d: %w", start, end, err)
		}
	}
	return nil
}

// Update runs the forward pass with gradient tracking and broadcasts the
// output slices with per-listener gradient acceptors. Every listener but the
// last receives an accumulating acceptor; the last receives the finalizing
// acceptor, which merges the fully accumulated per-document gradients back
// into batch layout, invokes the encoder backward exactly once, and applies
// the optimizer (when non-nil) exactly once.
//
// Loss contributions (sum of squares of each gradient tensor) are added to
// losses under the stage name as acceptors fire. A finalize call before every
// other listener has contributed fails with ErrIncompleteAccumulation; any
// contribution after finalization fails with ErrStepFinalized. An empty
// document batch records a zero loss and skips the step entirely.
func (t *Transformer) Update(docs []trfbatch.Document, opt encoders.Optimizer, losses map[string]float64) error {
	if len(t.listeners) == 0 {
		return fmt.Errorf("stage %q: %w", t.name, ErrNoListeners)
	}
	if losses == nil {
		losses = make(map[string]float64)
	}
	if _, ok := losses[t.name]; !ok {
		losses[t.name] = 0
	}
	// Nothing to differentiate; leave the listeners' held state untouched.
	if len(docs) == 0 {
		return nil
	}

	batch, backward, err := t.forward(docs, true)
	if err != nil {
		return err
	}
	fingerprint := trfbatch.Fingerprint(docs)

	// A new step begins a new fingerprint and a fresh accumulator; any
	// acceptors still held from a previous step are dead.
	acc := newGradAccumulator(fingerprint, len(t.listeners), len(batch.DocData))

	accumulate := func(dgrads []trfbatch.TransformerData) error {
		loss, err := acc.add(dgrads)
		if err != nil {
			return fmt.Errorf("stage %q: %w", t.name, err)
		}
		losses[t.name] += loss
		return nil
	}
	finalize := func(dgrads []trfbatch.TransformerData) error {
		if err := accumulate(dgrads); err != nil {
			return err
		}
		if err := acc.finalize(); err != nil {
			return fmt.Errorf("stage %q: %w", t.name, err)
		}
		merged, err := batch.UnsplitByDoc(acc.grads)
		if err != nil {
			return fmt.Errorf("stage %q: merging gradients: %w", t.name, err)
		}
		if err := backward(merged); err != nil {
			return fmt.Errorf("stage %q: encoder backward: %w", t.name, err)
		}
		if opt != nil {
			if err := t.encoder.FinishUpdate(opt); err != nil {
				return fmt.Errorf("stage %q: optimizer step: %w", t.name, err)
			}
		}
		t.logger.Debug("Finalized training step",
			zap.String("stage", t.name),
			zap.Uint64("fingerprint", fingerprint),
			zap.Float64("loss", losses[t.name]))
		return nil
	}

	for i, l := range t.listeners {
		if i == len(t.listeners)-1 {
			l.Receive(fingerprint, batch.DocData, finalize)
		} else {
			l.Receive(fingerprint, batch.DocData, accumulate)
		}
	}
	return nil
}

// forward tokenizes and runs the encoder, returning the split batch and, when
// training, the encoder's reverse callable.
func (t *Transformer) forward(docs []trfbatch.Document, training bool) (*trfbatch.FullBatch, encoders.BackwardFunc, error) {
	enc, err := t.tokenizer.Tokenize(docs)
	if err != nil {
		return nil, nil, fmt.Errorf("stage %q: tokenizing: %w", t.name, err)
	}

	var tensors []trfbatch.BatchTensor
	var backward encoders.BackwardFunc
	if training {
		tensors, backward, err = t.encoder.BeginUpdate(enc.IDs)
	} else {
		tensors, err = t.encoder.Forward(enc.IDs)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("stage %q: encoder forward: %w", t.name, err)
	}

	batch, err := trfbatch.Split(enc, tensors)
	if err != nil {
		return nil, nil, fmt.Errorf("stage %q: splitting batch: %w", t.name, err)
	}
	return batch, backward, nil
}
