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

	"github.com/antflydb/tandem/pkg/tandem/lib/trfbatch"
	"go.uber.org/zap"
)

// GradientAcceptor carries a listener's gradient contribution back to the
// orchestrating stage. The gradients travel in TransformerData shape, one
// entry per document, with Tensors holding the per-layer gradient arrays.
type GradientAcceptor func(grads []trfbatch.TransformerData) error

// Listener is a downstream computation node that consumes encoder output
// without recomputing it. During training it is fed by the stage's broadcast
// (Receive) and acts as a pure pass-through once the batch identity check
// clears; outside training it reads per-document output from the stage's
// cache.
type Listener struct {
	upstream string
	width    int
	logger   *zap.Logger

	cache *OutputCache // attached at registration

	received        bool
	lastFingerprint uint64
	lastOutputs     []trfbatch.TransformerData
	lastAcceptor    GradientAcceptor
}

// ListenerConfig holds configuration for creating a Listener.
type ListenerConfig struct {
	// Upstream is the name of the orchestrating stage this listener
	// subscribes to.
	Upstream string

	// Width is the hidden dimensionality the listener expects.
	Width int

	// Logger for logging (nil = no logging)
	Logger *zap.Logger
}

// NewListener creates a listener. It must be registered with a stage (or
// matched by DiscoverListeners) before the first Update.
func NewListener(cfg ListenerConfig) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		upstream: cfg.Upstream,
		width:    cfg.Width,
		logger:   logger,
	}
}

// Upstream returns the stage name this listener subscribes to.
func (l *Listener) Upstream() string { return l.upstream }

// Width returns the hidden width this listener expects.
func (l *Listener) Width() int { return l.width }

// Receive overwrites the listener's held outputs. No validation happens here;
// validation is deferred to consumption time. The stage calls this once per
// listener per step, with shared outputs and a per-listener acceptor (nil
// during prediction, when no backward pass will occur).
func (l *Listener) Receive(fingerprint uint64, outputs []trfbatch.TransformerData, acceptor GradientAcceptor) {
	l.received = true
	l.lastFingerprint = fingerprint
	l.lastOutputs = outputs
	l.lastAcceptor = acceptor
	l.logger.Debug("Received broadcast",
		zap.String("upstream", l.upstream),
		zap.Uint64("fingerprint", fingerprint),
		zap.Int("documents", len(outputs)),
		zap.Bool("trainable", acceptor != nil))
}

// Consume returns the encoder output for docs together with the gradient
// acceptor to call with this node's contribution.
//
// When training, the listener recomputes the batch fingerprint and fails with
// ErrInconsistentBatch unless it matches the last Receive; on success the held
// outputs and acceptor are returned unchanged. Outside training the held state
// is ignored entirely and outputs are pulled from the stage's cache; an empty
// batch yields one distinguished empty output and a no-op acceptor.
func (l *Listener) Consume(docs []trfbatch.Document, training bool) ([]trfbatch.TransformerData, GradientAcceptor, error) {
	if !training {
		return l.consumeCached(docs)
	}
	if !l.received {
		return nil, nil, fmt.Errorf("listener %q: no outputs received: %w", l.upstream, ErrInconsistentBatch)
	}
	fingerprint := trfbatch.Fingerprint(docs)
	if fingerprint != l.lastFingerprint {
		return nil, nil, fmt.Errorf("listener %q: fingerprint %x, received %x: %w",
			l.upstream, fingerprint, l.lastFingerprint, ErrInconsistentBatch)
	}
	return l.lastOutputs, l.lastAcceptor, nil
}

func (l *Listener) consumeCached(docs []trfbatch.Document) ([]trfbatch.TransformerData, GradientAcceptor, error) {
	noop := func([]trfbatch.TransformerData) error { return nil }
	if len(docs) == 0 {
		return []trfbatch.TransformerData{trfbatch.Empty()}, noop, nil
	}
	if l.cache == nil {
		return nil, nil, fmt.Errorf("listener %q not registered with a stage: %w", l.upstream, ErrNoAnnotation)
	}
	outputs := make([]trfbatch.TransformerData, len(docs))
	for i, doc := range docs {
		data, ok := l.cache.Get(trfbatch.DocumentFingerprint(doc))
		if !ok {
			return nil, nil, fmt.Errorf("document %d: %w", i, ErrNoAnnotation)
		}
		outputs[i] = data
	}
	return outputs, noop, nil
}
