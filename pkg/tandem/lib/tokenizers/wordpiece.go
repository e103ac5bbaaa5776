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

package tokenizers

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/antflydb/tandem/pkg/tandem/lib/trfbatch"
)

// WordpieceTokenizer adapts a raw tokenizer to the batch model: it encodes
// each document token separately, so the wordpiece→token alignment falls out
// of the encoding order, then pads the id batch to a rectangle. It also knows
// how to persist its asset files for bundling and reconstruct itself from a
// persisted directory.
type WordpieceTokenizer struct {
	tok       Tokenizer
	modelPath string
	padID     int64
	options   map[string]any
}

// NewWordpiece loads the tokenizer at modelPath and wraps it for batch use.
// options are free-form call-time parameters; they are carried into bundles
// and handed back on reconstruction.
func NewWordpiece(modelPath string, options map[string]any) (*WordpieceTokenizer, error) {
	tok, err := Load(modelPath)
	if err != nil {
		return nil, err
	}
	return NewWordpieceFromTokenizer(tok, modelPath, options), nil
}

// NewWordpieceFromTokenizer wraps an already-loaded tokenizer. modelPath is
// the directory Persist copies asset files from; it may be empty for
// tokenizers that will never be persisted.
func NewWordpieceFromTokenizer(tok Tokenizer, modelPath string, options map[string]any) *WordpieceTokenizer {
	if options == nil {
		options = map[string]any{}
	}
	padID := int64(0)
	if id, err := tok.SpecialTokenID(TokPad); err == nil {
		padID = int64(id)
	}
	return &WordpieceTokenizer{
		tok:       tok,
		modelPath: modelPath,
		padID:     padID,
		options:   options,
	}
}

// Reconstruct rebuilds a WordpieceTokenizer from a directory previously
// materialized from a bundle's tokenizer assets.
func Reconstruct(dir string, options map[string]any) (*WordpieceTokenizer, error) {
	return NewWordpiece(dir, options)
}

// Options returns the free-form call-time parameters this tokenizer carries.
func (w *WordpieceTokenizer) Options() map[string]any { return w.options }

// Tokenize encodes a document batch. Each document token is encoded on its
// own, which yields the alignment directly: token i's wordpieces are exactly
// the ids its encoding produced, in order, so the wordpiece→token mapping is a
// strict partition. A token whose text encodes to nothing aligns to zero
// wordpieces. The id batch is padded to the longest document.
func (w *WordpieceTokenizer) Tokenize(docs []trfbatch.Document) (*trfbatch.BatchEncoding, error) {
	enc := &trfbatch.BatchEncoding{}
	if len(docs) == 0 {
		return enc, nil
	}

	enc.IDs = make([][]int64, len(docs))
	enc.Wordpieces = make([][]string, len(docs))
	enc.Align = make([][][]int, len(docs))

	maxLen := 0
	for i, doc := range docs {
		var ids []int64
		var pieces []string
		align := make([][]int, len(doc.Tokens))
		for ti, tok := range doc.Tokens {
			pieceIDs := w.tok.Encode(tok.Text)
			indices := make([]int, len(pieceIDs))
			for pi, id := range pieceIDs {
				indices[pi] = len(ids)
				ids = append(ids, int64(id))
				pieces = append(pieces, w.tok.Decode([]int{id}))
			}
			align[ti] = indices
		}
		enc.IDs[i] = ids
		enc.Wordpieces[i] = pieces
		enc.Align[i] = align
		maxLen = max(maxLen, len(ids))
	}

	for i := range enc.IDs {
		for len(enc.IDs[i]) < maxLen {
			enc.IDs[i] = append(enc.IDs[i], w.padID)
		}
	}
	return enc, nil
}

// Persist copies the tokenizer's asset files into dir, which must exist.
func (w *WordpieceTokenizer) Persist(dir string) error {
	if w.modelPath == "" {
		return fmt.Errorf("tokenizer has no source directory to persist from")
	}
	copied := 0
	for _, name := range assetFiles {
		src := filepath.Join(w.modelPath, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyFile(src, filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("persisting %s: %w", name, err)
		}
		copied++
	}
	if copied == 0 {
		return fmt.Errorf("no tokenizer assets found in %s", w.modelPath)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
