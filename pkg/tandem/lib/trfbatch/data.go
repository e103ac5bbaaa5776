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

// Package trfbatch defines the document-batch / encoder-batch data model shared
// by the orchestrating stage and its listeners: per-document slices of encoder
// output, the whole-batch view, and the split/unsplit transforms between them.
package trfbatch

import "fmt"

// Token is one document token. ID is a stable lexeme identity used only for
// fingerprinting; Text is what the wordpiece tokenizer consumes.
type Token struct {
	ID   uint64
	Text string
}

// Document is an ordered token sequence. Documents are owned by the caller and
// are never mutated by this package.
type Document struct {
	Tokens []Token
}

// Tensor is one per-document activation or gradient array, wordpieceCount rows
// by hidden width columns.
type Tensor [][]float32

// BatchTensor is one encoder output layer for a whole batch,
// [batch][maxSeqLen][width], padded along the sequence axis.
type BatchTensor [][][]float32

// NewTensor allocates a zero tensor with the given shape.
func NewTensor(rows, width int) Tensor {
	t := make(Tensor, rows)
	for i := range t {
		t[i] = make([]float32, width)
	}
	return t
}

// BatchEncoding is the tokenizer's batched output: the padded numeric input the
// encoder consumes, plus per-document wordpiece strings and the alignment from
// document tokens to the wordpiece indices that realize them.
type BatchEncoding struct {
	// IDs are the padded wordpiece ids, [batch][maxSeqLen].
	IDs [][]int64

	// Wordpieces holds each document's unpadded wordpiece token strings.
	Wordpieces [][]string

	// Align maps, per document, each document-token index to the ordered
	// wordpiece indices composing it. Wordpiece→token is a strict partition;
	// a token may align to zero wordpieces.
	Align [][][]int
}

// TransformerData is one document's slice of encoder output: the wordpiece
// tokens the encoder consumed, the alignment back to document tokens, and one
// tensor per requested output layer, each wordpieceCount×Width. Tensors are
// owned by this struct once constructed and shared read-only with consumers.
type TransformerData struct {
	Wordpieces []string
	Align      [][]int
	Tensors    []Tensor
	Width      int
}

// Empty returns the distinguished zero-wordpiece TransformerData used when a
// batch contains no usable documents.
func Empty() TransformerData {
	return TransformerData{}
}

// IsEmpty reports whether d is the distinguished empty value.
func (d TransformerData) IsEmpty() bool {
	return len(d.Wordpieces) == 0 && len(d.Tensors) == 0
}

// Validate checks the alignment partition invariant: every wordpiece is covered
// exactly once and tensor row counts match the wordpiece count.
func (d TransformerData) Validate() error {
	covered := 0
	for _, wp := range d.Align {
		covered += len(wp)
	}
	if covered != len(d.Wordpieces) {
		return fmt.Errorf("alignment covers %d wordpieces, have %d", covered, len(d.Wordpieces))
	}
	for i, t := range d.Tensors {
		if len(t) != len(d.Wordpieces) {
			return fmt.Errorf("tensor %d has %d rows for %d wordpieces", i, len(t), len(d.Wordpieces))
		}
		for _, row := range t {
			if len(row) != d.Width {
				return fmt.Errorf("tensor %d row width %d != %d", i, len(row), d.Width)
			}
		}
	}
	return nil
}

// FullBatch is the whole-batch encoder result before splitting. Encoding is
// retained so UnsplitByDoc can reconstruct exactly the tensor shape the
// encoder expects on backward.
type FullBatch struct {
	Encoding *BatchEncoding
	Tensors  []BatchTensor
	DocData  []TransformerData
}
