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

package trfbatch

import "fmt"

// Split slices the batched encoder output back into per-document views, one
// TransformerData per document in input order. An encoding with zero documents
// yields exactly one distinguished empty TransformerData, never an empty
// sequence, so zero-length batches cannot starve downstream consumers.
//
// Shape mismatches between the encoding and the tensors are contract
// violations by the encoder or tokenizer and are surfaced as errors.
func Split(enc *BatchEncoding, tensors []BatchTensor) (*FullBatch, error) {
	batch := &FullBatch{Encoding: enc, Tensors: tensors}
	if len(enc.Wordpieces) == 0 {
		batch.DocData = []TransformerData{Empty()}
		return batch, nil
	}

	width, err := batchWidth(tensors)
	if err != nil {
		return nil, err
	}
	for _, bt := range tensors {
		if len(bt) != len(enc.Wordpieces) {
			return nil, fmt.Errorf("batch tensor has %d rows for %d documents", len(bt), len(enc.Wordpieces))
		}
	}

	batch.DocData = make([]TransformerData, len(enc.Wordpieces))
	for i, wordpieces := range enc.Wordpieces {
		n := len(wordpieces)
		data := TransformerData{
			Wordpieces: wordpieces,
			Align:      enc.Align[i],
			Tensors:    make([]Tensor, len(tensors)),
			Width:      width,
		}
		for layer, bt := range tensors {
			if n > len(bt[i]) {
				return nil, fmt.Errorf("document %d has %d wordpieces but layer %d row holds %d", i, n, layer, len(bt[i]))
			}
			data.Tensors[layer] = Tensor(bt[i][:n])
		}
		if err := data.Validate(); err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		batch.DocData[i] = data
	}
	return batch, nil
}

// UnsplitByDoc is the inverse of Split's slicing: it scatters per-document
// gradient tensors back into the padded batch layout, zero-filling padding
// positions. A document whose contribution is empty yields an all-zero slice;
// a non-empty contribution must match the forward slice shape exactly.
func (b *FullBatch) UnsplitByDoc(docGrads [][]Tensor) ([]BatchTensor, error) {
	if len(docGrads) != len(b.Encoding.Wordpieces) {
		return nil, fmt.Errorf("have gradients for %d documents, batch holds %d", len(docGrads), len(b.Encoding.Wordpieces))
	}
	width, err := batchWidth(b.Tensors)
	if err != nil {
		return nil, err
	}

	out := make([]BatchTensor, len(b.Tensors))
	for layer, bt := range b.Tensors {
		merged := make(BatchTensor, len(bt))
		for i, row := range bt {
			merged[i] = make([][]float32, len(row))
			for j := range row {
				merged[i][j] = make([]float32, width)
			}
		}
		out[layer] = merged
	}

	for i, grads := range docGrads {
		if len(grads) == 0 {
			continue // no contribution, leave the zero slice
		}
		if len(grads) != len(out) {
			return nil, fmt.Errorf("document %d contributed %d layers, batch holds %d", i, len(grads), len(out))
		}
		n := len(b.Encoding.Wordpieces[i])
		for layer, g := range grads {
			if len(g) != n {
				return nil, fmt.Errorf("document %d layer %d gradient has %d rows, forward slice had %d", i, layer, len(g), n)
			}
			for j, row := range g {
				if len(row) != width {
					return nil, fmt.Errorf("document %d layer %d row width %d != %d", i, layer, len(row), width)
				}
				copy(out[layer][i][j], row)
			}
		}
	}
	return out, nil
}

// batchWidth returns the uniform hidden width of the batch tensors.
func batchWidth(tensors []BatchTensor) (int, error) {
	width := -1
	for layer, bt := range tensors {
		for _, row := range bt {
			for _, cell := range row {
				if width == -1 {
					width = len(cell)
				} else if len(cell) != width {
					return 0, fmt.Errorf("layer %d mixes widths %d and %d", layer, width, len(cell))
				}
			}
		}
	}
	if width == -1 {
		return 0, nil
	}
	return width, nil
}
