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
	"encoding/binary"
	"fmt"
	"math"

	"github.com/antflydb/tandem/pkg/tandem/lib/encoders"
	"github.com/antflydb/tandem/pkg/tandem/lib/trfbatch"
)

// fakeEncoder is a deterministic stand-in for a real encoder: cell (i,j,k) of
// its single output layer is scale*id + k, so outputs are recognizable and
// bit-identical across forward passes with equal weights.
type fakeEncoder struct {
	width float32
	scale float32

	backwardCalls int
	lastBackward  []trfbatch.BatchTensor
	finishCalls   int
	lastOptimizer encoders.Optimizer
	lastDevice    encoders.Device
	forwardOpts   map[string]any
}

func newFakeEncoder(width int) *fakeEncoder {
	return &fakeEncoder{width: float32(width), scale: 1}
}

func (e *fakeEncoder) run(ids [][]int64) []trfbatch.BatchTensor {
	width := int(e.width)
	bt := make(trfbatch.BatchTensor, len(ids))
	for i, row := range ids {
		bt[i] = make([][]float32, len(row))
		for j, id := range row {
			cell := make([]float32, width)
			for k := range cell {
				cell[k] = e.scale*float32(id) + float32(k)
			}
			bt[i][j] = cell
		}
	}
	return []trfbatch.BatchTensor{bt}
}

func (e *fakeEncoder) Forward(ids [][]int64) ([]trfbatch.BatchTensor, error) {
	return e.run(ids), nil
}

func (e *fakeEncoder) BeginUpdate(ids [][]int64) ([]trfbatch.BatchTensor, encoders.BackwardFunc, error) {
	backward := func(grads []trfbatch.BatchTensor) error {
		e.backwardCalls++
		e.lastBackward = grads
		return nil
	}
	return e.run(ids), backward, nil
}

func (e *fakeEncoder) FinishUpdate(opt encoders.Optimizer) error {
	e.finishCalls++
	e.lastOptimizer = opt
	return nil
}

func (e *fakeEncoder) Parameters() ([]byte, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(e.width))
	binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(e.scale))
	return buf, nil
}

func (e *fakeEncoder) LoadParameters(state []byte, dev encoders.Device) error {
	if len(state) != 8 {
		return fmt.Errorf("weight blob holds %d bytes, expected 8", len(state))
	}
	width := math.Float32frombits(binary.LittleEndian.Uint32(state))
	if width != e.width {
		return fmt.Errorf("stored width %v does not match encoder width %v", width, e.width)
	}
	e.scale = math.Float32frombits(binary.LittleEndian.Uint32(state[4:]))
	e.lastDevice = dev
	return nil
}

func (e *fakeEncoder) Config() map[string]any {
	return map[string]any{"width": int(e.width)}
}

func (e *fakeEncoder) BindForwardOptions(opts map[string]any) {
	e.forwardOpts = opts
}

// fakeTokenizer maps each document token to one wordpiece whose id is the
// token id, framed by [CLS]/[SEP] pieces aligned to the first and last token.
type fakeTokenizer struct{}

const (
	fakeCLS int64 = 101
	fakeSEP int64 = 102
)

func (fakeTokenizer) Tokenize(docs []trfbatch.Document) (*trfbatch.BatchEncoding, error) {
	enc := &trfbatch.BatchEncoding{}
	if len(docs) == 0 {
		return enc, nil
	}
	enc.IDs = make([][]int64, len(docs))
	enc.Wordpieces = make([][]string, len(docs))
	enc.Align = make([][][]int, len(docs))

	maxLen := 0
	for i, doc := range docs {
		n := len(doc.Tokens)
		if n == 0 {
			enc.Align[i] = [][]int{}
			continue
		}
		ids := []int64{fakeCLS}
		pieces := []string{"[CLS]"}
		align := make([][]int, n)
		for ti, tok := range doc.Tokens {
			align[ti] = []int{ti + 1}
			ids = append(ids, int64(tok.ID))
			pieces = append(pieces, tok.Text)
		}
		ids = append(ids, fakeSEP)
		pieces = append(pieces, "[SEP]")
		align[0] = append([]int{0}, align[0]...)
		align[n-1] = append(align[n-1], n+1)

		enc.IDs[i] = ids
		enc.Wordpieces[i] = pieces
		enc.Align[i] = align
		maxLen = max(maxLen, len(ids))
	}
	for i := range enc.IDs {
		for len(enc.IDs[i]) < maxLen {
			enc.IDs[i] = append(enc.IDs[i], 0)
		}
	}
	return enc, nil
}

// testDocs builds documents from token id groups; token text mirrors the id.
func testDocs(groups ...[]uint64) []trfbatch.Document {
	docs := make([]trfbatch.Document, len(groups))
	for i, ids := range groups {
		toks := make([]trfbatch.Token, len(ids))
		for j, id := range ids {
			toks[j] = trfbatch.Token{ID: id, Text: fmt.Sprintf("tok%d", id)}
		}
		docs[i] = trfbatch.Document{Tokens: toks}
	}
	return docs
}

// onesLike builds an all-ones gradient in the shape of outputs.
func onesLike(outputs []trfbatch.TransformerData) []trfbatch.TransformerData {
	grads := make([]trfbatch.TransformerData, len(outputs))
	for i, data := range outputs {
		g := trfbatch.TransformerData{Width: data.Width, Tensors: make([]trfbatch.Tensor, len(data.Tensors))}
		for layer, t := range data.Tensors {
			gt := trfbatch.NewTensor(len(t), data.Width)
			for r := range gt {
				for c := range gt[r] {
					gt[r][c] = 1
				}
			}
			g.Tensors[layer] = gt
		}
		grads[i] = g
	}
	return grads
}
