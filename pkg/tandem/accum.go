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
)

// gradAccumulator collects listener gradient contributions for one training
// step. It is exclusively owned by the stage for the lifetime of one
// fingerprint; listeners reach it only through the acceptor callbacks. The
// contribution count makes the accumulate-before-finalize ordering explicit:
// finalize refuses to run until every listener has contributed, and no
// contribution is accepted after finalization.
type gradAccumulator struct {
	fingerprint   uint64
	expected      int // total listeners, finalizer included
	contributions int
	finalized     bool
	grads         [][]trfbatch.Tensor // per document, per layer
}

func newGradAccumulator(fingerprint uint64, listeners, docs int) *gradAccumulator {
	return &gradAccumulator{
		fingerprint: fingerprint,
		expected:    listeners,
		grads:       make([][]trfbatch.Tensor, docs),
	}
}

// add folds one listener's per-document gradients into the running
// accumulator, initializing each document's slot on first arrival. It returns
// the loss contribution (sum of squares over every gradient tensor).
func (a *gradAccumulator) add(dgrads []trfbatch.TransformerData) (float64, error) {
	if a.finalized {
		return 0, fmt.Errorf("fingerprint %x: %w", a.fingerprint, ErrStepFinalized)
	}
	if len(dgrads) != len(a.grads) {
		return 0, fmt.Errorf("contribution covers %d documents, step holds %d", len(dgrads), len(a.grads))
	}

	var loss float64
	for i, dg := range dgrads {
		for _, tensor := range dg.Tensors {
			for _, row := range tensor {
				for _, v := range row {
					loss += float64(v) * float64(v)
				}
			}
		}
		if len(dg.Tensors) == 0 {
			continue
		}
		if a.grads[i] == nil {
			a.grads[i] = cloneTensors(dg.Tensors)
			continue
		}
		if err := addTensors(a.grads[i], dg.Tensors); err != nil {
			return 0, fmt.Errorf("document %d: %w", i, err)
		}
	}
	a.contributions++
	return loss, nil
}

// finalize closes the step. It must run after the finalizer's own add, once
// every listener has contributed.
func (a *gradAccumulator) finalize() error {
	if a.finalized {
		return fmt.Errorf("fingerprint %x: %w", a.fingerprint, ErrStepFinalized)
	}
	if a.contributions < a.expected {
		return fmt.Errorf("have %d of %d contributions: %w", a.contributions, a.expected, ErrIncompleteAccumulation)
	}
	a.finalized = true
	return nil
}

func cloneTensors(ts []trfbatch.Tensor) []trfbatch.Tensor {
	out := make([]trfbatch.Tensor, len(ts))
	for i, t := range ts {
		c := make(trfbatch.Tensor, len(t))
		for j, row := range t {
			c[j] = append([]float32(nil), row...)
		}
		out[i] = c
	}
	return out
}

func addTensors(dst, src []trfbatch.Tensor) error {
	if len(dst) != len(src) {
		return fmt.Errorf("contribution has %d layers, accumulator holds %d", len(src), len(dst))
	}
	for i := range src {
		if len(src[i]) != len(dst[i]) {
			return fmt.Errorf("layer %d: contribution has %d rows, accumulator holds %d", i, len(src[i]), len(dst[i]))
		}
		for j := range src[i] {
			if len(src[i][j]) != len(dst[i][j]) {
				return fmt.Errorf("layer %d row %d: width %d != %d", i, j, len(src[i][j]), len(dst[i][j]))
			}
			for k, v := range src[i][j] {
				dst[i][j][k] += v
			}
		}
	}
	return nil
}
