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

// Package encoders defines the capability set an encoder implementation must
// provide to the orchestrating stage and the bundle codec. The encoder's
// internals (attention, update rule) are opaque; this package only names the
// operations the rest of tandem routes through.
package encoders

import "github.com/antflydb/tandem/pkg/tandem/lib/trfbatch"

// BackwardFunc is the encoder's reverse callable, obtained from BeginUpdate.
// It consumes batch-shaped gradients (one BatchTensor per output layer, shaped
// exactly like the forward result) and propagates them through the encoder.
// It must be invoked at most once per BeginUpdate.
type BackwardFunc func(grads []trfbatch.BatchTensor) error

// Optimizer is the opaque update rule handed through FinishUpdate. Its
// concrete type is a contract between the caller and the encoder
// implementation; the stage only forwards the reference.
type Optimizer interface{}

// Encoder maps padded wordpiece-id batches to per-layer output tensors and
// exposes a reverse operation plus weight-state (de)serialization.
type Encoder interface {
	// Forward runs inference without gradient tracking.
	// Returns one BatchTensor per requested output layer.
	Forward(ids [][]int64) ([]trfbatch.BatchTensor, error)

	// BeginUpdate runs forward with gradient tracking and returns the
	// matching reverse callable.
	BeginUpdate(ids [][]int64) ([]trfbatch.BatchTensor, BackwardFunc, error)

	// FinishUpdate applies one optimizer step to the encoder's parameters.
	FinishUpdate(opt Optimizer) error

	// Parameters serializes the encoder's weight state to an opaque blob in a
	// stable, implementation-defined format.
	Parameters() ([]byte, error)

	// LoadParameters restores a weight blob onto the given device. It must
	// fail if the blob's parameter shapes do not match the encoder's.
	LoadParameters(state []byte, dev Device) error

	// Config returns the encoder's configuration as a nested key/value
	// document, sufficient for a Factory to rebuild an uninitialized twin.
	Config() map[string]any
}

// Factory reconstructs an uninitialized encoder from a configuration document.
// Implementations live with the encoder backend; the bundle codec takes one at
// decode time.
type Factory interface {
	NewFromConfig(cfg map[string]any) (Encoder, error)
}

// ForwardBinder is an optional capability: encoders that accept fixed
// call-time parameters implement it so the bundle codec can bind the persisted
// forward options after reconstruction.
type ForwardBinder interface {
	BindForwardOptions(opts map[string]any)
}
