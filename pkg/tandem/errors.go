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

// Package tandem shares one transformer-encoder forward pass across downstream
// pipeline components: an orchestrating stage runs the encoder once per
// document batch, broadcasts per-document output slices to registered
// listeners, and on the backward pass collects every listener's gradient
// contribution before triggering exactly one encoder backward call.
package tandem

import "errors"

var (
	// ErrInconsistentBatch is returned when a listener is asked to consume a
	// document batch whose fingerprint does not match the outputs it last
	// received, or when it has never received outputs at all. This indicates a
	// driver bug pairing the wrong documents with a listener; it is never
	// retried internally.
	ErrInconsistentBatch = errors.New("document batch does not match received outputs")

	// ErrNoListeners is returned when Update is invoked with an empty
	// listener list, leaving the finalize step no target.
	ErrNoListeners = errors.New("no listeners registered")

	// ErrIncompleteAccumulation is returned when the finalize acceptor fires
	// before every other listener has contributed its gradient.
	ErrIncompleteAccumulation = errors.New("finalize before all gradient contributions arrived")

	// ErrStepFinalized is returned when a gradient contribution arrives after
	// the step's backward pass has already run.
	ErrStepFinalized = errors.New("gradient contribution after step finalized")

	// ErrNoAnnotation is returned when a non-training consume finds no cached
	// output for a document.
	ErrNoAnnotation = errors.New("no cached output for document")
)
