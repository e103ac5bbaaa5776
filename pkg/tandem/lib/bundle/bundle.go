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

// Package bundle persists an encoder's configuration, weight state, and
// tokenizer assets as one self-contained msgpack artifact, and restores a
// live encoder+tokenizer pair from it.
package bundle

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/antflydb/tandem/pkg/tandem/lib/encoders"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrBundleDecode is returned for malformed or incomplete persisted
// artifacts, and when stored weights do not fit the reconstructed encoder.
var ErrBundleDecode = errors.New("malformed model bundle")

// requiredFields are the exact top-level msgpack map keys.
var requiredFields = []string{"config", "state", "tokenizer", "tokenizer_config", "transformer_config"}

// Bundle is the persisted unit. Config may legitimately be empty, which
// round-trips to a shim holding no live model.
type Bundle struct {
	Config            map[string]any    `msgpack:"config"`
	State             []byte            `msgpack:"state"`
	Tokenizer         map[string][]byte `msgpack:"tokenizer"`
	TokenizerConfig   map[string]any    `msgpack:"tokenizer_config"`
	TransformerConfig map[string]any    `msgpack:"transformer_config"`
}

// Tokenizer is the capability the codec needs from a tokenizer: the ability
// to write its asset files into a directory.
type Tokenizer interface {
	Persist(dir string) error
}

// TokenizerLoader reconstructs a tokenizer from a directory of materialized
// assets plus its persisted call-time options.
type TokenizerLoader func(dir string, options map[string]any) (Tokenizer, error)

// Shim pairs a live encoder with its tokenizer and the two free-form option
// documents captured at bundling time. A Shim with a nil Encoder is the valid
// "no model loaded" state.
type Shim struct {
	Encoder           encoders.Encoder
	Tokenizer         Tokenizer
	TokenizerConfig   map[string]any
	TransformerConfig map[string]any
}

// Encode serializes the shim to one self-describing msgpack blob. A nil
// encoder produces a valid empty bundle. Tokenizer assets are captured via a
// scoped temporary directory that is removed on every exit path.
func Encode(shim *Shim) ([]byte, error) {
	b := Bundle{
		Config:            map[string]any{},
		State:             []byte{},
		Tokenizer:         map[string][]byte{},
		TokenizerConfig:   orEmpty(shim.TokenizerConfig),
		TransformerConfig: orEmpty(shim.TransformerConfig),
	}

	if shim.Encoder != nil {
		b.Config = orEmpty(shim.Encoder.Config())
		state, err := shim.Encoder.Parameters()
		if err != nil {
			return nil, fmt.Errorf("serializing encoder parameters: %w", err)
		}
		b.State = state

		assets, err := captureTokenizer(shim.Tokenizer)
		if err != nil {
			return nil, err
		}
		b.Tokenizer = assets
	}

	data, err := msgpack.Marshal(&b)
	if err != nil {
		return nil, fmt.Errorf("encoding bundle: %w", err)
	}
	return data, nil
}

// captureTokenizer persists the tokenizer into a scoped temp dir and reads
// every regular file back as filename→bytes.
func captureTokenizer(tok Tokenizer) (map[string][]byte, error) {
	if tok == nil {
		return nil, fmt.Errorf("encoder present but tokenizer is nil")
	}
	dir, err := os.MkdirTemp("", "tandem-bundle-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	if err := tok.Persist(dir); err != nil {
		return nil, fmt.Errorf("persisting tokenizer: %w", err)
	}

	assets := map[string][]byte{}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		assets[d.Name()] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("capturing tokenizer assets: %w", err)
	}
	return assets, nil
}

// Decode reconstructs a live encoder+tokenizer pair. An empty config yields a
// shim holding no live model and never fails. Otherwise the tokenizer assets
// are materialized into a scoped temp dir, the tokenizer is rebuilt from them
// with its persisted options, the encoder is rebuilt from the config via the
// factory, the forward options are bound, and the weight blob is loaded onto
// the device the current execution context designates.
func Decode(data []byte, factory encoders.Factory, loadTokenizer TokenizerLoader) (*Shim, error) {
	b, err := Inspect(data)
	if err != nil {
		return nil, err
	}

	shim := &Shim{
		TokenizerConfig:   orEmpty(b.TokenizerConfig),
		TransformerConfig: orEmpty(b.TransformerConfig),
	}
	if len(b.Config) == 0 {
		return shim, nil
	}

	dir, err := os.MkdirTemp("", "tandem-bundle-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	for name, content := range b.Tokenizer {
		if name != filepath.Base(name) || strings.Contains(name, "..") {
			return nil, fmt.Errorf("%w: unsafe tokenizer asset name %q", ErrBundleDecode, name)
		}
		if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
			return nil, fmt.Errorf("materializing tokenizer asset %s: %w", name, err)
		}
	}

	tok, err := loadTokenizer(dir, shim.TokenizerConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: reconstructing tokenizer: %v", ErrBundleDecode, err)
	}

	enc, err := factory.NewFromConfig(b.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: field %q: %v", ErrBundleDecode, "config", err)
	}
	if binder, ok := enc.(encoders.ForwardBinder); ok {
		binder.BindForwardOptions(shim.TransformerConfig)
	}
	if err := enc.LoadParameters(b.State, encoders.CurrentDevice()); err != nil {
		return nil, fmt.Errorf("%w: field %q: %v", ErrBundleDecode, "state", err)
	}

	shim.Encoder = enc
	shim.Tokenizer = tok
	return shim, nil
}

// Inspect decodes only the raw bundle map, verifying that every required
// field is present. It never reconstructs live objects; tooling uses it to
// examine artifacts cheaply.
func Inspect(data []byte) (*Bundle, error) {
	var raw map[string]msgpack.RawMessage
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBundleDecode, err)
	}
	for _, field := range requiredFields {
		if _, ok := raw[field]; !ok {
			return nil, fmt.Errorf("%w: missing field %q", ErrBundleDecode, field)
		}
	}

	var b Bundle
	if err := msgpack.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBundleDecode, err)
	}
	return &b, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
