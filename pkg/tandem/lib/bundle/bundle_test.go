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

package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/antflydb/tandem/pkg/tandem/lib/encoders"
	"github.com/antflydb/tandem/pkg/tandem/lib/trfbatch"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// memEncoder is a minimal encoder whose weight state is a raw byte blob of a
// fixed size; loading a blob of any other size is a shape mismatch.
type memEncoder struct {
	cfg         map[string]any
	state       []byte
	device      encoders.Device
	forwardOpts map[string]any
}

func (e *memEncoder) Forward(ids [][]int64) ([]trfbatch.BatchTensor, error) { return nil, nil }
func (e *memEncoder) BeginUpdate(ids [][]int64) ([]trfbatch.BatchTensor, encoders.BackwardFunc, error) {
	return nil, nil, nil
}
func (e *memEncoder) FinishUpdate(opt encoders.Optimizer) error { return nil }

func (e *memEncoder) Parameters() ([]byte, error) { return e.state, nil }
func (e *memEncoder) LoadParameters(state []byte, dev encoders.Device) error {
	if len(state) != len(e.state) {
		return fmt.Errorf("weight blob holds %d bytes, expected %d", len(state), len(e.state))
	}
	copy(e.state, state)
	e.device = dev
	return nil
}
func (e *memEncoder) Config() map[string]any { return e.cfg }

func (e *memEncoder) BindForwardOptions(opts map[string]any) { e.forwardOpts = opts }

// memFactory rebuilds memEncoders with a state sized from the config.
type memFactory struct{ built *memEncoder }

func (f *memFactory) NewFromConfig(cfg map[string]any) (encoders.Encoder, error) {
	size, ok := cfg["state_size"]
	if !ok {
		return nil, fmt.Errorf("config missing state_size")
	}
	n, err := toInt(size)
	if err != nil {
		return nil, err
	}
	f.built = &memEncoder{cfg: cfg, state: make([]byte, n)}
	return f.built, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return int(n), nil
	case uint64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}

// dirTokenizer persists a fixed set of asset files.
type dirTokenizer struct {
	assets  map[string][]byte
	options map[string]any
}

func (d *dirTokenizer) Persist(dir string) error {
	for name, content := range d.assets {
		if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func loadDirTokenizer(dir string, options map[string]any) (Tokenizer, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	tok := &dirTokenizer{assets: map[string][]byte{}, options: options}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		tok.assets[e.Name()] = data
	}
	return tok, nil
}

func liveShim() *Shim {
	return &Shim{
		Encoder: &memEncoder{
			cfg:   map[string]any{"state_size": 4, "hidden_size": 16},
			state: []byte{1, 2, 3, 4},
		},
		Tokenizer: &dirTokenizer{assets: map[string][]byte{
			"tokenizer.json":        []byte(`{"model":{"type":"WordPiece"}}`),
			"tokenizer_config.json": []byte(`{"do_lower_case":true}`),
		}},
		TokenizerConfig:   map[string]any{"do_lower_case": true},
		TransformerConfig: map[string]any{"output_hidden_states": true},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data, err := Encode(liveShim())
	require.NoError(t, err)

	factory := &memFactory{}
	shim, err := Decode(data, factory, loadDirTokenizer)
	require.NoError(t, err)
	require.NotNil(t, shim.Encoder)

	enc := shim.Encoder.(*memEncoder)
	require.Equal(t, []byte{1, 2, 3, 4}, enc.state)
	size, err := toInt(enc.cfg["state_size"])
	require.NoError(t, err)
	require.Equal(t, 4, size)
	require.Equal(t, map[string]any{"output_hidden_states": true}, enc.forwardOpts)
	require.Equal(t, encoders.DeviceCPU, enc.device.Type)

	tok := shim.Tokenizer.(*dirTokenizer)
	require.Equal(t, []byte(`{"model":{"type":"WordPiece"}}`), tok.assets["tokenizer.json"])
	require.Len(t, tok.assets, 2)
	require.Equal(t, map[string]any{"do_lower_case": true}, shim.TokenizerConfig)
	require.Equal(t, map[string]any{"output_hidden_states": true}, shim.TransformerConfig)
}

func TestEncodeDecodeEmptyBundle(t *testing.T) {
	data, err := Encode(&Shim{})
	require.NoError(t, err)

	// Decode of an empty bundle never reconstructs anything and never fails,
	// even with collaborators that would reject any call.
	shim, err := Decode(data, &memFactory{}, func(string, map[string]any) (Tokenizer, error) {
		return nil, fmt.Errorf("must not be called")
	})
	require.NoError(t, err)
	require.Nil(t, shim.Encoder)
	require.Nil(t, shim.Tokenizer)
}

func TestDecodeMissingField(t *testing.T) {
	data, err := msgpack.Marshal(map[string]any{
		"config": map[string]any{},
		"state":  []byte{},
		// tokenizer, tokenizer_config, transformer_config missing
	})
	require.NoError(t, err)

	_, err = Decode(data, &memFactory{}, loadDirTokenizer)
	require.ErrorIs(t, err, ErrBundleDecode)
	require.Contains(t, err.Error(), "tokenizer")
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte("not msgpack at all"), &memFactory{}, loadDirTokenizer)
	require.ErrorIs(t, err, ErrBundleDecode)
}

func TestDecodeWeightShapeMismatch(t *testing.T) {
	shim := liveShim()
	shim.Encoder.(*memEncoder).cfg["state_size"] = 8 // factory will build an 8-byte encoder
	data, err := Encode(shim)
	require.NoError(t, err)

	_, err = Decode(data, &memFactory{}, loadDirTokenizer)
	require.ErrorIs(t, err, ErrBundleDecode)
	require.Contains(t, err.Error(), "state")
}

func TestDecodeUnsafeAssetName(t *testing.T) {
	data, err := msgpack.Marshal(map[string]any{
		"config":             map[string]any{"state_size": 4},
		"state":              []byte{1, 2, 3, 4},
		"tokenizer":          map[string]any{"../escape.json": []byte("{}")},
		"tokenizer_config":   map[string]any{},
		"transformer_config": map[string]any{},
	})
	require.NoError(t, err)

	_, err = Decode(data, &memFactory{}, loadDirTokenizer)
	require.ErrorIs(t, err, ErrBundleDecode)
}

func TestInspect(t *testing.T) {
	data, err := Encode(liveShim())
	require.NoError(t, err)

	b, err := Inspect(data)
	require.NoError(t, err)
	require.Len(t, b.State, 4)
	require.Contains(t, b.Tokenizer, "tokenizer.json")
	require.Contains(t, b.Tokenizer, "tokenizer_config.json")
}
