// Copyright 2025 The clip-as-service Authors
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

package backends

import (
	"context"
	"fmt"
	"sync"
)

// Model is the opaque shared encoder. Implementations must run both
// forward passes in inference-only mode for the whole lifetime of the
// model: no gradient or training-mode bookkeeping may be active, so that
// repeated calls do not grow memory. Implementations are not required to
// be safe for concurrent forward passes; Session serializes access.
type Model interface {
	// Name returns the model variant name for logging.
	Name() string

	// EncodeImage runs the visual forward pass over a preprocessed image
	// minibatch placed on the model's device, returning one embedding row
	// per input item, in input order, in host-addressable memory.
	EncodeImage(ctx context.Context, batch *ImageTensor) ([][]float32, error)

	// EncodeText runs the text forward pass over a tokenized minibatch
	// placed on the model's device, returning one embedding row per input
	// item, in input order, in host-addressable memory.
	EncodeText(ctx context.Context, batch *TokenTensor) ([][]float32, error)

	// Close releases model resources.
	Close() error
}

// Tokenizer converts raw text into a batched token tensor.
type Tokenizer interface {
	Tokenize(texts []string) (*TokenTensor, error)
}

// LoadOption configures model loading.
type LoadOption func(*LoadConfig)

// LoadConfig holds resolved loader options.
type LoadConfig struct {
	// JIT requests the compiled/traced model form when the backend has one.
	JIT bool
}

// WithJIT requests the compiled/traced model form.
func WithJIT(jit bool) LoadOption {
	return func(c *LoadConfig) {
		c.JIT = jit
	}
}

// Loader constructs the shared encoder for a model variant on a device
// target. It also supplies the variant's preprocessing collaborators: the
// image transform configuration and the text tokenizer.
type Loader interface {
	Load(variant string, device DeviceType, opts ...LoadOption) (Model, Tokenizer, *ImageConfig, error)
}

var (
	loaderMu      sync.RWMutex
	defaultLoader Loader
)

// RegisterLoader installs the process-wide model loader. Backend packages
// call this from init(); the last registration wins.
func RegisterLoader(l Loader) {
	loaderMu.Lock()
	defer loaderMu.Unlock()
	defaultLoader = l
}

// DefaultLoader returns the registered model loader, or an error when no
// model backend has been compiled into this binary.
func DefaultLoader() (Loader, error) {
	loaderMu.RLock()
	defer loaderMu.RUnlock()
	if defaultLoader == nil {
		return nil, fmt.Errorf("no model backend registered: link a backend package or pass a Loader explicitly")
	}
	return defaultLoader, nil
}
