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

	"go.uber.org/zap"
)

// Session wraps the shared model and serializes forward passes through it.
// The model and device context are shared across every request handled by
// this process; two minibatches never run a forward pass concurrently on
// the same device. A failed or panicking forward pass is converted into an
// error scoped to that minibatch and leaves the session usable for
// subsequent minibatches and requests.
type Session struct {
	mu     sync.Mutex
	model  Model
	device DeviceType
	logger *zap.Logger
}

// NewSession creates a Session around model on the given device target.
func NewSession(model Model, device DeviceType, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{model: model, device: device, logger: logger}
}

// Device returns the session's device target.
func (s *Session) Device() DeviceType { return s.device }

// Model returns the wrapped model.
func (s *Session) Model() Model { return s.model }

// EncodeImage runs the visual forward pass for one minibatch.
func (s *Session) EncodeImage(ctx context.Context, batch *ImageTensor) ([][]float32, error) {
	if batch.Device != s.device {
		return nil, fmt.Errorf("image tensor placed on %q, session device is %q", batch.Device, s.device)
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	embeddings, err := s.run(ctx, batch.Batch, func(ctx context.Context) ([][]float32, error) {
		return s.model.EncodeImage(ctx, batch)
	})
	if err != nil {
		return nil, fmt.Errorf("image forward pass: %w", err)
	}
	return embeddings, nil
}

// EncodeText runs the text forward pass for one minibatch.
func (s *Session) EncodeText(ctx context.Context, batch *TokenTensor) ([][]float32, error) {
	if batch.Device != s.device {
		return nil, fmt.Errorf("token tensor placed on %q, session device is %q", batch.Device, s.device)
	}
	embeddings, err := s.run(ctx, batch.Batch(), func(ctx context.Context) ([][]float32, error) {
		return s.model.EncodeText(ctx, batch)
	})
	if err != nil {
		return nil, fmt.Errorf("text forward pass: %w", err)
	}
	return embeddings, nil
}

// run serializes forward passes and keeps the shared model usable when one
// fails: panics from a malformed minibatch or device exhaustion become
// errors for that minibatch only.
func (s *Session) run(ctx context.Context, batchSize int, forward func(context.Context) ([][]float32, error)) (embeddings [][]float32, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Forward pass panicked", zap.Any("panic", r))
			embeddings = nil
			err = fmt.Errorf("forward pass panicked: %v", r)
		}
	}()

	embeddings, err = forward(ctx)
	if err != nil {
		return nil, err
	}
	if len(embeddings) != batchSize {
		return nil, fmt.Errorf("model returned %d embeddings for %d inputs", len(embeddings), batchSize)
	}
	return embeddings, nil
}

// Close releases the wrapped model.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model.Close()
}
