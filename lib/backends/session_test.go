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
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModel scripts per-call behavior and tracks forward-pass concurrency.
type fakeModel struct {
	encodeImage func(batch *ImageTensor) ([][]float32, error)
	encodeText  func(batch *TokenTensor) ([][]float32, error)

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	closed      atomic.Bool
}

func (m *fakeModel) Name() string { return "fake" }

func (m *fakeModel) enter() {
	cur := m.inFlight.Add(1)
	for {
		max := m.maxInFlight.Load()
		if cur <= max || m.maxInFlight.CompareAndSwap(max, cur) {
			return
		}
	}
}

func (m *fakeModel) EncodeImage(_ context.Context, batch *ImageTensor) ([][]float32, error) {
	m.enter()
	defer m.inFlight.Add(-1)
	if m.encodeImage != nil {
		return m.encodeImage(batch)
	}
	return make([][]float32, batch.Batch), nil
}

func (m *fakeModel) EncodeText(_ context.Context, batch *TokenTensor) ([][]float32, error) {
	m.enter()
	defer m.inFlight.Add(-1)
	if m.encodeText != nil {
		return m.encodeText(batch)
	}
	return make([][]float32, batch.Batch()), nil
}

func (m *fakeModel) Close() error {
	m.closed.Store(true)
	return nil
}

func imageBatch(n int, device DeviceType) *ImageTensor {
	return (&ImageTensor{
		Data:     make([]float32, n*3*2*2),
		Batch:    n,
		Channels: 3,
		Height:   2,
		Width:    2,
	}).To(device)
}

func TestSessionEncodeImage(t *testing.T) {
	model := &fakeModel{
		encodeImage: func(batch *ImageTensor) ([][]float32, error) {
			out := make([][]float32, batch.Batch)
			for i := range out {
				out[i] = []float32{float32(i)}
			}
			return out, nil
		},
	}
	s := NewSession(model, DeviceCPU, nil)

	got, err := s.EncodeImage(context.Background(), imageBatch(3, DeviceCPU))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []float32{2}, got[2])
}

func TestSessionRejectsWrongDevice(t *testing.T) {
	s := NewSession(&fakeModel{}, DeviceCUDA, nil)

	_, err := s.EncodeImage(context.Background(), imageBatch(1, DeviceCPU))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cuda")

	_, err = s.EncodeText(context.Background(), &TokenTensor{IDs: [][]int32{{1}}, Device: DeviceCPU})
	require.Error(t, err)
}

func TestSessionRowCountMismatch(t *testing.T) {
	model := &fakeModel{
		encodeText: func(batch *TokenTensor) ([][]float32, error) {
			return [][]float32{{1}}, nil // one row for two inputs
		},
	}
	s := NewSession(model, DeviceCPU, nil)

	_, err := s.EncodeText(context.Background(), &TokenTensor{IDs: [][]int32{{1}, {2}}, Device: DeviceCPU})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 inputs")
}

func TestSessionRecoversPanicAndStaysUsable(t *testing.T) {
	var calls atomic.Int32
	model := &fakeModel{
		encodeImage: func(batch *ImageTensor) ([][]float32, error) {
			if calls.Add(1) == 1 {
				panic("device out of memory")
			}
			return make([][]float32, batch.Batch), nil
		},
	}
	s := NewSession(model, DeviceCPU, nil)

	_, err := s.EncodeImage(context.Background(), imageBatch(1, DeviceCPU))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	// The panic must not poison the session for the next minibatch.
	_, err = s.EncodeImage(context.Background(), imageBatch(1, DeviceCPU))
	require.NoError(t, err)
}

func TestSessionPropagatesModelError(t *testing.T) {
	boom := errors.New("engine failure")
	model := &fakeModel{
		encodeText: func(*TokenTensor) ([][]float32, error) { return nil, boom },
	}
	s := NewSession(model, DeviceCPU, nil)

	_, err := s.EncodeText(context.Background(), &TokenTensor{IDs: [][]int32{{1}}, Device: DeviceCPU})
	require.ErrorIs(t, err, boom)
}

func TestSessionCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSession(&fakeModel{}, DeviceCPU, nil)
	_, err := s.EncodeImage(ctx, imageBatch(1, DeviceCPU))
	require.ErrorIs(t, err, context.Canceled)
}

func TestSessionSerializesForwardPasses(t *testing.T) {
	model := &fakeModel{}
	s := NewSession(model, DeviceCPU, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.EncodeImage(context.Background(), imageBatch(2, DeviceCPU))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), model.maxInFlight.Load())
}

func TestSessionClose(t *testing.T) {
	model := &fakeModel{}
	s := NewSession(model, DeviceCPU, nil)
	require.NoError(t, s.Close())
	assert.True(t, model.closed.Load())
}
