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

package clipserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/morgoth95/clip-as-service/lib/backends"
	"github.com/morgoth95/clip-as-service/lib/docarray"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModel hands out sequential embedding values per modality, so tests
// can check that row k of the model output lands on the k-th document of
// that modality in the original request order.
type fakeModel struct {
	mu          sync.Mutex
	imageSeq    int
	textSeq     int
	imageSizes  []int
	textSizes   []int
	imageErrOn  int // 1-based call number that fails, 0 disables
	textErrOn   int
	imageCalls  int
	textCalls   int
	panicImages bool
	closed      bool
}

func (m *fakeModel) Name() string { return "fake" }

func (m *fakeModel) EncodeImage(_ context.Context, batch *backends.ImageTensor) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panicImages {
		panic("visual encoder blew up")
	}
	m.imageCalls++
	m.imageSizes = append(m.imageSizes, batch.Batch)
	if m.imageErrOn == m.imageCalls {
		return nil, errors.New("image inference failed")
	}
	out := make([][]float32, batch.Batch)
	for i := range out {
		out[i] = []float32{float32(m.imageSeq)}
		m.imageSeq++
	}
	return out, nil
}

func (m *fakeModel) EncodeText(_ context.Context, batch *backends.TokenTensor) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.textCalls++
	m.textSizes = append(m.textSizes, batch.Batch())
	if m.textErrOn == m.textCalls {
		return nil, errors.New("text inference failed")
	}
	out := make([][]float32, batch.Batch())
	for i := range out {
		out[i] = []float32{1000 + float32(m.textSeq)}
		m.textSeq++
	}
	return out, nil
}

func (m *fakeModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type fakeTokenizer struct{}

func (fakeTokenizer) Tokenize(texts []string) (*backends.TokenTensor, error) {
	ids := make([][]int32, len(texts))
	for i := range texts {
		ids[i] = []int32{int32(i)}
	}
	return &backends.TokenTensor{IDs: ids}, nil
}

type fakeLoader struct {
	model      *fakeModel
	loadedWith backends.LoadConfig
}

func (l *fakeLoader) Load(variant string, device backends.DeviceType, opts ...backends.LoadOption) (backends.Model, backends.Tokenizer, *backends.ImageConfig, error) {
	for _, opt := range opts {
		opt(&l.loadedWith)
	}
	// A tiny geometry keeps preprocessing cheap in tests.
	cfg := &backends.ImageConfig{
		Width: 8, Height: 8, Channels: 3,
		Mean: [3]float32{}, Std: [3]float32{1, 1, 1}, RescaleFactor: 1.0 / 255,
	}
	return l.model, fakeTokenizer{}, cfg, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Device = "cpu"
	return cfg
}

func newTestEncoder(t *testing.T, cfg Config, model *fakeModel) *CLIPEncoder {
	t.Helper()
	enc, err := NewCLIPEncoderWithLoader(cfg, &fakeLoader{model: model}, nil)
	require.NoError(t, err)
	return enc
}

func grayTensor(v float32) *docarray.Tensor {
	data := make([]float32, 2*2*3)
	for i := range data {
		data[i] = v
	}
	return &docarray.Tensor{Data: data, Shape: []int{2, 2, 3}}
}

func TestEncodeMixedBatch(t *testing.T) {
	model := &fakeModel{}
	enc := newTestEncoder(t, testConfig(), model)

	docs := docarray.New(
		&docarray.Document{Text: "a photo of a cat"},
		&docarray.Document{Tensor: grayTensor(50)},
		&docarray.Document{Text: "a photo of a dog"},
		&docarray.Document{Tensor: grayTensor(200)},
	)
	require.NoError(t, enc.Encode(context.Background(), docs))

	// Text rows land on text documents in request order.
	assert.Equal(t, []float32{1000}, docs.At(0).Embedding)
	assert.Equal(t, []float32{1001}, docs.At(2).Embedding)
	// Image rows land on image documents in request order.
	assert.Equal(t, []float32{0}, docs.At(1).Embedding)
	assert.Equal(t, []float32{1}, docs.At(3).Embedding)

	assert.Equal(t, docarray.ModalityText, docs.At(0).Modality)
	assert.Equal(t, docarray.ModalityImage, docs.At(1).Modality)
}

func TestEncodeMinibatchSizes(t *testing.T) {
	model := &fakeModel{}
	cfg := testConfig()
	cfg.MinibatchSize = 64
	enc := newTestEncoder(t, cfg, model)

	docs := docarray.New()
	for i := 0; i < 130; i++ {
		docs.Append(&docarray.Document{Text: fmt.Sprintf("caption %d", i)})
	}
	require.NoError(t, enc.Encode(context.Background(), docs))

	assert.Equal(t, []int{64, 64, 2}, model.textSizes)
	for i, doc := range docs.Documents() {
		require.Len(t, doc.Embedding, 1)
		assert.Equal(t, 1000+float32(i), doc.Embedding[0])
	}
}

func TestEncodeSkipsEmptyDocuments(t *testing.T) {
	model := &fakeModel{}
	enc := newTestEncoder(t, testConfig(), model)

	docs := docarray.New(
		&docarray.Document{ID: "empty"},
		&docarray.Document{Text: "still encoded"},
	)
	require.NoError(t, enc.Encode(context.Background(), docs))

	assert.False(t, docs.At(0).HasEmbedding())
	assert.NoError(t, docs.At(0).Err)
	assert.Equal(t, docarray.ModalityNone, docs.At(0).Modality)
	assert.True(t, docs.At(1).HasEmbedding())
}

func TestEncodeAllEmptyRequestTouchesNoModel(t *testing.T) {
	model := &fakeModel{}
	enc := newTestEncoder(t, testConfig(), model)

	docs := docarray.New(&docarray.Document{}, &docarray.Document{})
	require.NoError(t, enc.Encode(context.Background(), docs))
	assert.Zero(t, model.imageCalls)
	assert.Zero(t, model.textCalls)
}

func TestEncodeBrokenURIFailsOnlyItsMinibatch(t *testing.T) {
	model := &fakeModel{}
	enc := newTestEncoder(t, testConfig(), model)

	docs := docarray.New(
		&docarray.Document{URI: "bogus://x"},
		&docarray.Document{Tensor: grayTensor(10)},
		&docarray.Document{Text: "unaffected text"},
	)
	err := enc.Encode(context.Background(), docs)
	require.Error(t, err)

	// The failed fetch poisons its whole image minibatch.
	assert.Error(t, docs.At(0).Err)
	assert.Error(t, docs.At(1).Err)
	assert.False(t, docs.At(0).HasEmbedding())
	assert.False(t, docs.At(1).HasEmbedding())

	// The text side of the request still succeeds.
	assert.NoError(t, docs.At(2).Err)
	assert.True(t, docs.At(2).HasEmbedding())
}

func TestEncodeInferenceFailureScopedToMinibatch(t *testing.T) {
	model := &fakeModel{textErrOn: 1}
	cfg := testConfig()
	cfg.MinibatchSize = 2
	enc := newTestEncoder(t, cfg, model)

	docs := docarray.New(
		&docarray.Document{Text: "first"},
		&docarray.Document{Text: "second"},
		&docarray.Document{Text: "third"},
	)
	err := enc.Encode(context.Background(), docs)
	require.Error(t, err)

	// Minibatch [0,1] failed; minibatch [2] went through.
	assert.Error(t, docs.At(0).Err)
	assert.Error(t, docs.At(1).Err)
	assert.NoError(t, docs.At(2).Err)
	assert.True(t, docs.At(2).HasEmbedding())
}

func TestEncodePanickingModelScopedToMinibatch(t *testing.T) {
	model := &fakeModel{panicImages: true}
	enc := newTestEncoder(t, testConfig(), model)

	docs := docarray.New(
		&docarray.Document{Tensor: grayTensor(10)},
		&docarray.Document{Text: "text survives"},
	)
	err := enc.Encode(context.Background(), docs)
	require.Error(t, err)
	assert.Error(t, docs.At(0).Err)
	assert.True(t, docs.At(1).HasEmbedding())
}

func TestEncodeClearsPayloads(t *testing.T) {
	model := &fakeModel{}
	enc := newTestEncoder(t, testConfig(), model)

	docs := docarray.New(
		&docarray.Document{Tensor: grayTensor(10)},
		&docarray.Document{URI: "bogus://x"},
		&docarray.Document{Text: "kept"},
	)
	_ = enc.Encode(context.Background(), docs)

	// Payloads are dropped whether or not the document's minibatch
	// succeeded; modality tags survive.
	for _, doc := range docs.Documents() {
		assert.Nil(t, doc.Blob)
		assert.Nil(t, doc.Tensor)
	}
	assert.Equal(t, docarray.ModalityImage, docs.At(1).Modality)
	assert.Equal(t, "kept", docs.At(2).Text)
}

func TestEncodeIsRepeatable(t *testing.T) {
	model := &fakeModel{}
	enc := newTestEncoder(t, testConfig(), model)

	run := func() *docarray.DocumentArray {
		docs := docarray.New(
			&docarray.Document{Text: "same request"},
			&docarray.Document{Tensor: grayTensor(42)},
		)
		require.NoError(t, enc.Encode(context.Background(), docs))
		return docs
	}

	first := run()
	second := run()
	require.Len(t, second.At(0).Embedding, len(first.At(0).Embedding))
	require.Len(t, second.At(1).Embedding, len(first.At(1).Embedding))
}

func TestEncoderAppliesJITOption(t *testing.T) {
	loader := &fakeLoader{model: &fakeModel{}}
	cfg := testConfig()
	cfg.JIT = true

	_, err := NewCLIPEncoderWithLoader(cfg, loader, nil)
	require.NoError(t, err)
	assert.True(t, loader.loadedWith.JIT)
}

func TestEncoderRejectsBadConfig(t *testing.T) {
	loader := &fakeLoader{model: &fakeModel{}}

	cfg := testConfig()
	cfg.ModelName = "not-a-model"
	_, err := NewCLIPEncoderWithLoader(cfg, loader, nil)
	require.Error(t, err)

	cfg = testConfig()
	cfg.Device = "tpu"
	_, err = NewCLIPEncoderWithLoader(cfg, loader, nil)
	require.Error(t, err)
}

func TestEncoderClose(t *testing.T) {
	model := &fakeModel{}
	enc := newTestEncoder(t, testConfig(), model)
	require.NoError(t, enc.Close())
	assert.True(t, model.closed)
}
