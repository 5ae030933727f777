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
	"testing"
	"time"

	"github.com/morgoth95/clip-as-service/lib/docarray"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCachedEncoder(t *testing.T, model *fakeModel) *CachedEncoder {
	t.Helper()
	enc := newTestEncoder(t, testConfig(), model)
	cached := NewCachedEncoder(enc, time.Minute, nil)
	t.Cleanup(func() { _ = cached.Close() })
	return cached
}

func mixedDocs() *docarray.DocumentArray {
	return docarray.New(
		&docarray.Document{Text: "a photo of a cat"},
		&docarray.Document{Tensor: grayTensor(42)},
	)
}

func TestCachedEncoderServesRepeatsFromCache(t *testing.T) {
	model := &fakeModel{}
	cached := newTestCachedEncoder(t, model)

	first := mixedDocs()
	require.NoError(t, cached.Encode(context.Background(), first))
	assert.Equal(t, 1, model.textCalls)
	assert.Equal(t, 1, model.imageCalls)

	second := mixedDocs()
	require.NoError(t, cached.Encode(context.Background(), second))

	// The repeat never reached the model.
	assert.Equal(t, 1, model.textCalls)
	assert.Equal(t, 1, model.imageCalls)

	assert.Equal(t, first.At(0).Embedding, second.At(0).Embedding)
	assert.Equal(t, first.At(1).Embedding, second.At(1).Embedding)
	assert.Equal(t, docarray.ModalityImage, second.At(1).Modality)
	assert.Nil(t, second.At(1).Tensor)

	stats := cached.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestCachedEncoderDistinguishesContent(t *testing.T) {
	model := &fakeModel{}
	cached := newTestCachedEncoder(t, model)

	require.NoError(t, cached.Encode(context.Background(), docarray.New(
		&docarray.Document{Text: "first request"},
	)))
	require.NoError(t, cached.Encode(context.Background(), docarray.New(
		&docarray.Document{Text: "second request"},
	)))

	assert.Equal(t, 2, model.textCalls)
}

func TestCachedEncoderKeyIncludesModel(t *testing.T) {
	model := &fakeModel{}
	enc := newTestEncoder(t, testConfig(), model)
	cached := NewCachedEncoder(enc, time.Minute, nil)
	defer cached.Close()

	docs := docarray.New(&docarray.Document{Text: "same text"})
	keyA := cached.cacheKey(docs)

	other := newTestEncoder(t, func() Config {
		cfg := testConfig()
		cfg.ModelName = "ViT-L/14"
		return cfg
	}(), &fakeModel{})
	cachedOther := NewCachedEncoder(other, time.Minute, nil)
	defer cachedOther.Close()

	keyB := cachedOther.cacheKey(docarray.New(&docarray.Document{Text: "same text"}))
	assert.NotEqual(t, keyA, keyB)
}

func TestCachedEncoderDoesNotCacheFailures(t *testing.T) {
	model := &fakeModel{textErrOn: 1}
	cached := newTestCachedEncoder(t, model)

	docs := docarray.New(&docarray.Document{Text: "flaky"})
	require.Error(t, cached.Encode(context.Background(), docs))

	// The retry must reach the model again, and this time succeed.
	retry := docarray.New(&docarray.Document{Text: "flaky"})
	require.NoError(t, cached.Encode(context.Background(), retry))
	assert.Equal(t, 2, model.textCalls)
	assert.True(t, retry.At(0).HasEmbedding())
}

func TestCachedEncoderDistinguishesOrder(t *testing.T) {
	model := &fakeModel{}
	cached := newTestCachedEncoder(t, model)

	a := docarray.New(
		&docarray.Document{Text: "one"},
		&docarray.Document{Text: "two"},
	)
	b := docarray.New(
		&docarray.Document{Text: "two"},
		&docarray.Document{Text: "one"},
	)
	require.NoError(t, cached.Encode(context.Background(), a))
	require.NoError(t, cached.Encode(context.Background(), b))

	// Different document order is a different request.
	assert.Equal(t, 2, model.textCalls)
}
