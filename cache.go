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
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"github.com/morgoth95/clip-as-service/lib/backends"
	"github.com/morgoth95/clip-as-service/lib/docarray"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// EncodeCacheTTL is the default TTL for cached encode results
const EncodeCacheTTL = 2 * time.Minute

// cachedDoc is one document's embedding snapshot in a cached result.
type cachedDoc struct {
	embedding []float32
	modality  docarray.Modality
}

// CachedEncoder wraps a CLIPEncoder with request-level result caching.
// Only fully successful requests are cached; a request with any failed
// minibatch always reaches the model again on retry.
type CachedEncoder struct {
	encoder *CLIPEncoder
	cache   *ttlcache.Cache[string, []cachedDoc]
	sfGroup *singleflight.Group
	logger  *zap.Logger
	cancel  context.CancelFunc

	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

// NewCachedEncoder wraps an encoder with caching. ttl <= 0 falls back to
// EncodeCacheTTL.
func NewCachedEncoder(encoder *CLIPEncoder, ttl time.Duration, logger *zap.Logger) *CachedEncoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = EncodeCacheTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, []cachedDoc](ttl),
	)
	go cache.Start()

	ctx, cancel := context.WithCancel(context.Background())
	ce := &CachedEncoder{
		encoder: encoder,
		cache:   cache,
		sfGroup: &singleflight.Group{},
		logger:  logger,
		cancel:  cancel,
	}
	go ce.logStats(ctx)
	return ce
}

// Device returns the device the underlying encoder runs on.
func (c *CachedEncoder) Device() backends.DeviceType { return c.encoder.Device() }

// Encode embeds docs, serving repeated identical requests from cache.
// Concurrent identical requests are deduplicated so the model runs once.
func (c *CachedEncoder) Encode(ctx context.Context, docs *docarray.DocumentArray) error {
	key := c.cacheKey(docs)

	if item := c.cache.Get(key); item != nil {
		c.hits.Add(1)
		RecordCacheHit("encode")
		c.logger.Debug("Encode cache hit",
			zap.String("model", c.encoder.config.ModelName),
			zap.Int("num_docs", docs.Len()))
		return applySnapshot(docs, item.Value())
	}

	result, err, shared := c.sfGroup.Do(key, func() (any, error) {
		c.misses.Add(1)
		RecordCacheMiss("encode")

		if err := c.encoder.Encode(ctx, docs); err != nil {
			return nil, err
		}

		snapshot := takeSnapshot(docs)
		c.cache.Set(key, snapshot, ttlcache.DefaultTTL)
		return snapshot, nil
	})
	if err != nil {
		return err
	}

	if shared {
		c.sfHits.Add(1)
		c.logger.Debug("Singleflight hit for encode request",
			zap.String("model", c.encoder.config.ModelName))
	}

	return applySnapshot(docs, result.([]cachedDoc))
}

// cacheKey hashes the model name plus every document's raw content in
// order. Binary payloads are digested with SHA256 before feeding the key
// hash.
func (c *CachedEncoder) cacheKey(docs *docarray.DocumentArray) string {
	h := xxhash.New()
	_, _ = h.WriteString(c.encoder.config.ModelName)
	_, _ = h.WriteString("|")

	for _, doc := range docs.Documents() {
		switch {
		case doc.HasBlob():
			_, _ = h.WriteString("b:")
			binHash := sha256.Sum256(doc.Blob)
			_, _ = h.Write(binHash[:])
		case doc.HasTensor():
			_, _ = h.WriteString("n:")
			for _, dim := range doc.Tensor.Shape {
				var buf [8]byte
				binary.BigEndian.PutUint64(buf[:], uint64(dim))
				_, _ = h.Write(buf[:])
			}
			for _, v := range doc.Tensor.Data {
				var buf [4]byte
				binary.BigEndian.PutUint32(buf[:], math.Float32bits(v))
				_, _ = h.Write(buf[:])
			}
		case doc.HasURI():
			_, _ = h.WriteString("u:")
			_, _ = h.WriteString(doc.URI)
		case doc.HasText():
			_, _ = h.WriteString("t:")
			_, _ = h.WriteString(doc.Text)
		default:
			_, _ = h.WriteString("e:")
		}
		_, _ = h.WriteString("|")
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return string(buf[:])
}

// takeSnapshot copies per-document results out of an encoded array.
func takeSnapshot(docs *docarray.DocumentArray) []cachedDoc {
	snapshot := make([]cachedDoc, docs.Len())
	for i, doc := range docs.Documents() {
		snapshot[i] = cachedDoc{embedding: doc.Embedding, modality: doc.Modality}
	}
	return snapshot
}

// applySnapshot writes a cached result onto docs, position by position,
// mirroring what a fresh Encode would have left behind.
func applySnapshot(docs *docarray.DocumentArray, snapshot []cachedDoc) error {
	if docs.Len() != len(snapshot) {
		return fmt.Errorf("cached result covers %d documents, request has %d", len(snapshot), docs.Len())
	}
	for i, doc := range docs.Documents() {
		doc.Embedding = snapshot[i].embedding
		doc.Modality = snapshot[i].modality
		doc.Err = nil
	}
	docs.ClearPayloads()
	return nil
}

// Close stops the cache and releases the underlying encoder.
func (c *CachedEncoder) Close() error {
	c.cancel()
	c.cache.Stop()
	return c.encoder.Close()
}

// CacheStats holds cache statistics for a cached encoder
type CacheStats struct {
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
	Items            int    `json:"items"`
}

// Stats returns cache statistics
func (c *CachedEncoder) Stats() CacheStats {
	return CacheStats{
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		SingleflightHits: c.sfHits.Load(),
		Items:            c.cache.Len(),
	}
}

// logStats logs cache statistics periodically
func (c *CachedEncoder) logStats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics := c.cache.Metrics()
			if metrics.Hits > 0 || metrics.Misses > 0 {
				total := metrics.Hits + metrics.Misses
				c.logger.Info("Encode cache stats",
					zap.Uint64("hits", metrics.Hits),
					zap.Uint64("misses", metrics.Misses),
					zap.Float64("hit_rate_pct", float64(metrics.Hits)/float64(total)*100),
					zap.Int("items", c.cache.Len()))
			}
		}
	}
}
