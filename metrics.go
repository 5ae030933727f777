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

import "github.com/prometheus/client_golang/prometheus"

var (
	encodeRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clip",
			Subsystem: "server",
			Name:      "encode_request_ops_total",
			Help:      "The total number of encode requests.",
		},
		[]string{"model"},
	)
	embeddingCreationOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clip",
			Subsystem: "server",
			Name:      "embedding_creation_ops_total",
			Help:      "The total number of embeddings created.",
		},
		[]string{"model", "modality"},
	)
	minibatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clip",
			Subsystem: "server",
			Name:      "minibatch_failures_total",
			Help:      "The total number of minibatches that failed.",
		},
		[]string{"model", "modality", "stage"},
	)

	modelLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clip",
			Subsystem: "server",
			Name:      "model_load_duration_seconds",
			Help:      "Time taken to load a model.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model", "device"},
	)

	preprocessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clip",
			Subsystem: "server",
			Name:      "preprocess_duration_seconds",
			Help:      "Time taken to preprocess a minibatch.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"model", "modality"},
	)

	inferenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clip",
			Subsystem: "server",
			Name:      "inference_duration_seconds",
			Help:      "Time the encoder spent inside the model on a minibatch.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"model", "modality"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clip",
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Time taken to process an encode request.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"model", "status"},
	)

	preprocessInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clip",
			Subsystem: "server",
			Name:      "preprocess_in_flight",
			Help:      "Number of minibatches currently being preprocessed.",
		},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clip",
			Subsystem: "server",
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		},
		[]string{"type"},
	)

	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clip",
			Subsystem: "server",
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(encodeRequestOps)
	prometheus.MustRegister(embeddingCreationOps)
	prometheus.MustRegister(minibatchFailures)
	prometheus.MustRegister(modelLoadDuration)
	prometheus.MustRegister(preprocessDuration)
	prometheus.MustRegister(inferenceDuration)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(preprocessInFlight)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
}

// RecordEncodeRequest increments the encode request counter
func RecordEncodeRequest(model string) {
	encodeRequestOps.WithLabelValues(model).Inc()
}

// RecordEmbeddingCreation records the number of embeddings created
func RecordEmbeddingCreation(model, modality string, count int) {
	embeddingCreationOps.WithLabelValues(model, modality).Add(float64(count))
}

// RecordMinibatchFailure increments the failed minibatch counter
func RecordMinibatchFailure(model, modality, stage string) {
	minibatchFailures.WithLabelValues(model, modality, stage).Inc()
}

// RecordModelLoadDuration records how long it took to load a model
func RecordModelLoadDuration(model, device string, seconds float64) {
	modelLoadDuration.WithLabelValues(model, device).Observe(seconds)
}

// RecordPreprocessDuration records how long a minibatch took to preprocess
func RecordPreprocessDuration(model, modality string, seconds float64) {
	preprocessDuration.WithLabelValues(model, modality).Observe(seconds)
}

// RecordInferenceDuration records how long a minibatch spent in the model
func RecordInferenceDuration(model, modality string, seconds float64) {
	inferenceDuration.WithLabelValues(model, modality).Observe(seconds)
}

// PreprocessStarted marks a minibatch entering preprocessing
func PreprocessStarted() {
	preprocessInFlight.Inc()
}

// PreprocessFinished marks a minibatch leaving preprocessing
func PreprocessFinished() {
	preprocessInFlight.Dec()
}

// RecordRequestDuration records how long a request took
func RecordRequestDuration(model, status string, seconds float64) {
	requestDuration.WithLabelValues(model, status).Observe(seconds)
}

// RecordCacheHit increments the cache hit counter
func RecordCacheHit(cacheType string) {
	cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss increments the cache miss counter
func RecordCacheMiss(cacheType string) {
	cacheMisses.WithLabelValues(cacheType).Inc()
}
