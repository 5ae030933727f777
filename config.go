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
	"fmt"
	"runtime"
	"time"

	"github.com/morgoth95/clip-as-service/lib/backends"
	"github.com/morgoth95/clip-as-service/lib/pipelines"
)

// Config holds the encoder's runtime configuration.
type Config struct {
	// ModelName selects the model variant to load.
	ModelName string `mapstructure:"model_name"`

	// Device places the model: "auto", "cuda", "mps", or "cpu". Empty
	// behaves like "auto".
	Device string `mapstructure:"device"`

	// JIT requests a compiled version of the model when the backend
	// offers one.
	JIT bool `mapstructure:"jit"`

	// NumWorkerPreprocess bounds the preprocessing pool. Non-positive
	// falls back to the pool default.
	NumWorkerPreprocess int `mapstructure:"num_worker_preprocess"`

	// PoolBackend selects the preprocessing pool backend.
	PoolBackend string `mapstructure:"pool_backend"`

	// MinibatchSize is the largest batch the model sees in one call.
	MinibatchSize int `mapstructure:"minibatch_size"`

	// Replicas is how many encoder replicas share this host's cores.
	Replicas int `mapstructure:"replicas"`

	// TotalThreads overrides the host core count used for the thread
	// budget. Zero means runtime.NumCPU().
	TotalThreads int `mapstructure:"total_threads"`

	// CacheTTL enables result caching when positive.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// MaxFetchBytes caps the size of a single URI fetch. Zero means
	// the fetcher default.
	MaxFetchBytes int64 `mapstructure:"max_fetch_bytes"`

	// FetchTimeout bounds a single HTTP fetch. Zero disables it.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`

	// S3Endpoint enables s3:// document URIs when non-empty.
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
	S3Region    string `mapstructure:"s3_region"`
	S3Secure    bool   `mapstructure:"s3_secure"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		ModelName:           backends.DefaultVariant,
		Device:              "auto",
		JIT:                 false,
		NumWorkerPreprocess: pipelines.DefaultWorkers,
		PoolBackend:         string(pipelines.BackendThread),
		MinibatchSize:       64,
		Replicas:            1,
	}
}

// Validate checks the configuration and fills derived defaults.
func (c *Config) Validate() error {
	if c.ModelName == "" {
		c.ModelName = backends.DefaultVariant
	}
	if _, err := backends.LookupVariant(c.ModelName); err != nil {
		return err
	}
	if c.NumWorkerPreprocess <= 0 {
		c.NumWorkerPreprocess = pipelines.DefaultWorkers
	}
	if c.PoolBackend == "" {
		c.PoolBackend = string(pipelines.BackendThread)
	}
	switch pipelines.Backend(c.PoolBackend) {
	case pipelines.BackendThread, pipelines.BackendProcess:
	default:
		return fmt.Errorf("unknown pool backend %q", c.PoolBackend)
	}
	if c.MinibatchSize <= 0 {
		c.MinibatchSize = 64
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.TotalThreads <= 0 {
		c.TotalThreads = runtime.NumCPU()
	}
	return nil
}
