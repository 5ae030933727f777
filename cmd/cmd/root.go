// Copyright 2025 The clip-as-service Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	clipserver "github.com/morgoth95/clip-as-service"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is set by the build via ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "clip-server",
	Short: "CLIP embedding service",
	Long: `clip-server embeds images and text into a shared vector space
using a CLIP model. Every setting can also be supplied through the
environment with a CLIP_ prefix, e.g. CLIP_MODEL_NAME=ViT-L/14.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.String("model-name", "ViT-B/32", "model variant to load")
	pf.String("device", "auto", "device placement: auto, cuda, mps, or cpu")
	pf.Bool("jit", false, "use the compiled model form when available")
	pf.Int("num-worker-preprocess", 4, "preprocessing pool size")
	pf.String("pool-backend", "thread", "preprocessing pool backend: thread or process")
	pf.Int("minibatch-size", 64, "largest batch the model sees in one call")
	pf.Int("replicas", 1, "encoder replicas sharing this host's cores")
	pf.Duration("cache-ttl", 0, "cache encode results for this long (0 disables)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")

	mustBindPFlag("model_name", pf.Lookup("model-name"))
	mustBindPFlag("device", pf.Lookup("device"))
	mustBindPFlag("jit", pf.Lookup("jit"))
	mustBindPFlag("num_worker_preprocess", pf.Lookup("num-worker-preprocess"))
	mustBindPFlag("pool_backend", pf.Lookup("pool-backend"))
	mustBindPFlag("minibatch_size", pf.Lookup("minibatch-size"))
	mustBindPFlag("replicas", pf.Lookup("replicas"))
	mustBindPFlag("cache_ttl", pf.Lookup("cache-ttl"))
	mustBindPFlag("log_level", pf.Lookup("log-level"))
}

func initConfig() {
	viper.SetEnvPrefix("CLIP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", key, err))
	}
}

// newLogger builds the process logger from the configured level.
func newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(viper.GetString("log_level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// encoderConfig assembles the encoder configuration from viper.
func encoderConfig() clipserver.Config {
	cfg := clipserver.DefaultConfig()
	cfg.ModelName = viper.GetString("model_name")
	cfg.Device = viper.GetString("device")
	cfg.JIT = viper.GetBool("jit")
	cfg.NumWorkerPreprocess = viper.GetInt("num_worker_preprocess")
	cfg.PoolBackend = viper.GetString("pool_backend")
	cfg.MinibatchSize = viper.GetInt("minibatch_size")
	cfg.Replicas = viper.GetInt("replicas")
	cfg.CacheTTL = viper.GetDuration("cache_ttl")
	cfg.S3Endpoint = viper.GetString("s3_endpoint")
	cfg.S3AccessKey = viper.GetString("s3_access_key")
	cfg.S3SecretKey = viper.GetString("s3_secret_key")
	cfg.S3Region = viper.GetString("s3_region")
	cfg.S3Secure = viper.GetBool("s3_secure")
	if t := viper.GetDuration("fetch_timeout"); t > 0 {
		cfg.FetchTimeout = t
	} else {
		cfg.FetchTimeout = 30 * time.Second
	}
	return cfg
}

// Execute runs the root command.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
