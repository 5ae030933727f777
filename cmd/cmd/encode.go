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
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"

	clipserver "github.com/morgoth95/clip-as-service"
	"github.com/morgoth95/clip-as-service/lib/docarray"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var encodeCmd = &cobra.Command{
	Use:   "encode <input> [input...]",
	Short: "Embed images and text",
	Long: `Embed a mixed batch of inputs and print one JSON result per line.

Each input is classified by shape:
  - an existing file path is read as image bytes
  - an http(s)://, s3://, file://, or data: reference is fetched as an image
  - anything else is treated as text

Examples:
  # Embed two images and a caption in one batch
  clip-server encode photo.jpg https://example.com/cat.png "a photo of a cat"

  # Pick a larger model variant
  clip-server encode --model-name ViT-L/14 photo.jpg`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEncode,
}

func init() {
	rootCmd.AddCommand(encodeCmd)
}

// encodeResult is one line of encode output.
type encodeResult struct {
	Input     string    `json:"input"`
	Modality  string    `json:"modality,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func runEncode(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	cfg := encoderConfig()
	encoder, err := clipserver.NewCLIPEncoder(cfg, logger)
	if err != nil {
		return err
	}

	var enc clipserver.Encoder = encoder
	if cfg.CacheTTL > 0 {
		enc = clipserver.NewCachedEncoder(encoder, cfg.CacheTTL, logger)
	}
	defer enc.Close()

	docs := docarray.New()
	for _, arg := range args {
		docs.Append(documentFromArg(arg, logger))
	}

	encodeErr := enc.Encode(ctx, docs)
	if encodeErr != nil {
		logger.Warn("Some inputs failed to encode", zap.Error(encodeErr))
	}

	out := json.NewEncoder(os.Stdout)
	for i, doc := range docs.Documents() {
		res := encodeResult{
			Input:     args[i],
			Modality:  string(doc.Modality),
			Embedding: doc.Embedding,
		}
		if doc.Err != nil {
			res.Error = doc.Err.Error()
		}
		if err := out.Encode(res); err != nil {
			return err
		}
	}
	return encodeErr
}

// documentFromArg maps a command-line input onto a document. File paths
// are inlined as blobs so shell-local images work without URI support.
func documentFromArg(arg string, logger *zap.Logger) *docarray.Document {
	if strings.Contains(arg, "://") || strings.HasPrefix(arg, "data:") {
		return &docarray.Document{URI: arg}
	}
	if info, err := os.Stat(arg); err == nil && !info.IsDir() {
		data, err := os.ReadFile(arg)
		if err == nil {
			return &docarray.Document{Blob: data}
		}
		logger.Warn("Failed to read file, treating input as text",
			zap.String("path", arg), zap.Error(err))
	}
	return &docarray.Document{Text: arg}
}
