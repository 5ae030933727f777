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

package pipelines

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// DefaultMaxFetchBytes caps how much content a single URI may yield.
const DefaultMaxFetchBytes = 64 << 20

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	// MaxBytes caps the content size of a single fetch. Zero means
	// DefaultMaxFetchBytes.
	MaxBytes int64

	// Timeout bounds a single HTTP fetch. Zero disables the per-request
	// timeout; callers still control cancellation through the context.
	Timeout time.Duration

	// S3Endpoint enables s3:// URIs when non-empty.
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3Secure    bool
}

// Fetcher resolves document URIs to raw image bytes. It understands
// http(s) URLs, data: URIs, local file paths (bare or file://), and
// s3:// object references when an S3 endpoint is configured.
type Fetcher struct {
	client   *http.Client
	s3       *minio.Client
	maxBytes int64
	logger   *zap.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts FetcherOptions, logger *zap.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFetchBytes
	}

	f := &Fetcher{
		client:   &http.Client{Timeout: opts.Timeout},
		maxBytes: maxBytes,
		logger:   logger,
	}

	if opts.S3Endpoint != "" {
		s3, err := minio.New(opts.S3Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(opts.S3AccessKey, opts.S3SecretKey, ""),
			Secure: opts.S3Secure,
			Region: opts.S3Region,
		})
		if err != nil {
			return nil, fmt.Errorf("creating s3 client: %w", err)
		}
		f.s3 = s3
	}

	return f, nil
}

// Fetch returns the bytes the URI refers to.
func (f *Fetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	switch {
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return f.fetchHTTP(ctx, uri)
	case strings.HasPrefix(uri, "data:"):
		return decodeDataURI(uri)
	case strings.HasPrefix(uri, "s3://"):
		return f.fetchS3(ctx, uri)
	case strings.HasPrefix(uri, "file://"):
		return f.fetchFile(strings.TrimPrefix(uri, "file://"))
	case strings.Contains(uri, "://"):
		return nil, fmt.Errorf("unsupported uri scheme in %q", uri)
	default:
		return f.fetchFile(uri)
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %q: %w", uri, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %q: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %q: status %s", uri, resp.Status)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("fetching %q: content length %d exceeds limit %d", uri, resp.ContentLength, f.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", uri, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("fetching %q: content exceeds limit %d", uri, f.maxBytes)
	}
	return data, nil
}

func (f *Fetcher) fetchS3(ctx context.Context, uri string) ([]byte, error) {
	if f.s3 == nil {
		return nil, fmt.Errorf("s3 uri %q but no s3 endpoint configured", uri)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing s3 uri %q: %w", uri, err)
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("s3 uri %q must look like s3://bucket/key", uri)
	}

	obj, err := f.s3.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetching s3://%s/%s: %w", bucket, key, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, fmt.Errorf("fetching s3://%s/%s: %w", bucket, key, err)
	}
	if info.Size > f.maxBytes {
		return nil, fmt.Errorf("s3://%s/%s: size %d exceeds limit %d", bucket, key, info.Size, f.maxBytes)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (f *Fetcher) fetchFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	if info.Size() > f.maxBytes {
		return nil, fmt.Errorf("file %q: size %d exceeds limit %d", path, info.Size(), f.maxBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	return data, nil
}

// decodeDataURI decodes an RFC 2397 data URI. Both base64 and URL-escaped
// payloads are supported.
func decodeDataURI(uri string) ([]byte, error) {
	rest := strings.TrimPrefix(uri, "data:")
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return nil, fmt.Errorf("malformed data uri, missing comma")
	}
	meta, payload := rest[:comma], rest[comma+1:]

	if strings.HasSuffix(meta, ";base64") {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("decoding base64 data uri: %w", err)
		}
		return data, nil
	}
	decoded, err := url.QueryUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding data uri: %w", err)
	}
	return []byte(decoded), nil
}
