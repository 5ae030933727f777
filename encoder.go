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

// Package clipserver turns batches of heterogeneous image and text
// documents into fixed-length embeddings through one shared multi-modal
// encoder. A request is split by modality, preprocessed on a bounded
// worker pool in fixed-size minibatches, pushed through the model one
// minibatch at a time, and the resulting embeddings are written back to
// each document's original position.
package clipserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/morgoth95/clip-as-service/lib/backends"
	"github.com/morgoth95/clip-as-service/lib/docarray"
	"github.com/morgoth95/clip-as-service/lib/pipelines"
	"go.uber.org/zap"
)

// Encoder is the encode surface shared by the plain and cached encoders.
type Encoder interface {
	// Encode embeds every encodable document in docs in place.
	Encode(ctx context.Context, docs *docarray.DocumentArray) error

	// Close releases the encoder's resources.
	Close() error
}

var (
	_ Encoder = (*CLIPEncoder)(nil)
	_ Encoder = (*CachedEncoder)(nil)
)

// CLIPEncoder is the encoding service. It owns the loaded model, the
// preprocessing pool, and the device placement decided at construction.
// A single CLIPEncoder is safe for concurrent Encode calls; forward
// passes are serialized internally.
type CLIPEncoder struct {
	config    Config
	variant   backends.Variant
	device    backends.DeviceType
	session   *backends.Session
	tokenizer backends.Tokenizer
	processor *pipelines.ImageProcessor
	pool      *pipelines.Pool
	fetcher   *pipelines.Fetcher
	logger    *zap.Logger
}

// NewCLIPEncoder creates an encoder using the process-wide registered
// model loader.
func NewCLIPEncoder(config Config, logger *zap.Logger) (*CLIPEncoder, error) {
	loader, err := backends.DefaultLoader()
	if err != nil {
		return nil, err
	}
	return NewCLIPEncoderWithLoader(config, loader, logger)
}

// NewCLIPEncoderWithLoader creates an encoder with an explicit model
// loader. The compute-thread budget is applied before the loader runs so
// that any threading decisions the model backend takes at construction
// already see the capped value.
func NewCLIPEncoderWithLoader(config Config, loader backends.Loader, logger *zap.Logger) (*CLIPEncoder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	variant, err := backends.LookupVariant(config.ModelName)
	if err != nil {
		return nil, err
	}

	device, err := backends.ResolveDevice(config.Device)
	if err != nil {
		return nil, err
	}

	if !device.Accelerated() {
		budget := backends.ComputeThreadBudget(config.TotalThreads, config.Replicas, logger)
		backends.ApplyThreadBudget(budget, logger)
	}

	var opts []backends.LoadOption
	if config.JIT {
		opts = append(opts, backends.WithJIT(true))
	}

	loadStart := time.Now()
	model, tok, imageConfig, err := loader.Load(config.ModelName, device, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading model %s: %w", config.ModelName, err)
	}
	RecordModelLoadDuration(config.ModelName, string(device), time.Since(loadStart).Seconds())
	if imageConfig == nil {
		imageConfig = variant.ImageConfig()
	}

	pool, err := pipelines.NewPool(config.NumWorkerPreprocess, pipelines.Backend(config.PoolBackend), logger)
	if err != nil {
		model.Close()
		return nil, err
	}

	fetcher, err := pipelines.NewFetcher(pipelines.FetcherOptions{
		MaxBytes:    config.MaxFetchBytes,
		Timeout:     config.FetchTimeout,
		S3Endpoint:  config.S3Endpoint,
		S3AccessKey: config.S3AccessKey,
		S3SecretKey: config.S3SecretKey,
		S3Region:    config.S3Region,
		S3Secure:    config.S3Secure,
	}, logger)
	if err != nil {
		model.Close()
		return nil, err
	}

	logger.Info("Loaded model",
		zap.String("model", config.ModelName),
		zap.String("device", string(device)),
		zap.Bool("jit", config.JIT),
		zap.Int("minibatch_size", config.MinibatchSize),
		zap.Int("preprocess_workers", pool.Workers()))

	return &CLIPEncoder{
		config:    config,
		variant:   variant,
		device:    device,
		session:   backends.NewSession(model, device, logger),
		tokenizer: tok,
		processor: pipelines.NewImageProcessor(imageConfig),
		pool:      pool,
		fetcher:   fetcher,
		logger:    logger,
	}, nil
}

// Device returns the device the model was placed on.
func (e *CLIPEncoder) Device() backends.DeviceType { return e.device }

// Variant returns the loaded model variant.
func (e *CLIPEncoder) Variant() backends.Variant { return e.variant }

// Close releases the model.
func (e *CLIPEncoder) Close() error {
	return e.session.Close()
}

// Encode embeds every encodable document in docs in place. Documents with
// image content (blob, decoded tensor, or URI) go through the visual
// encoder; documents with only text go through the text encoder; documents
// with neither are left untouched. A failed minibatch marks only its own
// documents and does not abort the rest of the request; the returned error
// aggregates all minibatch failures. Raw payloads are cleared from every
// document before Encode returns, whether or not its minibatch succeeded.
func (e *CLIPEncoder) Encode(ctx context.Context, docs *docarray.DocumentArray) error {
	start := time.Now()
	RecordEncodeRequest(e.config.ModelName)

	logger := e.logger.With(zap.String("request_id", uuid.NewString()))

	images, texts := docs.Split()
	logger.Debug("Split request by modality",
		zap.Int("total", docs.Len()),
		zap.Int("images", images.Len()),
		zap.Int("texts", texts.Len()))

	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	if images.Len() > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.encodeModality(ctx, logger, images, string(docarray.ModalityImage), e.preprocessImages, e.encodeImageBatch, record)
		}()
	}
	if texts.Len() > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.encodeModality(ctx, logger, texts, string(docarray.ModalityText), e.preprocessTexts, e.encodeTextBatch, record)
		}()
	}
	wg.Wait()

	docs.ClearPayloads()

	status := "ok"
	if len(errs) > 0 {
		status = "error"
	}
	RecordRequestDuration(e.config.ModelName, status, time.Since(start).Seconds())
	return errors.Join(errs...)
}

// batch is the unit handed from preprocessing to inference. Exactly one
// of image/tokens is set depending on the modality.
type batch struct {
	image  *backends.ImageTensor
	tokens *backends.TokenTensor
}

// encodeModality drives one modality's minibatches end to end.
// Preprocessing for every minibatch is submitted up front so the pool can
// work ahead, then minibatches are drained in order and pushed through
// the model one at a time. A minibatch failure in either stage marks that
// minibatch's documents and moves on.
func (e *CLIPEncoder) encodeModality(
	ctx context.Context,
	logger *zap.Logger,
	view docarray.View,
	modality string,
	preprocess func(ctx context.Context, chunk docarray.View) (batch, error),
	forward func(ctx context.Context, b batch) ([][]float32, error),
	record func(error),
) {
	chunks, err := view.Chunks(e.config.MinibatchSize)
	if err != nil {
		view.SetErr(err)
		record(fmt.Errorf("%s: %w", modality, err))
		return
	}

	type pending struct {
		chunk docarray.View
		batch batch
		task  *pipelines.Task
	}
	queue := make([]*pending, len(chunks))
	for i, chunk := range chunks {
		p := &pending{chunk: chunk}
		p.task = e.pool.Submit(ctx, func() error {
			PreprocessStarted()
			defer PreprocessFinished()
			preStart := time.Now()
			b, err := preprocess(ctx, p.chunk)
			if err != nil {
				return err
			}
			RecordPreprocessDuration(e.config.ModelName, modality, time.Since(preStart).Seconds())
			p.batch = b
			return nil
		})
		queue[i] = p
	}

	for i := range queue {
		pend := queue[i]
		if err := pend.task.Wait(ctx); err != nil {
			RecordMinibatchFailure(e.config.ModelName, modality, "preprocess")
			logger.Warn("Minibatch preprocessing failed",
				zap.String("modality", modality),
				zap.Int("minibatch", i),
				zap.Int("size", pend.chunk.Len()),
				zap.Error(err))
			pend.chunk.SetErr(err)
			record(fmt.Errorf("%s minibatch %d: %w", modality, i, err))
			continue
		}

		infStart := time.Now()
		embeddings, err := forward(ctx, pend.batch)
		if err != nil {
			RecordMinibatchFailure(e.config.ModelName, modality, "inference")
			logger.Warn("Minibatch inference failed",
				zap.String("modality", modality),
				zap.Int("minibatch", i),
				zap.Int("size", pend.chunk.Len()),
				zap.Error(err))
			pend.chunk.SetErr(err)
			record(fmt.Errorf("%s minibatch %d: %w", modality, i, err))
			continue
		}
		RecordInferenceDuration(e.config.ModelName, modality, time.Since(infStart).Seconds())

		if err := pend.chunk.SetEmbeddings(embeddings); err != nil {
			pend.chunk.SetErr(err)
			record(fmt.Errorf("%s minibatch %d: %w", modality, i, err))
			continue
		}
		RecordEmbeddingCreation(e.config.ModelName, modality, pend.chunk.Len())
	}
}

// preprocessImages turns one image minibatch into a batched pixel tensor
// on the model's device. Any document in the minibatch failing to fetch or
// decode fails the whole minibatch.
func (e *CLIPEncoder) preprocessImages(ctx context.Context, chunk docarray.View) (batch, error) {
	items := make([][]float32, chunk.Len())
	for i := 0; i < chunk.Len(); i++ {
		doc := chunk.At(i)
		pixels, err := e.preprocessImageDoc(ctx, doc)
		if err != nil {
			return batch{}, fmt.Errorf("document %d: %w", i, err)
		}
		items[i] = pixels
	}
	tensor, err := e.processor.ProcessBatch(items)
	if err != nil {
		return batch{}, err
	}
	return batch{image: tensor.To(e.device)}, nil
}

func (e *CLIPEncoder) preprocessImageDoc(ctx context.Context, doc *docarray.Document) ([]float32, error) {
	switch {
	case doc.HasBlob():
		return e.processor.ProcessBlob(doc.Blob)
	case doc.HasTensor():
		return e.processor.ProcessTensor(doc.Tensor)
	case doc.HasURI():
		data, err := e.fetcher.Fetch(ctx, doc.URI)
		if err != nil {
			return nil, err
		}
		return e.processor.ProcessBlob(data)
	default:
		return nil, fmt.Errorf("document has no image content")
	}
}

// preprocessTexts tokenizes one text minibatch.
func (e *CLIPEncoder) preprocessTexts(_ context.Context, chunk docarray.View) (batch, error) {
	tokens, err := e.tokenizer.Tokenize(chunk.Texts())
	if err != nil {
		return batch{}, err
	}
	return batch{tokens: tokens.To(e.device)}, nil
}

func (e *CLIPEncoder) encodeImageBatch(ctx context.Context, b batch) ([][]float32, error) {
	return e.session.EncodeImage(ctx, b.image)
}

func (e *CLIPEncoder) encodeTextBatch(ctx context.Context, b batch) ([][]float32, error) {
	return e.session.EncodeText(ctx, b.tokens)
}
