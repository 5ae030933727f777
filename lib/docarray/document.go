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

// Package docarray provides the request-scoped document container the
// encoding pipeline operates on: documents carrying at most one populated
// raw-content field, batches of documents, and index-based views into a
// batch that later pipeline stages mutate in place.
package docarray

import "fmt"

// Modality is the resolved input kind of a document.
type Modality string

const (
	// ModalityImage marks a document encoded through the image path.
	ModalityImage Modality = "image"

	// ModalityText marks a document encoded through the text path.
	ModalityText Modality = "text"

	// ModalityNone marks a document that carries no encodable content.
	ModalityNone Modality = ""
)

// Tensor is a dense float tensor with HWC layout, holding a decoded image
// as pixel values in the 0-255 range. Shape is [height, width, channels].
type Tensor struct {
	Data  []float32
	Shape []int
}

// Validate checks that the tensor describes a decodable HWC image.
func (t *Tensor) Validate() error {
	if len(t.Shape) != 3 {
		return fmt.Errorf("tensor must have shape [height, width, channels], got %v", t.Shape)
	}
	want := t.Shape[0] * t.Shape[1] * t.Shape[2]
	if len(t.Data) != want {
		return fmt.Errorf("tensor data length %d does not match shape %v (want %d)", len(t.Data), t.Shape, want)
	}
	if t.Shape[2] != 3 {
		return fmt.Errorf("tensor must have 3 channels, got %d", t.Shape[2])
	}
	return nil
}

// Document is one encodable unit of work. At most one of Blob, Tensor, Text
// or URI is populated when the document enters the pipeline; preprocessing
// and inference mutate the document in place, and large raw payloads are
// cleared once the embedding has been written.
type Document struct {
	// ID is an optional caller-assigned identity, carried through untouched.
	ID string

	// URI is a remote-content locator resolved into Blob during preprocessing.
	URI string

	// Blob holds raw encoded image bytes (PNG, JPEG, GIF, BMP, TIFF, WebP).
	Blob []byte

	// Tensor holds an already-decoded image, bypassing the blob decode step.
	Tensor *Tensor

	// Text holds raw text content.
	Text string

	// Embedding is the encoder output, empty until the pipeline writes it.
	Embedding []float32

	// Modality is set once by Split and survives payload clearing.
	Modality Modality

	// Err records a per-document failure (fetch, decode, or inference).
	// Documents in a failed minibatch share the minibatch's error.
	Err error
}

// HasBlob reports whether the raw binary field is populated.
func (d *Document) HasBlob() bool { return len(d.Blob) > 0 }

// HasTensor reports whether the decoded-tensor field is populated.
func (d *Document) HasTensor() bool { return d.Tensor != nil }

// HasText reports whether the raw-text field is populated.
func (d *Document) HasText() bool { return d.Text != "" }

// HasURI reports whether the remote-content locator is populated.
func (d *Document) HasURI() bool { return d.URI != "" }

// HasEmbedding reports whether the encoder has written an embedding.
func (d *Document) HasEmbedding() bool { return len(d.Embedding) > 0 }

// ClearPayload drops the large transient fields (blob and tensor) while
// keeping the embedding, modality tag, identity and any recorded error.
func (d *Document) ClearPayload() {
	d.Blob = nil
	d.Tensor = nil
}
