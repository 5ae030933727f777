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

package docarray

import "fmt"

// DocumentArray is an ordered collection of documents submitted as one
// request. The pipeline borrows it for the duration of the request; the
// caller must not mutate it until the request returns, since views hold
// positions into the backing slice.
type DocumentArray struct {
	docs []*Document
}

// New creates a DocumentArray over the given documents.
func New(docs ...*Document) *DocumentArray {
	return &DocumentArray{docs: docs}
}

// Len returns the number of documents in the array.
func (da *DocumentArray) Len() int { return len(da.docs) }

// At returns the document at position i.
func (da *DocumentArray) At(i int) *Document { return da.docs[i] }

// Documents returns the backing document slice.
func (da *DocumentArray) Documents() []*Document { return da.docs }

// Append adds documents to the end of the array.
func (da *DocumentArray) Append(docs ...*Document) {
	da.docs = append(da.docs, docs...)
}

// Split partitions the array into an image view and a text view based on
// the raw-field state at call time, and resolves each document's Modality
// tag. A document belongs to the image subset if its blob, decoded tensor
// or remote locator is populated; otherwise to the text subset if its raw
// text is populated; documents matching neither are tagged ModalityNone
// and excluded from both views, silently. The predicates are evaluated
// once here, before any preprocessing mutates raw fields, so membership
// is stable for the lifetime of the request.
func (da *DocumentArray) Split() (images, texts View) {
	var imgIdx, txtIdx []int
	for i, d := range da.docs {
		switch {
		case d.HasBlob() || d.HasTensor() || d.HasURI():
			d.Modality = ModalityImage
			imgIdx = append(imgIdx, i)
		case d.HasText():
			d.Modality = ModalityText
			txtIdx = append(txtIdx, i)
		default:
			d.Modality = ModalityNone
		}
	}
	return View{da: da, idx: imgIdx}, View{da: da, idx: txtIdx}
}

// ClearPayloads drops the large transient payload of every document.
func (da *DocumentArray) ClearPayloads() {
	for _, d := range da.docs {
		d.ClearPayload()
	}
}

// View is an ordered selection of positions into a DocumentArray. Views
// reference the original documents rather than copying them, so writes
// through a view are visible on the array. A view is invalidated if the
// backing array is mutated externally; by contract that must not happen
// while a request is in flight.
type View struct {
	da  *DocumentArray
	idx []int
}

// Len returns the number of documents selected by the view.
func (v View) Len() int { return len(v.idx) }

// At returns the i-th document of the view.
func (v View) At(i int) *Document { return v.da.docs[v.idx[i]] }

// Indices returns the view's positions into the backing array.
func (v View) Indices() []int { return v.idx }

// Chunks splits the view into an ordered sequence of contiguous sub-views
// of at most size documents each. The final chunk holds the remainder.
// Concatenating the chunks in order reconstructs the view.
func (v View) Chunks(size int) ([]View, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if len(v.idx) == 0 {
		return nil, nil
	}
	chunks := make([]View, 0, (len(v.idx)+size-1)/size)
	for start := 0; start < len(v.idx); start += size {
		end := start + size
		if end > len(v.idx) {
			end = len(v.idx)
		}
		chunks = append(chunks, View{da: v.da, idx: v.idx[start:end]})
	}
	return chunks, nil
}

// Texts collects the raw text of the view's documents in order.
func (v View) Texts() []string {
	texts := make([]string, len(v.idx))
	for i, pos := range v.idx {
		texts[i] = v.da.docs[pos].Text
	}
	return texts
}

// SetEmbeddings writes one embedding per document, matching by position
// within the view. The number of rows must equal the view length.
func (v View) SetEmbeddings(embeddings [][]float32) error {
	if len(embeddings) != len(v.idx) {
		return fmt.Errorf("embedding count %d does not match view length %d", len(embeddings), len(v.idx))
	}
	for i, pos := range v.idx {
		v.da.docs[pos].Embedding = embeddings[i]
	}
	return nil
}

// SetErr records err on every document in the view.
func (v View) SetErr(err error) {
	for _, pos := range v.idx {
		v.da.docs[pos].Err = err
	}
}
