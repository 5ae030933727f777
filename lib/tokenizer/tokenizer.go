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

// Package tokenizer builds the text-side tokenizer the textual encoder
// consumes: lowercased BPE over the CLIP vocabulary, bracketed by the
// start and end sentinels and padded to a fixed context length.
package tokenizer

import (
	"fmt"

	"github.com/morgoth95/clip-as-service/lib/backends"
	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/bpe"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
)

const (
	// StartToken opens every encoded sequence.
	StartToken = "<|startoftext|>"
	// EndToken closes every encoded sequence.
	EndToken = "<|endoftext|>"

	// DefaultContextLength is the sequence length the text encoder expects.
	DefaultContextLength = 77
)

// ClipTokenizer tokenizes text for the textual encoder. Sequences longer
// than the context length are truncated so the end sentinel always fits;
// shorter sequences are zero-padded.
type ClipTokenizer struct {
	tokenizer     *tokenizer.Tokenizer
	startID       int32
	endID         int32
	contextLength int
}

var _ backends.Tokenizer = (*ClipTokenizer)(nil)

// NewClipTokenizer creates a tokenizer from a CLIP vocab.json and
// merges.txt pair on disk.
func NewClipTokenizer(vocabPath, mergesPath string, contextLength int) (*ClipTokenizer, error) {
	if contextLength <= 2 {
		contextLength = DefaultContextLength
	}

	model, err := bpe.NewBpeFromFiles(vocabPath, mergesPath)
	if err != nil {
		return nil, fmt.Errorf("loading bpe vocabulary: %w", err)
	}

	tk := tokenizer.NewTokenizer(model)
	// Clean text and lowercase; CLIP's vocabulary is cased-folded.
	tk.WithNormalizer(normalizer.NewBertNormalizer(true, true, false, false))
	tk.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())
	tk.AddSpecialTokens([]tokenizer.AddedToken{
		tokenizer.NewAddedToken(StartToken, true),
		tokenizer.NewAddedToken(EndToken, true),
	})

	startID, ok := tk.TokenToId(StartToken)
	if !ok {
		return nil, fmt.Errorf("cannot find ID for %s token", StartToken)
	}
	endID, ok := tk.TokenToId(EndToken)
	if !ok {
		return nil, fmt.Errorf("cannot find ID for %s token", EndToken)
	}

	return &ClipTokenizer{
		tokenizer:     tk,
		startID:       int32(startID),
		endID:         int32(endID),
		contextLength: contextLength,
	}, nil
}

// ContextLength returns the fixed sequence length of encoded output.
func (t *ClipTokenizer) ContextLength() int { return t.contextLength }

// Tokenize encodes a batch of texts into a fixed-length token tensor.
func (t *ClipTokenizer) Tokenize(texts []string) (*backends.TokenTensor, error) {
	ids := make([][]int32, len(texts))
	for i, text := range texts {
		seq, err := t.encode(text)
		if err != nil {
			return nil, fmt.Errorf("tokenizing text %d: %w", i, err)
		}
		ids[i] = seq
	}
	return &backends.TokenTensor{IDs: ids}, nil
}

// encode tokenizes one text. A recover wrapper guards against panics in
// the underlying tokenizer library (github.com/sugarme/tokenizer has a
// bounds check bug in BertNormalizer.TransformRange).
func (t *ClipTokenizer) encode(text string) (seq []int32, err error) {
	defer func() {
		if r := recover(); r != nil {
			seq = nil
			err = fmt.Errorf("tokenizer panic: %v", r)
		}
	}()

	var tokenIDs []int
	if text != "" {
		enc, encErr := t.tokenizer.EncodeSingle(text)
		if encErr != nil {
			return nil, encErr
		}
		tokenIDs = enc.Ids
	}

	// Truncate to leave room for the sentinels.
	if max := t.contextLength - 2; len(tokenIDs) > max {
		tokenIDs = tokenIDs[:max]
	}

	seq = make([]int32, t.contextLength)
	seq[0] = t.startID
	for j, id := range tokenIDs {
		seq[j+1] = int32(id)
	}
	seq[len(tokenIDs)+1] = t.endID
	return seq, nil
}
