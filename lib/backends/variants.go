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

package backends

import (
	"fmt"
	"sort"
)

// DefaultVariant is the model variant used when none is configured.
const DefaultVariant = "ViT-B/32"

// Variant describes a known CLIP model variant: its embedding output
// dimension, the square image resolution its visual encoder expects, and
// the token context length of its text encoder.
type Variant struct {
	Name          string
	EmbeddingDim  int
	ImageSize     int
	ContextLength int
}

// ImageConfig returns the preprocessing configuration for this variant.
func (v Variant) ImageConfig() *ImageConfig {
	cfg := DefaultImageConfig()
	cfg.Width = v.ImageSize
	cfg.Height = v.ImageSize
	return cfg
}

var variants = map[string]Variant{
	"RN50":           {Name: "RN50", EmbeddingDim: 1024, ImageSize: 224, ContextLength: 77},
	"RN101":          {Name: "RN101", EmbeddingDim: 512, ImageSize: 224, ContextLength: 77},
	"RN50x4":         {Name: "RN50x4", EmbeddingDim: 640, ImageSize: 288, ContextLength: 77},
	"RN50x16":        {Name: "RN50x16", EmbeddingDim: 768, ImageSize: 384, ContextLength: 77},
	"RN50x64":        {Name: "RN50x64", EmbeddingDim: 1024, ImageSize: 448, ContextLength: 77},
	"ViT-B/32":       {Name: "ViT-B/32", EmbeddingDim: 512, ImageSize: 224, ContextLength: 77},
	"ViT-B/16":       {Name: "ViT-B/16", EmbeddingDim: 512, ImageSize: 224, ContextLength: 77},
	"ViT-L/14":       {Name: "ViT-L/14", EmbeddingDim: 768, ImageSize: 224, ContextLength: 77},
	"ViT-L/14@336px": {Name: "ViT-L/14@336px", EmbeddingDim: 768, ImageSize: 336, ContextLength: 77},
}

// LookupVariant returns the variant descriptor for name.
func LookupVariant(name string) (Variant, error) {
	v, ok := variants[name]
	if !ok {
		return Variant{}, fmt.Errorf("unknown model variant %q (known: %v)", name, VariantNames())
	}
	return v, nil
}

// VariantNames returns the known variant names in sorted order.
func VariantNames() []string {
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
