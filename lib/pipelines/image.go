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

// Package pipelines implements the preprocessing stage of the encoding
// pipeline: image decode and transform, text collection, the bounded
// worker pool preprocessing runs on, and remote-content fetching.
package pipelines

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder

	"github.com/disintegration/imaging"
	"github.com/morgoth95/clip-as-service/lib/backends"
	"github.com/morgoth95/clip-as-service/lib/docarray"
	_ "golang.org/x/image/bmp"  // Register BMP decoder
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// ImageProcessor transforms raw image content into normalized NCHW pixel
// data the visual encoder expects. It covers both transform levels: the
// blob-level transform (decode + resize + normalize) and the tensor-level
// transform for documents that arrive with an already-decoded tensor.
type ImageProcessor struct {
	Config *backends.ImageConfig
}

// NewImageProcessor creates an ImageProcessor with the given configuration.
func NewImageProcessor(config *backends.ImageConfig) *ImageProcessor {
	if config == nil {
		config = backends.DefaultImageConfig()
	}
	return &ImageProcessor{Config: config}
}

// ProcessBlob decodes encoded image bytes and transforms them. Returns
// pixel values in CHW layout as a flat slice.
func (p *ImageProcessor) ProcessBlob(data []byte) ([]float32, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return p.Process(img)
}

// ProcessTensor transforms an already-decoded HWC tensor. Returns pixel
// values in CHW layout as a flat slice.
func (p *ImageProcessor) ProcessTensor(t *docarray.Tensor) ([]float32, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("decoded tensor: %w", err)
	}
	return p.Process(tensorToImage(t))
}

// Process scales the image to fill the target dimensions, center-crops the
// overflow, and converts to a normalized CHW float tensor.
func (p *ImageProcessor) Process(img image.Image) ([]float32, error) {
	resized := imaging.Fill(img, p.Config.Width, p.Config.Height, imaging.Center, imaging.Lanczos)
	return p.toTensor(resized), nil
}

// ProcessBatch stacks per-item pixel slices into one batched NCHW tensor.
// Every slice must have length Channels*Height*Width.
func (p *ImageProcessor) ProcessBatch(items [][]float32) (*backends.ImageTensor, error) {
	c, h, w := p.Config.Channels, p.Config.Height, p.Config.Width
	stride := c * h * w

	data := make([]float32, len(items)*stride)
	for i, pixels := range items {
		if len(pixels) != stride {
			return nil, fmt.Errorf("item %d has %d pixel values, want %d", i, len(pixels), stride)
		}
		copy(data[i*stride:], pixels)
	}

	return &backends.ImageTensor{
		Data:     data,
		Batch:    len(items),
		Channels: c,
		Height:   h,
		Width:    w,
	}, nil
}

// toTensor converts a target-sized NRGBA image to a normalized CHW tensor.
func (p *ImageProcessor) toTensor(img *image.NRGBA) []float32 {
	height := img.Rect.Dy()
	width := img.Rect.Dx()
	plane := height * width

	pixels := make([]float32, p.Config.Channels*plane)
	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < width; x++ {
			r := float32(row[x*4+0]) * p.Config.RescaleFactor
			g := float32(row[x*4+1]) * p.Config.RescaleFactor
			b := float32(row[x*4+2]) * p.Config.RescaleFactor

			pixels[0*plane+y*width+x] = (r - p.Config.Mean[0]) / p.Config.Std[0]
			pixels[1*plane+y*width+x] = (g - p.Config.Mean[1]) / p.Config.Std[1]
			pixels[2*plane+y*width+x] = (b - p.Config.Mean[2]) / p.Config.Std[2]
		}
	}
	return pixels
}

// tensorToImage reinterprets an HWC 0-255 tensor as an image so the
// tensor-level transform can share the resize and normalize path.
func tensorToImage(t *docarray.Tensor) image.Image {
	height, width := t.Shape[0], t.Shape[1]
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			base := (y*width + x) * 3
			img.SetNRGBA(x, y, color.NRGBA{
				R: clampByte(t.Data[base+0]),
				G: clampByte(t.Data[base+1]),
				B: clampByte(t.Data[base+2]),
				A: 0xff,
			})
		}
	}
	return img
}

func clampByte(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}
