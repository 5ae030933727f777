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

// Package backends holds the process-wide execution state the encoding
// pipeline depends on: the device target, the compute-thread budget, the
// opaque encoder model contract, and the batched tensor types that cross
// the preprocessing/inference boundary.
//
// The device target and thread budget are resolved once at startup and are
// read-only afterwards. Model loading itself is an external collaborator;
// this package only defines the seam a loader must fill.
package backends

import "fmt"

// DeviceType identifies the compute target for model execution.
type DeviceType string

const (
	// DeviceAuto selects an accelerator if one is available, else CPU.
	DeviceAuto DeviceType = "auto"

	// DeviceCUDA uses an NVIDIA CUDA GPU.
	DeviceCUDA DeviceType = "cuda"

	// DeviceMPS uses Apple Metal (macOS only).
	DeviceMPS DeviceType = "mps"

	// DeviceCPU forces general-purpose compute.
	DeviceCPU DeviceType = "cpu"
)

// Accelerated reports whether the device is an accelerator target.
func (d DeviceType) Accelerated() bool {
	return d == DeviceCUDA || d == DeviceMPS
}

// ImageTensor is a preprocessed image minibatch in NCHW layout, ready for
// the visual encoder. Data length is Batch*Channels*Height*Width.
type ImageTensor struct {
	Data     []float32
	Batch    int
	Channels int
	Height   int
	Width    int

	// Device records where the tensor has been placed. The inference
	// session rejects tensors that are not on its own device.
	Device DeviceType
}

// To places the tensor on the given device target and returns it.
func (t *ImageTensor) To(device DeviceType) *ImageTensor {
	t.Device = device
	return t
}

// Validate checks internal shape consistency.
func (t *ImageTensor) Validate() error {
	want := t.Batch * t.Channels * t.Height * t.Width
	if len(t.Data) != want {
		return fmt.Errorf("image tensor data length %d does not match shape [%d %d %d %d]",
			len(t.Data), t.Batch, t.Channels, t.Height, t.Width)
	}
	return nil
}

// TokenTensor is a tokenized text minibatch: one fixed-length row of token
// ids per document, ready for the text encoder.
type TokenTensor struct {
	IDs [][]int32

	// Device records where the tensor has been placed.
	Device DeviceType
}

// To places the tensor on the given device target and returns it.
func (t *TokenTensor) To(device DeviceType) *TokenTensor {
	t.Device = device
	return t
}

// Batch returns the number of rows in the tensor.
func (t *TokenTensor) Batch() int { return len(t.IDs) }

// ImageConfig holds configuration for image preprocessing.
type ImageConfig struct {
	// Width and Height are the target dimensions the encoder expects.
	Width  int
	Height int

	// Channels is the number of color channels (3 for RGB).
	Channels int

	// Mean and Std are the per-channel normalization constants.
	Mean [3]float32
	Std  [3]float32

	// RescaleFactor scales pixel values before normalization
	// (1/255 to convert 0-255 to 0-1).
	RescaleFactor float32
}

// DefaultImageConfig returns the CLIP preprocessing defaults: 224x224 RGB
// with the CLIP dataset normalization constants.
func DefaultImageConfig() *ImageConfig {
	return &ImageConfig{
		Width:         224,
		Height:        224,
		Channels:      3,
		Mean:          [3]float32{0.48145466, 0.4578275, 0.40821073},
		Std:           [3]float32{0.26862954, 0.26130258, 0.27577711},
		RescaleFactor: 1.0 / 255.0,
	}
}
