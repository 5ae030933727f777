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
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

var (
	acceleratorOnce sync.Once
	acceleratorInfo AcceleratorInfo
)

// AcceleratorInfo describes the accelerator detected on this host.
type AcceleratorInfo struct {
	Available  bool
	Device     DeviceType
	DeviceName string
	DriverVer  string
}

// DetectAccelerator probes the host for a usable accelerator. The result
// is cached after the first call; the device target never changes for the
// lifetime of the process.
func DetectAccelerator() AcceleratorInfo {
	acceleratorOnce.Do(func() {
		acceleratorInfo = detectAcceleratorImpl()
	})
	return acceleratorInfo
}

func detectAcceleratorImpl() AcceleratorInfo {
	if runtime.GOOS == "darwin" {
		// Metal is always present on supported macOS hardware.
		return AcceleratorInfo{Available: true, Device: DeviceMPS, DeviceName: "Apple Metal"}
	}
	return detectCUDA()
}

// detectCUDA checks for an NVIDIA GPU, first via nvidia-smi, then by
// looking for the CUDA runtime libraries.
func detectCUDA() AcceleratorInfo {
	if info := tryNvidiaSMI(); info.Available {
		return info
	}
	if cudaLibsExist() {
		return AcceleratorInfo{
			Available:  true,
			Device:     DeviceCUDA,
			DeviceName: "CUDA (libraries detected)",
		}
	}
	return AcceleratorInfo{Device: DeviceCPU}
}

func tryNvidiaSMI() AcceleratorInfo {
	info := AcceleratorInfo{Device: DeviceCPU}

	nvidiaSMI, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return info
	}

	cmd := exec.Command(nvidiaSMI, "--query-gpu=name,driver_version", "--format=csv,noheader,nounits") //nolint:gosec // G204: path comes from LookPath("nvidia-smi")
	output, err := cmd.Output()
	if err != nil {
		return info
	}

	parts := strings.Split(strings.TrimSpace(string(output)), ", ")
	info.Available = true
	info.Device = DeviceCUDA
	if len(parts) >= 1 {
		info.DeviceName = strings.TrimSpace(parts[0])
	}
	if len(parts) >= 2 {
		info.DriverVer = strings.TrimSpace(parts[1])
	}
	return info
}

func cudaLibsExist() bool {
	cudaPaths := []string{
		"/usr/local/cuda/lib64",
		"/usr/lib/x86_64-linux-gnu",
		"/usr/lib64",
	}
	if ldPath := os.Getenv("LD_LIBRARY_PATH"); ldPath != "" {
		cudaPaths = append(strings.Split(ldPath, ":"), cudaPaths...)
	}
	for _, dir := range cudaPaths {
		if matches, _ := filepath.Glob(filepath.Join(dir, "libcudart.so*")); len(matches) > 0 {
			return true
		}
	}
	return false
}

// ResolveDevice turns the configured device name into the process's device
// target. An explicit name takes precedence over auto-detection; an empty
// or "auto" name selects the detected accelerator if one is available and
// falls back to CPU otherwise. Unknown names are a configuration error.
func ResolveDevice(name string) (DeviceType, error) {
	switch DeviceType(name) {
	case DeviceAuto, "":
		if info := DetectAccelerator(); info.Available {
			return info.Device, nil
		}
		return DeviceCPU, nil
	case DeviceCUDA:
		return DeviceCUDA, nil
	case DeviceMPS:
		return DeviceMPS, nil
	case DeviceCPU:
		return DeviceCPU, nil
	default:
		return "", fmt.Errorf("unknown device %q (known: auto, cuda, mps, cpu)", name)
	}
}
