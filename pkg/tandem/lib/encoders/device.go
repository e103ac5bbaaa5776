// Copyright 2025 Antfly, Inc.
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

package encoders

// DeviceType identifies a class of compute device.
type DeviceType string

const (
	DeviceCPU         DeviceType = "cpu"
	DeviceAccelerator DeviceType = "accelerator"
)

// Device designates where restored weights are placed.
type Device struct {
	Type  DeviceType
	Index int
}

// DeviceProvider enumerates the accelerators visible to the current execution
// context. Backends register one at init; without a provider only the CPU
// device exists.
type DeviceProvider interface {
	Devices() []Device
}

var provider DeviceProvider

// SetDeviceProvider installs the ambient device provider. Passing nil reverts
// to CPU-only resolution.
func SetDeviceProvider(p DeviceProvider) {
	provider = p
}

// CurrentDevice resolves the device the caller's execution context designates:
// the first available accelerator when a provider reports one, otherwise CPU.
func CurrentDevice() Device {
	if provider != nil {
		if devs := provider.Devices(); len(devs) > 0 {
			return devs[0]
		}
	}
	return Device{Type: DeviceCPU}
}
