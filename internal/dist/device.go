package dist

import (
	"os"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Device is a handle to the active compute device. Place copies a tensor to
// the device and returns the device-resident tensor; placement is a plain
// synchronous copy, never scheduled.
type Device interface {
	Name() string
	Place(t *tensors.Tensor) *tensors.Tensor
}

// cpuDevice keeps tensors where gomlx already materializes them.
type cpuDevice struct {
	name string
}

func (d cpuDevice) Name() string { return d.name }

func (d cpuDevice) Place(t *tensors.Tensor) *tensors.Tensor { return t }

// CurrentDevice resolves the active compute device for this worker from the
// PREFBATCH_DEVICE environment variable. Unset or unrecognized values
// resolve to the CPU device.
func CurrentDevice() Device {
	name := os.Getenv("PREFBATCH_DEVICE")
	if name == "" {
		name = "cpu"
	}
	return cpuDevice{name: name}
}
