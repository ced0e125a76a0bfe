//go:build capi_nvml

package hardware

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/capi-project/capi-core/pkg/types"
)

// realGPUClient wraps NVML for GPU enumeration. Grounded on
// Polygonschmiede-aistack's internal/gpu detector: init NVML, enumerate
// devices, read memory info per device, shut down.
type realGPUClient struct{}

func newGPUClient() gpuClient { return realGPUClient{} }

func (realGPUClient) devices() ([]types.Device, error) {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, fmt.Errorf("nvml init: %s", nvml.ErrorString(ret))
	}
	defer nvml.Shutdown()

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("nvml device count: %s", nvml.ErrorString(ret))
	}

	out := make([]types.Device, 0, count)
	for i := 0; i < count; i++ {
		dev, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}
		name, _ := dev.GetName()
		mem, memRet := dev.GetMemoryInfo()
		d := types.Device{
			Name:      name,
			Kind:      types.DeviceGPU,
			Available: true,
		}
		if memRet == nvml.SUCCESS {
			d.TotalMemoryBytes = int64(mem.Total)
			d.AvailableMemoryBytes = int64(mem.Free)
		}
		out = append(out, d)
	}
	return out, nil
}
