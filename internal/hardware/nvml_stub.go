//go:build !capi_nvml

package hardware

import "github.com/capi-project/capi-core/pkg/types"

// stubGPUClient reports no GPU devices when capi is built without the
// capi_nvml tag (no NVIDIA driver present, or a non-NVIDIA host). This is a
// graceful degrade, not an error: HardwareProbe.Enumerate still succeeds
// with a CPU-only device list, per spec.md §4.1.
type stubGPUClient struct{}

func newGPUClient() gpuClient { return stubGPUClient{} }

func (stubGPUClient) devices() ([]types.Device, error) {
	return nil, nil
}
