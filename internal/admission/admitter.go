// Package admission decides whether a model load may proceed given the
// memory available on its target device. Grounded on
// original_source/capi-core/src/hardware/resource_validator.rs, collapsed
// to spec.md §4.2's binary Admitted/Reject contract.
package admission

import (
	"fmt"
	"math"

	"github.com/capi-project/capi-core/pkg/types"
)

// safetyFactor pads the estimated memory need to absorb runtime overhead
// (KV cache growth, allocator fragmentation) not captured by the static
// estimate. Fixed per spec.md §4.2.
const safetyFactor = 1.15

// Decision is the outcome of an admission check.
type Decision struct {
	Admitted bool
	// Warning is informational. Under loose mode it is set on an admitted
	// load whose need exceeds the device's available memory; on rejection it
	// carries the reason when the device is not available.
	Warning string
	Need      int64
	Available int64
	Mode      types.ResourceMode
}

// Sampler supplies fresh device memory readings. Satisfied by
// *hardware.Probe; kept as an interface here so the admitter has no
// compile-time dependency on NVML or /proc.
type Sampler interface {
	DeviceByKind(kind types.DeviceKind) (types.Device, bool)
}

// Admitter implements spec.md §4.2's admission contract.
type Admitter struct {
	probe Sampler
}

// New builds an Admitter backed by the given device sampler.
func New(probe Sampler) *Admitter {
	return &Admitter{probe: probe}
}

// Admit decides whether desc may be loaded onto device under mode. It
// always samples fresh memory (spec.md §4.1: "no caching of stale memory
// values across load decisions").
func (a *Admitter) Admit(desc types.ModelDescriptor, device types.DeviceKind, mode types.ResourceMode) Decision {
	need := int64(math.Round(float64(desc.EstimatedMemoryBytes) * safetyFactor))

	dev, ok := a.probe.DeviceByKind(device)
	if !ok {
		return Decision{
			Admitted:  false,
			Warning:   fmt.Sprintf("device %s is not available", device),
			Need:      need,
			Available: 0,
			Mode:      mode,
		}
	}

	d := Decision{Need: need, Available: dev.AvailableMemoryBytes, Mode: mode}

	switch mode {
	case types.ResourceModeLoose:
		if need > dev.TotalMemoryBytes {
			d.Admitted = false
			return d
		}
		d.Admitted = true
		if need > dev.AvailableMemoryBytes {
			d.Warning = fmt.Sprintf(
				"memory is tight: need %d bytes, only %d bytes available on %s (admitted under loose mode)",
				need, dev.AvailableMemoryBytes, device,
			)
		}
		return d
	default: // strict
		d.Admitted = need <= dev.AvailableMemoryBytes
		return d
	}
}
