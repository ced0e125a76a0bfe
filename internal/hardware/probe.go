// Package hardware enumerates compute devices and samples their live
// memory usage for the resource admitter. Enumeration is cached at startup
// and refreshable on demand; sampling is cheap and meant for frequent
// polling. Failures to read a counter degrade gracefully (the field is
// simply absent), never fatal.
package hardware

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/capi-project/capi-core/pkg/types"
)

// Probe enumerates and samples the machine's compute devices.
type Probe struct {
	mu      sync.RWMutex
	cached  []types.Device
	gpu     gpuClient
	log     zerolog.Logger
}

// New builds a Probe using the real NVML client when available (build-tag
// gated) and the host /proc/meminfo reader for CPU RAM.
func New(log zerolog.Logger) *Probe {
	return &Probe{gpu: newGPUClient(), log: log}
}

// Enumerate lists all devices capi can target, caching the result. Call
// Refresh to force a re-scan (e.g. after a hotplug).
func (p *Probe) Enumerate() []types.Device {
	p.mu.RLock()
	if p.cached != nil {
		out := make([]types.Device, len(p.cached))
		copy(out, p.cached)
		p.mu.RUnlock()
		return out
	}
	p.mu.RUnlock()
	return p.Refresh()
}

// Refresh re-scans devices and updates the cache.
func (p *Probe) Refresh() []types.Device {
	devices := []types.Device{p.sampleCPU()}
	gpus, err := p.gpu.devices()
	if err != nil {
		p.log.Warn().Err(err).Msg("gpu enumeration unavailable, continuing cpu-only")
	} else {
		devices = append(devices, gpus...)
	}

	p.mu.Lock()
	p.cached = devices
	p.mu.Unlock()

	out := make([]types.Device, len(devices))
	copy(out, devices)
	return out
}

// Sample returns fresh per-device usage. Unlike Enumerate, this never
// serves a cached value: the admitter must always see current memory
// pressure (spec.md §4.1).
func (p *Probe) Sample() []types.Device {
	devices := []types.Device{p.sampleCPU()}
	if gpus, err := p.gpu.devices(); err == nil {
		devices = append(devices, gpus...)
	}
	return devices
}

// DeviceByKind returns the first available device of the given kind from a
// fresh sample, or false if none is available.
func (p *Probe) DeviceByKind(kind types.DeviceKind) (types.Device, bool) {
	for _, d := range p.Sample() {
		if d.Kind == kind && d.Available {
			return d, true
		}
	}
	return types.Device{}, false
}

type gpuClient interface {
	devices() ([]types.Device, error)
}
