package types

// ModelDescriptor is a persistent record of an installed model.
// Created on install; immutable except for EstimatedMemoryBytes, which may
// be refined once the backend reports an actual footprint after first load.
type ModelDescriptor struct {
	// Stable identifier for the model.
	// example: tinyllama-q4
	ID string `json:"id" db:"id"`
	// Human-friendly name.
	// example: TinyLlama (Q4)
	DisplayName string `json:"display_name" db:"display_name"`
	// Path to the model artifact file itself (a .gguf file for the
	// llama.cpp backends), not to a directory.
	// example: /home/user/.capi/models/tinyllama-q4.gguf
	LocalPath string `json:"local_path" db:"local_path"`
	// Quantization tag, if any.
	// example: Q4_K_M
	QuantizationTag string `json:"quantization_tag,omitempty" db:"quantization_tag"`
	// Size of the model artifact on disk, in bytes.
	SizeBytes int64 `json:"size_bytes" db:"size_bytes"`
	// Estimated resident memory footprint when loaded, in bytes.
	EstimatedMemoryBytes int64 `json:"estimated_memory_bytes" db:"estimated_memory_bytes"`
	// Devices the backend reports as capable of hosting this model.
	SupportedDevices []DeviceKind `json:"supported_devices,omitempty" db:"-"`
	// Available is false when LocalPath no longer exists on disk but the
	// entry has not been explicitly removed.
	Available bool `json:"available" db:"-"`
}

// DeviceKind enumerates the classes of compute device capi can target.
type DeviceKind string

const (
	DeviceCPU DeviceKind = "cpu"
	DeviceGPU DeviceKind = "gpu"
	DeviceNPU DeviceKind = "npu"
)

// DevicePreference is the configured or request-level device choice.
type DevicePreference string

const (
	DevicePreferAuto DevicePreference = "auto"
	DevicePreferCPU  DevicePreference = "cpu"
	DevicePreferGPU  DevicePreference = "gpu"
	DevicePreferNPU  DevicePreference = "npu"
)

// Device is a point-in-time view of one piece of compute hardware.
type Device struct {
	Name                string     `json:"name"`
	Kind                DeviceKind `json:"kind"`
	Available           bool       `json:"available"`
	TotalMemoryBytes    int64      `json:"total_memory_bytes"`
	AvailableMemoryBytes int64     `json:"available_memory_bytes"`
	FreqMHz             *int       `json:"freq_mhz,omitempty"`
	MaxFreqMHz          *int       `json:"max_freq_mhz,omitempty"`
}

// ResourceMode selects how strictly the admitter enforces memory limits.
type ResourceMode string

const (
	ResourceModeStrict ResourceMode = "strict"
	ResourceModeLoose  ResourceMode = "loose"
)
