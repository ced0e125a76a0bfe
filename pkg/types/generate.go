package types

// GenerateParams captures the sampling and stopping configuration for a
// single generation request. Numeric contracts (spec.md §4.5): Temperature
// >= 0 (0 = greedy), 0 < TopP <= 1, TopK >= 0 (0 disables), MaxNewTokens >= 1.
type GenerateParams struct {
	MaxNewTokens      int      `json:"max_new_tokens"`
	Temperature       float64  `json:"temperature"`
	TopP              float64  `json:"top_p"`
	TopK              int      `json:"top_k"`
	Stop              []string `json:"stop,omitempty"`
	FrequencyPenalty  float64  `json:"frequency_penalty,omitempty"`
	PresencePenalty   float64  `json:"presence_penalty,omitempty"`
	RepetitionPenalty float64  `json:"repetition_penalty,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
}

// FinishReason describes why a generation ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishCancelled FinishReason = "cancelled"
)

// PerfMetrics summarizes the performance of one completed generation.
type PerfMetrics struct {
	LoadTimeMs         *int64  `json:"load_time_ms,omitempty"`
	NumInputTokens     int     `json:"num_input_tokens"`
	NumOutputTokens    int     `json:"num_output_tokens"`
	TTFTMs             int64   `json:"ttft_ms"`
	ThroughputTPSMean  float64 `json:"throughput_tps_mean"`
	ThroughputTPSStd   float64 `json:"throughput_tps_std"`
	GenerateDurationMs int64   `json:"generate_duration_ms"`
}
