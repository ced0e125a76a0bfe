package httpapi

import "github.com/capi-project/capi-core/pkg/types"

// chatParams collects the sampling fields shared by ChatCompletionRequest
// and CompletionRequest so both handlers can build a types.GenerateParams
// the same way.
type chatParams struct {
	Temperature      *float64
	TopP             *float64
	TopK             *int
	MaxTokens        *int
	Stop             []string
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Seed             *int64
}

// defaultMaxNewTokens bounds generation length when a request omits
// max_tokens, matching spec.md §4.5's "MaxNewTokens >= 1" contract.
const defaultMaxNewTokens = 512

func toGenerateParams(p chatParams) types.GenerateParams {
	gp := types.GenerateParams{
		MaxNewTokens: defaultMaxNewTokens,
		Temperature:  1.0,
		TopP:         1.0,
		Stop:         p.Stop,
		Seed:         p.Seed,
	}
	if p.Temperature != nil {
		gp.Temperature = *p.Temperature
	}
	if p.TopP != nil {
		gp.TopP = *p.TopP
	}
	if p.TopK != nil {
		gp.TopK = *p.TopK
	}
	if p.MaxTokens != nil && *p.MaxTokens > 0 {
		gp.MaxNewTokens = *p.MaxTokens
	}
	if p.FrequencyPenalty != nil {
		gp.FrequencyPenalty = *p.FrequencyPenalty
	}
	if p.PresencePenalty != nil {
		gp.PresencePenalty = *p.PresencePenalty
	}
	return gp
}
