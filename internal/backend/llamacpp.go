//go:build llama

package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	llama "github.com/go-skynet/go-llama.cpp"

	"github.com/capi-project/capi-core/pkg/types"
)

// LlamaCppConfig configures the cgo-native backend.
type LlamaCppConfig struct {
	CtxSize int
	Threads int
}

// LlamaCppBackend loads models directly in-process via
// github.com/go-skynet/go-llama.cpp, grounded near-verbatim on the
// teacher's internal/manager/adapter_llama.go. Built only when the `llama`
// build tag is set, since the underlying package requires cgo and a
// compiled libllama.
type LlamaCppBackend struct {
	cfg LlamaCppConfig
}

func NewLlamaCppBackend(cfg LlamaCppConfig) *LlamaCppBackend {
	return &LlamaCppBackend{cfg: cfg}
}

type llamaCppPipeline struct {
	localPath   string
	model       *llama.LLama
	chatSession string
}

func (p *llamaCppPipeline) ID() string { return p.localPath }

func (b *LlamaCppBackend) Open(_ context.Context, localPath string, _ types.DeviceKind) (Pipeline, error) {
	if strings.TrimSpace(localPath) == "" {
		return nil, errors.New("local path is empty")
	}
	m, err := llama.New(localPath, llama.SetContext(b.cfg.CtxSize))
	if err != nil {
		return nil, err
	}
	return &llamaCppPipeline{localPath: localPath, model: m}, nil
}

// CountTokens has no direct hook through go-llama.cpp's exported API; a
// whitespace-token heuristic stands in, matching the degrade path the
// subprocess backend falls back to when /tokenize is unavailable.
func (b *LlamaCppBackend) CountTokens(_ Pipeline, text string) (int, error) {
	return len(strings.Fields(text)), nil
}

func (b *LlamaCppBackend) StartChat(p Pipeline, sessionID string) error {
	lp, ok := p.(*llamaCppPipeline)
	if !ok {
		return fmt.Errorf("start_chat: not a llama.cpp pipeline")
	}
	lp.chatSession = sessionID
	return nil
}

func (b *LlamaCppBackend) FinishChat(p Pipeline) error {
	lp, ok := p.(*llamaCppPipeline)
	if !ok {
		return fmt.Errorf("finish_chat: not a llama.cpp pipeline")
	}
	lp.chatSession = ""
	return nil
}

func (b *LlamaCppBackend) Dispose(p Pipeline) error {
	lp, ok := p.(*llamaCppPipeline)
	if !ok {
		return fmt.Errorf("dispose: not a llama.cpp pipeline")
	}
	if lp.model != nil {
		lp.model.Free()
		lp.model = nil
	}
	return nil
}

func (b *LlamaCppBackend) Generate(ctx context.Context, p Pipeline, prompt string, params types.GenerateParams, onToken OnToken) (types.PerfMetrics, error) {
	lp, ok := p.(*llamaCppPipeline)
	if !ok {
		return types.PerfMetrics{}, fmt.Errorf("generate: not a llama.cpp pipeline")
	}
	if lp.model == nil {
		return types.PerfMetrics{}, errors.New("llama.cpp model not initialized")
	}

	start := time.Now()
	var metrics types.PerfMetrics
	var firstTokenAt time.Time
	var cbErr error

	lp.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if firstTokenAt.IsZero() {
			firstTokenAt = time.Now()
			metrics.TTFTMs = firstTokenAt.Sub(start).Milliseconds()
		}
		metrics.NumOutputTokens++
		if err := onToken(tok); err != nil {
			cbErr = err
			return false
		}
		return true
	})

	_, err := lp.model.Predict(prompt, mapPredictOptions(params, b.cfg.Threads)...)
	if cbErr != nil && !errors.Is(cbErr, ErrStopGeneration) {
		return metrics, cbErr
	}
	if err != nil {
		if ctx.Err() != nil {
			return metrics, ctx.Err()
		}
		return metrics, err
	}

	metrics.NumInputTokens, _ = b.CountTokens(p, prompt)
	metrics.GenerateDurationMs = time.Since(start).Milliseconds()
	if metrics.GenerateDurationMs > 0 && metrics.NumOutputTokens > 0 {
		metrics.ThroughputTPSMean = float64(metrics.NumOutputTokens) / (float64(metrics.GenerateDurationMs) / 1000.0)
	}
	return metrics, nil
}

func mapPredictOptions(params types.GenerateParams, threads int) []llama.PredictOption {
	maxTokens := params.MaxNewTokens
	if maxTokens < 1 {
		maxTokens = 1
	}
	if threads < 1 {
		threads = 1
	}
	po := []llama.PredictOption{
		llama.SetTokens(maxTokens),
		llama.SetThreads(threads),
		llama.SetTopP(float32(params.TopP)),
		llama.SetTopK(params.TopK),
		llama.SetTemperature(float32(params.Temperature)),
		llama.SetPenalty(float32(params.RepetitionPenalty)),
	}
	if params.Seed != nil {
		po = append(po, llama.SetSeed(int(*params.Seed)))
	}
	if len(params.Stop) > 0 {
		po = append(po, llama.SetStopWords(params.Stop...))
	}
	return po
}
