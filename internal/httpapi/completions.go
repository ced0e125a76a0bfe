package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/capi-project/capi-core/internal/core"
	"github.com/capi-project/capi-core/internal/telemetry"
	"github.com/capi-project/capi-core/internal/worker"
	"github.com/capi-project/capi-core/pkg/types"
)

// handleCompletions implements POST /v1/completions: the same plumbing as
// chat completions but with a raw `prompt` instead of `messages` and no
// session pairing (spec.md §4.9: "same plumbing with prompt instead of
// messages").
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req types.CompletionRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeJSONError(w, core.InvalidRequestError{Reason: "model is required"})
		return
	}
	if req.Prompt == "" {
		writeJSONError(w, core.InvalidRequestError{Reason: "prompt is required"})
		return
	}

	lvl := requestLogLevel(r)
	logGenerationStart(lvl, r, r.URL.Path, req.Model)

	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()

	cfg := s.Config.Get()
	params := toGenerateParams(chatParams{
		Temperature: req.Temperature, TopP: req.TopP, TopK: req.TopK,
		MaxTokens: req.MaxTokens, Stop: req.Stop,
		FrequencyPenalty: req.FrequencyPenalty, PresencePenalty: req.PresencePenalty,
		Seed: req.Seed,
	})

	handle, err := s.Engine.Generate(ctx, req.Model, worker.GenerateJob{
		ID: uuid.NewString(), Prompt: req.Prompt, Params: params,
	}, cfg.DevicePreference)
	if err != nil {
		s.logEnsureFailure(r, lvl, err)
		writeJSONError(w, err)
		return
	}

	id := "cmpl-" + uuid.NewString()
	created := time.Now().Unix()

	if req.Stream {
		s.streamCompletion(w, id, created, req.Model, handle)
	} else {
		s.bufferCompletion(w, id, created, req.Model, handle)
	}
}

func (s *Server) streamCompletion(w http.ResponseWriter, id string, created int64, model string, handle *worker.JobHandle) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	for tok := range handle.Tokens {
		writeSSE(w, types.CompletionResponse{
			ID: id, Object: "text_completion", Created: created, Model: model,
			Choices: []types.CompletionChoice{{Index: 0, Text: tok}},
		})
		if flusher != nil {
			flusher.Flush()
		}
	}

	res := <-handle.Done
	writeSSE(w, types.CompletionResponse{
		ID: id, Object: "text_completion", Created: created, Model: model,
		Choices: []types.CompletionChoice{{Index: 0, FinishReason: res.FinishReason}},
		Usage: types.Usage{
			PromptTokens: res.Metrics.NumInputTokens, CompletionTokens: res.Metrics.NumOutputTokens,
			TotalTokens: res.Metrics.NumInputTokens + res.Metrics.NumOutputTokens,
		},
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
	telemetry.ObserveGeneration(model, res.Metrics)
}

func (s *Server) bufferCompletion(w http.ResponseWriter, id string, created int64, model string, handle *worker.JobHandle) {
	var full strings.Builder
	for tok := range handle.Tokens {
		full.WriteString(tok)
	}
	res := <-handle.Done
	if res.Err != nil {
		writeJSONError(w, res.Err)
		return
	}
	telemetry.ObserveGeneration(model, res.Metrics)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(types.CompletionResponse{
		ID: id, Object: "text_completion", Created: created, Model: model,
		Choices: []types.CompletionChoice{{Index: 0, Text: full.String(), FinishReason: res.FinishReason}},
		Usage: types.Usage{
			PromptTokens: res.Metrics.NumInputTokens, CompletionTokens: res.Metrics.NumOutputTokens,
			TotalTokens: res.Metrics.NumInputTokens + res.Metrics.NumOutputTokens,
		},
	})
}
