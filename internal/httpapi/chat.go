package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/capi-project/capi-core/internal/contextassembler"
	"github.com/capi-project/capi-core/internal/core"
	"github.com/capi-project/capi-core/internal/telemetry"
	"github.com/capi-project/capi-core/internal/worker"
	"github.com/capi-project/capi-core/pkg/types"
)

// handleChatCompletions implements POST /v1/chat/completions (spec.md
// §4.9): streams SSE delta frames when request.Stream is true, otherwise
// buffers and returns a single JSON object. Mirrors the teacher's /infer
// handler's structure (content-type/size checks, joinContexts, level-gated
// logging) generalized from NDJSON tokens to OpenAI chunk frames.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req types.ChatCompletionRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeJSONError(w, core.InvalidRequestError{Reason: "model is required"})
		return
	}
	if len(req.Messages) == 0 {
		writeJSONError(w, core.InvalidRequestError{Reason: "messages must not be empty"})
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

	w8, err := s.Engine.EnsureLoaded(ctx, req.Model, cfg.DevicePreference)
	if err != nil {
		s.logEnsureFailure(r, lvl, err)
		writeJSONError(w, err)
		return
	}

	history, newTurn, err := s.loadChatHistory(ctx, req)
	if err != nil {
		writeJSONError(w, err)
		return
	}

	assembled, err := contextassembler.Assemble(w8, history, newTurn, cfg.DefaultContextTokens, 0, params.MaxNewTokens)
	if err != nil {
		writeJSONError(w, core.GenerationFailedError{JobID: "", Err: err})
		return
	}

	if req.SessionID != "" {
		if _, err := s.Sessions.AppendMessage(ctx, req.SessionID, types.RoleUser, newTurn); err != nil {
			writeJSONError(w, err)
			return
		}
	}

	handle, err := s.Engine.Generate(ctx, req.Model, worker.GenerateJob{
		ID: uuid.NewString(), SessionID: req.SessionID, Prompt: assembled.Prompt, Params: params,
	}, cfg.DevicePreference)
	if err != nil {
		writeJSONError(w, err)
		return
	}

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	if req.Stream {
		s.streamChatCompletion(w, r, id, created, req.Model, req.SessionID, handle, assembled.ContextTruncated)
	} else {
		s.bufferChatCompletion(w, r, id, created, req.Model, req.SessionID, handle)
	}
}

// loadChatHistory resolves the conversation to feed ContextAssembler: the
// persisted session's messages when SessionID is set, else req.Messages
// verbatim (stateless chat). newTurn is always the final user message.
func (s *Server) loadChatHistory(ctx context.Context, req types.ChatCompletionRequest) ([]types.ChatMessage, string, error) {
	last := req.Messages[len(req.Messages)-1]
	newTurn := last.Content

	if req.SessionID == "" {
		history := make([]types.ChatMessage, 0, len(req.Messages)-1)
		for _, m := range req.Messages[:len(req.Messages)-1] {
			history = append(history, types.ChatMessage{Role: m.Role, Content: m.Content})
		}
		return history, newTurn, nil
	}

	messages, err := s.Sessions.GetMessages(ctx, req.SessionID)
	return messages, newTurn, err
}

func (s *Server) logEnsureFailure(r *http.Request, lvl LogLevel, err error) {
	status := http.StatusInternalServerError
	if he, ok := err.(core.HTTPError); ok {
		status = he.StatusCode()
	}
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("ensure_loaded")
	}
	logGenerationEnd(lvl, r, status, err)
}

func (s *Server) streamChatCompletion(w http.ResponseWriter, r *http.Request, id string, created int64, model, sessionID string, handle *worker.JobHandle, truncated bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)

	var full strings.Builder
	for tok := range handle.Tokens {
		full.WriteString(tok)
		chunk := types.ChatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
			Choices: []types.ChatCompletionChunkChoice{{
				Index: 0,
				Delta: types.ChatCompletionDelta{Content: tok},
			}},
		}
		writeSSE(w, chunk)
		if flusher != nil {
			flusher.Flush()
		}
	}

	res := <-handle.Done
	if res.Err != nil {
		s.Log.Warn().Str("event", "stream_generation_failed").Str("model", model).Err(res.Err).Msg("generation ended with an error mid-stream")
	}
	finish := res.FinishReason
	final := types.ChatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []types.ChatCompletionChunkChoice{{Index: 0, FinishReason: &finish}},
		Usage: &types.Usage{
			PromptTokens: res.Metrics.NumInputTokens, CompletionTokens: res.Metrics.NumOutputTokens,
			TotalTokens: res.Metrics.NumInputTokens + res.Metrics.NumOutputTokens, Truncated: truncated,
		},
	}
	writeSSE(w, final)
	if res.Err != nil && res.FinishReason != types.FinishCancelled {
		kind := "internal"
		if he, ok := res.Err.(core.HTTPError); ok {
			kind = errorKind(he)
		}
		writeSSE(w, types.ErrorResponse{Error: types.ErrorDetail{Message: res.Err.Error(), Kind: kind}})
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}

	telemetry.ObserveGeneration(model, res.Metrics)
	s.persistAssistantTurn(r, sessionID, full.String(), res)
}

func (s *Server) bufferChatCompletion(w http.ResponseWriter, r *http.Request, id string, created int64, model, sessionID string, handle *worker.JobHandle) {
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
	s.persistAssistantTurn(r, sessionID, full.String(), res)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(types.ChatCompletionResponse{
		ID: id, Object: "chat.completion", Created: created, Model: model,
		Choices: []types.ChatCompletionChoice{{
			Index:        0,
			Message:      types.ChatMessageIn{Role: types.RoleAssistant, Content: full.String()},
			FinishReason: res.FinishReason,
		}},
		Usage: types.Usage{
			PromptTokens: res.Metrics.NumInputTokens, CompletionTokens: res.Metrics.NumOutputTokens,
			TotalTokens: res.Metrics.NumInputTokens + res.Metrics.NumOutputTokens,
		},
	})
}

// persistAssistantTurn appends the generated content as the session's next
// assistant turn. Streams call it when they end, including a cancelled
// stream, whose partial content is stored; buffered requests call it only
// on success. Only role and content are stored: the finish reason is not
// recorded with the message. The write is detached from the request's
// cancellation so a client disconnect does not drop it. Best effort: a
// persistence failure here must not turn a delivered response into an
// error for the caller.
func (s *Server) persistAssistantTurn(r *http.Request, sessionID, content string, res worker.JobResult) {
	if sessionID == "" {
		return
	}
	if _, err := s.Sessions.AppendMessage(context.WithoutCancel(r.Context()), sessionID, types.RoleAssistant, content); err != nil {
		s.Log.Warn().Str("event", "persist_assistant_turn_failed").Str("session", sessionID).Err(err).Msg("failed to persist assistant turn")
	}
}

func writeSSE(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
}

// decodeJSONBody enforces the content-type and body-size contract the
// teacher's /infer handler applies, decoding into dst. Writes a 400/415
// response and returns false on failure.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		_ = json.NewEncoder(w).Encode(types.ErrorResponse{
			Error: types.ErrorDetail{Message: "Content-Type must be application/json", Kind: "invalid_request"},
		})
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, core.InvalidRequestError{Reason: "invalid JSON body"})
		return false
	}
	return true
}
