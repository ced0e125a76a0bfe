// Package backend implements the GenerationBackend capability: opening a
// model artifact into a running pipeline, tokenizing, and streaming
// generation. Two concrete implementations are provided: a subprocess+HTTP
// adapter (default, grounded on the teacher's adapter_llama_subprocess.go)
// and a cgo adapter gated behind the `llama` build tag (grounded on the
// teacher's adapter_llama.go).
package backend

import (
	"context"
	"errors"

	"github.com/capi-project/capi-core/pkg/types"
)

// Pipeline is an opaque handle to a loaded model, returned by Open and
// passed back into every other Backend method.
type Pipeline interface {
	// ID identifies the pipeline for logging; not used for lookup.
	ID() string
}

// ErrStopGeneration is returned by an onToken callback to request that
// generation halt after the current token, mirroring spec.md §4.5's
// on_token "Continue | Stop" contract without adding a second return value
// to every callback invocation.
var ErrStopGeneration = errors.New("backend: stop generation")

// OnToken is invoked synchronously on the backend's generation goroutine
// for each decoded token. Returning ErrStopGeneration ends generation
// cleanly (FinishReason becomes stop, not an error); any other non-nil
// error aborts generation and is surfaced as a core.GenerationFailedError
// by the caller.
type OnToken func(token string) error

// Backend is the GenerationBackend capability (spec.md §4.5).
type Backend interface {
	// Open loads localPath onto device. May block for seconds to minutes.
	Open(ctx context.Context, localPath string, device types.DeviceKind) (Pipeline, error)
	// CountTokens reports the tokenizer's token count for text.
	CountTokens(p Pipeline, text string) (int, error)
	// Generate streams prompt completion through onToken, blocking until
	// completion, a stop condition, cancellation, or an on-token-requested
	// stop.
	Generate(ctx context.Context, p Pipeline, prompt string, params types.GenerateParams, onToken OnToken) (types.PerfMetrics, error)
	// StartChat opens a stateful chat context keyed by sessionID so the
	// backend can reuse KV cache across turns within one session.
	StartChat(p Pipeline, sessionID string) error
	// FinishChat closes the current stateful chat context, if any.
	FinishChat(p Pipeline) error
	// Dispose releases all resources associated with p.
	Dispose(p Pipeline) error
}

// PipelineKind names what a loaded pipeline can be used for. No Pipeline
// reports a kind and nothing reads these values: /v1/embeddings answers
// Unsupported for every request without consulting one.
type PipelineKind string

const (
	PipelineKindChat      PipelineKind = "chat"
	PipelineKindEmbedding PipelineKind = "embedding"
)
