//go:build !llama

package backend

import (
	"context"

	"github.com/capi-project/capi-core/pkg/types"
)

// This file provides a no-cgo stub for LlamaCppBackend, compiled when the
// `llama` build tag is NOT set, keeping default builds cgo-free. The real
// adapter lives in llamacpp.go (tagged `llama`).

// LlamaCppConfig configures the cgo-native backend (unused in this build).
type LlamaCppConfig struct {
	CtxSize int
	Threads int
}

// LlamaCppBackend is a stub that satisfies Backend but refuses to run
// inference without the `llama` build tag, avoiding mocked behavior in
// production binaries built without cgo support.
type LlamaCppBackend struct{}

func NewLlamaCppBackend(LlamaCppConfig) *LlamaCppBackend { return &LlamaCppBackend{} }

var errLlamaNotBuilt = &unsupportedBuildError{}

type unsupportedBuildError struct{}

func (*unsupportedBuildError) Error() string {
	return "llama.cpp support not built (missing 'llama' build tag)"
}

func (b *LlamaCppBackend) Open(context.Context, string, types.DeviceKind) (Pipeline, error) {
	return nil, errLlamaNotBuilt
}

func (b *LlamaCppBackend) CountTokens(Pipeline, string) (int, error) {
	return 0, errLlamaNotBuilt
}

func (b *LlamaCppBackend) Generate(context.Context, Pipeline, string, types.GenerateParams, OnToken) (types.PerfMetrics, error) {
	return types.PerfMetrics{}, errLlamaNotBuilt
}

func (b *LlamaCppBackend) StartChat(Pipeline, string) error { return errLlamaNotBuilt }
func (b *LlamaCppBackend) FinishChat(Pipeline) error         { return errLlamaNotBuilt }
func (b *LlamaCppBackend) Dispose(Pipeline) error            { return nil }
