package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/capi-project/capi-core/pkg/types"
)

func sseFrame(content, finishReason string) string {
	msg := streamResponse{Choices: []streamChoice{{FinishReason: finishReason}}}
	msg.Choices[0].Delta.Content = content
	b, _ := json.Marshal(msg)
	return "data: " + string(b) + "\n"
}

func TestGenerateStreamsTokensUntilDone(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte(sseFrame("A", "")))
		flusher.Flush()
		_, _ = w.Write([]byte(sseFrame("B", "stop")))
		flusher.Flush()
		_, _ = w.Write([]byte("data: [DONE]\n"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	b := NewLlamaServerBackend(LlamaServerConfig{}, zerolog.Nop())
	p := &llamaPipeline{modelPath: "m.gguf", baseURL: ts.URL}

	var got string
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	metrics, err := b.Generate(ctx, p, "hello", types.GenerateParams{MaxNewTokens: 8}, func(tok string) error {
		got += tok
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "AB", got)
	require.Equal(t, 2, metrics.NumOutputTokens)
	require.Greater(t, metrics.TTFTMs, int64(-1))
}

func TestGenerateStopsOnOnTokenRequest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte(sseFrame("A", "")))
		flusher.Flush()
		_, _ = w.Write([]byte(sseFrame("B", "")))
		flusher.Flush()
		_, _ = w.Write([]byte("data: [DONE]\n"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	b := NewLlamaServerBackend(LlamaServerConfig{}, zerolog.Nop())
	p := &llamaPipeline{modelPath: "m.gguf", baseURL: ts.URL}

	var got string
	_, err := b.Generate(context.Background(), p, "hello", types.GenerateParams{MaxNewTokens: 8}, func(tok string) error {
		got += tok
		return ErrStopGeneration
	})
	require.NoError(t, err)
	require.Equal(t, "A", got)
}

func TestGenerateSurfacesCallbackError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(sseFrame("A", "")))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	b := NewLlamaServerBackend(LlamaServerConfig{}, zerolog.Nop())
	p := &llamaPipeline{modelPath: "m.gguf", baseURL: ts.URL}

	boom := context.Canceled
	_, err := b.Generate(context.Background(), p, "hello", types.GenerateParams{}, func(tok string) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
}

func TestCountTokensFallsBackWhenTokenizeUnavailable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tokenize", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	b := NewLlamaServerBackend(LlamaServerConfig{}, zerolog.Nop())
	p := &llamaPipeline{modelPath: "m.gguf", baseURL: ts.URL}

	n, err := b.CountTokens(p, "four little words")
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestCountTokensUsesServerTokenizeEndpoint(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tokenize", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string][]int{"tokens": {1, 2, 3, 4, 5}})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	b := NewLlamaServerBackend(LlamaServerConfig{}, zerolog.Nop())
	p := &llamaPipeline{modelPath: "m.gguf", baseURL: ts.URL}

	n, err := b.CountTokens(p, "ignored")
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestStartChatAndFinishChatAreNoOps(t *testing.T) {
	b := NewLlamaServerBackend(LlamaServerConfig{}, zerolog.Nop())
	p := &llamaPipeline{modelPath: "m.gguf", baseURL: "http://unused"}
	require.NoError(t, b.StartChat(p, "session-1"))
	require.NoError(t, b.FinishChat(p))
}
