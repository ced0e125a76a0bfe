package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/capi-project/capi-core/internal/admission"
	"github.com/capi-project/capi-core/internal/backend"
	"github.com/capi-project/capi-core/internal/config"
	"github.com/capi-project/capi-core/internal/engine"
	"github.com/capi-project/capi-core/internal/registry"
	"github.com/capi-project/capi-core/internal/sessionstore"
	"github.com/capi-project/capi-core/internal/store"
	"github.com/capi-project/capi-core/pkg/types"
)

// fakePipeline and fakeBackend give the router a real EngineManager to drive
// without a real llama.cpp process backing it.

type fakePipeline struct{ id string }

func (p *fakePipeline) ID() string { return p.id }

type fakeBackend struct {
	openErr error
	tokens  []string
	genErr  error
}

func (b *fakeBackend) Open(_ context.Context, localPath string, _ types.DeviceKind) (backend.Pipeline, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	return &fakePipeline{id: localPath}, nil
}
func (b *fakeBackend) CountTokens(_ backend.Pipeline, text string) (int, error) {
	return len(strings.Fields(text)), nil
}
func (b *fakeBackend) StartChat(backend.Pipeline, string) error { return nil }
func (b *fakeBackend) FinishChat(backend.Pipeline) error        { return nil }
func (b *fakeBackend) Dispose(backend.Pipeline) error           { return nil }
func (b *fakeBackend) Generate(ctx context.Context, p backend.Pipeline, prompt string, params types.GenerateParams, onToken backend.OnToken) (types.PerfMetrics, error) {
	if b.genErr != nil {
		return types.PerfMetrics{}, b.genErr
	}
	toks := b.tokens
	if toks == nil {
		toks = []string{"hello", " world"}
	}
	for _, tok := range toks {
		if err := onToken(tok); err != nil {
			return types.PerfMetrics{NumOutputTokens: len(toks)}, nil
		}
	}
	return types.PerfMetrics{NumOutputTokens: len(toks)}, nil
}

type roomySampler struct{}

func (roomySampler) DeviceByKind(kind types.DeviceKind) (types.Device, bool) {
	if kind != types.DeviceCPU {
		return types.Device{}, false
	}
	return types.Device{Kind: types.DeviceCPU, Available: true, TotalMemoryBytes: 1 << 30, AvailableMemoryBytes: 1 << 30}, true
}

// testServer wires a Server backed by a real EngineManager/Registry/Store
// over a tempdir sqlite database, with a fakeBackend standing in for the
// process that would otherwise spawn llama.cpp.
func testServer(t *testing.T, be *fakeBackend) *Server {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(dir + "/capi.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.New(db, zerolog.Nop())
	require.NoError(t, reg.Install(types.ModelDescriptor{
		ID: "m1", LocalPath: t.TempDir(), EstimatedMemoryBytes: 1024,
		SupportedDevices: []types.DeviceKind{types.DeviceCPU},
	}))

	adm := admission.New(roomySampler{})
	eng := engine.New(reg, adm, be, nil, zerolog.Nop(), engine.Config{QueueDepth: 4, MaxWait: time.Second})

	sessions := sessionstore.New(db, zerolog.Nop())
	t.Cleanup(sessions.Close)

	cfgStore := config.NewStore(types.Defaults())

	return &Server{
		Engine:   eng,
		Registry: reg,
		Sessions: sessions,
		Config:   cfgStore,
		Log:      zerolog.Nop(),
	}
}

func TestHealthz(t *testing.T) {
	srv := testServer(t, &fakeBackend{})
	r := NewMux(srv)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestReadyz(t *testing.T) {
	srv := testServer(t, &fakeBackend{})
	r := NewMux(srv)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestListModels(t *testing.T) {
	srv := testServer(t, &fakeBackend{})
	r := NewMux(srv)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body types.ModelListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	require.Equal(t, "m1", body.Data[0].ID)
}

func TestChatCompletionsBuffered(t *testing.T) {
	srv := testServer(t, &fakeBackend{})
	r := NewMux(srv)

	reqBody := `{"model":"m1","messages":[{"role":"user","content":"hi there"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(reqBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp types.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	require.Equal(t, "hello world", resp.Choices[0].Message.Content)
}

func TestChatCompletionsStreaming(t *testing.T) {
	srv := testServer(t, &fakeBackend{})
	r := NewMux(srv)

	reqBody := `{"model":"m1","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(reqBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	require.Contains(t, w.Body.String(), "data: [DONE]")
}

func TestChatCompletionsModelNotFoundMaps404(t *testing.T) {
	srv := testServer(t, &fakeBackend{})
	r := NewMux(srv)

	reqBody := `{"model":"ghost","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(reqBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestChatCompletionsMissingModelIsBadRequest(t *testing.T) {
	srv := testServer(t, &fakeBackend{})
	r := NewMux(srv)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatCompletionsUnsupportedMediaType(t *testing.T) {
	srv := testServer(t, &fakeBackend{})
	r := NewMux(srv)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{"model":"m1"}`))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestChatCompletionsBodyTooLarge(t *testing.T) {
	srv := testServer(t, &fakeBackend{})
	r := NewMux(srv)

	big := strings.Repeat("a", (1<<20)+10)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{"model":"m1","messages":[{"role":"user","content":"`+big+`"}]}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCompletionsBuffered(t *testing.T) {
	srv := testServer(t, &fakeBackend{})
	r := NewMux(srv)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", bytes.NewBufferString(`{"model":"m1","prompt":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestEmbeddingsReturnsUnsupported(t *testing.T) {
	srv := testServer(t, &fakeBackend{})
	r := NewMux(srv)

	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", bytes.NewBufferString(`{"model":"m1","input":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestGenerationFailureSurfacesInStream(t *testing.T) {
	srv := testServer(t, &fakeBackend{genErr: context.DeadlineExceeded})
	r := NewMux(srv)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{"model":"m1","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"kind":"generation_failed"`)
	require.Contains(t, w.Body.String(), "data: [DONE]")
}
