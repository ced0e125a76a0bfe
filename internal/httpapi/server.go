package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/capi-project/capi-core/internal/config"
	"github.com/capi-project/capi-core/internal/engine"
	"github.com/capi-project/capi-core/internal/registry"
	"github.com/capi-project/capi-core/internal/sessionstore"
)

// Server bundles the components HttpApi's handlers need: EngineManager for
// ensure_loaded/generate, ModelRegistry for /v1/models, SessionStore for
// chat-session persistence, and the live Config for per-request token
// budgets and device preference.
type Server struct {
	Engine   *engine.Manager
	Registry *registry.Registry
	Sessions *sessionstore.Store
	Config   *config.Store
	Log      zerolog.Logger
}

// NewMux builds the chi router: middleware stack copied from the teacher's
// NewMux (RequestID, RealIP, Recoverer, Compress, security headers,
// MetricsMiddleware), generalized from modeld's single /infer endpoint to
// capi's OpenAI-compatible surface.
func NewMux(srv *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	r.Use(MetricsMiddleware)

	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}

	r.Post("/v1/chat/completions", srv.handleChatCompletions)
	r.Post("/v1/completions", srv.handleCompletions)
	r.Post("/v1/embeddings", srv.handleEmbeddings)
	r.Get("/v1/models", srv.handleListModels)

	r.Get("/healthz", handleHealthz)
	r.Get("/readyz", srv.handleReadyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports ready once the registry is reachable; capi has no
// single "model loaded" precondition for readiness since models load
// lazily per request.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.Registry.List(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
