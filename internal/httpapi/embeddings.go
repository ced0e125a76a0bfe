package httpapi

import (
	"net/http"
	"strings"

	"github.com/capi-project/capi-core/internal/core"
	"github.com/capi-project/capi-core/pkg/types"
)

// handleEmbeddings implements POST /v1/embeddings. Neither shipped
// GenerationBackend (llamaServerBackend, llamaCppBackend) exposes an
// embedding-capable pipeline today, so this always reports Unsupported.
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req types.EmbeddingsRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeJSONError(w, core.InvalidRequestError{Reason: "model is required"})
		return
	}
	writeJSONError(w, core.UnsupportedError{Reason: "embeddings are not supported by the configured generation backend"})
}
