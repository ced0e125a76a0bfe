package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/capi-project/capi-core/pkg/types"
)

// handleListModels implements GET /v1/models (spec.md §4.9).
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	descs, err := s.Registry.List()
	if err != nil {
		writeJSONError(w, err)
		return
	}
	entries := make([]types.ModelListEntry, 0, len(descs))
	for _, d := range descs {
		entries = append(entries, types.ModelListEntry{
			ID:      d.ID,
			Object:  "model",
			OwnedBy: "capi",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(types.ModelListResponse{Object: "list", Data: entries})
}
