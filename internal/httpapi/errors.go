package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/capi-project/capi-core/internal/core"
	"github.com/capi-project/capi-core/pkg/types"
)

// writeJSONError maps err to a status code via core.HTTPError (falling back
// to 500 for anything else) and writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal"
	if he, ok := err.(core.HTTPError); ok {
		status = he.StatusCode()
		kind = errorKind(he)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{
		Error: types.ErrorDetail{Message: err.Error(), Kind: kind},
	})
}

// errorKind maps a core.HTTPError to a stable machine-readable string,
// mirroring the teacher's IsModelNotFound/IsTooBusy predicate style but
// generalized to one entry per error struct instead of one function per
// predicate.
func errorKind(err core.HTTPError) string {
	switch err.(type) {
	case core.ModelNotFoundError:
		return "model_not_found"
	case core.ModelNotLoadableError:
		return "model_not_loadable"
	case core.InsufficientMemoryError:
		return "insufficient_memory"
	case core.DeviceUnavailableError:
		return "device_unavailable"
	case core.BackendLoadFailedError:
		return "backend_load_failed"
	case core.GenerationFailedError:
		return "generation_failed"
	case core.CancelledError:
		return "cancelled"
	case core.SinkStalledError:
		return "sink_stalled"
	case core.TooBusyError:
		return "too_busy"
	case core.InvalidRequestError:
		return "invalid_request"
	case core.UnsupportedError:
		return "unsupported"
	default:
		return "internal"
	}
}
