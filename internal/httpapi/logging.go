package httpapi

import (
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is an optional structured logger. If unset, falls back to log.Printf.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// LogLevel controls per-request logging verbosity for generation endpoints.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

var defaultLogLevel = parseLevel(os.Getenv("CAPI_LOG_LEVEL"))

func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

// logGenerationStart/logGenerationEnd mirror the teacher's zerolog-or-
// log.Printf fallback for /infer, generalized to any generation endpoint
// (chat completions, completions).
func logGenerationStart(lvl LogLevel, r *http.Request, path, model string) {
	if lvl < LevelInfo {
		return
	}
	if zlog != nil {
		zlog.Info().Str("path", path).Str("model", model).Str("request_id", requestID(r)).Msg("generation start")
		return
	}
	log.Printf("generation start path=%s model=%s", path, model)
}

func logGenerationEnd(lvl LogLevel, r *http.Request, status int, err error) {
	if lvl < LevelInfo {
		return
	}
	if zlog != nil {
		z := zlog.Info().Int("status", status).Str("request_id", requestID(r))
		if err != nil {
			z = z.Err(err)
		}
		z.Msg("generation end")
		return
	}
	log.Printf("generation end status=%d err=%v", status, err)
}
