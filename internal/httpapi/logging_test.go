package httpapi

import (
	"net/http/httptest"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"":      LevelOff,
		"off":   LevelOff,
		"error": LevelError,
		"info":  LevelInfo,
		"debug": LevelDebug,
		"weird": LevelInfo, // default
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestLogLevel_Overrides(t *testing.T) {
	r := httptest.NewRequest("GET", "/x?log=debug", nil)
	if got := requestLogLevel(r); got != LevelDebug {
		t.Fatalf("query override failed: %v", got)
	}

	r = httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-Log-Level", "error")
	if got := requestLogLevel(r); got != LevelError {
		t.Fatalf("header override failed: %v", got)
	}

	r = httptest.NewRequest("GET", "/x", nil)
	if got := requestLogLevel(r); got != defaultLogLevel {
		t.Fatalf("expected default level with no override, got %v", got)
	}
}

func TestRequestID_EmptyWithoutMiddleware(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil)
	if got := requestID(r); got != "" {
		t.Fatalf("expected empty request id without RequestID middleware, got %q", got)
	}
}
