package httpapi

import "testing"

func TestSetMaxBodyBytes_DefaultWhenNonPositive(t *testing.T) {
	SetMaxBodyBytes(-1)
	if maxBodyBytes != 1<<20 {
		t.Fatalf("expected default 1MiB, got %d", maxBodyBytes)
	}
	SetMaxBodyBytes(0)
	if maxBodyBytes != 1<<20 {
		t.Fatalf("expected default 1MiB on zero, got %d", maxBodyBytes)
	}
}

func TestSetMaxBodyBytes_PositiveSetsValue(t *testing.T) {
	SetMaxBodyBytes(1234)
	if maxBodyBytes != 1234 {
		t.Fatalf("expected 1234, got %d", maxBodyBytes)
	}
}

func TestSetCORSOptionsStoresValues(t *testing.T) {
	SetCORSOptions(true, []string{"https://example.com"}, []string{"GET"}, []string{"X-Test"})
	defer SetCORSOptions(false, nil, nil, nil)
	if !corsEnabled {
		t.Fatal("expected corsEnabled true")
	}
	if len(corsAllowedOrigins) != 1 || corsAllowedOrigins[0] != "https://example.com" {
		t.Fatalf("unexpected origins: %v", corsAllowedOrigins)
	}
}
