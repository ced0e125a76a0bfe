package config

import (
	"os"
	"strconv"
	"sync/atomic"

	"github.com/capi-project/capi-core/pkg/types"
)

// Store holds the process-wide Config behind an atomic pointer so readers
// never block on a writer and a runtime `config set` never tears a reader's
// view of the struct.
type Store struct {
	ptr atomic.Pointer[types.Config]
}

// NewStore builds a Store seeded with cfg.
func NewStore(cfg types.Config) *Store {
	s := &Store{}
	s.Set(cfg)
	return s
}

// Get returns the current configuration. Safe for concurrent use.
func (s *Store) Get() types.Config {
	p := s.ptr.Load()
	if p == nil {
		return types.Defaults()
	}
	return *p
}

// Set atomically replaces the configuration.
func (s *Store) Set(cfg types.Config) {
	c := cfg
	s.ptr.Store(&c)
}

// ApplyEnv overrides fields from CAPI_HOME and CAPI_BIND, per spec.md §6.
// CAPI_BIND is parsed as "host:port"; a malformed value is ignored.
func ApplyEnv(cfg types.Config) types.Config {
	if home := os.Getenv("CAPI_HOME"); home != "" {
		cfg.ModelsDir = home + "/models"
	}
	if bind := os.Getenv("CAPI_BIND"); bind != "" {
		host, port, ok := splitHostPort(bind)
		if ok {
			cfg.BindHost = host
			cfg.BindPort = port
		}
	}
	return cfg
}

func splitHostPort(s string) (string, int, bool) {
	idx := -1
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			idx = i
			break
		}
	}
	if idx < 0 || idx == len(s)-1 {
		return "", 0, false
	}
	port, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return s[:idx], port, true
}
