package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	capiconfig "github.com/capi-project/capi-core/internal/config"
	"github.com/capi-project/capi-core/internal/admission"
	"github.com/capi-project/capi-core/internal/backend"
	"github.com/capi-project/capi-core/internal/common/fsutil"
	"github.com/capi-project/capi-core/internal/engine"
	"github.com/capi-project/capi-core/internal/hardware"
	"github.com/capi-project/capi-core/internal/registry"
	"github.com/capi-project/capi-core/internal/sessionstore"
	"github.com/capi-project/capi-core/internal/store"
	"github.com/capi-project/capi-core/pkg/types"
)

// app bundles every component a capi subcommand needs, built once per
// process invocation from the on-disk home directory.
type app struct {
	home     string
	db       *sql.DB
	cfg      *capiconfig.Store
	registry *registry.Registry
	sessions *sessionstore.Store
	engine   *engine.Manager
	log      zerolog.Logger
}

// resolveHome returns the app data directory: CAPI_HOME if set, else
// ~/.capi, matching spec.md §6's "CAPI_HOME overrides app data directory".
func resolveHome() (string, error) {
	if h := os.Getenv("CAPI_HOME"); h != "" {
		return h, nil
	}
	return fsutil.ExpandHome("~/.capi")
}

// configPath/dbPath/modelsDir lay out the persisted state under home per
// spec.md §6: config.json, registry.db, models/<id>/….
func configPath(home string) string { return filepath.Join(home, "config.json") }
func dbPath(home string) string     { return filepath.Join(home, "registry.db") }
func modelsDir(home string) string  { return filepath.Join(home, "models") }

// newApp loads config, opens the sqlite store, and wires the EngineManager
// with the subprocess+HTTP llama.cpp backend — the same bootstrap sequence
// the teacher's cmd/modeld/main.go ran flag-by-flag, generalized to capi's
// config-file-plus-env-override model.
func newApp() (*app, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, configError{err}
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, configError{fmt.Errorf("create home dir %s: %w", home, err)}
	}

	cfg := types.Defaults()
	if loaded, err := capiconfig.Load(configPath(home)); err == nil {
		cfg = capiconfig.WithDefaults(loaded)
	} else if !os.IsNotExist(err) {
		return nil, configError{fmt.Errorf("load config: %w", err)}
	}
	cfg.ModelsDir = modelsDir(home)
	cfg = capiconfig.ApplyEnv(cfg)

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	db, err := store.Open(dbPath(home))
	if err != nil {
		return nil, configError{fmt.Errorf("open store: %w", err)}
	}

	reg := registry.New(db, log)
	if err := reg.Reconcile(cfg.ModelsDir); err != nil {
		log.Warn().Err(err).Msg("model directory reconciliation failed")
	}

	sessions := sessionstore.New(db, log)

	probe := hardware.New(log)
	adm := admission.New(probe)

	be := backend.NewLlamaServerBackend(backend.LlamaServerConfig{
		Bin:          "llama-server",
		Host:         "127.0.0.1",
		SpawnTimeout: 0,
	}, log)

	eng := engine.New(reg, adm, be, nil, log, engine.Config{
		IdleEvictionSeconds: cfg.IdleEvictionSeconds,
	})
	if cfg.IdleEvictionSeconds > 0 {
		eng.StartIdleEviction()
	}

	return &app{
		home:     home,
		db:       db,
		cfg:      capiconfig.NewStore(cfg),
		registry: reg,
		sessions: sessions,
		engine:   eng,
		log:      log,
	}, nil
}

// Close releases every resource newApp opened.
func (a *app) Close() {
	a.engine.Shutdown()
	a.sessions.Close()
	a.db.Close()
}

// configError marks a failure in loading or resolving configuration, for
// exitCodeFor to map to exit code 2.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }
