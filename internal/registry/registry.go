// Package registry implements ModelRegistry: the persistent index of
// installed models. Schema and CRUD shape grounded on
// original_source/capi-core/src/db/models.rs; directory reconciliation
// scans a models directory for new artifacts the same way.
package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/capi-project/capi-core/internal/common/fsutil"
	"github.com/capi-project/capi-core/internal/core"
	"github.com/capi-project/capi-core/pkg/types"
)

// Registry is the sqlite-backed store of ModelDescriptor records.
type Registry struct {
	mu  sync.Mutex
	db  *sql.DB
	log zerolog.Logger
}

// New wraps an already-opened *sql.DB (see internal/store.Open) as a
// Registry.
func New(db *sql.DB, log zerolog.Logger) *Registry {
	return &Registry{db: db, log: log}
}

// List returns all installed models, most recently created first.
func (r *Registry) List() ([]types.ModelDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(`SELECT id, display_name, local_path, quantization_tag,
		size_bytes, estimated_memory_bytes, supported_devices
		FROM models ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []types.ModelDescriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, err
		}
		markAvailability(&d)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Get returns the descriptor for id, or a core.ModelNotFoundError.
func (r *Registry) Get(id string) (types.ModelDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row := r.db.QueryRow(`SELECT id, display_name, local_path, quantization_tag,
		size_bytes, estimated_memory_bytes, supported_devices
		FROM models WHERE id = ?`, id)

	d, err := scanDescriptor(row)
	if err == sql.ErrNoRows {
		return types.ModelDescriptor{}, core.ModelNotFoundError{ID: id}
	}
	if err != nil {
		return types.ModelDescriptor{}, fmt.Errorf("get model %s: %w", id, err)
	}
	markAvailability(&d)
	return d, nil
}

// Install inserts a new model descriptor, replacing any existing entry with
// the same id.
func (r *Registry) Install(desc types.ModelDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO models
		(id, display_name, local_path, quantization_tag, size_bytes, estimated_memory_bytes, supported_devices, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, strftime('%s','now'))
		ON CONFLICT(id) DO UPDATE SET
			display_name=excluded.display_name,
			local_path=excluded.local_path,
			quantization_tag=excluded.quantization_tag,
			size_bytes=excluded.size_bytes,
			estimated_memory_bytes=excluded.estimated_memory_bytes,
			supported_devices=excluded.supported_devices`,
		desc.ID, desc.DisplayName, desc.LocalPath, desc.QuantizationTag,
		desc.SizeBytes, desc.EstimatedMemoryBytes, joinDevices(desc.SupportedDevices))
	if err != nil {
		return fmt.Errorf("install model %s: %w", desc.ID, err)
	}
	r.log.Info().Str("event", "model_install").Str("model", desc.ID).Msg("model installed")
	return nil
}

// Remove deletes the model descriptor for id. Removing a model that is
// currently loaded is the caller's (EngineManager's) responsibility to
// reject or unload first.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`DELETE FROM models WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove model %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return core.ModelNotFoundError{ID: id}
	}
	r.log.Info().Str("event", "model_remove").Str("model", id).Msg("model removed")
	return nil
}

// UpdateEstimate refines EstimatedMemoryBytes once the backend reports an
// actual footprint after first load.
func (r *Registry) UpdateEstimate(id string, bytes int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`UPDATE models SET estimated_memory_bytes = ? WHERE id = ?`, bytes, id)
	if err != nil {
		return fmt.Errorf("update estimate for %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return core.ModelNotFoundError{ID: id}
	}
	return nil
}

// Reconcile scans dir for model artifacts not yet present in the registry
// and marks registered entries whose LocalPath has disappeared as
// unavailable (surfaced via Available on read, not a hard delete).
func (r *Registry) Reconcile(dir string) error {
	abs, err := expandHome(dir)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reconcile read dir: %w", err)
	}

	existing, err := r.List()
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, d := range existing {
		known[d.LocalPath] = true
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".gguf") {
			continue
		}
		path := filepath.Join(abs, e.Name())
		if known[path] {
			continue
		}
		info, statErr := e.Info()
		var size int64
		if statErr == nil {
			size = info.Size()
		}
		id := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if err := r.Install(types.ModelDescriptor{
			ID:          id,
			DisplayName: id,
			LocalPath:   path,
			SizeBytes:   size,
		}); err != nil {
			return err
		}
		r.log.Info().Str("event", "model_reconcile_discovered").Str("model", id).Msg("discovered model on disk")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDescriptor(row rowScanner) (types.ModelDescriptor, error) {
	var d types.ModelDescriptor
	var quant, devices sql.NullString
	if err := row.Scan(&d.ID, &d.DisplayName, &d.LocalPath, &quant,
		&d.SizeBytes, &d.EstimatedMemoryBytes, &devices); err != nil {
		return types.ModelDescriptor{}, err
	}
	d.QuantizationTag = quant.String
	d.SupportedDevices = splitDevices(devices.String)
	return d, nil
}

// markAvailability sets Available based on whether LocalPath still exists
// on disk, per pkg/types.ModelDescriptor's documented semantics.
func markAvailability(d *types.ModelDescriptor) {
	d.Available = fsutil.PathExists(d.LocalPath)
}

func joinDevices(kinds []types.DeviceKind) string {
	if len(kinds) == 0 {
		return ""
	}
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}

func splitDevices(s string) []types.DeviceKind {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]types.DeviceKind, len(parts))
	for i, p := range parts {
		out[i] = types.DeviceKind(p)
	}
	return out
}

// expandHome resolves a directory that may start with '~' to an absolute
// path, delegating the tilde expansion itself to fsutil.
func expandHome(path string) (string, error) {
	expanded, err := fsutil.ExpandHome(path)
	if err != nil {
		return "", err
	}
	return filepath.Abs(expanded)
}
