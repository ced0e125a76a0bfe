package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/capi-project/capi-core/internal/core"
	"github.com/capi-project/capi-core/internal/store"
	"github.com/capi-project/capi-core/pkg/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "capi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, zerolog.Nop())
}

func TestInstallAndGet(t *testing.T) {
	r := newTestRegistry(t)
	desc := types.ModelDescriptor{
		ID: "tinyllama-q4", DisplayName: "TinyLlama (Q4)", LocalPath: "/models/tinyllama-q4.gguf",
		SizeBytes: 512, EstimatedMemoryBytes: 1024, SupportedDevices: []types.DeviceKind{types.DeviceCPU, types.DeviceGPU},
	}
	require.NoError(t, r.Install(desc))

	got, err := r.Get("tinyllama-q4")
	require.NoError(t, err)
	require.Equal(t, desc.DisplayName, got.DisplayName)
	require.ElementsMatch(t, desc.SupportedDevices, got.SupportedDevices)
	require.False(t, got.Available) // LocalPath doesn't actually exist on disk
}

func TestGetMissingReturnsModelNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get("nope")
	require.Error(t, err)
	var nf core.ModelNotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestInstallUpsertsExistingID(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Install(types.ModelDescriptor{ID: "m1", DisplayName: "v1", LocalPath: "/a"}))
	require.NoError(t, r.Install(types.ModelDescriptor{ID: "m1", DisplayName: "v2", LocalPath: "/b"}))

	got, err := r.Get("m1")
	require.NoError(t, err)
	require.Equal(t, "v2", got.DisplayName)

	all, err := r.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestRemoveDeletesEntry(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Install(types.ModelDescriptor{ID: "m1", DisplayName: "v1", LocalPath: "/a"}))
	require.NoError(t, r.Remove("m1"))

	_, err := r.Get("m1")
	require.Error(t, err)
}

func TestRemoveMissingReturnsModelNotFound(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Remove("nope")
	var nf core.ModelNotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestUpdateEstimateRefinesFootprint(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Install(types.ModelDescriptor{ID: "m1", LocalPath: "/a", EstimatedMemoryBytes: 100}))
	require.NoError(t, r.UpdateEstimate("m1", 999))

	got, err := r.Get("m1")
	require.NoError(t, err)
	require.Equal(t, int64(999), got.EstimatedMemoryBytes)
}

func TestReconcileDiscoversNewGGUFFiles(t *testing.T) {
	r := newTestRegistry(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "phi-3.gguf"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	require.NoError(t, r.Reconcile(dir))

	all, err := r.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "phi-3", all[0].ID)
	require.True(t, all[0].Available)
}

func TestReconcileIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "phi-3.gguf"), []byte("x"), 0o644))

	require.NoError(t, r.Reconcile(dir))
	require.NoError(t, r.Reconcile(dir))

	all, err := r.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestReconcileMissingDirIsNotAnError(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Reconcile("/does/not/exist/at/all"))
}
