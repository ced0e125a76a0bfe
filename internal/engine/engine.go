// Package engine implements EngineManager: ensure_loaded/generate/unload/
// list_loaded and optional idle eviction. Grounded on the teacher's
// internal/manager/instance_ensure.go (fast-path RLock re-check → Lock →
// admit → load → Ready, publishing Events at each transition) and evict.go
// (LRU idle-instance selection, reused here for idle sweeps rather than
// only budget pressure).
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/capi-project/capi-core/internal/admission"
	"github.com/capi-project/capi-core/internal/backend"
	"github.com/capi-project/capi-core/internal/core"
	"github.com/capi-project/capi-core/internal/registry"
	"github.com/capi-project/capi-core/internal/worker"
	"github.com/capi-project/capi-core/pkg/types"
)

// Config bounds the per-worker queue and the optional idle-eviction sweep.
type Config struct {
	QueueDepth          int
	MaxWait             time.Duration
	IdleEvictionSeconds int // 0 disables idle eviction, per spec.md §9
}

// Manager is the EngineManager (spec.md §4.7).
type Manager struct {
	registry  *registry.Registry
	admitter  *admission.Admitter
	be        backend.Backend
	publisher EventPublisher
	log       zerolog.Logger
	cfg       Config

	mu      sync.RWMutex
	workers map[string]*worker.Worker
	loading map[string]chan struct{} // modelID -> closed when the load completes
	loadErr map[string]error

	stopIdle chan struct{}
}

// New constructs a Manager. publisher may be nil (defaults to NoopPublisher).
func New(reg *registry.Registry, adm *admission.Admitter, be backend.Backend, publisher EventPublisher, log zerolog.Logger, cfg Config) *Manager {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 8
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 30 * time.Second
	}
	return &Manager{
		registry:  reg,
		admitter:  adm,
		be:        be,
		publisher: publisher,
		log:       log,
		cfg:       cfg,
		workers:   make(map[string]*worker.Worker),
		loading:   make(map[string]chan struct{}),
		loadErr:   make(map[string]error),
	}
}

// EnsureLoaded is idempotent: if modelID is already loaded and ready, it
// returns immediately. Otherwise it resolves a device, admits the load,
// opens the backend pipeline, and transitions the new worker to Ready.
// Concurrent callers for the same modelID share a single load future.
func (m *Manager) EnsureLoaded(ctx context.Context, modelID string, pref types.DevicePreference) (*worker.Worker, error) {
	m.publishEvent(Event{Name: "ensure_start", ModelID: modelID})

	m.mu.RLock()
	w, ready := m.workers[modelID]
	wait, isLoading := m.loading[modelID]
	m.mu.RUnlock()
	if ready {
		return w, nil
	}
	if isLoading {
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		m.mu.RLock()
		w, ready = m.workers[modelID]
		err := m.loadErr[modelID]
		m.mu.RUnlock()
		if ready {
			return w, nil
		}
		return nil, err
	}

	m.mu.Lock()
	// Re-check under write lock: another goroutine may have started
	// loading between the RUnlock above and this Lock.
	if w, ready := m.workers[modelID]; ready {
		m.mu.Unlock()
		return w, nil
	}
	if wait, isLoading := m.loading[modelID]; isLoading {
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		m.mu.RLock()
		w, ready := m.workers[modelID]
		err := m.loadErr[modelID]
		m.mu.RUnlock()
		if ready {
			return w, nil
		}
		return nil, err
	}
	loadDone := make(chan struct{})
	m.loading[modelID] = loadDone
	m.mu.Unlock()

	w, err := m.load(ctx, modelID, pref)

	m.mu.Lock()
	if err == nil {
		m.workers[modelID] = w
	} else {
		m.loadErr[modelID] = err
	}
	delete(m.loading, modelID)
	close(loadDone)
	m.mu.Unlock()

	return w, err
}

func (m *Manager) load(ctx context.Context, modelID string, pref types.DevicePreference) (*worker.Worker, error) {
	desc, err := m.registry.Get(modelID)
	if err != nil {
		m.publishEvent(Event{Name: "ensure_model_not_found", ModelID: modelID})
		return nil, err
	}

	device := resolveDevice(pref, desc.SupportedDevices)

	decision := m.admitter.Admit(desc, device, resourceModeFor(ctx))
	if !decision.Admitted {
		if decision.Warning != "" {
			// Admit only sets Warning on a rejection when the device
			// itself couldn't be sampled, not on a plain budget miss.
			m.publishEvent(Event{Name: "ensure_budget_fail", ModelID: modelID, Fields: map[string]any{"device": device, "reason": decision.Warning}})
			return nil, core.DeviceUnavailableError{Device: string(device)}
		}
		m.publishEvent(Event{Name: "ensure_budget_fail", ModelID: modelID, Fields: map[string]any{
			"need": decision.Need, "available": decision.Available,
		}})
		return nil, core.InsufficientMemoryError{
			ModelID: modelID, Device: string(device),
			NeedBytes: decision.Need, AvailableBytes: decision.Available,
		}
	}
	if decision.Warning != "" {
		m.publishEvent(Event{Name: "ensure_budget_warning", ModelID: modelID, Fields: map[string]any{"warning": decision.Warning}})
	}

	start := time.Now()
	pipeline, err := m.be.Open(ctx, desc.LocalPath, device)
	if err != nil {
		m.publishEvent(Event{Name: "ensure_spawn_error", ModelID: modelID, Fields: map[string]any{"error": err.Error()}})
		return nil, core.BackendLoadFailedError{ModelID: modelID, Err: err}
	}

	w := worker.New(modelID, m.be, pipeline, m.cfg.QueueDepth, m.cfg.MaxWait, m.log)
	m.publishEvent(Event{Name: "ensure_ready", ModelID: modelID, Fields: map[string]any{
		"dur_ms": time.Since(start).Milliseconds(),
	}})
	return w, nil
}

// resourceModeFor reads the configured ResourceMode from ctx if present,
// defaulting to strict. EngineManager callers (httpapi, cmd/capi) attach it
// via context so load-time admission respects the process-wide config
// without threading an extra parameter through every call site.
func resourceModeFor(ctx context.Context) types.ResourceMode {
	if v, ok := ctx.Value(resourceModeCtxKey{}).(types.ResourceMode); ok {
		return v
	}
	return types.ResourceModeStrict
}

type resourceModeCtxKey struct{}

// WithResourceMode attaches mode to ctx for EnsureLoaded/Generate's
// admission check.
func WithResourceMode(ctx context.Context, mode types.ResourceMode) context.Context {
	return context.WithValue(ctx, resourceModeCtxKey{}, mode)
}

// resolveDevice picks explicit preference when set and supported, else
// auto-picks npu > gpu > cpu among the devices the model supports
// (spec.md §4.7).
func resolveDevice(pref types.DevicePreference, supported []types.DeviceKind) types.DeviceKind {
	if pref != "" && pref != types.DevicePreferAuto {
		return types.DeviceKind(pref)
	}
	order := []types.DeviceKind{types.DeviceNPU, types.DeviceGPU, types.DeviceCPU}
	if len(supported) == 0 {
		return types.DeviceCPU
	}
	set := make(map[types.DeviceKind]bool, len(supported))
	for _, k := range supported {
		set[k] = true
	}
	for _, k := range order {
		if set[k] {
			return k
		}
	}
	return supported[0]
}

// Generate forwards job to modelID's worker, loading it first if absent.
func (m *Manager) Generate(ctx context.Context, modelID string, job worker.GenerateJob, pref types.DevicePreference) (*worker.JobHandle, error) {
	w, err := m.EnsureLoaded(ctx, modelID, pref)
	if err != nil {
		return nil, err
	}
	return w.Submit(ctx, job)
}

// Unload disposes modelID's pipeline and removes its worker.
func (m *Manager) Unload(modelID string) error {
	m.mu.Lock()
	w, ok := m.workers[modelID]
	if ok {
		delete(m.workers, modelID)
	}
	m.mu.Unlock()
	if !ok {
		return core.ModelNotFoundError{ID: modelID}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return w.Unload(ctx)
}

// ListLoaded returns the model ids of every currently loaded worker.
func (m *Manager) ListLoaded() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.workers))
	for id := range m.workers {
		out = append(out, id)
	}
	return out
}

func (m *Manager) publishEvent(e Event) {
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	m.publisher.Publish(e)
}

// StartIdleEviction launches a background sweep that unloads any worker
// idle for longer than cfg.IdleEvictionSeconds. A no-op when that field is
// 0, per spec.md §9's "absent explicit product decision, do not evict by
// default".
func (m *Manager) StartIdleEviction() {
	if m.cfg.IdleEvictionSeconds <= 0 {
		return
	}
	m.stopIdle = make(chan struct{})
	go m.idleEvictionLoop()
}

func (m *Manager) StopIdleEviction() {
	if m.stopIdle != nil {
		close(m.stopIdle)
	}
}

func (m *Manager) idleEvictionLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	threshold := time.Duration(m.cfg.IdleEvictionSeconds) * time.Second

	for {
		select {
		case <-ticker.C:
			m.sweepIdle(threshold)
		case <-m.stopIdle:
			return
		}
	}
}

func (m *Manager) sweepIdle(threshold time.Duration) {
	m.mu.RLock()
	var victim string
	var oldest time.Time
	for id, w := range m.workers {
		if !w.Idle() {
			continue
		}
		last := w.LastUsed()
		if time.Since(last) >= threshold && (victim == "" || last.Before(oldest)) {
			victim, oldest = id, last
		}
	}
	m.mu.RUnlock()
	if victim == "" {
		return
	}
	m.publishEvent(Event{Name: "idle_evict", ModelID: victim})
	if err := m.Unload(victim); err != nil {
		m.log.Warn().Str("event", "idle_evict_failed").Str("model", victim).Err(err).Msg("idle eviction failed")
	}
}

// Shutdown unloads every loaded worker. Best effort; logs failures rather
// than aborting the sweep.
func (m *Manager) Shutdown() {
	m.StopIdleEviction()
	for _, id := range m.ListLoaded() {
		if err := m.Unload(id); err != nil {
			m.log.Warn().Str("event", "shutdown_unload_failed").Str("model", id).Err(err).Msg("unload during shutdown failed")
		}
	}
}
