// Package worker implements InferenceWorker: one per loaded model,
// serializing generation through a bounded queue and a single in-flight
// slot. Admission grounded verbatim on the teacher's
// internal/manager/queue_admission.go beginGeneration (queueCh reservation,
// then genCh, both timer/ctx-raced); token fan-out and chat-session pairing
// built fresh per spec.md §4.6, since the teacher's MVP queue has no
// chat-session or per-job-cancel concept.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/capi-project/capi-core/internal/backend"
	"github.com/capi-project/capi-core/internal/core"
	"github.com/capi-project/capi-core/pkg/types"
)

// State is one of InferenceWorker's spec.md §4.6 state machine states.
type State string

const (
	StateInit        State = "init"
	StateLoading     State = "loading"
	StateReady       State = "ready"
	StateGenerating  State = "generating"
	StateCancelling  State = "cancelling"
	StateUnloading   State = "unloading"
	StateTerminated  State = "terminated"
)

// tokenSinkBuffer bounds the token fan-out channel; a slow HTTP writer can
// fall behind by this many tokens before the backend thread blocks on it.
const tokenSinkBuffer = 64

// sinkStallTimeout is how long the worker waits for a consumer to drain the
// token sink before aborting the job as SinkStalled (spec.md §4.6).
const sinkStallTimeout = 5 * time.Second

// GenerateJob is one unit of work submitted to a Worker.
type GenerateJob struct {
	ID        string
	SessionID string // empty means no chat-session pairing
	Prompt    string
	Params    types.GenerateParams
}

// JobHandle is returned by Submit: a token stream and a completion signal.
type JobHandle struct {
	Tokens <-chan string
	Done   <-chan JobResult
}

// JobResult is delivered on JobHandle.Done exactly once.
type JobResult struct {
	Metrics      types.PerfMetrics
	FinishReason types.FinishReason
	Err          error
}

// Worker is one InferenceWorker bound to a single loaded pipeline.
type Worker struct {
	modelID  string
	be       backend.Backend
	pipeline backend.Pipeline
	log      zerolog.Logger

	queueCh chan struct{}
	genCh   chan struct{}
	maxWait time.Duration

	mu                 sync.RWMutex
	state              State
	currentChatSession string
	lastUsed           time.Time

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// New constructs a Worker in StateReady, backed by an already-opened
// pipeline. queueDepth bounds how many jobs may wait for the single
// in-flight slot; maxWait bounds how long a caller waits for either slot.
func New(modelID string, be backend.Backend, pipeline backend.Pipeline, queueDepth int, maxWait time.Duration, log zerolog.Logger) *Worker {
	if queueDepth < 1 {
		queueDepth = 1
	}
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	return &Worker{
		modelID:  modelID,
		be:       be,
		pipeline: pipeline,
		log:      log,
		queueCh:  make(chan struct{}, queueDepth),
		genCh:    make(chan struct{}, 1),
		maxWait:  maxWait,
		state:    StateReady,
		cancels:  make(map[string]context.CancelFunc),
		lastUsed: time.Now(),
	}
}

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// CountTokens delegates to the backend for the pipeline this worker owns,
// letting callers (ContextAssembler) budget prompts without reaching past
// the worker for the pipeline handle directly.
func (w *Worker) CountTokens(text string) (int, error) {
	return w.be.CountTokens(w.pipeline, text)
}

func (w *Worker) LastUsed() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastUsed
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Submit enqueues job and returns a handle streaming tokens as they arrive.
// It blocks until a queue slot and the single in-flight slot are both
// reserved, or ctx is cancelled, or maxWait elapses (core.TooBusyError).
func (w *Worker) Submit(ctx context.Context, job GenerateJob) (*JobHandle, error) {
	if w.State() == StateTerminated || w.State() == StateUnloading {
		return nil, fmt.Errorf("worker for %s is shutting down", w.modelID)
	}

	release, err := w.beginGeneration(ctx)
	if err != nil {
		return nil, err
	}

	jobCtx, cancel := context.WithCancel(ctx)
	w.cancelMu.Lock()
	w.cancels[job.ID] = cancel
	w.cancelMu.Unlock()

	tokens := make(chan string, tokenSinkBuffer)
	done := make(chan JobResult, 1)

	go w.run(jobCtx, job, release, cancel, tokens, done)

	return &JobHandle{Tokens: tokens, Done: done}, nil
}

// beginGeneration reserves the queue slot then the single in-flight slot,
// exactly as the teacher's beginGeneration does for its one-model manager.
func (w *Worker) beginGeneration(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}

	timer := time.NewTimer(w.maxWait)
	defer timer.Stop()
	select {
	case w.queueCh <- struct{}{}:
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer.C:
		return func() {}, core.TooBusyError{ModelID: w.modelID}
	}

	acquired := false
	defer func() {
		if !acquired {
			<-w.queueCh
		}
	}()

	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	timer2 := time.NewTimer(w.maxWait)
	defer timer2.Stop()
	select {
	case w.genCh <- struct{}{}:
		acquired = true
		w.mu.Lock()
		w.lastUsed = time.Now()
		w.mu.Unlock()
		return func() { <-w.genCh; <-w.queueCh }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer2.C:
		return func() {}, core.TooBusyError{ModelID: w.modelID}
	}
}

func (w *Worker) run(ctx context.Context, job GenerateJob, release func(), cancel context.CancelFunc, tokens chan<- string, done chan<- JobResult) {
	defer release()
	defer cancel()
	defer close(tokens)
	defer func() {
		w.cancelMu.Lock()
		delete(w.cancels, job.ID)
		w.cancelMu.Unlock()
	}()

	w.setState(StateGenerating)
	defer w.setState(StateReady)

	if err := w.pairChatSession(job.SessionID); err != nil {
		done <- JobResult{Err: core.GenerationFailedError{JobID: job.ID, Err: err}}
		return
	}

	onToken := func(tok string) error {
		select {
		case tokens <- tok:
			return nil
		case <-ctx.Done():
			return backend.ErrStopGeneration
		case <-time.After(sinkStallTimeout):
			return core.SinkStalledError{JobID: job.ID}
		}
	}

	metrics, err := w.be.Generate(ctx, w.pipeline, job.Prompt, job.Params, onToken)
	if err != nil {
		var stalled core.SinkStalledError
		if ok := asSinkStalled(err, &stalled); ok {
			done <- JobResult{Metrics: metrics, Err: stalled}
			return
		}
		if ctx.Err() != nil {
			done <- JobResult{Metrics: metrics, FinishReason: types.FinishCancelled, Err: core.CancelledError{JobID: job.ID}}
			return
		}
		done <- JobResult{Metrics: metrics, Err: core.GenerationFailedError{JobID: job.ID, Err: err}}
		return
	}
	// A cancelled job whose callback returned ErrStopGeneration ends without
	// a backend error; it still completes as Cancelled.
	if ctx.Err() != nil {
		done <- JobResult{Metrics: metrics, FinishReason: types.FinishCancelled, Err: core.CancelledError{JobID: job.ID}}
		return
	}

	finish := types.FinishStop
	if metrics.NumOutputTokens >= job.Params.MaxNewTokens && job.Params.MaxNewTokens > 0 {
		finish = types.FinishLength
	}
	done <- JobResult{Metrics: metrics, FinishReason: finish}
}

func asSinkStalled(err error, out *core.SinkStalledError) bool {
	se, ok := err.(core.SinkStalledError)
	if ok {
		*out = se
	}
	return ok
}

// pairChatSession resets the backend's stateful chat context when the
// requested session differs from the worker's current one, per spec.md
// §4.6: "switching session id requires finish_chat then start_chat".
func (w *Worker) pairChatSession(sessionID string) error {
	w.mu.Lock()
	current := w.currentChatSession
	w.mu.Unlock()

	if sessionID == "" || sessionID == current {
		return nil
	}
	if current != "" {
		if err := w.be.FinishChat(w.pipeline); err != nil {
			return fmt.Errorf("finish_chat: %w", err)
		}
	}
	if err := w.be.StartChat(w.pipeline, sessionID); err != nil {
		return fmt.Errorf("start_chat: %w", err)
	}
	w.mu.Lock()
	w.currentChatSession = sessionID
	w.mu.Unlock()
	return nil
}

// Cancel signals the active job with id, if any. The token callback will
// see ctx.Done() on its next invocation and the job completes as
// Cancelled. Returns false if no job with that id is in flight.
func (w *Worker) Cancel(jobID string) bool {
	w.cancelMu.Lock()
	cancel, ok := w.cancels[jobID]
	w.cancelMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Idle reports whether the worker has no queued or in-flight work, for
// EngineManager's idle-eviction sweep.
func (w *Worker) Idle() bool {
	return len(w.queueCh) == 0
}

// Unload finishes any current job (observing its own cancellation),
// disposes the pipeline, and transitions to Terminated.
func (w *Worker) Unload(ctx context.Context) error {
	w.setState(StateUnloading)

	w.cancelMu.Lock()
	for _, cancel := range w.cancels {
		cancel()
	}
	w.cancelMu.Unlock()

	// Wait for the in-flight slot to free, bounded by ctx, so we don't
	// dispose a pipeline mid-generation.
	select {
	case w.genCh <- struct{}{}:
		<-w.genCh
	case <-ctx.Done():
	}

	w.mu.RLock()
	hasChatSession := w.currentChatSession != ""
	w.mu.RUnlock()
	if hasChatSession {
		_ = w.be.FinishChat(w.pipeline)
	}
	err := w.be.Dispose(w.pipeline)
	w.setState(StateTerminated)
	return err
}
