package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/capi-project/capi-core/pkg/types"
)

// LlamaServerConfig configures the subprocess+HTTP backend. Fields mirror
// the teacher's ManagerConfig.Llama* fields, renamed to the capi domain.
type LlamaServerConfig struct {
	Bin            string
	Host           string
	CtxSize        int
	NGL            int
	Threads        int
	ExtraArgs      []string
	PortRangeStart int
	PortRangeEnd   int
	SpawnTimeout   time.Duration
}

// LlamaServerBackend spawns a local OpenAI-compatible completions server
// per model path and speaks SSE over HTTP, grounded verbatim on the
// teacher's internal/manager/adapter_llama_subprocess.go.
type LlamaServerBackend struct {
	cfg    LlamaServerConfig
	log    zerolog.Logger
	client *http.Client

	mu    sync.Mutex
	procs map[string]*serverProc
}

type serverProc struct {
	cmd     *exec.Cmd
	baseURL string
	ready   bool
}

type llamaPipeline struct {
	modelPath string
	baseURL   string
}

func (p *llamaPipeline) ID() string { return p.modelPath }

// NewLlamaServerBackend constructs a subprocess-backed Backend.
func NewLlamaServerBackend(cfg LlamaServerConfig, log zerolog.Logger) *LlamaServerBackend {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.SpawnTimeout == 0 {
		cfg.SpawnTimeout = 30 * time.Second
	}
	return &LlamaServerBackend{
		cfg:    cfg,
		log:    log,
		client: &http.Client{Timeout: 0},
		procs:  make(map[string]*serverProc),
	}
}

func (b *LlamaServerBackend) Open(ctx context.Context, localPath string, _ types.DeviceKind) (Pipeline, error) {
	base, err := b.ensureProcess(localPath)
	if err != nil {
		return nil, err
	}
	return &llamaPipeline{modelPath: localPath, baseURL: base}, nil
}

// StartChat and FinishChat are no-ops for this backend: llama-server's
// /v1/completions is stateless per request, so there is no persistent chat
// context to open or close.
func (b *LlamaServerBackend) StartChat(Pipeline, string) error { return nil }
func (b *LlamaServerBackend) FinishChat(Pipeline) error        { return nil }

func (b *LlamaServerBackend) Dispose(p Pipeline) error {
	lp, ok := p.(*llamaPipeline)
	if !ok {
		return fmt.Errorf("dispose: not a llama pipeline")
	}
	return b.stop(lp.modelPath)
}

func (b *LlamaServerBackend) CountTokens(p Pipeline, text string) (int, error) {
	lp, ok := p.(*llamaPipeline)
	if !ok {
		return 0, fmt.Errorf("count_tokens: not a llama pipeline")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"content": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lp.baseURL+"/tokenize", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		// Degrade to a rough heuristic rather than failing the whole
		// request: whitespace-delimited word count is a reasonable stand-in
		// when the running server build lacks /tokenize.
		return len(strings.Fields(text)), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return len(strings.Fields(text)), nil
	}
	var out struct {
		Tokens []int `json:"tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return len(strings.Fields(text)), nil
	}
	return len(out.Tokens), nil
}

type completionRequest struct {
	Prompt            string   `json:"prompt"`
	MaxTokens         int      `json:"max_tokens"`
	Temperature       float64  `json:"temperature"`
	TopP              float64  `json:"top_p"`
	TopK              int      `json:"top_k,omitempty"`
	Stop              []string `json:"stop,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
	FrequencyPenalty  float64  `json:"frequency_penalty,omitempty"`
	PresencePenalty   float64  `json:"presence_penalty,omitempty"`
	RepeatPenalty     float64  `json:"repeat_penalty,omitempty"`
	Stream            bool     `json:"stream"`
}

type streamChoice struct {
	Delta        struct{ Content string `json:"content"` } `json:"delta"`
	FinishReason string                                     `json:"finish_reason"`
}

type streamResponse struct {
	Choices []streamChoice `json:"choices"`
}

func (b *LlamaServerBackend) Generate(ctx context.Context, p Pipeline, prompt string, params types.GenerateParams, onToken OnToken) (types.PerfMetrics, error) {
	lp, ok := p.(*llamaPipeline)
	if !ok {
		return types.PerfMetrics{}, fmt.Errorf("generate: not a llama pipeline")
	}

	start := time.Now()
	payload := completionRequest{
		Prompt: prompt, MaxTokens: params.MaxNewTokens, Temperature: params.Temperature,
		TopP: params.TopP, TopK: params.TopK, Stop: params.Stop, Seed: params.Seed,
		FrequencyPenalty: params.FrequencyPenalty, PresencePenalty: params.PresencePenalty,
		RepeatPenalty: params.RepetitionPenalty, Stream: true,
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lp.baseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return types.PerfMetrics{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return types.PerfMetrics{}, ctx.Err()
		}
		return types.PerfMetrics{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return types.PerfMetrics{}, fmt.Errorf("llama server http error: %s: %s", resp.Status, string(b))
	}

	var metrics types.PerfMetrics
	var firstTokenAt time.Time
	var stopped bool

	r := bufio.NewReader(resp.Body)
	for {
		line, readErr := r.ReadString('\n')
		if len(line) > 0 {
			l := strings.TrimSpace(line)
			if strings.HasPrefix(strings.ToLower(l), "data:") {
				data := strings.TrimSpace(l[len("data:"):])
				if data == "[DONE]" {
					break
				}
				var msg streamResponse
				if err := json.Unmarshal([]byte(data), &msg); err == nil && len(msg.Choices) > 0 {
					frag := msg.Choices[0].Delta.Content
					if frag != "" {
						if firstTokenAt.IsZero() {
							firstTokenAt = time.Now()
							metrics.TTFTMs = firstTokenAt.Sub(start).Milliseconds()
						}
						metrics.NumOutputTokens++
						if cbErr := onToken(frag); cbErr != nil {
							if errors.Is(cbErr, ErrStopGeneration) {
								stopped = true
								break
							}
							return metrics, cbErr
						}
					}
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return metrics, ctx.Err()
			}
			return metrics, readErr
		}
	}

	metrics.NumInputTokens, _ = b.CountTokens(p, prompt)
	metrics.GenerateDurationMs = time.Since(start).Milliseconds()
	if metrics.GenerateDurationMs > 0 && metrics.NumOutputTokens > 0 {
		metrics.ThroughputTPSMean = float64(metrics.NumOutputTokens) / (float64(metrics.GenerateDurationMs) / 1000.0)
	}
	_ = stopped
	return metrics, nil
}

func (b *LlamaServerBackend) ensureProcess(modelPath string) (string, error) {
	b.mu.Lock()
	if p := b.procs[modelPath]; p != nil {
		base := p.baseURL
		b.mu.Unlock()
		if b.isHealthy(base, time.Second) {
			return base, nil
		}
		b.mu.Lock()
		delete(b.procs, modelPath)
	}
	b.mu.Unlock()

	host := b.cfg.Host
	var port int
	var err error
	if b.cfg.PortRangeStart > 0 && b.cfg.PortRangeEnd >= b.cfg.PortRangeStart {
		port, err = pickPortInRange(host, b.cfg.PortRangeStart, b.cfg.PortRangeEnd)
	} else {
		port, err = pickFreePort(host)
	}
	if err != nil {
		return "", err
	}
	baseURL := fmt.Sprintf("http://%s:%d", host, port)

	args := []string{"-m", modelPath, "--host", host, "--port", fmt.Sprint(port)}
	if b.cfg.CtxSize > 0 {
		args = append(args, "-c", fmt.Sprint(b.cfg.CtxSize))
	}
	if b.cfg.NGL > 0 {
		args = append(args, "-ngl", fmt.Sprint(b.cfg.NGL))
	}
	if b.cfg.Threads > 0 {
		args = append(args, "-t", fmt.Sprint(b.cfg.Threads))
	}
	args = append(args, b.cfg.ExtraArgs...)

	cmd := exec.Command(b.cfg.Bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start llama-server: %w", err)
	}
	b.log.Info().Str("event", "spawn_start").Str("model", modelPath).Int("pid", cmd.Process.Pid).Str("host", host).Int("port", port).Msg("spawning llama-server")

	b.mu.Lock()
	b.procs[modelPath] = &serverProc{cmd: cmd, baseURL: baseURL}
	b.mu.Unlock()

	waitErrCh := make(chan error, 1)
	go func() { waitErrCh <- cmd.Wait() }()

	deadline := time.Now().Add(b.cfg.SpawnTimeout)
	for {
		if time.Now().After(deadline) {
			b.mu.Lock()
			delete(b.procs, modelPath)
			b.mu.Unlock()
			return "", fmt.Errorf("llama-server not ready in time: %s", baseURL)
		}
		select {
		case werr := <-waitErrCh:
			tail := stderr.String()
			if len(tail) > 4096 {
				tail = tail[len(tail)-4096:]
			}
			b.mu.Lock()
			delete(b.procs, modelPath)
			b.mu.Unlock()
			if werr != nil {
				return "", fmt.Errorf("llama-server exited early: %v; stderr tail: %s", werr, tail)
			}
			return "", fmt.Errorf("llama-server exited before ready: %s", baseURL)
		default:
		}

		if b.isHealthy(baseURL, time.Second) {
			b.log.Info().Str("event", "spawn_ready").Str("model", modelPath).Str("url", baseURL).Msg("llama-server ready")
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	b.mu.Lock()
	if p := b.procs[modelPath]; p != nil {
		p.ready = true
	}
	b.mu.Unlock()
	return baseURL, nil
}

func (b *LlamaServerBackend) isHealthy(baseURL string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (b *LlamaServerBackend) stop(modelPath string) error {
	b.mu.Lock()
	p := b.procs[modelPath]
	b.mu.Unlock()
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_, _ = p.cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		_ = p.cmd.Process.Kill()
		_, _ = p.cmd.Process.Wait()
	}
	b.mu.Lock()
	delete(b.procs, modelPath)
	b.mu.Unlock()
	return nil
}

// StopAll terminates all spawned subprocesses. Best effort. Nothing in this
// module calls it; EngineManager shutdown unloads each worker, which
// disposes its pipeline.
func (b *LlamaServerBackend) StopAll() {
	b.mu.Lock()
	paths := make([]string, 0, len(b.procs))
	for k := range b.procs {
		paths = append(paths, k)
	}
	b.mu.Unlock()
	for _, p := range paths {
		_ = b.stop(p)
	}
}

func pickPortInRange(host string, start, end int) (int, error) {
	for p := start; p <= end; p++ {
		l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, p))
		if err != nil {
			continue
		}
		_ = l.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", host+":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	addr := l.Addr().String()
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return 0, fmt.Errorf("unexpected addr: %s", addr)
	}
	return strconv.Atoi(addr[idx+1:])
}
