// Package claudecli implements the Claude CLI backends: a streaming
// backend over a long-running stream-json subprocess, and a one-shot
// backend wrapping a single blocking CLI invocation (used as the
// fallback path).
package claudecli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/relaybot/relaybot/internal/agent"
	"github.com/relaybot/relaybot/internal/backend"
	"github.com/relaybot/relaybot/internal/id"
	"github.com/relaybot/relaybot/internal/metrics"
	"github.com/relaybot/relaybot/internal/wire"
)

// startAttempts bounds how often a failed subprocess spawn is retried
// before the turn is given up.
const startAttempts = 3

const healthCheckTimeout = 10 * time.Second

// Config holds the CLI invocation settings shared by both backends.
type Config struct {
	Command      string // executable name, default "claude"
	Model        string
	SystemPrompt string
	AllowedTools []string
	WorkingDir   string // default working directory when a session has none bound
}

func (c Config) command() string {
	if c.Command != "" {
		return c.Command
	}
	return "claude"
}

// agentManager is the surface of agent.Manager the backend drives.
// Narrowed to an interface so tests can substitute the subprocess.
type agentManager interface {
	Start(ctx context.Context) error
	Alive() bool
	SessionID() string
	SendAndStream(ctx context.Context, text string, handler agent.ToolHandler, emit func(wire.Message)) (*wire.Result, error)
	Stop()
}

// Backend is the primary streaming backend. The subprocess is created
// lazily on the first turn and reused across turns until it dies, the
// requested session no longer matches it, or Restart is called.
type Backend struct {
	cfg   Config
	tools *backend.Registry
	log   *slog.Logger

	// newManager is swapped in tests.
	newManager func(agent.Options) agentManager

	mu        sync.Mutex
	mgr       agentManager
	mgrResume string // session id the current process was spawned to resume
}

// New creates the streaming backend. tools may be nil, in which case
// every tool call is treated as native to the subprocess.
func New(cfg Config, tools *backend.Registry) *Backend {
	return &Backend{
		cfg:        cfg,
		tools:      tools,
		log:        slog.Default().With("component", "claude_cli"),
		newManager: func(o agent.Options) agentManager { return agent.New(o) },
	}
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return "claude_cli" }

// ensureManager returns a live process manager matching the requested
// session, spawning one (with bounded retry) when none is running. A
// live process carrying a different conversation is stopped first, so
// a cleared session really starts fresh instead of silently continuing
// the old in-process conversation.
func (b *Backend) ensureManager(ctx context.Context, opts backend.SendOptions) (agentManager, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.mgr != nil && b.mgr.Alive() {
		if b.sessionMatches(opts.SessionID) {
			return b.mgr, nil
		}
		b.log.Info("session changed, recycling agent process",
			"had", b.mgr.SessionID(), "want", opts.SessionID)
		b.mgr.Stop()
		b.mgr = nil
	}

	workDir := opts.WorkingDir
	if workDir == "" {
		workDir = b.cfg.WorkingDir
	}

	mgr := b.newManager(agent.Options{
		Command:         b.cfg.command(),
		Model:           b.cfg.Model,
		AllowedTools:    b.cfg.AllowedTools,
		SystemPrompt:    b.cfg.SystemPrompt,
		ResumeSessionID: opts.SessionID,
		WorkingDir:      workDir,
	})

	bo := newStartBackoff()
	var err error
	for attempt := 1; ; attempt++ {
		err = mgr.Start(ctx)
		if err == nil {
			b.mgr = mgr
			b.mgrResume = opts.SessionID
			return mgr, nil
		}
		if attempt >= startAttempts {
			break
		}
		interval := bo.NextBackOff()
		b.log.Warn("agent process failed to start, retrying...", "error", err, "attempt", attempt, "backoff", interval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil, fmt.Errorf("start agent process: %w", err)
}

// sessionMatches reports whether the live process carries the
// requested conversation. Before its first turn completes the process
// reports no session id, so the resume id it was spawned with stands
// in. Caller holds b.mu.
func (b *Backend) sessionMatches(want string) bool {
	current := b.mgr.SessionID()
	if current == "" {
		current = b.mgrResume
	}
	return current == want
}

// newStartBackoff creates the spawn retry schedule: 250ms → 2s, multiplier 2x.
func newStartBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.Multiplier = 2.0
	bo.Reset()
	return bo
}

// SendStream implements backend.Streamer: one turn against the
// long-running subprocess, relaying every event through emit.
func (b *Backend) SendStream(ctx context.Context, prompt string, opts backend.SendOptions, emit func(wire.Message)) (backend.Response, error) {
	mgr, err := b.ensureManager(ctx, opts)
	if err != nil {
		metrics.TurnsTotal.WithLabelValues(b.Name(), "start_error").Inc()
		return backend.Response{}, err
	}

	turnID := id.Generate()
	b.log.Debug("turn started", "turn_id", turnID, "session_id", opts.SessionID)

	started := time.Now()
	var handler agent.ToolHandler
	if b.tools != nil {
		handler = b.tools.Handler()
	}

	res, err := mgr.SendAndStream(ctx, prompt, handler, emit)
	metrics.TurnDuration.WithLabelValues(b.Name()).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.TurnsTotal.WithLabelValues(b.Name(), "error").Inc()
		// An abandoned turn (deadline, cancellation) leaves the
		// subprocess mid-answer with its events still queued; a later
		// turn would drain them and adopt the stale result. Recycle the
		// process so the next turn starts clean.
		if (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) && mgr.Alive() {
			b.log.Warn("turn abandoned mid-stream, recycling agent process", "turn_id", turnID, "error", err)
			b.Restart()
		}
		return backend.Response{}, err
	}

	metrics.TurnsTotal.WithLabelValues(b.Name(), "ok").Inc()
	b.log.Debug("turn finished",
		"turn_id", turnID,
		"session_id", res.SessionID,
		"duration_ms", res.DurationMS,
		"is_error", res.IsError,
	)
	return responseFromResult(res), nil
}

// Send implements backend.Backend by buffering the streamed turn. When
// the terminal result carries no text, the concatenated deltas serve.
func (b *Backend) Send(ctx context.Context, prompt string, opts backend.SendOptions) (backend.Response, error) {
	var sb strings.Builder
	resp, err := b.SendStream(ctx, prompt, opts, func(msg wire.Message) {
		if d, ok := msg.(*wire.ContentDelta); ok {
			sb.WriteString(d.Text)
		}
	})
	if err != nil {
		return backend.Response{}, err
	}
	if resp.Text == "" {
		resp.Text = sb.String()
	}
	return resp, nil
}

// HealthCheck implements backend.Backend.
func (b *Backend) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return exec.CommandContext(ctx, b.cfg.command(), "--version").Run() == nil
}

// Restart stops the current subprocess so the next turn spawns a
// fresh one. Used by the orchestrator's restart command.
func (b *Backend) Restart() {
	b.mu.Lock()
	mgr := b.mgr
	b.mgr = nil
	b.mu.Unlock()

	if mgr != nil {
		mgr.Stop()
	}
}

// Close shuts the subprocess down.
func (b *Backend) Close() {
	b.Restart()
}

func responseFromResult(res *wire.Result) backend.Response {
	return backend.Response{
		Text:         res.Text,
		SessionID:    res.SessionID,
		Model:        res.Model,
		CostUSD:      res.CostUSD,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		DurationMS:   res.DurationMS,
	}
}
