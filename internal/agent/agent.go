// Package agent manages a single long-running agent CLI subprocess
// speaking the stream-json protocol over stdin/stdout. One Manager
// owns one subprocess; turns are serialized by an internal send lock
// and streamed back as typed wire messages with tool calls executed
// inline.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/relaybot/relaybot/internal/wire"
)

const (
	// stopGrace is how long Stop waits for the process to exit on its
	// own after stdin EOF before escalating to SIGTERM.
	stopGrace = 3 * time.Second

	// killDelay is how long the process gets after SIGTERM before Go
	// sends SIGKILL (exec.Cmd.WaitDelay).
	killDelay = 5 * time.Second

	scannerInitialBuf = 1024 * 1024
	scannerMaxBuf     = 16 * 1024 * 1024
)

// ErrAlreadyRunning is returned by Start when the subprocess is alive.
var ErrAlreadyRunning = errors.New("agent process already running")

// ErrNotRunning is returned when a turn is attempted with no live
// subprocess. Call Start first.
var ErrNotRunning = errors.New("agent process not running")

// ErrBuiltinTool is the sentinel a ToolHandler returns for tools the
// agent process executes natively. No tool_result line is written back;
// the manager synthesizes an observability wire.ToolResult once the
// stream resumes.
var ErrBuiltinTool = errors.New("tool is builtin to the agent process")

// ToolHandler executes one tool call and returns its result text.
// Returning ErrBuiltinTool marks the call as handled by the subprocess
// itself. Any other error is converted into an error tool-result line
// so the turn continues.
type ToolHandler func(ctx context.Context, call *wire.ToolUse) (string, error)

// Options configures a new Manager. All fields except Command may be
// empty; empty AllowedTools selects the allow-everything flag.
type Options struct {
	Command         string // executable name, default "claude"
	Model           string
	AllowedTools    []string
	SystemPrompt    string
	ResumeSessionID string
	WorkingDir      string
}

func (o Options) command() string {
	if o.Command != "" {
		return o.Command
	}
	return "claude"
}

// Manager owns one agent CLI subprocess. The zero value is not usable;
// call New.
type Manager struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex // guards process handles, liveness, session id
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stderrBuf *bytes.Buffer
	cancel    context.CancelFunc
	running   bool
	stopping  bool
	sessionID string

	lines       chan []byte
	processDone chan struct{}
	waitErr     error

	sendMu sync.Mutex // at most one turn in flight per subprocess
}

// New creates a Manager in the Idle state. Start spawns the process.
func New(opts Options) *Manager {
	return &Manager{
		opts: opts,
		log:  slog.Default().With("component", "agent"),
	}
}

// buildArgs assembles the CLI invocation for the stream-json protocol.
func buildArgs(o Options) []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	if len(o.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(o.AllowedTools, ","))
	} else {
		args = append(args, "--dangerously-skip-permissions")
	}
	if o.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", o.SystemPrompt)
	}
	if o.ResumeSessionID != "" {
		args = append(args, "--resume", o.ResumeSessionID)
	}
	return args
}

// Start spawns the subprocess and begins reading its output.
//
// The CLI in stream-json input mode produces no output (including the
// init message) until it receives input on stdin, so Start returns
// immediately without waiting for the init event; the session id is
// captured during the first turn. Until then SessionID() is empty.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.alive() {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(ctx, m.opts.command(), buildArgs(m.opts)...)
	cmd.Dir = m.opts.WorkingDir

	// Send SIGTERM (instead of the default SIGKILL) on cancellation so
	// the CLI can persist its session state; Go escalates to SIGKILL
	// after WaitDelay.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}

	// Capture stderr so a crash is diagnosable.
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", m.opts.command(), err)
	}

	m.cmd = cmd
	m.stdin = stdin
	m.stderrBuf = &stderrBuf
	m.cancel = cancel
	m.running = true
	m.stopping = false
	m.waitErr = nil
	m.lines = make(chan []byte, 64)
	m.processDone = make(chan struct{})

	go m.readLines(cmd, stdout)

	m.log.Info("agent process started",
		"pid", cmd.Process.Pid,
		"model", m.opts.Model,
		"working_dir", m.opts.WorkingDir,
	)
	return nil
}

// readLines drains stdout into the lines channel. The channel is
// closed on EOF, then the process is reaped and processDone closed.
// cmd is nil for pipe-backed test managers.
func (m *Manager) readLines(cmd *exec.Cmd, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, scannerInitialBuf), scannerMaxBuf)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Copy: the scanner reuses its buffer.
		cp := make([]byte, len(line))
		copy(cp, line)
		m.lines <- cp
	}

	if err := scanner.Err(); err != nil {
		m.log.Warn("agent stdout read error", "error", err)
	}

	close(m.lines)

	// Reap only after stdout is fully drained: cmd.Wait closes the
	// stdout pipe and would race the scanner otherwise.
	if cmd != nil {
		m.waitErr = cmd.Wait()
	}
	close(m.processDone)
}

// Alive reports whether the subprocess is running.
func (m *Manager) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive()
}

func (m *Manager) alive() bool {
	if !m.running {
		return false
	}
	select {
	case <-m.processDone:
		return false
	default:
		return true
	}
}

// SessionID returns the last conversation id reported by the process,
// or "" when no turn has completed yet (not-yet-initialized state).
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

func (m *Manager) setSessionID(id string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	m.sessionID = id
	m.mu.Unlock()
}

// Stderr returns the captured stderr output from the subprocess.
func (m *Manager) Stderr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stderrBuf == nil {
		return ""
	}
	return m.stderrBuf.String()
}

// writeLine appends a newline and writes one protocol line to stdin.
// Writes are serialized against each other; the send lock additionally
// serializes whole turns.
func (m *Manager) writeLine(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running || m.stdin == nil {
		return ErrNotRunning
	}

	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	if _, err := m.stdin.Write(buf); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Stop shuts the subprocess down: stdin EOF first, then a bounded
// grace period, then SIGTERM (and SIGKILL after WaitDelay). Internal
// handles are cleared afterward so the Manager can be restarted.
// Stop is idempotent and safe to call on a never-started Manager.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopping {
		m.mu.Unlock()
		return
	}
	m.stopping = true
	stdin := m.stdin
	cancel := m.cancel
	done := m.processDone
	m.mu.Unlock()

	// stdin EOF is the CLI's shutdown signal.
	if stdin != nil {
		_ = stdin.Close()
	}

	select {
	case <-done:
	case <-time.After(stopGrace):
		if cancel != nil {
			cancel()
			<-done
		}
	}

	m.mu.Lock()
	m.running = false
	m.stopping = false
	m.cmd = nil
	m.stdin = nil
	m.cancel = nil
	m.mu.Unlock()

	m.log.Info("agent process stopped")
}

// exitError describes a stream that ended without a terminal result.
// It waits for the reaper first: cmd.Wait finishes the stderr copy and
// records the exit status, so reading either earlier races the copier.
func (m *Manager) exitError() error {
	m.mu.Lock()
	done := m.processDone
	m.mu.Unlock()
	if done != nil {
		<-done
	}

	stderr := strings.TrimSpace(m.Stderr())
	switch {
	case m.waitErr != nil && stderr != "":
		return fmt.Errorf("agent process exited before terminal result: %v: %s", m.waitErr, stderr)
	case m.waitErr != nil:
		return fmt.Errorf("agent process exited before terminal result: %v", m.waitErr)
	case stderr != "":
		return fmt.Errorf("agent process exited before terminal result: %s", stderr)
	default:
		return errors.New("agent process exited before terminal result")
	}
}
