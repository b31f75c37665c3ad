package claudecli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/relaybot/relaybot/internal/backend"
	"github.com/relaybot/relaybot/internal/metrics"
	"github.com/relaybot/relaybot/internal/wire"
)

// OneShot runs a single blocking `claude -p` invocation per turn. It
// carries no state between calls, which makes it the fallback of
// choice when the streaming subprocess misbehaves: every failure mode
// is folded into the response text rather than an error, so a dead CLI
// still produces something the caller can relay.
type OneShot struct {
	cfg Config
	log *slog.Logger

	// runCommand is swapped in tests.
	runCommand func(ctx context.Context, name string, args []string, dir string) (stdout, stderr []byte, err error)
}

// NewOneShot creates the one-shot backend.
func NewOneShot(cfg Config) *OneShot {
	return &OneShot{
		cfg:        cfg,
		log:        slog.Default().With("component", "claude_oneshot"),
		runCommand: runCLI,
	}
}

// Name implements backend.Backend.
func (o *OneShot) Name() string { return "claude_oneshot" }

// Send implements backend.Backend. CLI failures never surface as
// errors; they become bracketed sentinel text that backend.IsFailure
// recognizes.
func (o *OneShot) Send(ctx context.Context, prompt string, opts backend.SendOptions) (backend.Response, error) {
	args := []string{"-p", "--output-format", "json"}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}
	if o.cfg.Model != "" {
		args = append(args, "--model", o.cfg.Model)
	}
	if len(o.cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(o.cfg.AllowedTools, ","))
	} else {
		args = append(args, "--dangerously-skip-permissions")
	}
	if o.cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", o.cfg.SystemPrompt)
	}
	args = append(args, prompt)

	workDir := opts.WorkingDir
	if workDir == "" {
		workDir = o.cfg.WorkingDir
	}

	stdout, stderr, err := o.runCommand(ctx, o.cfg.command(), args, workDir)
	if err != nil {
		metrics.TurnsTotal.WithLabelValues(o.Name(), "cli_error").Inc()
		return backend.Response{Text: o.failureText(ctx, stderr, err)}, nil
	}

	metrics.TurnsTotal.WithLabelValues(o.Name(), "ok").Inc()
	return o.parseOutput(stdout), nil
}

// failureText maps a failed invocation to sentinel response text.
func (o *OneShot) failureText(ctx context.Context, stderr []byte, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		o.log.Warn("one-shot invocation timed out")
		return "[Provider timeout: claude CLI did not respond in time]"
	}
	if errors.Is(err, exec.ErrNotFound) {
		o.log.Error("claude CLI not found", "command", o.cfg.command())
		return "[Provider error: claude CLI not found]"
	}
	detail := strings.TrimSpace(string(stderr))
	if detail == "" {
		detail = err.Error()
	}
	o.log.Warn("one-shot invocation failed", "error", err, "stderr", detail)
	return fmt.Sprintf("[Provider error: %s]", detail)
}

// parseOutput decodes the CLI's JSON result object. Output that does
// not decode to a result is passed through verbatim so nothing the
// model said is lost.
func (o *OneShot) parseOutput(stdout []byte) backend.Response {
	trimmed := bytes.TrimSpace(stdout)
	if res, ok := wire.ParseLine(trimmed).(*wire.Result); ok {
		return responseFromResult(res)
	}
	return backend.Response{Text: string(trimmed)}
}

// HealthCheck implements backend.Backend.
func (o *OneShot) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return exec.CommandContext(ctx, o.cfg.command(), "--version").Run() == nil
}

func runCLI(ctx context.Context, name string, args []string, dir string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
