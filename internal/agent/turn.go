package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relaybot/relaybot/internal/metrics"
	"github.com/relaybot/relaybot/internal/wire"
)

// turnState is the per-turn accumulator: the pending streamed tool
// call, its partial-JSON fragments, and the builtin call awaiting a
// synthesized result. Constructed fresh for every turn so nothing
// leaks across turns.
type turnState struct {
	pending   *wire.ToolUse
	fragments []string

	builtin        *wire.ToolUse
	builtinStarted time.Time
}

// flushBuiltin emits the synthesized tool result for a pending builtin
// call. Called whenever new content proves the subprocess moved on.
func (ts *turnState) flushBuiltin(emit func(wire.Message)) {
	if ts.builtin == nil {
		return
	}
	emit(&wire.ToolResult{
		ID:       ts.builtin.ID,
		Name:     ts.builtin.Name,
		Duration: time.Since(ts.builtinStarted),
	})
	ts.builtin = nil
}

// SendAndStream writes one user message and streams the turn's events
// through emit, in the subprocess's emission order. Tool calls are
// executed inline via handler before the stream resumes, so every
// emitted event already has its tool side effects applied. It returns
// the terminal result, or an error when the stream ends without one
// (callers apply their own retry/fallback policy; the manager never
// retries).
//
// Concurrent callers queue on the internal send lock; a second turn
// cannot begin writing until the first has fully completed. The read
// loop has no built-in timeout: impose a deadline via ctx and call
// Stop on expiry to release the subprocess.
func (m *Manager) SendAndStream(ctx context.Context, text string, handler ToolHandler, emit func(wire.Message)) (*wire.Result, error) {
	if emit == nil {
		emit = func(wire.Message) {}
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	if !m.Alive() {
		return nil, ErrNotRunning
	}

	line, err := wire.FormatUserMessage(text)
	if err != nil {
		return nil, fmt.Errorf("format user message: %w", err)
	}
	if err := m.writeLine(line); err != nil {
		return nil, err
	}

	ts := &turnState{}

	for {
		var raw []byte
		var ok bool
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case raw, ok = <-m.lines:
		}
		if !ok {
			return nil, m.exitError()
		}

		res, err := m.dispatch(ctx, wire.ParseLine(raw), ts, handler, emit)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
}

// dispatch routes one parsed event within a turn. A non-nil result
// ends the turn.
func (m *Manager) dispatch(ctx context.Context, msg wire.Message, ts *turnState, handler ToolHandler, emit func(wire.Message)) (*wire.Result, error) {
	switch v := msg.(type) {
	case *wire.ContentDelta, *wire.ThinkingDelta:
		ts.flushBuiltin(emit)
		emit(msg)

	case *wire.ToolUse:
		if err := m.handleToolUse(ctx, v, ts, handler, emit); err != nil {
			return nil, err
		}

	case *wire.AssistantBlocks:
		// A bundled assistant message replays as individual events.
		for _, block := range v.Blocks {
			if _, err := m.dispatch(ctx, block, ts, handler, emit); err != nil {
				return nil, err
			}
		}

	case *wire.System:
		// Mid-stream init: remember the conversation id, swallow.
		m.setSessionID(v.SessionID)

	case *wire.Result:
		m.setSessionID(v.SessionID)
		ts.flushBuiltin(emit)
		emit(v)
		return v, nil

	case *wire.ParseError:
		metrics.ParseErrorsTotal.Inc()
		m.log.Warn("skipping malformed protocol line", "reason", v.Reason, "line", v.Raw)

	case *wire.Raw:
		m.handleRaw(ctx, v, ts, handler, emit)

	default:
		// rate_limit, error events and future typed kinds are dropped
		// from the turn stream.
		m.log.Debug("dropping protocol event", "type", fmt.Sprintf("%T", msg))
	}

	return nil, nil
}

// handleToolUse processes a tool call. An actionable call (input
// already present) runs immediately; an empty-input call is the start
// of a streamed call and is parked until its block-stop.
func (m *Manager) handleToolUse(ctx context.Context, call *wire.ToolUse, ts *turnState, handler ToolHandler, emit func(wire.Message)) error {
	if !call.Actionable() {
		ts.pending = call
		ts.fragments = nil
		return nil
	}

	ts.flushBuiltin(emit)
	emit(call)
	return m.invokeTool(ctx, call, ts, handler)
}

// handleRaw consumes the passthrough events a turn cares about:
// input_json_delta fragments for the pending tool call and the
// block-stop that seals it. Everything else is dropped.
func (m *Manager) handleRaw(ctx context.Context, raw *wire.Raw, ts *turnState, handler ToolHandler, emit func(wire.Message)) {
	switch raw.Type {
	case wire.EventContentBlockDelta:
		if ts.pending != nil && raw.Delta != nil && raw.Delta.Type == wire.DeltaInputJSON {
			ts.fragments = append(ts.fragments, raw.Delta.PartialJSON)
		}

	case wire.EventContentBlockStop:
		if ts.pending == nil {
			return
		}
		call := ts.pending
		ts.pending = nil

		if joined := strings.Join(ts.fragments, ""); joined != "" {
			var input map[string]any
			if err := json.Unmarshal([]byte(joined), &input); err != nil {
				// Proceed with partial/empty input rather than
				// aborting the turn.
				m.log.Warn("tool input parse failed",
					"tool", call.Name,
					"error", err,
					"input", truncateString(joined, 200),
				)
			} else {
				call.Input = input
			}
		}
		ts.fragments = nil

		ts.flushBuiltin(emit)
		emit(call)
		if err := m.invokeTool(ctx, call, ts, handler); err != nil {
			m.log.Warn("tool result write failed", "tool", call.Name, "error", err)
		}
	}
}

// invokeTool runs the handler and answers the subprocess. Handler
// errors become error-shaped tool results; ErrBuiltinTool defers to
// a synthesized result once the stream resumes.
func (m *Manager) invokeTool(ctx context.Context, call *wire.ToolUse, ts *turnState, handler ToolHandler) error {
	result, err := safeInvoke(ctx, handler, call)

	if errors.Is(err, ErrBuiltinTool) {
		metrics.ToolCallsTotal.WithLabelValues(call.Name, "agent").Inc()
		ts.builtin = call
		ts.builtinStarted = time.Now()
		return nil
	}

	metrics.ToolCallsTotal.WithLabelValues(call.Name, "orchestrator").Inc()

	isError := false
	if err != nil {
		m.log.Warn("tool execution failed", "tool", call.Name, "error", err)
		result = fmt.Sprintf("[Tool error: %v]", err)
		isError = true
	}

	line, ferr := wire.FormatToolResult(call.ID, result, isError)
	if ferr != nil {
		return fmt.Errorf("format tool result: %w", ferr)
	}
	return m.writeLine(line)
}

// safeInvoke shields the turn from handler panics. A nil handler means
// every tool is native to the subprocess.
func safeInvoke(ctx context.Context, handler ToolHandler, call *wire.ToolUse) (result string, err error) {
	if handler == nil {
		return "", ErrBuiltinTool
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool handler panicked: %v", r)
		}
	}()
	return handler(ctx, call)
}

func truncateString(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
