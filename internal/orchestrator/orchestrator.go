// Package orchestrator routes inbound conversation messages to agent
// backends. Each conversation gets a lane: a lazily created mutex that
// serializes its turns end to end, so two messages on one chat can
// never interleave subprocess writes or clobber each other's session
// state. Distinct conversations proceed in parallel.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/relaybot/relaybot/internal/backend"
	"github.com/relaybot/relaybot/internal/id"
	"github.com/relaybot/relaybot/internal/memory"
	"github.com/relaybot/relaybot/internal/metrics"
	"github.com/relaybot/relaybot/internal/session"
	"github.com/relaybot/relaybot/internal/wire"
)

// Message is one inbound conversation message.
type Message struct {
	Text      string
	ChatID    string
	ThreadID  string // non-empty for thread-scoped messages
	Sender    string
	Connector string // e.g. "tg", "slack"; namespaces the session key
}

// Consumer receives every streamed event of a turn in emission order.
type Consumer func(wire.Message)

// Restarter is implemented by backends whose subprocess can be
// recycled on demand.
type Restarter interface {
	Restart()
}

// Options configures an Orchestrator.
type Options struct {
	Primary     backend.Backend
	Fallback    backend.Backend // optional; used once per turn on recognized failures
	Store       *session.Store
	Memory      memory.ContextProvider // optional
	Restarter   Restarter              // optional; backs the restart command
	WorkingDir  string                 // default bound to a conversation on its first turn
	TurnTimeout time.Duration          // 0 = no limit
}

// Orchestrator serializes turns per conversation and applies the
// fallback policy.
type Orchestrator struct {
	opts Options
	log  *slog.Logger

	laneMu sync.Mutex
	lanes  map[string]*sync.Mutex
}

// New creates an Orchestrator. Primary and Store are required.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		opts:  opts,
		log:   slog.Default().With("component", "orchestrator"),
		lanes: make(map[string]*sync.Mutex),
	}
}

// SessionKey derives the conversation's serialization key. Threaded
// messages get a key of their own so a busy thread does not block the
// main chat.
func SessionKey(msg Message) string {
	key := msg.ChatID
	if msg.Connector != "" {
		key = msg.Connector + ":" + key
	}
	if msg.ThreadID != "" {
		key += ":" + msg.ThreadID
	}
	return key
}

// lane returns the mutex for key, creating it on first use. Lanes are
// never evicted; the map is bounded by the number of distinct
// conversations seen over the process lifetime.
func (o *Orchestrator) lane(key string) *sync.Mutex {
	o.laneMu.Lock()
	defer o.laneMu.Unlock()
	m, ok := o.lanes[key]
	if !ok {
		m = &sync.Mutex{}
		o.lanes[key] = m
	}
	return m
}

// HandleMessage processes one inbound message: acquires the
// conversation's lane, intercepts commands, otherwise drives exactly
// one backend turn (with at most one fallback attempt) and relays
// every streamed event to consume. The lane is held until the
// consumer has seen the full stream.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg Message, consume Consumer) (backend.Response, error) {
	key := SessionKey(msg)

	lane := o.lane(key)
	lane.Lock()
	metrics.ActiveLanes.Inc()
	defer func() {
		metrics.ActiveLanes.Dec()
		lane.Unlock()
	}()

	if resp, handled := o.handleCommand(key, msg.Text, consume); handled {
		return resp, nil
	}

	rec := o.opts.Store.Get(key)
	prompt := o.assemblePrompt(rec.Project, msg.Text)
	opts := backend.SendOptions{
		SessionID:  rec.BackendSessionID,
		WorkingDir: rec.WorkingDir,
	}
	if opts.WorkingDir == "" {
		opts.WorkingDir = o.opts.WorkingDir
	}

	turnID := id.Generate()
	log := o.log.With("turn_id", turnID, "key", key)
	log.Info("turn dispatched", "backend", o.opts.Primary.Name(), "resume", rec.BackendSessionID != "")

	if o.opts.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.TurnTimeout)
		defer cancel()
	}

	resp, err := runTurn(ctx, o.opts.Primary, prompt, opts, consume)
	switch {
	case err != nil && o.opts.Fallback == nil:
		log.Error("turn failed, no fallback configured", "error", err)
		return backend.Response{}, err
	case err != nil:
		log.Warn("turn failed, trying fallback", "error", err, "fallback", o.opts.Fallback.Name())
		resp, err = o.runFallback(ctx, prompt, opts, consume)
	case backend.IsFailure(resp.Text) && o.opts.Fallback != nil:
		log.Warn("turn returned failure sentinel, trying fallback",
			"text", resp.Text, "fallback", o.opts.Fallback.Name())
		resp, err = o.runFallback(ctx, prompt, opts, consume)
	}
	if err != nil {
		return backend.Response{}, err
	}

	if resp.SessionID != "" && resp.SessionID != rec.BackendSessionID {
		o.opts.Store.BindSession(key, resp.SessionID)
	}
	if rec.WorkingDir == "" && opts.WorkingDir != "" {
		o.opts.Store.SetWorkingDir(key, opts.WorkingDir)
	}
	log.Info("turn completed", "session_id", resp.SessionID, "duration_ms", resp.DurationMS)
	return resp, nil
}

// runFallback replays the prompt against the fallback backend. One
// attempt only; whatever it returns is final.
func (o *Orchestrator) runFallback(ctx context.Context, prompt string, opts backend.SendOptions, consume Consumer) (backend.Response, error) {
	metrics.FallbacksTotal.Inc()
	return runTurn(ctx, o.opts.Fallback, prompt, opts, consume)
}

// runTurn drives one turn against be. Streaming backends relay events
// directly; blocking backends have their single response wrapped as
// one synthetic result event so consumers see a uniform stream shape.
func runTurn(ctx context.Context, be backend.Backend, prompt string, opts backend.SendOptions, consume Consumer) (backend.Response, error) {
	emit := func(m wire.Message) {
		if consume != nil {
			consume(m)
		}
	}

	if s, ok := be.(backend.Streamer); ok {
		return s.SendStream(ctx, prompt, opts, emit)
	}

	resp, err := be.Send(ctx, prompt, opts)
	if err != nil {
		return backend.Response{}, err
	}
	emit(&wire.Result{
		Text:         resp.Text,
		SessionID:    resp.SessionID,
		Model:        resp.Model,
		CostUSD:      resp.CostUSD,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		DurationMS:   resp.DurationMS,
	})
	return resp, nil
}

// assemblePrompt prepends the memory context, when any, in a tagged
// block the agent can tell apart from the user's words.
func (o *Orchestrator) assemblePrompt(project, text string) string {
	if o.opts.Memory == nil {
		return text
	}
	contextBlock := o.opts.Memory.Context(project)
	if contextBlock == "" {
		return text
	}
	var sb strings.Builder
	sb.WriteString("<context>\n")
	sb.WriteString(contextBlock)
	sb.WriteString("\n</context>\n\n")
	sb.WriteString(text)
	return sb.String()
}
