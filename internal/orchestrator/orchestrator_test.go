package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybot/relaybot/internal/backend"
	"github.com/relaybot/relaybot/internal/memory"
	"github.com/relaybot/relaybot/internal/session"
	"github.com/relaybot/relaybot/internal/wire"
)

// fakeBackend is a blocking backend driven by a function.
type fakeBackend struct {
	name  string
	send  func(ctx context.Context, prompt string, opts backend.SendOptions) (backend.Response, error)
	calls atomic.Int64
}

func (f *fakeBackend) Name() string { return f.name }
func (f *fakeBackend) Send(ctx context.Context, prompt string, opts backend.SendOptions) (backend.Response, error) {
	f.calls.Add(1)
	return f.send(ctx, prompt, opts)
}
func (f *fakeBackend) HealthCheck(context.Context) bool { return true }

// fakeStreamer additionally emits a canned event stream per turn.
type fakeStreamer struct {
	fakeBackend
	stream func(ctx context.Context, prompt string, opts backend.SendOptions, emit func(wire.Message)) (backend.Response, error)
}

func (f *fakeStreamer) SendStream(ctx context.Context, prompt string, opts backend.SendOptions, emit func(wire.Message)) (backend.Response, error) {
	f.calls.Add(1)
	return f.stream(ctx, prompt, opts, emit)
}

func testStore(t *testing.T) *session.Store {
	t.Helper()
	s, err := session.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionKey(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"base", Message{ChatID: "123"}, "123"},
		{"connector", Message{ChatID: "123", Connector: "tg"}, "tg:123"},
		{"thread", Message{ChatID: "123", ThreadID: "7"}, "123:7"},
		{"connector and thread", Message{ChatID: "123", ThreadID: "7", Connector: "tg"}, "tg:123:7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SessionKey(tt.msg))
		})
	}
}

func TestHandleMessage_EndToEnd(t *testing.T) {
	primary := &fakeStreamer{fakeBackend: fakeBackend{name: "fake"}}
	primary.stream = func(_ context.Context, prompt string, _ backend.SendOptions, emit func(wire.Message)) (backend.Response, error) {
		assert.Equal(t, "Hello", prompt)
		emit(&wire.ContentDelta{Text: "Hi"})
		emit(&wire.Result{Text: "Hi", SessionID: "s1"})
		return backend.Response{Text: "Hi", SessionID: "s1"}, nil
	}

	store := testStore(t)
	o := New(Options{Primary: primary, Store: store})

	var events []wire.Message
	resp, err := o.HandleMessage(context.Background(), Message{Text: "Hello", ChatID: "42", Connector: "tg"}, func(m wire.Message) {
		events = append(events, m)
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi", resp.Text)
	assert.Equal(t, "s1", resp.SessionID)

	require.Len(t, events, 2)
	assert.IsType(t, &wire.ContentDelta{}, events[0])
	assert.IsType(t, &wire.Result{}, events[1])

	assert.Equal(t, "s1", store.Get("tg:42").BackendSessionID)
}

func TestHandleMessage_ResumesBoundSession(t *testing.T) {
	store := testStore(t)
	store.BindSession("tg:42", "s0")
	store.SetWorkingDir("tg:42", "/srv/app")

	primary := &fakeStreamer{fakeBackend: fakeBackend{name: "fake"}}
	primary.stream = func(_ context.Context, _ string, opts backend.SendOptions, emit func(wire.Message)) (backend.Response, error) {
		assert.Equal(t, "s0", opts.SessionID)
		assert.Equal(t, "/srv/app", opts.WorkingDir)
		return backend.Response{Text: "ok", SessionID: "s0"}, nil
	}

	o := New(Options{Primary: primary, Store: store})
	_, err := o.HandleMessage(context.Background(), Message{Text: "again", ChatID: "42", Connector: "tg"}, nil)
	require.NoError(t, err)
}

func TestHandleMessage_PrependsMemoryContext(t *testing.T) {
	var gotPrompt string
	primary := &fakeStreamer{fakeBackend: fakeBackend{name: "fake"}}
	primary.stream = func(_ context.Context, prompt string, _ backend.SendOptions, _ func(wire.Message)) (backend.Response, error) {
		gotPrompt = prompt
		return backend.Response{Text: "ok"}, nil
	}

	o := New(Options{Primary: primary, Store: testStore(t), Memory: memory.Static("remember the deploy key")})
	_, err := o.HandleMessage(context.Background(), Message{Text: "Hello", ChatID: "1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "<context>\nremember the deploy key\n</context>\n\nHello", gotPrompt)
}

func TestHandleMessage_BindsDefaultWorkingDirOnFirstUse(t *testing.T) {
	primary := &fakeStreamer{fakeBackend: fakeBackend{name: "fake"}}
	primary.stream = func(_ context.Context, _ string, opts backend.SendOptions, _ func(wire.Message)) (backend.Response, error) {
		assert.Equal(t, "/srv/default", opts.WorkingDir)
		return backend.Response{Text: "ok"}, nil
	}

	store := testStore(t)
	o := New(Options{Primary: primary, Store: store, WorkingDir: "/srv/default"})
	_, err := o.HandleMessage(context.Background(), Message{Text: "hi", ChatID: "5"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "/srv/default", store.Get("5").WorkingDir)
}

func TestLaneSerialization(t *testing.T) {
	var active, maxActive atomic.Int64

	primary := &fakeStreamer{fakeBackend: fakeBackend{name: "fake"}}
	primary.stream = func(_ context.Context, _ string, _ backend.SendOptions, _ func(wire.Message)) (backend.Response, error) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		active.Add(-1)
		return backend.Response{Text: "ok"}, nil
	}

	o := New(Options{Primary: primary, Store: testStore(t)})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.HandleMessage(context.Background(), Message{Text: "go", ChatID: "same"}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(8), primary.calls.Load())
	assert.Equal(t, int64(1), maxActive.Load(), "turns on one key must not overlap")
}

func TestFallback_OnSentinelText(t *testing.T) {
	primary := &fakeStreamer{fakeBackend: fakeBackend{name: "primary"}}
	primary.stream = func(_ context.Context, _ string, _ backend.SendOptions, emit func(wire.Message)) (backend.Response, error) {
		emit(&wire.Result{Text: "[Provider error: boom]", IsError: true})
		return backend.Response{Text: "[Provider error: boom]"}, nil
	}
	fallback := &fakeBackend{name: "oneshot", send: func(_ context.Context, prompt string, _ backend.SendOptions) (backend.Response, error) {
		assert.Equal(t, "Hello", prompt)
		return backend.Response{Text: "recovered", SessionID: "f1"}, nil
	}}

	store := testStore(t)
	o := New(Options{Primary: primary, Fallback: fallback, Store: store})

	var results []*wire.Result
	resp, err := o.HandleMessage(context.Background(), Message{Text: "Hello", ChatID: "9"}, func(m wire.Message) {
		if r, ok := m.(*wire.Result); ok {
			results = append(results, r)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)
	assert.Equal(t, int64(1), fallback.calls.Load())
	// consumer saw the failed primary result, then the synthetic fallback result
	require.Len(t, results, 2)
	assert.Equal(t, "recovered", results[1].Text)
	assert.Equal(t, "f1", store.Get("9").BackendSessionID)
}

func TestFallback_NotConfiguredReturnsSentinel(t *testing.T) {
	primary := &fakeStreamer{fakeBackend: fakeBackend{name: "primary"}}
	primary.stream = func(_ context.Context, _ string, _ backend.SendOptions, _ func(wire.Message)) (backend.Response, error) {
		return backend.Response{Text: "[Engine timeout: stuck]"}, nil
	}

	o := New(Options{Primary: primary, Store: testStore(t)})
	resp, err := o.HandleMessage(context.Background(), Message{Text: "Hello", ChatID: "9"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "[Engine timeout: stuck]", resp.Text)
}

func TestFallback_OnPrimaryError(t *testing.T) {
	primary := &fakeStreamer{fakeBackend: fakeBackend{name: "primary"}}
	primary.stream = func(_ context.Context, _ string, _ backend.SendOptions, _ func(wire.Message)) (backend.Response, error) {
		return backend.Response{}, errors.New("process wedged")
	}
	fallback := &fakeBackend{name: "oneshot", send: func(context.Context, string, backend.SendOptions) (backend.Response, error) {
		return backend.Response{Text: "recovered"}, nil
	}}

	o := New(Options{Primary: primary, Fallback: fallback, Store: testStore(t)})
	resp, err := o.HandleMessage(context.Background(), Message{Text: "go", ChatID: "9"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)
}

func TestFallback_FailureIsFinal(t *testing.T) {
	primary := &fakeStreamer{fakeBackend: fakeBackend{name: "primary"}}
	primary.stream = func(_ context.Context, _ string, _ backend.SendOptions, _ func(wire.Message)) (backend.Response, error) {
		return backend.Response{Text: "[Provider error: boom]"}, nil
	}
	fallback := &fakeBackend{name: "oneshot", send: func(context.Context, string, backend.SendOptions) (backend.Response, error) {
		return backend.Response{Text: "[Provider error: also down]"}, nil
	}}

	o := New(Options{Primary: primary, Fallback: fallback, Store: testStore(t)})
	resp, err := o.HandleMessage(context.Background(), Message{Text: "go", ChatID: "9"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "[Provider error: also down]", resp.Text)
	assert.Equal(t, int64(1), fallback.calls.Load(), "one fallback attempt only")
}
