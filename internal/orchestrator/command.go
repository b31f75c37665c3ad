package orchestrator

import (
	"fmt"
	"strings"

	"github.com/relaybot/relaybot/internal/backend"
	"github.com/relaybot/relaybot/internal/wire"
)

// handleCommand intercepts the fixed command vocabulary. Recognized
// commands never reach a backend; they produce an immediate synthetic
// result. Unrecognized slash-prefixed text falls through to the
// backend untouched.
func (o *Orchestrator) handleCommand(key, text string, consume Consumer) (backend.Response, bool) {
	if !strings.HasPrefix(text, "/") {
		return backend.Response{}, false
	}
	cmd, arg, _ := strings.Cut(strings.TrimSpace(text), " ")
	arg = strings.TrimSpace(arg)

	var reply string
	switch cmd {
	case "/clear":
		o.opts.Store.Clear(key)
		reply = "Session cleared. The next message starts a fresh conversation."

	case "/restart":
		if o.opts.Restarter != nil {
			o.opts.Restarter.Restart()
		}
		o.opts.Store.Clear(key)
		reply = "Agent restarted. The next message starts a fresh conversation."

	case "/status":
		rec := o.opts.Store.Get(key)
		sessionState := "none"
		if rec.BackendSessionID != "" {
			sessionState = rec.BackendSessionID
		}
		project := rec.Project
		if project == "" {
			project = "none"
		}
		reply = fmt.Sprintf("Backend: %s\nSession: %s\nProject: %s",
			o.opts.Primary.Name(), sessionState, project)

	case "/project":
		if arg == "" {
			rec := o.opts.Store.Get(key)
			if rec.Project == "" {
				reply = "No project set. Use /project <name> to pick one."
			} else {
				reply = fmt.Sprintf("Current project: %s", rec.Project)
			}
			break
		}
		o.opts.Store.SetProject(key, arg)
		reply = fmt.Sprintf("Project set to %s.", arg)

	default:
		return backend.Response{}, false
	}

	o.log.Info("command handled", "key", key, "command", cmd)
	if consume != nil {
		consume(&wire.Result{Text: reply, Subtype: "command"})
	}
	return backend.Response{Text: reply}, true
}
