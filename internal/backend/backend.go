// Package backend defines the contract between the orchestrator and
// the reasoning backends it drives, plus the registry of tools the
// orchestrator answers on the backend's behalf.
package backend

import (
	"context"
	"strings"

	"github.com/relaybot/relaybot/internal/wire"
)

// Response is one turn's buffered outcome. Pointer fields are nil when
// the backend reported nothing, which is distinct from zero.
type Response struct {
	Text         string
	SessionID    string
	Model        string
	CostUSD      *float64
	InputTokens  *int64
	OutputTokens *int64
	DurationMS   int64
}

// SendOptions carries per-turn routing state resolved by the
// orchestrator: the prior conversation id to resume and the working
// directory bound to the session.
type SendOptions struct {
	SessionID  string
	WorkingDir string
}

// Backend is a reasoning backend capable of one blocking turn.
type Backend interface {
	Name() string
	Send(ctx context.Context, prompt string, opts SendOptions) (Response, error)
	HealthCheck(ctx context.Context) bool
}

// Streamer is implemented by backends that can relay per-event
// streaming. emit receives every protocol event in emission order.
type Streamer interface {
	Backend
	SendStream(ctx context.Context, prompt string, opts SendOptions, emit func(wire.Message)) (Response, error)
}

// failurePrefixes is the narrow classification of terminal results
// that warrant one fallback attempt. Anything else — including results
// a user might find unhelpful — is a successful turn.
var failurePrefixes = []string{
	"[Provider error",
	"[Provider timeout",
	"[Engine error",
	"[Engine timeout",
}

// IsFailure reports whether a terminal result text carries one of the
// recognized failure sentinels.
func IsFailure(text string) bool {
	for _, p := range failurePrefixes {
		if strings.HasPrefix(text, p) {
			return true
		}
	}
	return false
}
