// Package wire defines the typed message set for the agent CLI's
// line-delimited JSON protocol, plus parse and format functions.
// Parsing is stateless: one stdout line in, one Message out. The
// message set is closed — new wire event kinds surface as *Raw so
// callers decide what to do with them instead of crashing.
package wire

import "time"

// Event type discriminators used on the wire.
const (
	EventSystem            = "system"
	EventAssistant         = "assistant"
	EventResult            = "result"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventRateLimit         = "rate_limit"
	EventError             = "error"
)

// Delta kinds inside a content_block_delta event.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
)

// Message is the closed set of parsed protocol messages. Exactly one
// concrete type is returned per line; unrecognized lines come back as
// *Raw rather than an error.
type Message interface {
	message()
}

// System is the init event (type=system, subtype=init). It is the
// first thing the CLI emits once it produces any output, and carries
// the session id the orchestrator persists for resumption.
type System struct {
	SessionID  string
	Model      string
	Tools      []string
	MCPServers []MCPServer
}

// MCPServer describes a sub-service declared in the init event.
type MCPServer struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ContentDelta is a streamed fragment of assistant text.
type ContentDelta struct {
	Text  string
	Index int
}

// ThinkingDelta is a streamed fragment of assistant reasoning.
type ThinkingDelta struct {
	Thinking string
	Index    int
}

// ToolUse is a backend-issued tool call. With a non-empty Input it is
// immediately actionable; with an empty Input it is a streaming
// placeholder whose input arrives via input_json_delta fragments and
// is sealed by a content_block_stop.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// Actionable reports whether the call's input is complete.
func (t *ToolUse) Actionable() bool { return len(t.Input) > 0 }

// ToolResult reports the outcome of a tool call. The process manager
// synthesizes these for builtin tools (calls the agent process answers
// itself) so consumers still observe every call's completion.
type ToolResult struct {
	ID       string
	Name     string
	Content  string
	Duration time.Duration
}

// Result is the terminal event of a turn. InputTokens and OutputTokens
// are nil when the result carried no usage object, which is distinct
// from a reported zero.
type Result struct {
	Text         string
	Subtype      string
	SessionID    string
	Model        string
	CostUSD      *float64
	IsError      bool
	DurationMS   int64
	InputTokens  *int64
	OutputTokens *int64
}

// RateLimit signals the backend is throttling. RetryAfter is zero when
// the event carried no usable hint.
type RateLimit struct {
	RetryAfter time.Duration
}

// Error is an explicit protocol-level error event. It is data, not a
// Go error: the stream continues after it.
type Error struct {
	Code    string
	Message string
}

// ParseError wraps a line that was not valid JSON. Raw holds at most
// the first 500 bytes of the offending line.
type ParseError struct {
	Raw    string
	Reason string
}

// AssistantBlocks bundles the typed blocks of one complete assistant
// message (non-streaming path) in their original content order.
type AssistantBlocks struct {
	Blocks []Message
}

// Raw is the untyped passthrough for event kinds the codec does not
// model. Delta is populated for content_block_delta events so callers
// can accumulate partial tool-input JSON; Line is the original bytes.
type Raw struct {
	Type  string
	Index int
	Delta *BlockDelta
	Line  []byte
}

// BlockDelta is the delta payload of a passthrough content_block_delta.
type BlockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Thinking    string `json:"thinking"`
	PartialJSON string `json:"partial_json"`
}

func (*System) message()          {}
func (*ContentDelta) message()    {}
func (*ThinkingDelta) message()   {}
func (*ToolUse) message()         {}
func (*ToolResult) message()      {}
func (*Result) message()          {}
func (*RateLimit) message()       {}
func (*Error) message()           {}
func (*ParseError) message()      {}
func (*AssistantBlocks) message() {}
func (*Raw) message()             {}
