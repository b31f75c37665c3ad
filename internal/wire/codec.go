package wire

import (
	"encoding/json"
	"time"
)

// parseErrorRawLimit caps how much of a malformed line a ParseError keeps.
const parseErrorRawLimit = 500

// event mirrors the superset of inbound wire shapes. Fields that vary
// by event kind (message, error) stay as json.RawMessage and are
// decoded per type.
type event struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Index     int    `json:"index"`

	// system init
	Tools      []string    `json:"tools"`
	Model      string      `json:"model"`
	MCPServers []MCPServer `json:"mcp_servers"`

	// content_block_start / content_block_delta
	ContentBlock *contentBlock `json:"content_block"`
	Delta        *BlockDelta   `json:"delta"`

	// assistant ("message") or explicit error ("message" as string) —
	// decoded lazily depending on Type.
	Message json.RawMessage `json:"message"`

	// result
	Result       string     `json:"result"`
	CostUSD      *float64   `json:"cost_usd"`
	TotalCostUSD *float64   `json:"total_cost_usd"`
	IsError      bool       `json:"is_error"`
	DurationMS   int64      `json:"duration_ms"`
	Usage        *usageInfo `json:"usage"`

	// rate_limit — milliseconds preferred over seconds
	RetryAfterMS *int64   `json:"retry_after_ms"`
	RetryAfter   *float64 `json:"retry_after"`

	// error (flat or nested)
	Code  string     `json:"code"`
	Error *errorInfo `json:"error"`
}

type contentBlock struct {
	Type     string         `json:"type"`
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Text     string         `json:"text"`
	Thinking string         `json:"thinking"`
	Input    map[string]any `json:"input"`
}

type assistantBody struct {
	Content []contentBlock `json:"content"`
}

type usageInfo struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type errorInfo struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ParseLine parses a single stdout line into a typed Message. It never
// returns an error: malformed JSON yields a *ParseError and anything
// structurally unrecognized yields a *Raw passthrough.
func ParseLine(line []byte) Message {
	var ev event
	if err := json.Unmarshal(line, &ev); err != nil {
		return &ParseError{Raw: truncate(line, parseErrorRawLimit), Reason: err.Error()}
	}

	switch ev.Type {
	case EventSystem:
		if ev.Subtype != "init" {
			return rawOf(&ev, line)
		}
		tools := ev.Tools
		if tools == nil {
			tools = []string{}
		}
		return &System{
			SessionID:  ev.SessionID,
			Model:      ev.Model,
			Tools:      tools,
			MCPServers: ev.MCPServers,
		}

	case EventContentBlockDelta:
		if ev.Delta != nil {
			switch ev.Delta.Type {
			case DeltaText:
				return &ContentDelta{Text: ev.Delta.Text, Index: ev.Index}
			case DeltaThinking:
				return &ThinkingDelta{Thinking: ev.Delta.Thinking, Index: ev.Index}
			}
		}
		// input_json_delta and future delta kinds: the caller owns
		// partial-JSON accumulation.
		return rawOf(&ev, line)

	case EventContentBlockStart:
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			return &ToolUse{
				ID:    ev.ContentBlock.ID,
				Name:  ev.ContentBlock.Name,
				Input: ev.ContentBlock.Input,
			}
		}
		return rawOf(&ev, line)

	case EventAssistant:
		return parseAssistant(&ev, line)

	case EventResult:
		res := &Result{
			Text:       ev.Result,
			Subtype:    ev.Subtype,
			SessionID:  ev.SessionID,
			Model:      ev.Model,
			CostUSD:    ev.CostUSD,
			IsError:    ev.IsError,
			DurationMS: ev.DurationMS,
		}
		if res.CostUSD == nil {
			res.CostUSD = ev.TotalCostUSD
		}
		if ev.Usage != nil {
			in, out := ev.Usage.InputTokens, ev.Usage.OutputTokens
			res.InputTokens, res.OutputTokens = &in, &out
		}
		return res

	case EventRateLimit:
		rl := &RateLimit{}
		switch {
		case ev.RetryAfterMS != nil:
			rl.RetryAfter = time.Duration(*ev.RetryAfterMS) * time.Millisecond
		case ev.RetryAfter != nil:
			rl.RetryAfter = time.Duration(*ev.RetryAfter * float64(time.Second))
		}
		return rl

	case EventError:
		e := &Error{Code: ev.Code}
		if ev.Error != nil {
			e.Message = ev.Error.Message
			if e.Code == "" {
				e.Code = ev.Error.Code
			}
		} else if len(ev.Message) > 0 {
			// Flat shape: "message" is a plain string here.
			_ = json.Unmarshal(ev.Message, &e.Message)
		}
		return e
	}

	return rawOf(&ev, line)
}

// parseAssistant inspects the content blocks of a complete assistant
// message. Zero typed blocks pass through untouched, a single typed
// block is returned directly, and two or more are bundled in order.
func parseAssistant(ev *event, line []byte) Message {
	var body assistantBody
	if len(ev.Message) > 0 {
		if err := json.Unmarshal(ev.Message, &body); err != nil {
			return rawOf(ev, line)
		}
	}

	var blocks []Message
	for _, b := range body.Content {
		switch b.Type {
		case "thinking":
			blocks = append(blocks, &ThinkingDelta{Thinking: b.Thinking})
		case "text":
			if b.Text != "" {
				blocks = append(blocks, &ContentDelta{Text: b.Text})
			}
		case "tool_use":
			blocks = append(blocks, &ToolUse{ID: b.ID, Name: b.Name, Input: b.Input})
		}
	}

	switch len(blocks) {
	case 0:
		return rawOf(ev, line)
	case 1:
		return blocks[0]
	default:
		return &AssistantBlocks{Blocks: blocks}
	}
}

func rawOf(ev *event, line []byte) *Raw {
	cp := make([]byte, len(line))
	copy(cp, line)
	return &Raw{Type: ev.Type, Index: ev.Index, Delta: ev.Delta, Line: cp}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// Outbound wire shapes.

type userMessage struct {
	Type    string          `json:"type"`
	Message userMessageBody `json:"message"`
}

type userMessageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type toolResultMessage struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

// FormatUserMessage renders a user message as one stdin line (without
// the trailing newline; the writer appends it).
func FormatUserMessage(text string) ([]byte, error) {
	return json.Marshal(userMessage{
		Type:    "user",
		Message: userMessageBody{Role: "user", Content: text},
	})
}

// FormatToolResult renders a tool result line answering the tool call
// with the given id.
func FormatToolResult(toolUseID, content string, isError bool) ([]byte, error) {
	return json.Marshal(toolResultMessage{
		Type:      "tool_result",
		ToolUseID: toolUseID,
		Content:   content,
		IsError:   isError,
	})
}
