package protocol

import (
	"encoding/json"
	"strings"
)

// Kind tags a decoded event variant.
type Kind int

const (
	Unknown Kind = iota
	SystemInit
	MessageStart
	BlockStart
	BlockDelta
	BlockStop
	MessageDelta
	MessageStop
	AssistantComplete
	APIError
	UserOrToolResult
	TurnResult
)

var kindNames = map[Kind]string{
	Unknown:           "unknown",
	SystemInit:        "system_init",
	MessageStart:      "message_start",
	BlockStart:        "block_start",
	BlockDelta:        "block_delta",
	BlockStop:         "block_stop",
	MessageDelta:      "message_delta",
	MessageStop:       "message_stop",
	AssistantComplete: "assistant_complete",
	APIError:          "api_error",
	UserOrToolResult:  "user",
	TurnResult:        "turn_result",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is the decoded form of one agent stdout line. Only the payload
// matching Kind is populated.
type Event struct {
	Kind Kind

	Init      *InitPayload
	Block     *BlockStartPayload
	Delta     *BlockDeltaPayload
	Index     int // block-stop
	Assistant *AssistantPayload
	Error     *APIErrorPayload
	User      *UserPayload
	Result    *TurnResultPayload
}

type InitPayload struct {
	Model         string
	Cwd           string
	SessionID     string
	SlashCommands []SlashCommand
}

type BlockStartPayload struct {
	Index int
	Kind  string // text, thinking, tool_use
	ID    string // tool_use only
	Name  string // tool_use only
}

type BlockDeltaPayload struct {
	Index   int
	Kind    string // text_delta, thinking_delta, input_json_delta, signature_delta
	Payload string
}

type AssistantPayload struct {
	MessageID  string
	Content    []ContentBlock
	Usage      Usage
	StopReason string
}

type APIErrorPayload struct {
	// Message is the human-readable error extracted from the embedded JSON,
	// or the raw text when extraction fails.
	Message string
	Raw     string
}

type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

type UserPayload struct {
	// Text is set when the user message content was a plain string.
	Text   string
	IsText bool
	// Results holds the tool-result elements of an array-form content.
	Results []ToolResult
}

type TurnResultPayload struct {
	Subtype    string
	ModelUsage map[string]ModelUsage
	Usage      *Usage
	Result     string
}

// envelope covers the discriminating fields of every agent stdout line.
type envelope struct {
	Type       string          `json:"type"`
	Subtype    string          `json:"subtype"`
	Model      string          `json:"model"`
	Cwd        string          `json:"cwd"`
	SessionID  string          `json:"session_id"`
	SlashCmds  json.RawMessage `json:"slash_commands"`
	Event      json.RawMessage `json:"event"`
	Message    json.RawMessage `json:"message"`
	IsAPIError bool            `json:"isApiError"`
	ModelUsage json.RawMessage `json:"modelUsage"`
	Usage      *Usage          `json:"usage"`
	Result     string          `json:"result"`
}

type streamEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index"`
	ContentBlock json.RawMessage `json:"content_block"`
	Delta        json.RawMessage `json:"delta"`
	Message      json.RawMessage `json:"message"`
}

type assistantMessage struct {
	ID         string          `json:"id"`
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Usage      Usage           `json:"usage"`
	StopReason string          `json:"stop_reason"`
}

// DecodeLine parses one raw stdout line into a tagged variant. It is pure
// and tolerant: non-JSON noise, unrecognised types, and missing optional
// fields all decode to Unknown rather than an error.
func DecodeLine(line []byte) Event {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" || trimmed[0] != '{' {
		return Event{Kind: Unknown}
	}

	var env envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return Event{Kind: Unknown}
	}

	switch env.Type {
	case "system":
		if env.Subtype != "init" {
			return Event{Kind: Unknown}
		}
		return decodeInit(env)
	case "stream_event":
		return decodeStream(env.Event)
	case "assistant":
		return decodeAssistant(env)
	case "user":
		return decodeUser(env.Message)
	case "result":
		return decodeResult(env)
	default:
		return Event{Kind: Unknown}
	}
}

func decodeInit(env envelope) Event {
	init := &InitPayload{
		Model:     env.Model,
		Cwd:       env.Cwd,
		SessionID: env.SessionID,
	}
	if len(env.SlashCmds) > 0 {
		var cmds []SlashCommand
		if json.Unmarshal(env.SlashCmds, &cmds) == nil {
			init.SlashCommands = cmds
		}
	}
	return Event{Kind: SystemInit, Init: init}
}

func decodeStream(raw json.RawMessage) Event {
	if len(raw) == 0 {
		return Event{Kind: Unknown}
	}
	var se streamEvent
	if err := json.Unmarshal(raw, &se); err != nil {
		return Event{Kind: Unknown}
	}

	switch se.Type {
	case "message_start":
		return Event{Kind: MessageStart}
	case "content_block_start":
		var cb ContentBlock
		if len(se.ContentBlock) > 0 {
			if err := json.Unmarshal(se.ContentBlock, &cb); err != nil {
				return Event{Kind: Unknown}
			}
		}
		return Event{Kind: BlockStart, Block: &BlockStartPayload{
			Index: se.Index,
			Kind:  cb.Type,
			ID:    cb.ID,
			Name:  cb.Name,
		}}
	case "content_block_delta":
		var d struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			Thinking    string `json:"thinking"`
			PartialJSON string `json:"partial_json"`
			Signature   string `json:"signature"`
		}
		if len(se.Delta) > 0 {
			if err := json.Unmarshal(se.Delta, &d); err != nil {
				return Event{Kind: Unknown}
			}
		}
		payload := d.Text
		switch d.Type {
		case DeltaThinking:
			payload = d.Thinking
		case DeltaInputJSON:
			payload = d.PartialJSON
		case DeltaSignature:
			payload = d.Signature
		}
		return Event{Kind: BlockDelta, Delta: &BlockDeltaPayload{
			Index:   se.Index,
			Kind:    d.Type,
			Payload: payload,
		}}
	case "content_block_stop":
		return Event{Kind: BlockStop, Index: se.Index}
	case "message_delta":
		return Event{Kind: MessageDelta}
	case "message_stop":
		return Event{Kind: MessageStop}
	default:
		return Event{Kind: Unknown}
	}
}

func decodeAssistant(env envelope) Event {
	if len(env.Message) == 0 {
		return Event{Kind: Unknown}
	}
	var msg assistantMessage
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		return Event{Kind: Unknown}
	}

	var blocks []ContentBlock
	if len(msg.Content) > 0 {
		if err := json.Unmarshal(msg.Content, &blocks); err != nil {
			blocks = nil
		}
	}

	if env.IsAPIError {
		raw := ""
		for _, b := range blocks {
			if b.Type == BlockText && b.Text != "" {
				raw = b.Text
				break
			}
		}
		return Event{Kind: APIError, Error: &APIErrorPayload{
			Message: extractAPIError(raw),
			Raw:     raw,
		}}
	}

	return Event{Kind: AssistantComplete, Assistant: &AssistantPayload{
		MessageID:  msg.ID,
		Content:    blocks,
		Usage:      msg.Usage,
		StopReason: msg.StopReason,
	}}
}

// extractAPIError pulls a human-readable message out of text shaped
// "API Error: <code> <json>", falling back to the raw text.
func extractAPIError(raw string) string {
	const prefix = "API Error: "
	if !strings.HasPrefix(raw, prefix) {
		return raw
	}
	rest := strings.TrimPrefix(raw, prefix)

	// Skip the status code token, then try the embedded JSON body.
	if i := strings.IndexByte(rest, '{'); i >= 0 {
		var body struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(rest[i:]), &body); err == nil {
			if body.Error.Message != "" {
				return body.Error.Message
			}
			if body.Message != "" {
				return body.Message
			}
		}
	}
	return raw
}

func decodeUser(raw json.RawMessage) Event {
	if len(raw) == 0 {
		return Event{Kind: Unknown}
	}
	var msg struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil || len(msg.Content) == 0 {
		return Event{Kind: Unknown}
	}

	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		return Event{Kind: UserOrToolResult, User: &UserPayload{Text: text, IsText: true}}
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return Event{Kind: Unknown}
	}
	user := &UserPayload{}
	for _, b := range blocks {
		if b.Type != "tool_result" {
			continue
		}
		user.Results = append(user.Results, ToolResult{
			ToolUseID: b.ToolUseID,
			Content:   flattenResultContent(b.Content),
			IsError:   b.IsError,
		})
	}
	return Event{Kind: UserOrToolResult, User: user}
}

// flattenResultContent normalises a tool-result content field: strings pass
// through, array forms concatenate their text items with newlines.
func flattenResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var items []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return string(raw)
	}
	var parts []string
	for _, it := range items {
		if it.Type == BlockText {
			parts = append(parts, it.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func decodeResult(env envelope) Event {
	result := &TurnResultPayload{
		Subtype: env.Subtype,
		Usage:   env.Usage,
		Result:  env.Result,
	}
	if len(env.ModelUsage) > 0 {
		var mu map[string]ModelUsage
		if json.Unmarshal(env.ModelUsage, &mu) == nil {
			result.ModelUsage = mu
		}
	}
	return Event{Kind: TurnResult, Result: result}
}
