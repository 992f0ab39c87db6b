package protocol

import "encoding/json"

// Usage mirrors the token usage block the agent attaches to messages.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

// TotalContext is the number of tokens occupying the context window.
func (u Usage) TotalContext() int {
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// ModelUsage is one entry of the per-model usage map on a turn result.
type ModelUsage struct {
	ContextWindow            int     `json:"contextWindow"`
	CostUSD                  float64 `json:"costUSD"`
	InputTokens              int     `json:"inputTokens"`
	OutputTokens             int     `json:"outputTokens"`
	CacheReadInputTokens     int     `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int     `json:"cacheCreationInputTokens"`
}

// ContentBlock mirrors the agent's content block union. Unused fields stay
// zero; Type discriminates.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// SlashCommand is an entry of the system-init slash command list. The agent
// emits either bare strings or {name, description} records.
type SlashCommand struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (s *SlashCommand) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		s.Name = name
		s.Description = ""
		return nil
	}
	type alias SlashCommand
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = SlashCommand(a)
	return nil
}

// Block kinds seen on content_block_start.
const (
	BlockText     = "text"
	BlockThinking = "thinking"
	BlockToolUse  = "tool_use"
)

// Delta kinds seen on content_block_delta.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
	DeltaSignature = "signature_delta"
)

// Turn result subtypes.
const (
	ResultSuccess      = "success"
	ResultAborted      = "aborted"
	ResultError        = "error"
	ResultErrorMaxTurn = "error_max_turns"
)
