package session

import (
	"encoding/json"

	"github.com/gueridon/backend/internal/protocol"
)

// Status is the coarse session status fanned out to clients.
type Status int

const (
	Working Status = iota
	Idle
	Errored
)

var statusNames = map[Status]string{
	Working: "working",
	Idle:    "idle",
	Errored: "error",
}

var statusFromName = map[string]Status{
	"working": Working,
	"idle":    Idle,
	"error":   Errored,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := statusFromName[name]; ok {
		*s = v
	}
	return nil
}

// MessageKind tags a message record.
type MessageKind string

const (
	KindUserText       MessageKind = "user_text"
	KindUserToolResult MessageKind = "user_tool_result"
	KindAssistant      MessageKind = "assistant"
	KindSynthetic      MessageKind = "synthetic"
)

// ToolStatus tracks a tool call through its lifecycle.
type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// ToolCall is one tool invocation on an assistant message. Output is
// populated only after the matching tool-result event is observed.
type ToolCall struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Input  string     `json:"input"`
	Status ToolStatus `json:"status"`
	Output string     `json:"output,omitempty"`
}

// ContentEntry preserves the emission order of an assistant message's
// content: text, thinking, and tool-call entries.
type ContentEntry struct {
	Type string `json:"type"` // text, thinking, tool_use
	Text string `json:"text,omitempty"`
	// ToolID references an entry of the message's ToolCalls list.
	ToolID string `json:"toolId,omitempty"`
}

// Message is one record of the conversation.
type Message struct {
	Kind MessageKind `json:"kind"`
	Text string      `json:"text,omitempty"`
	// Marker is the synthetic marker kind for broker-injected messages.
	Marker string `json:"marker,omitempty"`

	// Assistant fields.
	MessageID string          `json:"messageId,omitempty"`
	Content   []ContentEntry  `json:"content,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ToolCalls []ToolCall      `json:"toolCalls,omitempty"`
	Usage     *protocol.Usage `json:"usage,omitempty"`
}

func (m Message) clone() Message {
	c := m
	if m.Usage != nil {
		u := *m.Usage
		c.Usage = &u
	}
	if len(m.Content) > 0 {
		c.Content = append([]ContentEntry(nil), m.Content...)
	}
	if len(m.ToolCalls) > 0 {
		c.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return c
}

// Streaming is the in-flight assistant message view included in snapshots.
type Streaming struct {
	MessageID string     `json:"messageId,omitempty"`
	Text      string     `json:"text,omitempty"`
	Thinking  string     `json:"thinking,omitempty"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}

// State is the full session state fanned out as a snapshot on attach and on
// turn boundaries.
type State struct {
	SessionID      string                  `json:"sessionId"`
	Folder         string                  `json:"folder"`
	Model          string                  `json:"model,omitempty"`
	ContextPercent int                     `json:"contextPercent"`
	Messages       []Message               `json:"messages"`
	Streaming      *Streaming              `json:"streaming,omitempty"`
	Status         Status                  `json:"status"`
	LastError      string                  `json:"lastError,omitempty"`
	SlashCommands  []protocol.SlashCommand `json:"slashCommands,omitempty"`
	Connected      bool                    `json:"connected"`
}

// Clone returns a deep copy so the snapshot can outlive the builder's next
// mutation.
func (s *State) Clone() *State {
	c := *s
	if len(s.Messages) > 0 {
		c.Messages = make([]Message, len(s.Messages))
		for i, m := range s.Messages {
			c.Messages[i] = m.clone()
		}
	}
	if s.Streaming != nil {
		st := *s.Streaming
		if len(s.Streaming.ToolCalls) > 0 {
			st.ToolCalls = append([]ToolCall(nil), s.Streaming.ToolCalls...)
		}
		c.Streaming = &st
	}
	if len(s.SlashCommands) > 0 {
		c.SlashCommands = append([]protocol.SlashCommand(nil), s.SlashCommands...)
	}
	return &c
}

// Delta is a small record describing one state change, fanned out to
// subscribers. Type discriminates which fields are meaningful.
type Delta struct {
	Type string `json:"type"` // status, activity, content, thinking_content, tool_start, tool_complete, api_error

	Status  string `json:"status,omitempty"`
	Index   *int   `json:"index,omitempty"`
	Text    string `json:"text,omitempty"`
	Name    string `json:"name,omitempty"`
	Input   string `json:"input,omitempty"`
	ToolID  string `json:"toolId,omitempty"`
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"isError,omitempty"`
	Message string `json:"message,omitempty"`

	ContextPercent *int   `json:"contextPercent,omitempty"`
	Model          string `json:"model,omitempty"`
}

func intp(v int) *int { return &v }
