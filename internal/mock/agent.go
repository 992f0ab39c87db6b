package mock

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	mockModel     = "claude-sonnet-4-5-20250929"
	contextWindow = 200000
)

// Agent is a scripted stand-in for the real agent binary. It speaks the
// same stdin/stdout stream-json protocol and appends the same per-session
// log, so the broker's full pipeline can run without credentials.
type Agent struct {
	sessionID string
	cwd       string

	out io.Writer
	log *os.File

	turn   int
	tokens int
}

func NewAgent(cwd, resumeID string) *Agent {
	sid := resumeID
	if sid == "" {
		sid = uuid.NewString()
	}
	return &Agent{
		sessionID: sid,
		cwd:       cwd,
		tokens:    1200,
	}
}

// Run processes prompt envelopes until stdin closes.
func (a *Agent) Run(in io.Reader, out io.Writer) error {
	a.out = out

	logDir := filepath.Join(a.cwd, "logs", "sessions")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(filepath.Join(logDir, a.sessionID+".jsonl"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	a.log = logFile
	defer a.log.Close()

	a.emit(map[string]any{
		"type":       "system",
		"subtype":    "init",
		"model":      mockModel,
		"cwd":        a.cwd,
		"session_id": a.sessionID,
		"slash_commands": []string{
			"/compact", "/context", "/help",
		},
	})

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env struct {
			Type    string `json:"type"`
			Message struct {
				Content json.RawMessage `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(line, &env); err != nil || env.Type != "user" {
			continue
		}
		a.runTurn(promptText(env.Message.Content))
	}
	return scanner.Err()
}

// promptText flattens a prompt content field to displayable text.
func promptText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// emit writes one protocol line to stdout and mirrors it into the session
// log the way the real agent does.
func (a *Agent) emit(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(a.out, "%s\n", data)
	wrapped, err := json.Marshal(map[string]any{"source": "cc", "event": json.RawMessage(data)})
	if err != nil {
		return
	}
	fmt.Fprintf(a.log, "%s\n", wrapped)
}

// logOnly appends a line to the session log without echoing it to stdout.
// Local slash commands behave this way in the real agent.
func (a *Agent) logOnly(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	wrapped, err := json.Marshal(map[string]any{"source": "cc", "event": json.RawMessage(data)})
	if err != nil {
		return
	}
	fmt.Fprintf(a.log, "%s\n", wrapped)
}

func (a *Agent) streamEvent(ev map[string]any) {
	a.emit(map[string]any{
		"type":       "stream_event",
		"session_id": a.sessionID,
		"event":      ev,
	})
}

func (a *Agent) runTurn(prompt string) {
	a.turn++

	// Echo the prompt into the log so replay reconstructs the user side.
	a.logOnly(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": prompt,
		},
	})

	if strings.HasPrefix(prompt, "/") {
		a.runLocalCommand(prompt)
		return
	}

	msgID := fmt.Sprintf("msg_mock_%03d", a.turn)

	a.streamEvent(map[string]any{"type": "message_start"})

	a.streamEvent(map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]any{"type": "thinking"},
	})
	thinking := "Considering the request before answering."
	a.streamEvent(map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]any{"type": "thinking_delta", "thinking": thinking},
	})
	a.streamEvent(map[string]any{"type": "content_block_stop", "index": 0})

	reply := fmt.Sprintf("You said: %s", prompt)
	a.streamEvent(map[string]any{
		"type":          "content_block_start",
		"index":         1,
		"content_block": map[string]any{"type": "text"},
	})
	// Two deltas so conflation has something to merge.
	half := len(reply) / 2
	for _, chunk := range []string{reply[:half], reply[half:]} {
		a.streamEvent(map[string]any{
			"type":  "content_block_delta",
			"index": 1,
			"delta": map[string]any{"type": "text_delta", "text": chunk},
		})
	}
	a.streamEvent(map[string]any{"type": "content_block_stop", "index": 1})

	content := []map[string]any{
		{"type": "thinking", "thinking": thinking},
		{"type": "text", "text": reply},
	}

	// Every third turn exercises the tool path.
	toolID := ""
	if a.turn%3 == 0 {
		toolID = fmt.Sprintf("toolu_mock_%03d", a.turn)
		input := map[string]any{"command": "echo mock"}
		inputJSON, _ := json.Marshal(input)
		a.streamEvent(map[string]any{
			"type":  "content_block_start",
			"index": 2,
			"content_block": map[string]any{
				"type": "tool_use", "id": toolID, "name": "Bash",
			},
		})
		a.streamEvent(map[string]any{
			"type":  "content_block_delta",
			"index": 2,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": string(inputJSON)},
		})
		a.streamEvent(map[string]any{"type": "content_block_stop", "index": 2})
		content = append(content, map[string]any{
			"type": "tool_use", "id": toolID, "name": "Bash", "input": input,
		})
	}

	a.streamEvent(map[string]any{"type": "message_stop"})

	a.tokens += 900 + len(prompt)
	a.emit(map[string]any{
		"type":       "assistant",
		"session_id": a.sessionID,
		"message": map[string]any{
			"id":          msgID,
			"role":        "assistant",
			"content":     content,
			"stop_reason": "end_turn",
			"usage": map[string]any{
				"input_tokens":  a.tokens,
				"output_tokens": len(reply) / 4,
			},
		},
	})

	if toolID != "" {
		a.emit(map[string]any{
			"type":       "user",
			"session_id": a.sessionID,
			"message": map[string]any{
				"role": "user",
				"content": []map[string]any{
					{"type": "tool_result", "tool_use_id": toolID, "content": "mock\n"},
				},
			},
		})
	}

	a.emitResult("success")
}

// runLocalCommand mimics a locally-handled slash command: the output only
// lands in the session log, and the turn produces no content blocks.
func (a *Agent) runLocalCommand(prompt string) {
	output := fmt.Sprintf("<local-command-stdout>ran %s</local-command-stdout>", prompt)
	a.logOnly(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": output,
		},
	})
	a.emitResult("success")
}

func (a *Agent) emitResult(subtype string) {
	a.emit(map[string]any{
		"type":       "result",
		"subtype":    subtype,
		"session_id": a.sessionID,
		"result":     "done",
		"usage": map[string]any{
			"input_tokens": a.tokens,
		},
		"modelUsage": map[string]any{
			mockModel: map[string]any{
				"inputTokens":   a.tokens,
				"outputTokens":  250,
				"contextWindow": contextWindow,
			},
		},
	})
}
