package session

import (
	"encoding/json"
	"strings"
)

// AskUserToolName is the interactive question tool. Live, its calls are
// routed to a callback instead of the message's tool list; replay keeps
// them so history shows the interaction.
const AskUserToolName = "AskUserQuestion"

// displayFields maps a tool name to the input field shown to clients.
// Generic names cover agents that report tools by role rather than by the
// concrete tool identifier.
var displayFields = map[string]string{
	"Read":          "file_path",
	"Write":         "file_path",
	"Edit":          "file_path",
	"NotebookEdit":  "notebook_path",
	"Bash":          "command",
	"Glob":          "pattern",
	"Grep":          "pattern",
	"WebFetch":      "url",
	"WebSearch":     "query",
	"Task":          "description",
	"shell":         "command",
	"file-read":     "file_path",
	"file-write":    "file_path",
	AskUserToolName: "question",
}

// DisplayInput projects a parsed tool input onto the field clients display:
// the file path for file tools, the command for the shell, the raw JSON
// otherwise or when parsing fails.
func DisplayInput(toolName string, input []byte) string {
	raw := strings.TrimSpace(string(input))
	if raw == "" {
		return ""
	}
	var parsed map[string]any
	if err := json.Unmarshal(input, &parsed); err != nil {
		return raw
	}
	if field, ok := displayFields[toolName]; ok {
		if v, ok := parsed[field].(string); ok && v != "" {
			return v
		}
	}
	return raw
}

const syntheticPrefix = "[gueridon:"

// ParseSyntheticMarker recognises the broker's synthetic user-message marker
// "[gueridon:<kind>]" and strips it. Text that merely resembles the marker
// is left untouched.
func ParseSyntheticMarker(text string) (marker, rest string, ok bool) {
	if !strings.HasPrefix(text, syntheticPrefix) {
		return "", "", false
	}
	end := strings.IndexByte(text, ']')
	if end < 0 {
		return "", "", false
	}
	kind := text[len(syntheticPrefix):end]
	if kind == "" || !isMarkerKind(kind) {
		return "", "", false
	}
	rest = strings.TrimLeft(text[end+1:], " \n")
	return kind, rest, true
}

func isMarkerKind(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// localCommandOpen and localCommandClose bracket locally-handled command
// output echoed by the child.
const (
	localCommandOpen  = "<local-command-stdout>"
	localCommandClose = "</local-command-stdout>"
)

// IsLocalCommandOutput reports whether a user message carries a local
// command stdout envelope.
func IsLocalCommandOutput(text string) bool {
	return strings.Contains(text, localCommandOpen)
}

// ExtractLocalCommandOutput returns the body of the most recent local
// command envelope in text, or false when none exists.
func ExtractLocalCommandOutput(text string) (string, bool) {
	start := strings.LastIndex(text, localCommandOpen)
	if start < 0 {
		return "", false
	}
	body := text[start+len(localCommandOpen):]
	if end := strings.Index(body, localCommandClose); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body), true
}
