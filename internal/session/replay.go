package session

import (
	"bufio"
	"encoding/json"
	"io"
	"os"

	"github.com/gueridon/backend/internal/protocol"
)

// logEnvelope is one line of the child's per-session log: the original
// event, optionally wrapped with a source tag.
type logEnvelope struct {
	Source string          `json:"source"`
	Event  json.RawMessage `json:"event"`
}

// unwrapLogLine returns the raw child event carried by a log line. Lines
// without the wrapper are treated as bare events.
func unwrapLogLine(line []byte) []byte {
	var env logEnvelope
	if err := json.Unmarshal(line, &env); err == nil && len(env.Event) > 0 {
		return env.Event
	}
	return line
}

// FoldLog replays a session log into the builder. Corrupt lines are skipped;
// folding stops only on a read error, returning whatever was parsed.
func (b *Builder) FoldLog(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		b.Handle(protocol.DecodeLine(unwrapLogLine(line)))
	}
	return scanner.Err()
}

// FoldLogFile replays the log at path. A missing file leaves the state as-is.
func (b *Builder) FoldLogFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	return b.FoldLog(f)
}

// LatestLocalCommandOutput scans a session log for the most recent user
// message carrying a local-command-stdout envelope. Some locally-handled
// commands are echoed only to the log, never stdout.
func LatestLocalCommandOutput(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	var latest string
	var found bool
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev := protocol.DecodeLine(unwrapLogLine(line))
		if ev.Kind != protocol.UserOrToolResult || ev.User == nil || !ev.User.IsText {
			continue
		}
		if body, ok := ExtractLocalCommandOutput(ev.User.Text); ok {
			latest = body
			found = true
		}
	}
	return latest, found
}
