package scan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gueridon/backend/internal/logging"
)

var log = logging.NewLogger("scan")

var (
	// ErrInvalidName rejects names outside the folder name policy or
	// resolving outside the scan root.
	ErrInvalidName = errors.New("invalid folder name")
	// ErrNotFound means the name is acceptable but no such folder exists.
	ErrNotFound = errors.New("folder not found")
)

// FolderState classifies a candidate project folder.
type FolderState string

const (
	Fresh  FolderState = "fresh"
	Paused FolderState = "paused"
	Active FolderState = "active"
	Closed FolderState = "closed"
)

// Descriptor describes one candidate folder. Descriptors are computed on
// demand and never cached across requests.
type Descriptor struct {
	Name           string      `json:"name"`
	Path           string      `json:"path"`
	State          FolderState `json:"state"`
	SessionID      string      `json:"sessionId,omitempty"`
	LastActivity   *time.Time  `json:"lastActivity,omitempty"`
	HandoffNote    string      `json:"handoffNote,omitempty"`
	ContextPercent int         `json:"contextPercent,omitempty"`
}

// LiveSession is the scanner's view of a folder currently owned by a
// session runtime.
type LiveSession struct {
	SessionID      string
	TurnInProgress bool
	ContextPercent int
}

// Scanner enumerates and classifies folders under a scan root.
type Scanner struct {
	root string
}

func NewScanner(root string) *Scanner {
	return &Scanner{root: root}
}

func (s *Scanner) Root() string { return s.root }

// ValidName enforces the restrictive folder name policy: lowercase
// alphanumerics and hyphens, no leading hyphen, at most 64 runes.
func ValidName(name string) bool {
	if name == "" || len(name) > 64 || name[0] == '-' {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return false
		}
	}
	return true
}

// Resolve validates a requested folder name and returns its absolute path.
// Any path that does not resolve within the scan root is rejected.
func (s *Scanner) Resolve(name string) (string, error) {
	if !ValidName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	path := filepath.Join(s.root, name)
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %q under scan root", ErrNotFound, name)
		}
		return "", fmt.Errorf("resolving folder %q: %w", name, err)
	}
	rootResolved, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		rootResolved = s.root
	}
	rel, err := filepath.Rel(rootResolved, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes the scan root", ErrInvalidName, name)
	}
	return path, nil
}

// Scan returns descriptors for every acceptable folder under the root,
// classified against the live-session snapshot. Classification priority is
// closed over paused over active.
func (s *Scanner) Scan(live map[string]LiveSession) ([]Descriptor, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading scan root %s: %w", s.root, err)
	}

	descriptors := make([]Descriptor, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || !ValidName(entry.Name()) {
			continue
		}
		descriptors = append(descriptors, s.describe(entry.Name(), live))
	}
	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].Name < descriptors[j].Name
	})
	return descriptors, nil
}

// Describe computes a descriptor for one folder.
func (s *Scanner) Describe(name string, live map[string]LiveSession) (Descriptor, error) {
	if !ValidName(name) {
		return Descriptor{}, fmt.Errorf("invalid folder name %q", name)
	}
	if _, err := os.Stat(filepath.Join(s.root, name)); err != nil {
		return Descriptor{}, fmt.Errorf("invalid folder %q: %w", name, err)
	}
	return s.describe(name, live), nil
}

func (s *Scanner) describe(name string, live map[string]LiveSession) Descriptor {
	path := filepath.Join(s.root, name)
	d := Descriptor{Name: name, Path: path, State: Fresh}

	sessionID, lastActivity := LatestSession(path)
	d.SessionID = sessionID
	if !lastActivity.IsZero() {
		t := lastActivity
		d.LastActivity = &t
	}
	d.HandoffNote = LatestHandoffNote(path)

	ls, isLive := live[name]
	if isLive && ls.SessionID != "" {
		d.SessionID = ls.SessionID
		d.ContextPercent = ls.ContextPercent
	}

	switch {
	case sessionID != "" && HasExitMarker(path, d.SessionID):
		d.State = Closed
	case isLive && !ls.TurnInProgress:
		d.State = Paused
	case isLive && ls.TurnInProgress:
		d.State = Active
	}
	return d
}

// SessionLogDir is where the child appends its per-session logs.
func SessionLogDir(folderPath string) string {
	return filepath.Join(folderPath, "logs", "sessions")
}

// SessionLogPath is the append-only log file of one session.
func SessionLogPath(folderPath, sessionID string) string {
	return filepath.Join(SessionLogDir(folderPath), sessionID+".jsonl")
}

// LatestSession returns the most recently modified session id under a
// folder's log directory, with its modification time.
func LatestSession(folderPath string) (string, time.Time) {
	entries, err := os.ReadDir(SessionLogDir(folderPath))
	if err != nil {
		return "", time.Time{}
	}
	var bestID string
	var bestTime time.Time
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(bestTime) {
			bestTime = info.ModTime()
			bestID = strings.TrimSuffix(entry.Name(), ".jsonl")
		}
	}
	return bestID, bestTime
}

// HasExitMarker reports whether the session was deliberately closed.
func HasExitMarker(folderPath, sessionID string) bool {
	if sessionID == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(folderPath, "exit", sessionID))
	return err == nil
}

// WriteExitMarker records a deliberate close; the session must never be
// resumed afterwards.
func WriteExitMarker(folderPath, sessionID string) error {
	dir := filepath.Join(folderPath, "exit")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, sessionID), nil, 0o644)
}

// LatestHandoffNote returns the body of the most recent handoff note, by
// name ordering (names are timestamp-prefixed, most recent last).
func LatestHandoffNote(folderPath string) string {
	dir := filepath.Join(folderPath, "handoff")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".md") {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	data, err := os.ReadFile(filepath.Join(dir, names[len(names)-1]))
	if err != nil {
		log.WithError(err).WithField("dir", dir).Debug("reading handoff note")
		return ""
	}
	return strings.TrimSpace(string(data))
}
