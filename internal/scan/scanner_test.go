package scan

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"mellow-meadow", true},
		{"a", true},
		{"project2", true},
		{"1start", true},
		{"", false},
		{"-leading", false},
		{"UpperCase", false},
		{"has_underscore", false},
		{"has space", false},
		{"dots..", false},
		{"trailing-", true},
		{string(make([]byte, 65)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidName(tt.name))
		})
	}
}

func TestResolve(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "good"), 0o755))
	s := NewScanner(root)

	path, err := s.Resolve("good")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "good"), path)

	_, err = s.Resolve("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Resolve("Bad Name")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "sneaky")))

	s := NewScanner(root)
	_, err := s.Resolve("sneaky")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func writeSessionLog(t *testing.T, folderPath, sid string) {
	t.Helper()
	dir := SessionLogDir(folderPath)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, sid+".jsonl"), []byte("{}\n"), 0o644))
}

func TestScanClassification(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"fresh-folder", "paused-folder", "active-folder", "closed-folder", "UPPER"} {
		require.NoError(t, os.Mkdir(filepath.Join(root, name), 0o755))
	}
	// Non-directories are skipped.
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray-file"), nil, 0o644))

	writeSessionLog(t, filepath.Join(root, "closed-folder"), "sess-c")
	require.NoError(t, WriteExitMarker(filepath.Join(root, "closed-folder"), "sess-c"))

	s := NewScanner(root)
	live := map[string]LiveSession{
		"paused-folder": {SessionID: "sess-p", TurnInProgress: false, ContextPercent: 12},
		"active-folder": {SessionID: "sess-a", TurnInProgress: true},
	}
	descriptors, err := s.Scan(live)
	require.NoError(t, err)

	byName := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		byName[d.Name] = d
	}
	require.Len(t, byName, 4)
	assert.NotContains(t, byName, "UPPER")
	assert.NotContains(t, byName, "stray-file")

	assert.Equal(t, Fresh, byName["fresh-folder"].State)
	assert.Equal(t, Paused, byName["paused-folder"].State)
	assert.Equal(t, 12, byName["paused-folder"].ContextPercent)
	assert.Equal(t, Active, byName["active-folder"].State)
	assert.Equal(t, Closed, byName["closed-folder"].State)
	assert.Equal(t, "sess-c", byName["closed-folder"].SessionID)
}

func TestClosedWinsOverLive(t *testing.T) {
	root := t.TempDir()
	folder := filepath.Join(root, "done")
	require.NoError(t, os.Mkdir(folder, 0o755))
	writeSessionLog(t, folder, "sess-d")
	require.NoError(t, WriteExitMarker(folder, "sess-d"))

	s := NewScanner(root)
	d, err := s.Describe("done", map[string]LiveSession{
		"done": {SessionID: "sess-d", TurnInProgress: true},
	})
	require.NoError(t, err)
	assert.Equal(t, Closed, d.State)
}

func TestLatestSessionPicksNewest(t *testing.T) {
	root := t.TempDir()
	folder := filepath.Join(root, "f")
	require.NoError(t, os.Mkdir(folder, 0o755))
	writeSessionLog(t, folder, "old")
	older := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(SessionLogPath(folder, "old"), older, older))
	writeSessionLog(t, folder, "new")

	sid, at := LatestSession(folder)
	assert.Equal(t, "new", sid)
	assert.False(t, at.IsZero())

	sid, _ = LatestSession(filepath.Join(root, "absent"))
	assert.Empty(t, sid)
}

func TestLatestHandoffNote(t *testing.T) {
	root := t.TempDir()
	folder := filepath.Join(root, "f")
	dir := filepath.Join(folder, "handoff")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2026-08-01-note.md"), []byte("early\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2026-08-20-note.md"), []byte("latest note\n"), 0o644))

	assert.Equal(t, "latest note", LatestHandoffNote(folder))
	assert.Empty(t, LatestHandoffNote(filepath.Join(root, "absent")))
}

func TestGenerateNameAlliterates(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 30; i++ {
		name := GenerateName()
		require.True(t, ValidName(name), "generated name %q", name)
		parts := splitOnce(name)
		require.Len(t, parts, 2)
		assert.Equal(t, parts[0][0], parts[1][0], "name %q should alliterate", name)
		seen[name] = true
	}
	// The pool is large enough that 30 draws produce real variety.
	assert.GreaterOrEqual(t, len(seen), 10)
}

func splitOnce(name string) []string {
	for i := 0; i < len(name); i++ {
		if name[i] == '-' {
			return []string{name[:i], name[i+1:]}
		}
	}
	return []string{name}
}

func TestCreateFolder(t *testing.T) {
	root := t.TempDir()
	s := NewScanner(root)

	name, err := s.CreateFolder("my-project")
	require.NoError(t, err)
	assert.Equal(t, "my-project", name)
	info, err := os.Stat(filepath.Join(root, "my-project"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = s.CreateFolder("my-project")
	assert.Error(t, err)

	_, err = s.CreateFolder("Bad Name")
	assert.Error(t, err)

	generated, err := s.CreateFolder("")
	require.NoError(t, err)
	assert.True(t, ValidName(generated))
	_, err = os.Stat(filepath.Join(root, generated))
	assert.NoError(t, err)
}
