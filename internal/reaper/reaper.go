package reaper

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/gueridon/backend/internal/logging"
)

var log = logging.NewLogger("reaper")

// Record is one persisted child: enough to find and terminate it after a
// broker restart.
type Record struct {
	SessionID string    `json:"sessionId"`
	Folder    string    `json:"folder"`
	PID       int       `json:"pid"`
	SpawnedAt time.Time `json:"spawnedAt"`
}

func loadRecords(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// ReapOrphans terminates children recorded by a previous broker process.
// Probe or signal failures are logged and skipped; they never block
// startup. The records file is deleted afterwards.
func ReapOrphans(path string, maxAge time.Duration) {
	records, err := loadRecords(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).WithField("path", path).Warn("reading orphan records")
		}
		return
	}

	for _, rec := range records {
		if time.Since(rec.SpawnedAt) > maxAge {
			log.WithField("pid", rec.PID).WithField("folder", rec.Folder).
				Debug("skipping stale orphan record")
			continue
		}
		proc, err := process.NewProcess(int32(rec.PID))
		if err != nil {
			continue
		}
		running, err := proc.IsRunning()
		if err != nil || !running {
			continue
		}
		if err := proc.Terminate(); err != nil {
			log.WithError(err).WithField("pid", rec.PID).Warn("terminating orphan")
			continue
		}
		log.WithField("pid", rec.PID).WithField("folder", rec.Folder).
			Info("terminated orphaned child")
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("removing orphan records file")
	}
}

const writeDebounce = 500 * time.Millisecond

// Recorder persists the live child set, debounced, so a crashed broker's
// successor can reap what it left behind.
type Recorder struct {
	path string

	mu      sync.Mutex
	pending []Record
	timer   *time.Timer
	closed  bool
}

func NewRecorder(path string) *Recorder {
	return &Recorder{path: path}
}

// Update schedules a rewrite of the records file with the given live set.
func (r *Recorder) Update(records []Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.pending = append([]Record(nil), records...)
	if r.timer == nil {
		r.timer = time.AfterFunc(writeDebounce, r.flush)
	}
}

func (r *Recorder) flush() {
	r.mu.Lock()
	records := r.pending
	r.timer = nil
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	if err := r.write(records); err != nil {
		log.WithError(err).Warn("writing session records")
	}
}

func (r *Recorder) write(records []Record) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

// Close deletes the records file on clean shutdown so the next start has
// nothing to reap.
func (r *Recorder) Close() {
	r.mu.Lock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("removing session records on shutdown")
	}
}
