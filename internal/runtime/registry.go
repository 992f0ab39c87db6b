package runtime

import (
	"sync"

	"github.com/gueridon/backend/internal/config"
	"github.com/gueridon/backend/internal/logging"
	"github.com/gueridon/backend/internal/reaper"
	"github.com/gueridon/backend/internal/scan"
)

// Registry owns the live runtimes, one per folder, and keeps the orphan
// records file current as children come and go.
type Registry struct {
	cfg      *config.Config
	scanner  *scan.Scanner
	recorder *reaper.Recorder

	mu       sync.Mutex
	runtimes map[string]*Runtime

	// OnChange, when set, is called after any live-set change so the
	// server can refresh lobby folder lists.
	OnChange func()
}

func NewRegistry(cfg *config.Config, scanner *scan.Scanner, recorder *reaper.Recorder) *Registry {
	return &Registry{
		cfg:      cfg,
		scanner:  scanner,
		recorder: recorder,
		runtimes: make(map[string]*Runtime),
	}
}

// GetOrCreate returns the runtime for a folder, creating it on first use.
// The folder name is validated against the scan root.
func (g *Registry) GetOrCreate(folder string) (*Runtime, error) {
	path, err := g.scanner.Resolve(folder)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	if rt, ok := g.runtimes[folder]; ok {
		g.mu.Unlock()
		return rt, nil
	}
	rt := New(folder, path, g.cfg, Hooks{
		Changed: g.changed,
		Expired: g.expired,
	})
	g.runtimes[folder] = rt
	// changed takes the mutex itself via records; release before firing.
	g.mu.Unlock()

	logging.NewLogger("registry").WithField("folder", folder).Info("created session runtime")
	g.changed()
	return rt, nil
}

// Get returns the live runtime for a folder, if any.
func (g *Registry) Get(folder string) (*Runtime, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rt, ok := g.runtimes[folder]
	return rt, ok
}

// Live is the scanner's snapshot of folders currently owned by runtimes.
func (g *Registry) Live() map[string]scan.LiveSession {
	g.mu.Lock()
	runtimes := make([]*Runtime, 0, len(g.runtimes))
	for _, rt := range g.runtimes {
		runtimes = append(runtimes, rt)
	}
	g.mu.Unlock()

	live := make(map[string]scan.LiveSession, len(runtimes))
	for _, rt := range runtimes {
		live[rt.Folder()] = rt.Info()
	}
	return live
}

func (g *Registry) expired(rt *Runtime) {
	g.mu.Lock()
	if g.runtimes[rt.Folder()] == rt {
		delete(g.runtimes, rt.Folder())
	}
	g.mu.Unlock()
	g.changed()
}

// changed rewrites the orphan records and pokes the server's folder push.
func (g *Registry) changed() {
	if g.recorder != nil {
		g.recorder.Update(g.records())
	}
	if g.OnChange != nil {
		g.OnChange()
	}
}

func (g *Registry) records() []reaper.Record {
	g.mu.Lock()
	runtimes := make([]*Runtime, 0, len(g.runtimes))
	for _, rt := range g.runtimes {
		runtimes = append(runtimes, rt)
	}
	g.mu.Unlock()

	var records []reaper.Record
	for _, rt := range runtimes {
		pid, spawnedAt := rt.ChildPID()
		if pid == 0 {
			continue
		}
		records = append(records, reaper.Record{
			SessionID: rt.SessionID(),
			Folder:    rt.Folder(),
			PID:       pid,
			SpawnedAt: spawnedAt,
		})
	}
	return records
}

// Shutdown releases every runtime and removes the records file.
func (g *Registry) Shutdown() {
	g.mu.Lock()
	runtimes := make([]*Runtime, 0, len(g.runtimes))
	for _, rt := range g.runtimes {
		runtimes = append(runtimes, rt)
	}
	g.runtimes = make(map[string]*Runtime)
	g.mu.Unlock()

	for _, rt := range runtimes {
		rt.Shutdown()
	}
	if g.recorder != nil {
		g.recorder.Close()
	}
}
