package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gueridon/backend/internal/scan"
)

const lobbyDebounce = 100 * time.Millisecond

// lobby pushes folder-list updates to attached lobby listeners. Updates
// are triggered by scan-root filesystem events and by runtime lifecycle
// changes, debounced so a burst costs one rescan.
type lobby struct {
	scanner *scan.Scanner
	live    func() map[string]scan.LiveSession

	mu   sync.Mutex
	subs map[chan []byte]struct{}

	refresh chan struct{}
	done    chan struct{}
}

func newLobby(scanner *scan.Scanner, live func() map[string]scan.LiveSession) *lobby {
	l := &lobby{
		scanner: scanner,
		live:    live,
		subs:    make(map[chan []byte]struct{}),
		refresh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go l.loop()
	return l
}

// subscribe registers a listener for folder-list payloads. The current
// list is delivered immediately.
func (l *lobby) subscribe() chan []byte {
	ch := make(chan []byte, 8)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()
	if data, err := l.folderList(); err == nil {
		select {
		case ch <- data:
		default:
		}
	}
	return ch
}

func (l *lobby) unsubscribe(ch chan []byte) {
	l.mu.Lock()
	if _, ok := l.subs[ch]; ok {
		delete(l.subs, ch)
		close(ch)
	}
	l.mu.Unlock()
}

// poke requests a refresh; coalesced when one is already pending.
func (l *lobby) poke() {
	select {
	case l.refresh <- struct{}{}:
	default:
	}
}

func (l *lobby) close() {
	close(l.done)
}

func (l *lobby) loop() {
	for {
		select {
		case <-l.refresh:
			time.Sleep(lobbyDebounce)
			// Drain pokes that arrived during the debounce window.
			select {
			case <-l.refresh:
			default:
			}
			l.push()
		case <-l.done:
			return
		}
	}
}

func (l *lobby) push() {
	data, err := l.folderList()
	if err != nil {
		log.WithError(err).Warn("scanning folders for lobby push")
		return
	}
	l.mu.Lock()
	for ch := range l.subs {
		select {
		case ch <- data:
		default:
			// A lobby listener that cannot keep up just misses this
			// update; the next poke delivers a fresh list.
		}
	}
	l.mu.Unlock()
}

// folderList is the marshaled descriptor array; each transport wraps it
// in its own envelope.
func (l *lobby) folderList() ([]byte, error) {
	descriptors, err := l.scanner.Scan(l.live())
	if err != nil {
		return nil, err
	}
	return json.Marshal(descriptors)
}

// watchRoot feeds scan-root directory churn into the lobby. Watcher errors
// degrade to poll-on-demand behaviour rather than failing the server.
func (l *lobby) watchRoot(root string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("folder watcher unavailable")
		return
	}
	if err := watcher.Add(root); err != nil {
		log.WithError(err).WithField("root", root).Warn("watching scan root")
		watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					l.poke()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Debug("folder watcher error")
			case <-l.done:
				return
			}
		}
	}()
}
