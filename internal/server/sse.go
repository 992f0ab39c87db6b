package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gueridon/backend/internal/runtime"
)

// handleSSE is the one-way transport. Without a folder parameter the
// stream carries lobby folder lists; with one it attaches to the folder's
// runtime and relays its frames. Event ids carry the replay sequence so a
// reconnecting EventSource resumes via Last-Event-ID.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	folder := r.URL.Query().Get("folder")
	if folder == "" {
		s.serveLobbySSE(w, r, flusher)
		return
	}
	s.serveSessionSSE(w, r, flusher, folder)
}

func sseEvent(w http.ResponseWriter, flusher http.Flusher, id uint64, event string, data []byte) bool {
	if id > 0 {
		fmt.Fprintf(w, "id: %d\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
	return true
}

func (s *Server) serveLobbySSE(w http.ResponseWriter, r *http.Request, flusher http.Flusher) {
	sseEvent(w, flusher, 0, "hello", []byte(`{"scope":"lobby"}`))

	ch := s.lobby.subscribe()
	defer s.lobby.unsubscribe(ch)

	ping := time.NewTicker(s.cfg.Server.PingInterval)
	defer ping.Stop()

	for {
		select {
		case folders, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(map[string]json.RawMessage{"folders": folders})
			if err != nil {
				continue
			}
			sseEvent(w, flusher, 0, "folders", payload)
		case <-ping.C:
			sseEvent(w, flusher, 0, "ping", []byte(`{}`))
		case <-r.Context().Done():
			return
		}
	}
}

// lastEventID reads the resume position from the standard header, falling
// back to a query parameter for clients that cannot set headers.
func lastEventID(r *http.Request) uint64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func (s *Server) serveSessionSSE(w http.ResponseWriter, r *http.Request, flusher http.Flusher, folder string) {
	rt, err := s.registry.GetOrCreate(folder)
	if err != nil {
		sseEvent(w, flusher, 0, "error", mustJSON(map[string]string{"error": err.Error()}))
		return
	}

	sub := runtime.NewSubscriber(wsSendBuffer)
	if err := rt.Attach(sub, lastEventID(r)); err != nil {
		sseEvent(w, flusher, 0, "error", mustJSON(map[string]string{"error": err.Error()}))
		return
	}
	defer rt.Detach(sub)

	sseEvent(w, flusher, 0, "hello", mustJSON(map[string]string{"folder": folder}))

	ping := time.NewTicker(s.cfg.Server.PingInterval)
	defer ping.Stop()

	for {
		select {
		case f, ok := <-sub.Frames():
			if !ok {
				return
			}
			sseEvent(w, flusher, f.Seq, sseEventName(f.Type), mustJSON(map[string]any{
				"folder": f.Folder,
				"seq":    f.Seq,
				"data":   json.RawMessage(f.Data),
			}))
		case <-ping.C:
			sseEvent(w, flusher, 0, "ping", []byte(`{}`))
		case <-r.Context().Done():
			return
		}
	}
}

// sseEventName maps frame types onto the hyphenated SSE event vocabulary;
// the websocket bridge keeps the camelCase originals.
func sseEventName(frameType string) string {
	switch frameType {
	case runtime.FrameHistoryStart:
		return "history-start"
	case runtime.FrameHistoryEnd:
		return "history-end"
	case runtime.FrameProcessExit:
		return "process-exit"
	case runtime.FrameSessionClosed:
		return "session-closed"
	case runtime.FrameAskUser:
		return "ask-user"
	default:
		return frameType
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return data
}
