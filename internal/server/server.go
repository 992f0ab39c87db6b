package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/gueridon/backend/internal/config"
	"github.com/gueridon/backend/internal/logging"
	"github.com/gueridon/backend/internal/runtime"
	"github.com/gueridon/backend/internal/scan"
	"github.com/gueridon/backend/internal/upload"
)

var log = logging.NewLogger("server")

// Server is the HTTP surface: REST endpoints, the SSE stream and the
// websocket bridge, plus the lobby folder push.
type Server struct {
	cfg      *config.Config
	scanner  *scan.Scanner
	registry *runtime.Registry
	lobby    *lobby
	router   chi.Router
}

func New(cfg *config.Config, scanner *scan.Scanner, registry *runtime.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		scanner:  scanner,
		registry: registry,
	}
	s.lobby = newLobby(scanner, registry.Live)
	s.lobby.watchRoot(cfg.Server.ScanRoot)
	registry.OnChange = s.lobby.poke

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/", s.handleIndex)
	r.Get("/events", s.handleSSE)
	r.Get("/ws", s.handleWS)
	r.Get("/folders", s.handleFolders)
	r.Post("/session/{folder}", s.handleSession)
	r.Post("/prompt/{folder}", s.handlePrompt)
	r.Post("/abort/{folder}", s.handleAbort)
	r.Post("/exit/{folder}", s.handleExit)
	r.Post("/upload/{folder}", s.handleUpload)

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Close stops the lobby push machinery.
func (s *Server) Close() {
	s.lobby.close()
}

// ListenAndServe blocks serving on the configured address.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	log.WithField("addr", addr).Info("listening")
	return http.ListenAndServe(addr, s.router)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// folderStatus maps a folder lookup failure onto an HTTP status: names
// outside the policy are client mistakes, acceptable names with no folder
// behind them are not found.
func folderStatus(err error) int {
	switch {
	case errors.Is(err, scan.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scan.ErrInvalidName):
		return http.StatusBadRequest
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<!doctype html>
<html>
<head><meta charset="utf-8"><title>gueridon</title></head>
<body>
<h1>gueridon</h1>
<p>Session broker is running. Connect a client to /ws or /events.</p>
</body>
</html>
`)
}

func (s *Server) handleFolders(w http.ResponseWriter, r *http.Request) {
	descriptors, err := s.scanner.Scan(s.registry.Live())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"folders": descriptors})
}

// handleSession binds (or creates) the runtime for a folder without
// spawning a child, and reports whether a prompt would resume.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	folder := chi.URLParam(r, "folder")
	rt, err := s.registry.GetOrCreate(folder)
	if err != nil {
		writeError(w, folderStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"folder":    folder,
		"sessionId": rt.SessionID(),
		"resumable": rt.Resumable(),
	})
}

type promptRequest struct {
	Text    string          `json:"text"`
	Content json.RawMessage `json:"content,omitempty"`
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	folder := chi.URLParam(r, "folder")

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "prompt body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "malformed prompt body")
		return
	}
	if req.Text == "" && req.Content == nil {
		writeError(w, http.StatusBadRequest, "prompt requires text or content")
		return
	}

	rt, err := s.registry.GetOrCreate(folder)
	if err != nil {
		writeError(w, folderStatus(err), err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Session.PromptAckTimeout)
	defer cancel()
	ack, err := rt.SubmitPrompt(ctx, runtime.Prompt{Text: req.Text, Content: req.Content})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ack.Queued {
		writeJSON(w, http.StatusAccepted, ack)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"delivered": true})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	folder := chi.URLParam(r, "folder")
	rt, ok := s.registry.Get(folder)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no live session for %q", folder))
		return
	}
	rt.Abort()
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": true})
}

// handleExit deliberately closes a session. A folder without a live
// runtime still gets its exit marker so the session is never resumed.
func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	folder := chi.URLParam(r, "folder")
	if rt, ok := s.registry.Get(folder); ok {
		if err := rt.Exit(); err != nil && !errors.Is(err, runtime.ErrStopped) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.lobby.poke()
		writeJSON(w, http.StatusOK, map[string]bool{"closed": true})
		return
	}

	path, err := s.scanner.Resolve(folder)
	if err != nil {
		writeError(w, folderStatus(err), err.Error())
		return
	}
	sid, _ := scan.LatestSession(path)
	if sid == "" {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no session to close in %q", folder))
		return
	}
	if err := scan.WriteExitMarker(path, sid); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.lobby.poke()
	writeJSON(w, http.StatusOK, map[string]bool{"closed": true})
}

const uploadMemoryLimit = 32 << 20

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	folder := chi.URLParam(r, "folder")
	path, err := s.scanner.Resolve(folder)
	if err != nil {
		writeError(w, folderStatus(err), err.Error())
		return
	}
	if _, ok := s.registry.Get(folder); !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("no active session for %q", folder))
		return
	}

	if err := r.ParseMultipartForm(uploadMemoryLimit); err != nil {
		writeError(w, http.StatusBadRequest, "malformed multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	var files []upload.File
	var open []interface{ Close() error }
	defer func() {
		for _, f := range open {
			f.Close()
		}
	}()
	for _, headers := range r.MultipartForm.File {
		for _, hdr := range headers {
			f, err := hdr.Open()
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("reading %q: %v", hdr.Filename, err))
				return
			}
			open = append(open, f)
			files = append(files, upload.File{Name: hdr.Filename, Reader: f})
		}
	}
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no files in upload")
		return
	}

	dirName, manifest, warnings, err := upload.Deposit(path, files)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"folder":   dirName,
		"manifest": manifest,
		"warnings": warnings,
	})
}
