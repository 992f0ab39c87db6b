package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gueridon/backend/internal/runtime"
)

const (
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	// The broker serves local tooling; cross-origin browser clients are
	// expected and allowed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Wire sources distinguish broker-originated messages from relayed
// session frames.
const (
	sourceBridge = "bridge"
	sourceCC     = "cc"
)

type wsRequest struct {
	Type        string          `json:"type"`
	Name        string          `json:"name,omitempty"`
	Folder      string          `json:"folder,omitempty"`
	Text        string          `json:"text,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	LastEventID uint64          `json:"lastEventId,omitempty"`
}

type wsClient struct {
	srv  *Server
	conn *websocket.Conn

	sendMu     sync.Mutex
	send       chan []byte
	sendClosed bool

	mu      sync.Mutex
	rt      *runtime.Runtime
	sub     *runtime.Subscriber
	lobbyCh chan []byte
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("ws upgrade failed")
		return
	}

	c := &wsClient{
		srv:  s,
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
	}
	log.WithField("remote", r.RemoteAddr).Info("ws client connected")

	go c.writePump(s.cfg.Server.PingInterval)

	c.lobbyCh = s.lobby.subscribe()
	go c.forwardLobby(c.lobbyCh)
	c.sendBridge(map[string]any{"type": "lobbyConnected"})

	c.readPump()

	c.detachRuntime()
	s.lobby.unsubscribe(c.lobbyCh)
	c.closeSend()
	log.WithField("remote", r.RemoteAddr).Info("ws client disconnected")
}

func (c *wsClient) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendError("malformed message")
			continue
		}
		c.dispatch(req)
	}
}

func (c *wsClient) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend queues a message without blocking. A full buffer closes the
// connection: a reader that far behind cannot be caught up.
func (c *wsClient) trySend(msg []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- msg:
	default:
		log.Warn("ws client too slow, disconnecting")
		c.sendClosed = true
		close(c.send)
	}
}

func (c *wsClient) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *wsClient) sendBridge(fields map[string]any) {
	fields["source"] = sourceBridge
	data, err := json.Marshal(fields)
	if err != nil {
		log.WithError(err).Error("marshaling bridge message")
		return
	}
	c.trySend(data)
}

func (c *wsClient) sendError(msg string) {
	c.sendBridge(map[string]any{"type": "error", "message": msg})
}

func (c *wsClient) forwardLobby(ch chan []byte) {
	for folders := range ch {
		c.sendBridge(map[string]any{
			"type":    "folderList",
			"folders": json.RawMessage(folders),
		})
	}
}

// forwardFrames relays session frames until the subscriber closes, then
// drops the binding if it is still current.
func (c *wsClient) forwardFrames(rt *runtime.Runtime, sub *runtime.Subscriber) {
	for f := range sub.Frames() {
		data, err := json.Marshal(map[string]any{
			"source": sourceCC,
			"type":   f.Type,
			"folder": f.Folder,
			"seq":    f.Seq,
			"data":   f.Data,
		})
		if err != nil {
			continue
		}
		c.trySend(data)
	}
	c.mu.Lock()
	if c.sub == sub {
		c.rt, c.sub = nil, nil
	}
	c.mu.Unlock()
}

func (c *wsClient) detachRuntime() {
	c.mu.Lock()
	rt, sub := c.rt, c.sub
	c.rt, c.sub = nil, nil
	c.mu.Unlock()
	if rt != nil && sub != nil {
		rt.Detach(sub)
	}
}

func (c *wsClient) currentRuntime() *runtime.Runtime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rt
}

func (c *wsClient) dispatch(req wsRequest) {
	switch req.Type {
	case "listFolders":
		folders, err := c.srv.lobby.folderList()
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.sendBridge(map[string]any{
			"type":    "folderList",
			"folders": json.RawMessage(folders),
		})

	case "createFolder":
		name, err := c.srv.scanner.CreateFolder(req.Name)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.sendBridge(map[string]any{"type": "folderCreated", "name": name})
		c.srv.lobby.poke()

	case "deleteFolder":
		c.handleDeleteFolder(req.Name)

	case "connectFolder":
		c.handleConnect(req.Folder, req.LastEventID)

	case "prompt":
		c.handlePrompt(req)

	case "abort":
		rt := c.currentRuntime()
		if rt == nil {
			c.sendError("nothing to abort in the lobby")
			return
		}
		rt.Abort()

	default:
		c.sendError(fmt.Sprintf("unknown message type %q", req.Type))
	}
}

func (c *wsClient) handleDeleteFolder(name string) {
	if _, live := c.srv.registry.Get(name); live {
		c.sendError(fmt.Sprintf("folder %q has a live session", name))
		return
	}
	path, err := c.srv.scanner.Resolve(name)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	if err := os.RemoveAll(path); err != nil {
		c.sendError(err.Error())
		return
	}
	c.sendBridge(map[string]any{"type": "folderDeleted", "name": name})
	c.srv.lobby.poke()
}

func (c *wsClient) handleConnect(folder string, lastEventID uint64) {
	c.detachRuntime()

	rt, err := c.srv.registry.GetOrCreate(folder)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	sub := runtime.NewSubscriber(wsSendBuffer)
	if err := rt.Attach(sub, lastEventID); err != nil {
		c.sendError(err.Error())
		return
	}

	c.mu.Lock()
	c.rt, c.sub = rt, sub
	c.mu.Unlock()
	go c.forwardFrames(rt, sub)

	c.sendBridge(map[string]any{
		"type":      "connected",
		"folder":    folder,
		"sessionId": rt.SessionID(),
		"resumable": rt.Resumable(),
	})
}

func (c *wsClient) handlePrompt(req wsRequest) {
	rt := c.currentRuntime()
	if rt == nil {
		c.sendError("cannot prompt from the lobby; connect a folder first")
		return
	}
	if req.Text == "" && req.Content == nil {
		c.sendError("prompt requires text or content")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.srv.cfg.Session.PromptAckTimeout)
	defer cancel()
	ack, err := rt.SubmitPrompt(ctx, runtime.Prompt{Text: req.Text, Content: req.Content})
	if err != nil {
		c.sendError(err.Error())
		return
	}
	if ack.Queued {
		c.sendBridge(map[string]any{"type": "promptQueued", "position": ack.Position})
		return
	}
	c.sendBridge(map[string]any{"type": "promptReceived"})
}
