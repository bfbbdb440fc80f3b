package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhubert/plural-supervisor/claude"
	"github.com/zhubert/plural-supervisor/permission"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	clientSendSize = 256
)

// Event types pushed to websocket clients.
const (
	EventChunk               = "chunk"
	EventToolUse             = "tool_use"
	EventToolResult          = "tool_result"
	EventThinking            = "thinking"
	EventComplete            = "complete"
	EventTurnComplete        = "turn_complete"
	EventSystemInfo          = "system_info"
	EventHistory             = "history"
	EventError               = "error"
	EventExit                = "exit"
	EventPermissionRequested = "permission_requested"
	EventPermissionResolved  = "permission_resolved"
)

// Event is one message on the websocket.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans session events out to every connected websocket client. It is
// the permission bridge's notifier and the source of each session's
// callbacks.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	log     *slog.Logger

	// OnConnect runs after a client is registered. n delivers to that
	// client only.
	OnConnect func(n permission.Notifier)
}

// NewHub creates a hub with no clients.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		log:     log,
	}
}

// Broadcast sends ev to every client. A client whose buffer is full is
// disconnected.
func (h *Hub) Broadcast(ev Event) {
	data, ok := h.encode(ev)
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn("websocket client too slow, disconnecting")
			h.removeLocked(c)
		}
	}
}

// sendTo sends ev to a single client.
func (h *Hub) sendTo(c *client, ev Event) {
	data, ok := h.encode(ev)
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		h.log.Warn("websocket client too slow, disconnecting")
		h.removeLocked(c)
	}
}

func (h *Hub) encode(ev Event) ([]byte, bool) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("failed to encode event", "type", ev.Type, "error", err)
		return nil, false
	}
	return data, true
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// ServeWS upgrades the request and streams events until the client leaves.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientSendSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("websocket client connected", "remote", r.RemoteAddr)

	go h.writePump(c)
	if h.OnConnect != nil {
		h.OnConnect(clientNotifier{hub: h, client: c})
	}
	h.readPump(c)
}

// readPump only detects the close; clients send nothing.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
		h.log.Debug("websocket client disconnected")
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// PermissionRequested implements permission.Notifier.
func (h *Hub) PermissionRequested(req permission.Request) {
	h.Broadcast(requestedEvent(req))
}

// PermissionResolved implements permission.Notifier.
func (h *Hub) PermissionResolved(req permission.Request, d permission.Decision) {
	h.Broadcast(resolvedEvent(req, d))
}

func requestedEvent(req permission.Request) Event {
	return Event{Type: EventPermissionRequested, SessionID: req.SessionID, Data: req}
}

func resolvedEvent(req permission.Request, d permission.Decision) Event {
	return Event{
		Type:      EventPermissionResolved,
		SessionID: req.SessionID,
		Data: map[string]any{
			"id":      req.ID,
			"action":  d.Action,
			"message": d.Message,
			"auto":    d.Auto,
		},
	}
}

// clientNotifier is a permission.Notifier for one websocket client.
type clientNotifier struct {
	hub    *Hub
	client *client
}

func (n clientNotifier) PermissionRequested(req permission.Request) {
	n.hub.sendTo(n.client, requestedEvent(req))
}

func (n clientNotifier) PermissionResolved(req permission.Request, d permission.Decision) {
	n.hub.sendTo(n.client, resolvedEvent(req, d))
}

// Callbacks returns the callbacks that forward one session's events.
func (h *Hub) Callbacks(sessionID string) claude.Callbacks {
	emit := func(typ string, data any) {
		h.Broadcast(Event{Type: typ, SessionID: sessionID, Data: data})
	}
	return claude.Callbacks{
		OnChunk: func(text string) {
			emit(EventChunk, map[string]any{"text": text})
		},
		OnToolUse: func(id, name string, input json.RawMessage, status claude.ToolStatus) {
			emit(EventToolUse, map[string]any{
				"id":          id,
				"name":        name,
				"input":       input,
				"status":      status,
				"description": claude.DescribeToolInput(name, input),
			})
		},
		OnToolResult: func(toolUseID string, result json.RawMessage, isError bool) {
			emit(EventToolResult, map[string]any{"tool_use_id": toolUseID, "result": result, "is_error": isError})
		},
		OnThinking: func(text string, partial bool) {
			emit(EventThinking, map[string]any{"text": text, "partial": partial})
		},
		OnComplete: func() {
			emit(EventComplete, nil)
		},
		OnTurnComplete: func(stats claude.TurnStats) {
			emit(EventTurnComplete, map[string]any{
				"success":         stats.Success,
				"cost_usd":        stats.CostUSD,
				"usage":           stats.Usage,
				"duration_ms":     stats.Duration.Milliseconds(),
				"api_duration_ms": stats.APIDuration.Milliseconds(),
				"num_turns":       stats.NumTurns,
			})
		},
		OnSystemInfo: func(remoteSessionID string) {
			emit(EventSystemInfo, map[string]any{"remote_session_id": remoteSessionID})
		},
		OnHistory: func(msgs []claude.HistoryMessage) {
			emit(EventHistory, msgs)
		},
		OnError: func(message string) {
			emit(EventError, map[string]any{"message": message})
		},
		OnExit: func(info claude.ExitInfo) {
			emit(EventExit, map[string]any{
				"code":      info.Code,
				"signal":    info.Signal,
				"stderr":    info.Stderr,
				"requested": info.Requested,
			})
		},
	}
}
