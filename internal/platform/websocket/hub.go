// Package websocket streams live session events to connected clients. Clients
// subscribe to topics and receive every event broadcast to those topics.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinexam/internal/engine"
	"github.com/ehr/clinexam/internal/session"
)

// Event types.
const (
	EventSnapshot  = "session.snapshot"
	EventTick      = "session.tick"
	EventCompleted = "session.completed"
)

// CompletionsTopic receives a completed event for every session.
const CompletionsTopic = "completions"

// SessionTopic is the topic carrying one session's events.
func SessionTopic(id uuid.UUID) string { return "session/" + id.String() }

// Event is a real-time notification sent to WebSocket clients.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	SessionID uuid.UUID       `json:"session_id"`
	FormID    string          `json:"form_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is a single WebSocket connection.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
	hub    *Hub
}

// Hub tracks clients and their topic subscriptions. It is registered on the
// session manager as a snapshot and completion listener, so every method it
// exposes to sessions must not block.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
	now     func() time.Time
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
		now:     time.Now,
	}
}

var (
	_ session.SnapshotListener   = (*Hub)(nil)
	_ session.CompletionListener = (*Hub)(nil)
)

// Register adds a client to the hub and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.subscribe(client, topic)
	}
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.unsubscribe(client, topic)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) subscribe(client *Client, topic string) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) unsubscribe(client *Client, topic string) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Subscribe adds topics to a registered client.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		h.subscribe(client, topic)
	}
	client.Topics = append(client.Topics, topics...)
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		removeSet[t] = struct{}{}
		h.unsubscribe(client, t)
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// ProcessMessage dispatches a ClientMessage to Subscribe or Unsubscribe.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast sends an event to all clients subscribed to topic. Slow clients
// miss events instead of stalling the sender.
func (h *Hub) Broadcast(topic string, event Event) {
	event.Topic = topic
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("websocket: marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
			h.logger.Debug().Str("client_id", client.ID).Str("topic", topic).Msg("websocket: client buffer full, event dropped")
		}
	}
}

func (h *Hub) event(typ string, sessionID uuid.UUID, formID string, payload interface{}) (Event, bool) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error().Err(err).Str("type", typ).Msg("websocket: marshal payload")
		return Event{}, false
	}
	return Event{
		Type:      typ,
		SessionID: sessionID,
		FormID:    formID,
		Timestamp: h.now().UTC(),
		Data:      data,
	}, true
}

// OnSnapshotChanged pushes every recomputed snapshot to the session topic.
func (h *Hub) OnSnapshotChanged(_ context.Context, sessionID uuid.UUID, snap *engine.Snapshot) {
	if h.TopicCount(SessionTopic(sessionID)) == 0 {
		return
	}
	if ev, ok := h.event(EventSnapshot, sessionID, snap.FormID, snap); ok {
		h.Broadcast(SessionTopic(sessionID), ev)
	}
}

type tickPayload struct {
	ElapsedMS int64 `json:"elapsed_ms"`
}

// Tick reports the session's elapsed clock. It matches the manager's OnTick
// hook.
func (h *Hub) Tick(sessionID uuid.UUID, elapsed time.Duration) {
	if h.TopicCount(SessionTopic(sessionID)) == 0 {
		return
	}
	if ev, ok := h.event(EventTick, sessionID, "", tickPayload{ElapsedMS: elapsed.Milliseconds()}); ok {
		h.Broadcast(SessionTopic(sessionID), ev)
	}
}

type completedPayload struct {
	HighestSeverity engine.Severity `json:"highest_severity,omitempty"`
	Alerts          []engine.Alert  `json:"alerts"`
	CompletedAt     time.Time       `json:"completed_at"`
}

// OnComplete announces a completed session on its own topic and on
// CompletionsTopic.
func (h *Hub) OnComplete(_ context.Context, c session.Completion) error {
	p := completedPayload{CompletedAt: c.CompletedAt}
	if c.Snapshot != nil {
		p.HighestSeverity = c.Snapshot.HighestSeverity()
		p.Alerts = c.Snapshot.Alerts
	}
	ev, ok := h.event(EventCompleted, c.SessionID, c.Form.ID, p)
	if !ok {
		return nil
	}
	h.Broadcast(SessionTopic(c.SessionID), ev)
	h.Broadcast(CompletionsTopic, ev)
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// ---------------------------------------------------------------------------
// Handler: Echo endpoint for WebSocket connections
// ---------------------------------------------------------------------------

// Handler upgrades HTTP connections and pumps messages between the client
// and the hub.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler binds a handler to hub. With no allowed origins every origin is
// accepted.
func NewHandler(hub *Hub, allowedOrigins ...string) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || origin == "" || allowed[origin] || allowed["*"]
			},
		},
	}
}

func (wsh *Handler) RegisterRoutes(g *echo.Group, m ...echo.MiddlewareFunc) {
	g.GET("/ws", wsh.HandleConnect, m...)
}

// HandleConnect upgrades the connection, registers the client and starts
// the read and write pumps. Initial topics may be given as ?topic=...
func (wsh *Handler) HandleConnect(c echo.Context) error {
	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:     uuid.NewString(),
		Topics: append([]string{}, c.QueryParams()["topic"]...),
		Send:   make(chan []byte, 256),
		hub:    wsh.hub,
	}
	wsh.hub.Register(client)
	wsh.hub.logger.Debug().Str("client_id", client.ID).Strs("topics", client.Topics).Msg("websocket client connected")

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}
