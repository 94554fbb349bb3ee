// Package streaming serves the scheduler's stream-json output format live
// over a websocket, adapted from the teacher's interfaces/websocket hub
// (register/unregister/broadcast select loop, per-client send buffer) but
// driving one scheduler turn per inbound chat message instead of relaying
// an external chat platform.
package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ngoclaw/gro/internal/entity"
	"github.com/ngoclaw/gro/internal/llm"
	"github.com/ngoclaw/gro/internal/memory"
	"github.com/ngoclaw/gro/internal/scheduler"
	"github.com/ngoclaw/gro/pkg/safego"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventType distinguishes the frames of the stream-json protocol.
type EventType string

const (
	EventChat   EventType = "chat"
	EventDelta  EventType = "delta"
	EventDone   EventType = "done"
	EventError  EventType = "error"
)

// Event is one frame of the wire protocol; Delta carries partial assistant
// text as it streams, Done carries the session outcome.
type Event struct {
	Type      EventType `json:"type"`
	Content   string    `json:"content,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// Client is one connected websocket session.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub runs the register/unregister/broadcast select loop shared by every
// connected client.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	logger     *zap.Logger
	mu         sync.RWMutex

	systemPrompt string
	sched        *scheduler.Scheduler
	mem          *memory.Memory
}

// NewHub builds a hub that drives sched/mem for every connected client.
func NewHub(systemPrompt string, sched *scheduler.Scheduler, mem *memory.Memory, logger *zap.Logger) *Hub {
	return &Hub{
		clients:      make(map[string]*Client),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		logger:       logger,
		systemPrompt: systemPrompt,
		sched:        sched,
		mem:          mem,
	}
}

// Run drives the hub's lifecycle until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.ID] = c
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.ID]; ok {
				delete(h.clients, c.ID)
				close(c.send)
			}
			h.mu.Unlock()
		}
	}
}

// ServeWS upgrades the connection and spawns the client's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = time.Now().Format("20060102150405.000000")
	}

	c := &Client{ID: clientID, conn: conn, send: make(chan []byte, 64), hub: h}
	h.register <- c

	safego.Go(h.logger, "ws-write-pump-"+clientID, c.writePump)
	safego.Go(h.logger, "ws-read-pump-"+clientID, c.readPump)
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var in Event
		if err := json.Unmarshal(data, &in); err != nil || in.Type != EventChat {
			continue
		}
		c.runTurn(in.Content)
	}
}

// runTurn seeds the message, runs the session, and emits a final "done"
// event carrying the outcome's text and status. It does not set the
// scheduler's OnDelta, so no delta events are sent from here.
func (c *Client) runTurn(message string) {
	ctx := context.Background()
	if err := c.hub.mem.Add(ctx, entity.Message{Role: entity.RoleUser, Content: message}); err != nil {
		c.emit(Event{Type: EventError, Content: err.Error()})
		return
	}

	outcome := c.hub.sched.RunSession(ctx, c.hub.systemPrompt)
	c.emit(Event{Type: EventDone, Content: outcome.FinalText, Status: string(outcome.Status)})
}

// EmitDelta lets a scheduler OnDeltaFunc forward streamed chunks straight to
// this client, matching the stream-json output format's per-token frames.
func (c *Client) EmitDelta(chunk llm.StreamChunk) {
	c.emit(Event{Type: EventDelta, Content: chunk.DeltaText})
}

func (c *Client) emit(evt Event) {
	evt.Timestamp = time.Now().Unix()
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}
