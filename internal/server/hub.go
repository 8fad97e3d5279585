package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/bus"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/replay"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Inbound frames are small commands and answers.
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Access is gated by the bearer token rather than by origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Frame is the envelope of every outbound websocket message.
type Frame struct {
	Topic   bus.Topic `json:"topic"`
	Payload any       `json:"payload"`
}

// RunFrame is what observers see of a finished run.
type RunFrame struct {
	RunID   string             `json:"runId"`
	Status  schemas.StatusCode `json:"status"`
	Message string             `json:"message,omitempty"`
	Script  string             `json:"script,omitempty"`
}

// Inbound is a message from an observer: a prompt answer or a run command.
type Inbound struct {
	Type     string               `json:"type"`
	PromptID uint64               `json:"promptId,omitempty"`
	Choice   config.TimeoutChoice `json:"choice,omitempty"`
	Command  string               `json:"command,omitempty"`
}

type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	// Buffered channel of outbound messages.
	send chan []byte
}

// Hub streams bus notifications to websocket observers. Node notifications
// are coalesced per key and rate limited; everything else is forwarded as it
// arrives.
type Hub struct {
	bus     *bus.Bus
	control Controller
	prompts PromptAnswerer
	limiter *rate.Limiter
	logger  *zap.Logger

	register   chan *client
	unregister chan *client
	done       chan struct{}
	doneOnce   sync.Once

	mu      sync.RWMutex
	clients map[*client]struct{}

	nodes nodeQueue
}

// NewHub builds a hub. Node notifications flow at most ratePerSec per
// second with the given burst.
func NewHub(b *bus.Bus, control Controller, prompts PromptAnswerer, ratePerSec float64, burst int, logger *zap.Logger) *Hub {
	if burst < 1 {
		burst = 1
	}
	return &Hub{
		bus:        b,
		control:    control,
		prompts:    prompts,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), burst),
		logger:     logger.Named("hub"),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
		nodes:      newNodeQueue(),
	}
}

// Clients is the number of connected observers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run pumps bus notifications to clients until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer h.doneOnce.Do(func() { close(h.done) })
	msgs, unsubscribe := h.bus.Subscribe(bus.TopicState, bus.TopicNode, bus.TopicRun, bus.TopicPrompt)
	defer unsubscribe()

	h.logger.Info("WebSocket hub started.")
	defer h.logger.Info("WebSocket hub stopped.")

	var flush <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			h.logger.Info("Observer connected.", zap.String("client_id", c.id))
			h.sendTo(c, Frame{Topic: bus.TopicState, Payload: h.control.Snapshot()})
		case c := <-h.unregister:
			h.drop(c)
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			h.route(m)
			h.bus.Acknowledge(m)
		case <-flush:
			flush = nil
			for h.nodes.Len() > 0 && h.limiter.Allow() {
				h.broadcast(Frame{Topic: bus.TopicNode, Payload: h.nodes.Pop()})
			}
		}
		if flush == nil && h.nodes.Len() > 0 {
			r := h.limiter.Reserve()
			delay := r.Delay()
			r.Cancel()
			flush = time.After(delay)
		}
	}
}

func (h *Hub) route(m bus.Message) {
	switch p := m.Payload.(type) {
	case schemas.NodeNotification:
		h.nodes.Push(p)
	case replay.RunResult:
		frame := RunFrame{RunID: p.RunID, Status: p.Status, Message: p.Message}
		if p.Script != nil {
			frame.Script = p.Script.Name
		}
		h.broadcast(Frame{Topic: m.Topic, Payload: frame})
	default:
		h.broadcast(Frame{Topic: m.Topic, Payload: p})
	}
}

func (h *Hub) encode(f Frame) ([]byte, bool) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("Failed to marshal frame.", zap.String("topic", string(f.Topic)), zap.Error(err))
		return nil, false
	}
	return data, true
}

func (h *Hub) sendTo(c *client, f Frame) {
	data, ok := h.encode(f)
	if !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		h.drop(c)
	}
}

func (h *Hub) broadcast(f Frame) {
	data, ok := h.encode(f)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Too slow to keep up; it can reconnect and resync from the state frame.
			close(c.send)
			delete(h.clients, c)
			h.logger.Warn("Dropped slow observer.", zap.String("client_id", c.id))
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Info("Observer disconnected.", zap.String("client_id", c.id))
	}
}

// HandleWS upgrades the request and attaches the connection to the hub.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade websocket.", zap.Error(err))
		return
	}
	c := &client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// handle applies one inbound frame.
func (h *Hub) handle(c *client, in Inbound) {
	switch in.Type {
	case "answer":
		if h.prompts == nil || !in.Choice.Valid() {
			h.logger.Warn("Ignoring prompt answer.", zap.String("client_id", c.id), zap.Uint64("prompt_id", in.PromptID))
			return
		}
		if !h.prompts.Answer(replay.PromptAnswer{ID: in.PromptID, Choice: in.Choice}) {
			h.logger.Debug("Prompt was already answered.", zap.Uint64("prompt_id", in.PromptID))
		}
	case "command":
		var err error
		switch in.Command {
		case "stop":
			err = h.control.Stop()
		case "pause":
			err = h.control.Pause()
		case "suspend":
			err = h.control.Suspend()
		case "resume":
			err = h.control.Resume()
		default:
			h.logger.Warn("Unknown command.", zap.String("client_id", c.id), zap.String("command", in.Command))
			return
		}
		if err != nil {
			h.logger.Warn("Command failed.", zap.String("command", in.Command), zap.Error(err))
		}
	default:
		h.logger.Warn("Unknown inbound frame.", zap.String("client_id", c.id), zap.String("type", in.Type))
	}
}

// readPump pumps messages from the websocket connection to the hub.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Websocket client read error.", zap.Error(err))
			}
			return
		}
		var in Inbound
		if err := json.Unmarshal(message, &in); err != nil {
			c.hub.logger.Warn("Failed to unmarshal inbound frame.", zap.Error(err), zap.ByteString("message", message))
			continue
		}
		c.hub.handle(c, in)
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// nodeQueue holds the latest notification per node key, oldest key first.
type nodeQueue struct {
	latest map[string]schemas.NodeNotification
	order  []string
}

func newNodeQueue() nodeQueue {
	return nodeQueue{latest: make(map[string]schemas.NodeNotification)}
}

func (q *nodeQueue) Len() int { return len(q.order) }

// Push replaces a queued notification for the same key in place.
func (q *nodeQueue) Push(n schemas.NodeNotification) {
	if _, queued := q.latest[n.Key]; !queued {
		q.order = append(q.order, n.Key)
	}
	q.latest[n.Key] = n
}

func (q *nodeQueue) Pop() schemas.NodeNotification {
	key := q.order[0]
	q.order = q.order[1:]
	n := q.latest[key]
	delete(q.latest, key)
	return n
}
