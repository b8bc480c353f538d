// Package realtime pushes live updates to WebSocket subscribers by topic,
// optionally relayed through Redis so every instance sees every update.
package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/okian/reelpulse/internal/domain/presence"
	"github.com/okian/reelpulse/pkg/logger"
	"github.com/okian/reelpulse/pkg/metrics"
)

const defaultSendBuffer = 64

// ErrHubClosed is returned once the hub has shut down.
var ErrHubClosed = errors.New("hub closed")

// Envelope is the frame written to subscribers.
type Envelope struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// Relay carries encoded envelopes to every instance, this one included.
type Relay interface {
	Relay(ctx context.Context, topic string, msg []byte) error
}

// Hub maps topics to connected clients. Delivery never blocks: a client
// whose buffer is full misses the message.
type Hub struct {
	mu         sync.RWMutex
	topics     map[string]map[string]*Client
	clients    int
	relay      Relay
	closed     bool
	sendBuffer int
	logger     logger.Logger
	upgrader   websocket.Upgrader
}

// Option configures a Hub.
type Option func(*Hub)

// WithSendBuffer sets the per-client outgoing buffer.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		topics:     make(map[string]map[string]*Client),
		sendBuffer: defaultSendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logger.Get().Named("hub")
	}
	return h
}

// SetRelay routes Publish through r instead of delivering locally.
func (h *Hub) SetRelay(r Relay) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relay = r
}

// Publish encodes payload once and sends it to topic subscribers.
func (h *Hub) Publish(ctx context.Context, topic string, payload any) error {
	msg, err := encode(topic, payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	relay, closed := h.relay, h.closed
	h.mu.RUnlock()
	if closed {
		return ErrHubClosed
	}
	if relay != nil {
		return relay.Relay(ctx, topic, msg)
	}
	h.Deliver(topic, msg)
	return nil
}

func encode(topic string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Topic: topic, Data: data})
}

// Deliver hands an encoded envelope to local subscribers of topic and
// returns how many accepted it.
func (h *Hub) Deliver(topic string, msg []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, c := range h.topics[topic] {
		select {
		case c.send <- msg:
			n++
		default:
			metrics.RecordHubDropped()
		}
	}
	return n
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients
}

func (h *Hub) register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	for _, t := range c.topics {
		if h.topics[t] == nil {
			h.topics[t] = make(map[string]*Client)
		}
		h.topics[t][c.id] = c
	}
	h.clients++
	metrics.UpdateHubClients(h.clients)
	return nil
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.remove(c) {
		return
	}
	metrics.UpdateHubClients(h.clients)
}

// remove must be called with h.mu held.
func (h *Hub) remove(c *Client) bool {
	found := false
	for _, t := range c.topics {
		if subs, ok := h.topics[t]; ok {
			if _, ok := subs[c.id]; ok {
				found = true
				delete(subs, c.id)
			}
			if len(subs) == 0 {
				delete(h.topics, t)
			}
		}
	}
	if found {
		h.clients--
		close(c.send)
	}
	return found
}

// Serve blocks until ctx is done, then disconnects every client.
func (h *Hub) Serve(ctx context.Context) error {
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	var all []*Client
	for _, subs := range h.topics {
		for _, c := range subs {
			all = append(all, c)
		}
	}
	for _, c := range all {
		h.remove(c)
	}
	metrics.UpdateHubClients(0)
	h.mu.Unlock()

	h.logger.Info(context.Background(), "hub stopped", logger.Int("disconnected", len(all)))
	return ctx.Err()
}

func (h *Hub) String() string { return "realtime-hub" }

// ServeWS upgrades the request and subscribes the connection to every
// ?topic= value, or to the total viewer count when none is given.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	topics := r.URL.Query()["topic"]
	if len(topics) == 0 {
		topics = []string{presence.TopicTotal}
	}

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, ErrHubClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(r.Context(), "websocket upgrade failed", logger.Error(err))
		return
	}

	c := &Client{
		id:     uuid.NewString(),
		topics: dedupeTopics(topics),
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.sendBuffer),
	}
	if err := h.register(c); err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()))
		_ = conn.Close()
		return
	}
	h.logger.Debug(r.Context(), "client subscribed",
		logger.String("clientId", c.id),
		logger.Any("topics", c.topics),
	)

	go c.writePump()
	c.readPump()
}

func dedupeTopics(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		out = append(out, presence.TopicTotal)
	}
	return out
}
