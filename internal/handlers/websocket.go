package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/liveroom/internal/logger"
	"github.com/mossy-p/liveroom/internal/metrics"
	"github.com/mossy-p/liveroom/internal/middleware"
	"github.com/mossy-p/liveroom/internal/models"
	"github.com/mossy-p/liveroom/internal/redis"
	"github.com/mossy-p/liveroom/internal/room"
	"github.com/mossy-p/liveroom/internal/transport"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
	validateWait   = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// RoomValidator rejects joins to rooms that are full.
type RoomValidator interface {
	ValidateRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error)
}

// HubConfig configures a Hub.
type HubConfig struct {
	RatePerSecond float64
	RateBurst     int
}

// Hub is the broker behind /ws/signal. Signaling envelopes are relayed to
// the subscribers of their topic; join, leave and chat envelopes are routed
// through the room coordinator.
type Hub struct {
	coord     *room.Coordinator
	validator RoomValidator
	metrics   metrics.Collector
	log       zerolog.Logger
	limit     rate.Limit
	burst     int

	mu      sync.RWMutex
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}

	// A participant may hold several connections while a stale one is
	// still timing out. Membership follows the last of them.
	membersMu sync.Mutex
	members   map[memberKey]int
}

type memberKey struct {
	roomID        string
	participantID string
}

// Client represents a WebSocket client connection
type Client struct {
	ID   string
	Role models.Role

	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	log     zerolog.Logger

	// joined and cancels are owned by readPump.
	joined  map[string]struct{}
	cancels []func()

	done      chan struct{}
	closeOnce sync.Once
}

func NewHub(cfg HubConfig, coord *room.Coordinator, validator RoomValidator, m metrics.Collector, log zerolog.Logger) *Hub {
	if m == nil {
		m = metrics.Nop{}
	}
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	return &Hub{
		coord:     coord,
		validator: validator,
		metrics:   m,
		log:       log,
		limit:     limit,
		burst:     cfg.RateBurst,
		clients:   make(map[*Client]struct{}),
		topics:    make(map[string]map[*Client]struct{}),
		members:   make(map[memberKey]int),
	}
}

// HandleSignaling upgrades an authenticated request to a broker connection.
func (h *Hub) HandleSignaling(c *gin.Context) {
	p, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &Client{
		ID:      p.ID,
		Role:    p.Role,
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		limiter: rate.NewLimiter(h.limit, h.burst),
		log: h.log.With().
			Str(logger.FieldParticipantID, p.ID).
			Str(logger.FieldRole, string(p.Role)).
			Logger(),
		joined: make(map[string]struct{}),
		done:   make(chan struct{}),
	}
	h.register(client)

	client.log.Info().Msg("client connected")

	go client.writePump()
	go client.readPump()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every client connection.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.metrics.ClientConnected()

	c.cancels = append(c.cancels,
		h.coord.OnMessage(c.ID, func(msg models.ChatMessage) {
			env, err := newEnvelope(models.MessageTypeChat, msg.RoomID, msg.ParticipantID, msg)
			if err != nil {
				return
			}
			c.deliverIfSubscribed(transport.Topic(msg.RoomID, models.MessageTypeChat), env)
		}),
		h.coord.OnViewerCount(c.ID, func(roomID string, count int) {
			env, err := newEnvelope(models.MessageTypeViewerCount, roomID, "", models.ViewerCountPayload{Count: count})
			if err != nil {
				return
			}
			c.deliverIfSubscribed(transport.Topic(roomID, models.MessageTypeViewerCount), env)
		}),
	)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	for topic, subs := range h.topics {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	h.mu.Unlock()

	for _, cancel := range c.cancels {
		cancel()
	}

	for roomID := range c.joined {
		h.leave(c, roomID)
	}

	h.metrics.ClientDisconnected()
	c.log.Info().Msg("client disconnected")
}

func (h *Hub) subscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Client]struct{})
		h.topics[topic] = subs
	}
	subs[c] = struct{}{}
}

func (h *Hub) unsubscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

func (h *Hub) subscribed(c *Client, topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.topics[topic][c]
	return ok
}

// relay sends env to the topic's subscribers other than the sender. A
// non-empty To narrows delivery to that participant.
func (h *Hub) relay(from *Client, topic string, env models.Envelope) {
	data, err := json.Marshal(models.Frame{Action: models.FrameEvent, Topic: topic, Envelope: &env})
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal frame")
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		if c == from {
			continue
		}
		if env.To != "" && c.ID != env.To {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(data)
		h.metrics.MessageSent(string(env.Type), len(data))
	}
}

func (h *Hub) handlePublish(c *Client, topic string, env models.Envelope) {
	roomID, kind, ok := transport.ParseTopic(topic)
	if !ok {
		c.sendError(topic, env, "invalid topic")
		return
	}
	if env.Type != kind {
		c.sendError(topic, env, "envelope type does not match topic")
		return
	}

	// The verified identity wins over whatever the client claims.
	env.From = c.ID
	env.RoomID = roomID

	switch env.Type {
	case models.MessageTypeOffer, models.MessageTypeAnswer, models.MessageTypeCandidate:
		h.relay(c, topic, env)

	case models.MessageTypeJoinRoom:
		if err := h.join(c, roomID); err != nil {
			c.sendError(topic, env, err.Error())
			return
		}
		// Viewers act on the announced role, so it comes from the token too.
		payload, err := json.Marshal(models.JoinPayload{Role: c.Role})
		if err != nil {
			return
		}
		env.Payload = payload
		h.relay(c, topic, env)

	case models.MessageTypeLeaveRoom:
		h.leave(c, roomID)

	case models.MessageTypeChat:
		var payload models.ChatPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			c.sendError(topic, env, "invalid chat payload")
			return
		}
		if _, err := h.coord.SendMessage(roomID, c.ID, payload.Text); err != nil {
			h.metrics.MessageError(string(env.Type), errorType(err))
			c.sendError(topic, env, err.Error())
		}

	default:
		c.sendError(topic, env, "unsupported message type")
	}
}

func (h *Hub) join(c *Client, roomID string) error {
	if h.validator != nil && c.Role == models.RoleViewer {
		ctx, cancel := context.WithTimeout(context.Background(), validateWait)
		_, err := h.validator.ValidateRoom(ctx, roomID)
		cancel()
		// Rooms without stored metadata are ad hoc and have no capacity.
		if err != nil && !errors.Is(err, redis.ErrRoomNotFound) {
			return err
		}
	}

	if _, ok := c.joined[roomID]; ok {
		return nil
	}

	h.membersMu.Lock()
	defer h.membersMu.Unlock()
	if _, err := h.coord.Join(roomID, c.ID, c.Role); err != nil {
		return err
	}
	h.members[memberKey{roomID, c.ID}]++
	c.joined[roomID] = struct{}{}
	return nil
}

// leave drops c from the room. The participant leaves the room, and the
// host hears about it, only when no other connection of theirs is joined.
func (h *Hub) leave(c *Client, roomID string) {
	if _, ok := c.joined[roomID]; !ok {
		return
	}
	delete(c.joined, roomID)

	key := memberKey{roomID, c.ID}
	h.membersMu.Lock()
	h.members[key]--
	if h.members[key] > 0 {
		h.membersMu.Unlock()
		c.log.Debug().Str(logger.FieldRoomID, roomID).Msg("stale connection left, participant still joined")
		return
	}
	delete(h.members, key)
	_, err := h.coord.Leave(roomID, c.ID)
	h.membersMu.Unlock()
	if err != nil {
		c.log.Warn().Err(err).Str(logger.FieldRoomID, roomID).Msg("failed to leave room")
	}

	topic := transport.Topic(roomID, models.MessageTypeLeaveRoom)
	h.relay(c, topic, models.Envelope{Type: models.MessageTypeLeaveRoom, RoomID: roomID, From: c.ID})
}

func errorType(err error) string {
	switch {
	case errors.Is(err, room.ErrNotInRoom):
		return "not_in_room"
	case errors.Is(err, room.ErrEmptyText):
		return "empty_text"
	default:
		return "internal"
	}
}

func newEnvelope(typ models.MessageType, roomID, from string, payload any) (models.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return models.Envelope{}, err
	}
	return models.Envelope{Type: typ, RoomID: roomID, From: from, Payload: data}, nil
}

func (c *Client) deliverIfSubscribed(topic string, env models.Envelope) {
	if !c.hub.subscribed(c, topic) {
		return
	}
	data, err := json.Marshal(models.Frame{Action: models.FrameEvent, Topic: topic, Envelope: &env})
	if err != nil {
		return
	}
	c.enqueue(data)
	c.hub.metrics.MessageSent(string(env.Type), len(data))
}

func (c *Client) sendError(topic string, env models.Envelope, msg string) {
	reply := models.Envelope{
		Type:      models.MessageTypeError,
		RoomID:    env.RoomID,
		SessionID: env.SessionID,
		To:        c.ID,
		Error:     msg,
	}
	data, err := json.Marshal(models.Frame{Action: models.FrameError, Topic: topic, Envelope: &reply, Error: msg})
	if err != nil {
		return
	}
	c.log.Debug().Str(logger.FieldTopic, topic).Str("error", msg).Msg("rejected frame")
	c.enqueue(data)
}

func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.log.Warn().Msg("failed to send message, buffer full")
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer func() {
		c.close()
		c.hub.unregister(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("websocket error")
			}
			return
		}

		var f models.Frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.log.Warn().Err(err).Msg("failed to parse frame")
			continue
		}

		switch f.Action {
		case models.FrameSubscribe:
			if _, _, ok := transport.ParseTopic(f.Topic); !ok {
				c.sendError(f.Topic, models.Envelope{}, "invalid topic")
				continue
			}
			c.hub.subscribe(c, f.Topic)

		case models.FrameUnsubscribe:
			c.hub.unsubscribe(c, f.Topic)

		case models.FramePublish:
			if f.Envelope == nil {
				c.sendError(f.Topic, models.Envelope{}, "missing envelope")
				continue
			}
			c.hub.metrics.MessageReceived(string(f.Envelope.Type), len(message))
			if !c.limiter.Allow() {
				c.hub.metrics.ClientRateLimited()
				c.hub.metrics.MessageError(string(f.Envelope.Type), "rate_limited")
				c.sendError(f.Topic, *f.Envelope, "rate limited")
				continue
			}
			c.hub.handlePublish(c, f.Topic, *f.Envelope)

		default:
			c.sendError(f.Topic, models.Envelope{}, "unknown action")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn().Err(err).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (h *Hub) subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
