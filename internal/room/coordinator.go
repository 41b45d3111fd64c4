// Package room tracks who is watching an event, keeps the viewer count and
// fans chat out to room members.
package room

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mossy-p/liveroom/internal/logger"
	"github.com/mossy-p/liveroom/internal/metrics"
	"github.com/mossy-p/liveroom/internal/models"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

var (
	ErrNotInRoom   = errors.New("participant not in room")
	ErrNotHost     = errors.New("participant is not the host of the room")
	ErrHostTaken   = errors.New("room already has a host")
	ErrEmptyText   = errors.New("chat message is empty")
	ErrInvalidRoom = errors.New("invalid room or participant id")
)

const (
	maxChatLength   = 2000
	presenceTimeout = 2 * time.Second
)

// MessageHandler receives chat messages of the rooms its participant joined.
type MessageHandler func(msg models.ChatMessage)

// CountHandler receives viewer count updates of the rooms its participant
// joined.
type CountHandler func(roomID string, count int)

// Presence mirrors room membership to shared storage so other broker
// instances and the REST API can read it.
type Presence interface {
	AddPeer(ctx context.Context, roomID, participantID string) error
	RemovePeer(ctx context.Context, roomID, participantID string) error
	ClearPeers(ctx context.Context, roomID string) error
}

type room struct {
	id      string
	hostID  string
	members map[string]models.Role
	seq     uint64

	// Fan-out runs outside Coordinator.mu but in the order events were
	// produced; whoever finds draining false delivers the outbox.
	outbox   []func()
	draining bool
}

// Coordinator owns every room. All state is guarded by one mutex.
type Coordinator struct {
	mu             sync.Mutex
	rooms          map[string]*room
	msgObservers   map[string]map[uint64]MessageHandler
	countObservers map[string]map[uint64]CountHandler
	nextObserver   uint64

	presence Presence
	metrics  metrics.Collector
	log      zerolog.Logger
	now      func() time.Time
}

type Option func(*Coordinator)

func WithPresence(p Presence) Option {
	return func(c *Coordinator) { c.presence = p }
}

func WithMetrics(m metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		rooms:          make(map[string]*room),
		msgObservers:   make(map[string]map[uint64]MessageHandler),
		countObservers: make(map[string]map[uint64]CountHandler),
		metrics:        metrics.Nop{},
		log:            zerolog.Nop(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Join adds participantID to the room, creating the room on first join.
// Joining twice is a no-op. The updated count is sent to every member.
func (c *Coordinator) Join(roomID, participantID string, role models.Role) (int, error) {
	if roomID == "" || participantID == "" {
		return 0, ErrInvalidRoom
	}

	c.mu.Lock()
	r, ok := c.rooms[roomID]
	if !ok {
		r = &room{id: roomID, members: make(map[string]models.Role)}
	}

	if _, joined := r.members[participantID]; joined {
		count := len(r.members)
		c.mu.Unlock()
		return count, nil
	}
	if role == models.RoleHost {
		if r.hostID != "" && r.hostID != participantID {
			c.mu.Unlock()
			return 0, ErrHostTaken
		}
		r.hostID = participantID
	}

	if !ok {
		c.rooms[roomID] = r
		c.metrics.RoomOpened(roomID)
	}
	r.members[participantID] = role
	count := len(r.members)
	c.metrics.ParticipantJoined(roomID, string(role))

	c.enqueue(r, c.countFanout(r, count)...)
	c.enqueue(r, c.presenceOp(func(ctx context.Context) error {
		return c.presence.AddPeer(ctx, roomID, participantID)
	}))
	c.drain(r)

	c.log.Info().
		Str(logger.FieldRoomID, roomID).
		Str(logger.FieldParticipantID, participantID).
		Str(logger.FieldRole, string(role)).
		Int("viewer_count", count).
		Msg("participant joined room")

	return count, nil
}

// Leave removes participantID if present. The room is destroyed when its
// last participant leaves.
func (c *Coordinator) Leave(roomID, participantID string) (int, error) {
	c.mu.Lock()
	r, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return 0, nil
	}
	if _, joined := r.members[participantID]; !joined {
		count := len(r.members)
		c.mu.Unlock()
		return count, nil
	}

	delete(r.members, participantID)
	if r.hostID == participantID {
		r.hostID = ""
	}
	count := len(r.members)
	c.metrics.ParticipantLeft(roomID)

	c.enqueue(r, c.countFanout(r, count)...)
	if count == 0 {
		delete(c.rooms, roomID)
		c.metrics.RoomClosed(roomID)
		c.enqueue(r, c.presenceOp(func(ctx context.Context) error {
			return c.presence.ClearPeers(ctx, roomID)
		}))
	} else {
		c.enqueue(r, c.presenceOp(func(ctx context.Context) error {
			return c.presence.RemovePeer(ctx, roomID, participantID)
		}))
	}
	c.drain(r)

	c.log.Info().
		Str(logger.FieldRoomID, roomID).
		Str(logger.FieldParticipantID, participantID).
		Int("viewer_count", count).
		Msg("participant left room")

	return count, nil
}

// SendMessage fans text out to every current member, sender included, in
// the order messages were accepted for the room.
func (c *Coordinator) SendMessage(roomID, participantID, text string) (models.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.ChatMessage{}, ErrEmptyText
	}
	text = truncate(text, maxChatLength)

	c.mu.Lock()
	r, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return models.ChatMessage{}, fmt.Errorf("%w: %s in %s", ErrNotInRoom, participantID, roomID)
	}
	if _, joined := r.members[participantID]; !joined {
		c.mu.Unlock()
		return models.ChatMessage{}, fmt.Errorf("%w: %s in %s", ErrNotInRoom, participantID, roomID)
	}

	now := c.now()
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		c.mu.Unlock()
		return models.ChatMessage{}, fmt.Errorf("failed to generate message id: %w", err)
	}

	r.seq++
	msg := models.ChatMessage{
		ID:            id.String(),
		RoomID:        roomID,
		ParticipantID: participantID,
		Text:          text,
		Seq:           r.seq,
		SentAt:        now.UTC(),
	}
	c.metrics.ChatMessage(roomID)

	for _, pid := range sortedMembers(r) {
		for _, h := range c.msgObservers[pid] {
			c.enqueueLocked(r, func() { h(msg) })
		}
	}
	c.drain(r)

	return msg, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// EndBroadcast destroys the room on behalf of its host. Members receive a
// final count of zero.
func (c *Coordinator) EndBroadcast(roomID, hostID string) error {
	c.mu.Lock()
	r, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s in %s", ErrNotInRoom, hostID, roomID)
	}
	if r.hostID != hostID {
		c.mu.Unlock()
		return ErrNotHost
	}

	c.enqueue(r, c.countFanout(r, 0)...)
	for range r.members {
		c.metrics.ParticipantLeft(roomID)
	}
	r.members = make(map[string]models.Role)
	r.hostID = ""
	delete(c.rooms, roomID)
	c.metrics.RoomClosed(roomID)
	c.enqueue(r, c.presenceOp(func(ctx context.Context) error {
		return c.presence.ClearPeers(ctx, roomID)
	}))
	c.drain(r)

	c.log.Info().Str(logger.FieldRoomID, roomID).Msg("broadcast ended")
	return nil
}

// OnMessage registers fn for chat in every room participantID is joined to.
func (c *Coordinator) OnMessage(participantID string, fn MessageHandler) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextObserver++
	id := c.nextObserver
	if c.msgObservers[participantID] == nil {
		c.msgObservers[participantID] = make(map[uint64]MessageHandler)
	}
	c.msgObservers[participantID][id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.msgObservers[participantID], id)
		if len(c.msgObservers[participantID]) == 0 {
			delete(c.msgObservers, participantID)
		}
	}
}

// OnViewerCount registers fn for count updates in every room participantID
// is joined to.
func (c *Coordinator) OnViewerCount(participantID string, fn CountHandler) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextObserver++
	id := c.nextObserver
	if c.countObservers[participantID] == nil {
		c.countObservers[participantID] = make(map[uint64]CountHandler)
	}
	c.countObservers[participantID][id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.countObservers[participantID], id)
		if len(c.countObservers[participantID]) == 0 {
			delete(c.countObservers, participantID)
		}
	}
}

// ViewerCount returns the number of distinct participants in the room.
func (c *Coordinator) ViewerCount(roomID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rooms[roomID]; ok {
		return len(r.members)
	}
	return 0
}

// Members returns the room's participants sorted by id.
func (c *Coordinator) Members(roomID string) []models.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]models.Participant, 0, len(r.members))
	for _, id := range sortedMembers(r) {
		out = append(out, models.Participant{ID: id, Role: r.members[id]})
	}
	return out
}

// HostOf returns the room's host id, if a host has joined.
func (c *Coordinator) HostOf(roomID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok || r.hostID == "" {
		return "", false
	}
	return r.hostID, true
}

// RoomsOf returns the rooms participantID has joined.
func (c *Coordinator) RoomsOf(participantID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id, r := range c.rooms {
		if _, ok := r.members[participantID]; ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// countFanout builds one delivery per count observer of the room's members.
// Must hold c.mu.
func (c *Coordinator) countFanout(r *room, count int) []func() {
	var out []func()
	roomID := r.id
	for _, pid := range sortedMembers(r) {
		for _, h := range c.countObservers[pid] {
			out = append(out, func() { h(roomID, count) })
		}
	}
	return out
}

func (c *Coordinator) presenceOp(fn func(ctx context.Context) error) func() {
	if c.presence == nil {
		return nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.log.Warn().Err(err).Msg("failed to mirror room presence")
		}
	}
}

// enqueue appends deliveries to the room outbox. Must hold c.mu.
func (c *Coordinator) enqueue(r *room, fns ...func()) {
	for _, fn := range fns {
		c.enqueueLocked(r, fn)
	}
}

func (c *Coordinator) enqueueLocked(r *room, fn func()) {
	if fn != nil {
		r.outbox = append(r.outbox, fn)
	}
}

// drain is entered with c.mu held and returns with it released. Handlers
// run without the lock so they may call back into the Coordinator.
func (c *Coordinator) drain(r *room) {
	if r.draining {
		c.mu.Unlock()
		return
	}
	r.draining = true

	for {
		if len(r.outbox) == 0 {
			r.draining = false
			c.mu.Unlock()
			return
		}
		batch := r.outbox
		r.outbox = nil
		c.mu.Unlock()

		for _, fn := range batch {
			fn()
		}

		c.mu.Lock()
	}
}

func sortedMembers(r *room) []string {
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
