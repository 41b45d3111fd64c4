// Package session composes transport, negotiation and chat for one
// participant of a live event, and owns reconnection.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/liveroom/internal/logger"
	"github.com/mossy-p/liveroom/internal/models"
	"github.com/mossy-p/liveroom/internal/negotiation"
	"github.com/mossy-p/liveroom/internal/room"
	"github.com/mossy-p/liveroom/internal/transport"
	"github.com/rs/zerolog"
)

// DefaultReconnectDelay is the fixed wait between losing the broker and
// dialing it again.
const DefaultReconnectDelay = 5 * time.Second

var (
	ErrStopped        = errors.New("session stopped")
	ErrAlreadyStarted = errors.New("session already started")
	ErrNoMediaDevice  = errors.New("host requires a media device")
)

// ConnState is the orchestrator's view of its broker connection.
type ConnState int

const (
	Disconnected ConnState = iota
	Reconnecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Reconnecting:
		return "reconnecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// MediaAcquisitionError means the capture device could not be opened. The
// session does not start.
type MediaAcquisitionError struct {
	Err error
}

func (e *MediaAcquisitionError) Error() string {
	return fmt.Sprintf("media acquisition failed: %v", e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error {
	return e.Err
}

// BrokerError is a rejection reported by the broker, such as a chat message
// sent before joining.
type BrokerError struct {
	Type    models.MessageType
	Message string
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker rejected %s: %s", e.Type, e.Message)
}

// MediaDevice opens the local capture.
type MediaDevice interface {
	Acquire(ctx context.Context) (negotiation.MediaSource, error)
}

// MediaDeviceFunc adapts a function to MediaDevice.
type MediaDeviceFunc func(ctx context.Context) (negotiation.MediaSource, error)

func (f MediaDeviceFunc) Acquire(ctx context.Context) (negotiation.MediaSource, error) {
	return f(ctx)
}

// Config describes who the orchestrator acts for.
type Config struct {
	RoomID      string
	Participant models.Participant

	// HostID addresses a viewer's signals. Empty means any host in the room.
	HostID string

	// Media is required for hosts and ignored for viewers.
	Media MediaDevice

	ReconnectDelay time.Duration
	Logger         zerolog.Logger

	OnConnState func(ConnState)
	OnPeerState func(remoteID string, state negotiation.State)
}

type Option func(*Orchestrator)

// WithAfter replaces time.After for the reconnect and renegotiation waits.
func WithAfter(after func(time.Duration) <-chan time.Time) Option {
	return func(o *Orchestrator) { o.after = after }
}

var subscribedKinds = []models.MessageType{
	models.MessageTypeOffer,
	models.MessageTypeAnswer,
	models.MessageTypeCandidate,
	models.MessageTypeJoinRoom,
	models.MessageTypeLeaveRoom,
	models.MessageTypeChat,
	models.MessageTypeViewerCount,
}

// Orchestrator runs the host or viewer flow for one room.
type Orchestrator struct {
	cfg     Config
	dialer  transport.Dialer
	factory negotiation.PeerFactory
	log     zerolog.Logger
	after   func(time.Duration) <-chan time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	state    ConnState
	conn     transport.Conn
	gen      uint64
	joined   bool
	started  bool
	stopped  bool
	media    *negotiation.SharedMedia
	sessions map[string]*negotiation.Session

	obsMu     sync.Mutex
	nextObs   uint64
	chatObs   map[uint64]func(models.ChatMessage)
	countObs  map[uint64]func(int)
	errorObs  map[uint64]func(error)
	lastCount int

	stopOnce sync.Once
	stopErr  error
}

func New(cfg Config, dialer transport.Dialer, factory negotiation.PeerFactory, opts ...Option) *Orchestrator {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:     cfg,
		dialer:  dialer,
		factory: factory,
		log: cfg.Logger.With().
			Str(logger.FieldRoomID, cfg.RoomID).
			Str(logger.FieldParticipantID, cfg.Participant.ID).
			Str(logger.FieldRole, string(cfg.Participant.Role)).
			Logger(),
		after:    time.After,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*negotiation.Session),
		chatObs:  make(map[uint64]func(models.ChatMessage)),
		countObs: make(map[uint64]func(int)),
		errorObs: make(map[uint64]func(error)),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) isHost() bool {
	return o.cfg.Participant.Role == models.RoleHost
}

// Start acquires media (hosts only) and connects. A failed first connection
// is retried in the background like any later loss; only media failures and
// misuse are returned.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrStopped
	}
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	o.mu.Unlock()

	if o.isHost() {
		if err := o.acquireMedia(ctx); err != nil {
			return err
		}
	}

	if err := o.establish(ctx); err != nil {
		if errors.Is(err, ErrStopped) {
			return err
		}
		o.log.Warn().Err(err).Msg("initial connection failed")
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.reconnectLoop()
		}()
	}
	return nil
}

// acquireMedia opens the host's capture. On failure the orchestrator may be
// started again.
func (o *Orchestrator) acquireMedia(ctx context.Context) error {
	unstart := func() {
		o.mu.Lock()
		o.started = false
		o.mu.Unlock()
	}

	if o.cfg.Media == nil {
		unstart()
		return &MediaAcquisitionError{Err: ErrNoMediaDevice}
	}
	src, err := o.cfg.Media.Acquire(ctx)
	if err != nil {
		unstart()
		return &MediaAcquisitionError{Err: err}
	}

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		if err := src.Release(); err != nil {
			o.log.Warn().Err(err).Msg("failed to release media")
		}
		return ErrStopped
	}
	o.media = negotiation.Share(src)
	o.mu.Unlock()
	return nil
}

// Stop tears down every negotiation, leaves the room, disconnects and
// releases media, in that order. It is idempotent.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		o.stopped = true
		sessions := o.takeSessionsLocked()
		conn, joined := o.conn, o.joined
		o.conn, o.joined = nil, false
		media := o.media
		o.media = nil
		o.mu.Unlock()

		o.cancel()

		for _, s := range sessions {
			s.Teardown()
		}

		var errs []error
		if conn != nil {
			if joined {
				env := models.Envelope{Type: models.MessageTypeLeaveRoom, RoomID: o.cfg.RoomID, From: o.cfg.Participant.ID}
				if err := conn.Publish(ctx, transport.Topic(o.cfg.RoomID, models.MessageTypeLeaveRoom), env); err != nil {
					o.log.Debug().Err(err).Msg("failed to publish leave")
				}
			}
			if err := conn.Disconnect(); err != nil {
				errs = append(errs, err)
			}
		}

		if media != nil {
			if err := media.Release(); err != nil {
				errs = append(errs, err)
			}
		}

		o.wg.Wait()
		o.setState(Disconnected)
		o.stopErr = errors.Join(errs...)
		o.log.Info().Msg("session stopped")
	})
	return o.stopErr
}

// State returns the connection state.
func (o *Orchestrator) State() ConnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Session returns the live negotiation with remoteID, if any.
func (o *Orchestrator) Session(remoteID string) *negotiation.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[remoteID]
}

// Peers returns the negotiation state per remote participant.
func (o *Orchestrator) Peers() map[string]negotiation.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]negotiation.State, len(o.sessions))
	for id, s := range o.sessions {
		out[id] = s.State()
	}
	return out
}

// ViewerCount returns the last count announced for the room.
func (o *Orchestrator) ViewerCount() int {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	return o.lastCount
}

// SendChat publishes a chat message. It fails with room.ErrNotInRoom while
// the participant is not joined.
func (o *Orchestrator) SendChat(ctx context.Context, text string) error {
	o.mu.Lock()
	conn, joined := o.conn, o.joined
	o.mu.Unlock()

	if conn == nil || !joined {
		return fmt.Errorf("%w: %s in %s", room.ErrNotInRoom, o.cfg.Participant.ID, o.cfg.RoomID)
	}

	data, err := json.Marshal(models.ChatPayload{Text: text})
	if err != nil {
		return err
	}
	env := models.Envelope{
		Type:    models.MessageTypeChat,
		RoomID:  o.cfg.RoomID,
		From:    o.cfg.Participant.ID,
		Payload: data,
	}
	return conn.Publish(ctx, transport.Topic(o.cfg.RoomID, models.MessageTypeChat), env)
}

// OnChat registers fn for chat messages of the room.
func (o *Orchestrator) OnChat(fn func(models.ChatMessage)) (cancel func()) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.nextObs++
	id := o.nextObs
	o.chatObs[id] = fn
	return func() {
		o.obsMu.Lock()
		delete(o.chatObs, id)
		o.obsMu.Unlock()
	}
}

// OnViewerCount registers fn for viewer count updates.
func (o *Orchestrator) OnViewerCount(fn func(int)) (cancel func()) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.nextObs++
	id := o.nextObs
	o.countObs[id] = fn
	return func() {
		o.obsMu.Lock()
		delete(o.countObs, id)
		o.obsMu.Unlock()
	}
}

// OnError registers fn for broker rejections. Delivery never blocks the
// caller of SendChat.
func (o *Orchestrator) OnError(fn func(error)) (cancel func()) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.nextObs++
	id := o.nextObs
	o.errorObs[id] = fn
	return func() {
		o.obsMu.Lock()
		delete(o.errorObs, id)
		o.obsMu.Unlock()
	}
}

func (o *Orchestrator) setState(next ConnState) {
	o.mu.Lock()
	prev := o.state
	o.state = next
	o.mu.Unlock()

	if prev == next {
		return
	}
	o.log.Info().Str(logger.FieldState, next.String()).Msg("connection state changed")
	if o.cfg.OnConnState != nil {
		o.cfg.OnConnState(next)
	}
}

// establish dials, subscribes, joins and, for viewers, starts the offer.
func (o *Orchestrator) establish(ctx context.Context) error {
	conn, err := o.dialer.Connect(ctx)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		conn.Disconnect()
		return ErrStopped
	}
	o.gen++
	gen := o.gen
	o.conn = conn
	o.mu.Unlock()

	fail := func(err error) error {
		o.mu.Lock()
		if o.conn == conn {
			o.conn = nil
		}
		o.mu.Unlock()
		conn.Disconnect()
		return err
	}

	for _, kind := range subscribedKinds {
		topic := transport.Topic(o.cfg.RoomID, kind)
		err := conn.Subscribe(ctx, topic, func(topic string, env models.Envelope) {
			o.onEnvelope(gen, topic, env)
		})
		if err != nil {
			return fail(err)
		}
	}

	join, err := json.Marshal(models.JoinPayload{Role: o.cfg.Participant.Role})
	if err != nil {
		return fail(err)
	}
	env := models.Envelope{
		Type:    models.MessageTypeJoinRoom,
		RoomID:  o.cfg.RoomID,
		From:    o.cfg.Participant.ID,
		Payload: join,
	}
	if err := conn.Publish(ctx, transport.Topic(o.cfg.RoomID, models.MessageTypeJoinRoom), env); err != nil {
		return fail(err)
	}

	o.mu.Lock()
	if o.stopped || o.conn != conn {
		o.mu.Unlock()
		conn.Disconnect()
		return ErrStopped
	}
	o.joined = true
	o.mu.Unlock()

	o.setState(Connected)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.watch(conn)
	}()

	if !o.isHost() {
		o.startViewerSession(ctx)
	}
	return nil
}

// watch waits for conn to drop and then drives the reconnect loop.
func (o *Orchestrator) watch(conn transport.Conn) {
	select {
	case <-conn.Done():
	case <-o.ctx.Done():
		return
	}

	o.mu.Lock()
	if o.stopped || o.conn != conn {
		o.mu.Unlock()
		return
	}
	o.conn = nil
	o.joined = false
	sessions := o.takeSessionsLocked()
	o.mu.Unlock()

	o.log.Warn().Msg("broker connection lost")
	for _, s := range sessions {
		s.Teardown()
	}

	o.reconnectLoop()
}

// reconnectLoop waits the fixed delay and dials until it succeeds or the
// orchestrator stops. Sessions are never resumed: establish creates new ones.
func (o *Orchestrator) reconnectLoop() {
	for {
		o.setState(Disconnected)

		select {
		case <-o.after(o.cfg.ReconnectDelay):
		case <-o.ctx.Done():
			return
		}

		o.setState(Reconnecting)
		err := o.establish(o.ctx)
		if err == nil {
			return
		}
		if errors.Is(err, ErrStopped) || o.ctx.Err() != nil {
			return
		}
		o.log.Warn().Err(err).Dur("retry_in", o.cfg.ReconnectDelay).Msg("reconnect failed")
	}
}

func (o *Orchestrator) takeSessionsLocked() []*negotiation.Session {
	out := make([]*negotiation.Session, 0, len(o.sessions))
	for id, s := range o.sessions {
		out = append(out, s)
		delete(o.sessions, id)
	}
	return out
}

func (o *Orchestrator) onEnvelope(gen uint64, topic string, env models.Envelope) {
	o.mu.Lock()
	current := gen == o.gen && !o.stopped
	o.mu.Unlock()
	if !current {
		return
	}

	self := o.cfg.Participant.ID
	if env.RoomID != "" && env.RoomID != o.cfg.RoomID {
		return
	}
	if env.To != "" && env.To != self {
		return
	}

	switch env.Type {
	case models.MessageTypeChat:
		o.onChat(env)
		return
	case models.MessageTypeViewerCount:
		o.onViewerCount(env)
		return
	case models.MessageTypeError:
		_, kind, _ := transport.ParseTopic(topic)
		o.notifyError(&BrokerError{Type: kind, Message: env.Error})
		return
	}

	// Brokers that echo publications back to the sender.
	if env.From == self {
		return
	}

	switch env.Type {
	case models.MessageTypeJoinRoom:
		if o.isHost() {
			o.prepareViewer(env.From)
			return
		}
		o.onHostJoined(env)
	case models.MessageTypeLeaveRoom:
		if o.isHost() {
			o.dropSession(env.From, nil)
		}
	default:
		sig, err := models.DecodeSignal(env)
		if err != nil {
			o.log.Warn().Err(err).Str("type", string(env.Type)).Msg("discarding envelope")
			return
		}
		if o.isHost() {
			o.routeHostSignal(sig)
		} else {
			o.routeViewerSignal(sig)
		}
	}
}

func (o *Orchestrator) onChat(env models.Envelope) {
	var msg models.ChatMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		o.log.Warn().Err(err).Msg("discarding malformed chat message")
		return
	}
	// Brokers without a room coordinator relay the raw payload.
	if msg.ParticipantID == "" {
		msg.ParticipantID = env.From
	}
	if msg.RoomID == "" {
		msg.RoomID = o.cfg.RoomID
	}

	o.obsMu.Lock()
	fns := make([]func(models.ChatMessage), 0, len(o.chatObs))
	for _, fn := range o.chatObs {
		fns = append(fns, fn)
	}
	o.obsMu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}

func (o *Orchestrator) onViewerCount(env models.Envelope) {
	var p models.ViewerCountPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}

	o.obsMu.Lock()
	o.lastCount = p.Count
	fns := make([]func(int), 0, len(o.countObs))
	for _, fn := range o.countObs {
		fns = append(fns, fn)
	}
	o.obsMu.Unlock()

	for _, fn := range fns {
		fn(p.Count)
	}
}

func (o *Orchestrator) notifyError(err error) {
	o.obsMu.Lock()
	fns := make([]func(error), 0, len(o.errorObs))
	for _, fn := range o.errorObs {
		fns = append(fns, fn)
	}
	o.obsMu.Unlock()

	if len(fns) == 0 {
		o.log.Warn().Err(err).Msg("broker reported an error")
	}
	for _, fn := range fns {
		fn(err)
	}
}

// prepareViewer gives a newly joined viewer a fresh session waiting for its
// offer.
func (o *Orchestrator) prepareViewer(viewerID string) {
	if viewerID == "" {
		return
	}
	s, old := o.replaceSession(viewerID)
	o.retire(old)
	if s == nil {
		return
	}
	if err := s.AwaitOffer(o.ctx); err != nil {
		o.log.Debug().Err(err).Str("remote_id", viewerID).Msg("failed to await offer")
	}
}

// onHostJoined restarts a viewer's negotiation when the host (re)joins, since
// any offer sent before that went unanswered.
func (o *Orchestrator) onHostJoined(env models.Envelope) {
	var p models.JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Role != models.RoleHost {
		return
	}
	if o.cfg.HostID != "" && env.From != o.cfg.HostID {
		return
	}
	o.log.Info().Str("host_id", env.From).Msg("host joined, renegotiating")
	o.startViewerSession(o.ctx)
}

func (o *Orchestrator) routeHostSignal(sig models.Signal) {
	corr := sig.Corr()
	viewerID := corr.From
	if viewerID == "" || corr.SessionID != models.SessionIDFor(o.cfg.RoomID, viewerID) {
		o.log.Debug().Str(logger.FieldSessionID, corr.SessionID).Msg("discarding uncorrelated signal")
		return
	}

	switch sig.(type) {
	case models.Offer:
		o.mu.Lock()
		s := o.sessions[viewerID]
		o.mu.Unlock()

		// A viewer that offers again is starting over.
		if s == nil || (s.State() != negotiation.StateIdle && s.State() != negotiation.StateAwaitingOffer) {
			var old *negotiation.Session
			s, old = o.replaceSession(viewerID)
			o.retire(old)
		}
		if s != nil {
			s.Deliver(sig)
		}

	case models.CandidateSignal:
		o.mu.Lock()
		s := o.sessions[viewerID]
		o.mu.Unlock()
		if s == nil {
			var old *negotiation.Session
			s, old = o.replaceSession(viewerID)
			o.retire(old)
		}
		if s != nil {
			s.Deliver(sig)
		}

	default:
		o.log.Debug().Str("type", string(sig.Kind())).Msg("host ignores signal")
	}
}

func (o *Orchestrator) routeViewerSignal(sig models.Signal) {
	corr := sig.Corr()
	if corr.SessionID != models.SessionIDFor(o.cfg.RoomID, o.cfg.Participant.ID) {
		return
	}
	if o.cfg.HostID != "" && corr.From != o.cfg.HostID {
		return
	}

	switch sig.(type) {
	case models.Answer, models.CandidateSignal:
		o.mu.Lock()
		s := o.sessions[o.cfg.HostID]
		o.mu.Unlock()
		if s != nil {
			s.Deliver(sig)
		}
	default:
		o.log.Debug().Str("type", string(sig.Kind())).Msg("viewer ignores signal")
	}
}

func (o *Orchestrator) startViewerSession(ctx context.Context) {
	s, old := o.replaceSession(o.cfg.HostID)
	o.retire(old)
	if s == nil {
		return
	}
	if err := s.CreateOffer(ctx, nil); err != nil {
		o.log.Warn().Err(err).Msg("failed to start negotiation")
	}
}

// replaceSession installs a fresh session for remoteID and returns it along
// with the one it replaced, which the caller must tear down.
func (o *Orchestrator) replaceSession(remoteID string) (*negotiation.Session, *negotiation.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped || o.conn == nil {
		return nil, nil
	}

	old := o.sessions[remoteID]
	delete(o.sessions, remoteID)

	pc, err := o.factory.NewPeerConnection()
	if err != nil {
		o.log.Error().Err(err).Str("remote_id", remoteID).Msg("failed to create peer connection")
		return nil, old
	}

	viewerID := o.cfg.Participant.ID
	if o.isHost() {
		viewerID = remoteID
	}

	cfg := negotiation.Config{
		ID:       models.SessionIDFor(o.cfg.RoomID, viewerID),
		RoomID:   o.cfg.RoomID,
		LocalID:  o.cfg.Participant.ID,
		RemoteID: remoteID,
	}
	if o.media != nil {
		handle, err := o.media.Acquire()
		if err != nil {
			pc.Close()
			o.log.Error().Err(err).Msg("failed to acquire media handle")
			return nil, old
		}
		cfg.Media = handle
	}

	var s *negotiation.Session
	created := make(chan struct{})
	cfg.OnStateChange = func(st negotiation.State) {
		if o.cfg.OnPeerState != nil {
			o.cfg.OnPeerState(remoteID, st)
		}
		if st == negotiation.StateFailed {
			// Runs on the session goroutine, which must not wait on itself.
			go func() {
				<-created
				o.recoverFailed(remoteID, s)
			}()
		}
	}
	s = negotiation.NewSession(cfg, pc, negotiation.SignalerFunc(o.signal), o.log)
	close(created)
	o.sessions[remoteID] = s
	return s, old
}

// recoverFailed drops a failed session. A viewer then starts a new
// negotiation after the reconnect delay; a host waits for a new offer.
func (o *Orchestrator) recoverFailed(remoteID string, failed *negotiation.Session) {
	o.dropSession(remoteID, failed)
	if o.isHost() {
		return
	}

	select {
	case <-o.after(o.cfg.ReconnectDelay):
	case <-o.ctx.Done():
		return
	}

	o.mu.Lock()
	_, replaced := o.sessions[remoteID]
	connected := o.conn != nil && !o.stopped
	o.mu.Unlock()
	if replaced || !connected {
		return
	}
	o.startViewerSession(o.ctx)
}

// dropSession removes and tears down the session for remoteID. When only is
// set, a newer session for the same peer is left alone.
func (o *Orchestrator) dropSession(remoteID string, only *negotiation.Session) {
	o.mu.Lock()
	s, ok := o.sessions[remoteID]
	if !ok || (only != nil && s != only) {
		o.mu.Unlock()
		return
	}
	delete(o.sessions, remoteID)
	o.mu.Unlock()

	o.retire(s)
}

// retire tears s down off the dispatch path, so a peer that is slow to
// close holds up no other negotiation. Stop waits for it.
func (o *Orchestrator) retire(s *negotiation.Session) {
	if s == nil {
		return
	}
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		s.Teardown()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		s.Teardown()
	}()
}

func (o *Orchestrator) signal(ctx context.Context, sig models.Signal) error {
	env, err := models.EncodeSignal(sig)
	if err != nil {
		return err
	}

	o.mu.Lock()
	conn := o.conn
	o.mu.Unlock()
	if conn == nil {
		return transport.ErrNotConnected
	}
	return conn.Publish(ctx, transport.Topic(o.cfg.RoomID, sig.Kind()), env)
}
