// Package negotiation drives one peer connection through the offer/answer
// exchange. Every Session owns a goroutine that applies operations strictly
// in arrival order, so remote signals, local ICE candidates and teardown
// never race each other.
package negotiation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mossy-p/liveroom/internal/logger"
	"github.com/mossy-p/liveroom/internal/models"
	"github.com/rs/zerolog"
)

const opsBuffer = 128

// Config describes the pair a session negotiates for.
type Config struct {
	// ID is the correlation id shared by both sides, see models.SessionIDFor.
	ID       string
	RoomID   string
	LocalID  string
	RemoteID string

	// Media is attached when the session answers an offer delivered
	// through Deliver. Nil means receive-only. The session owns the handle
	// and releases it at teardown whether or not it was attached.
	Media MediaSource

	// OnStateChange runs on the session goroutine. It must not call
	// blocking Session methods.
	OnStateChange func(State)
}

// Session is one NegotiationSession. It is never reused: after Closed or
// Failed a new Session must be created.
type Session struct {
	cfg      Config
	pc       PeerConnection
	signaler Signaler
	log      zerolog.Logger

	state atomic.Int32

	ops    chan func()
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the session goroutine.
	remoteSet bool
	pending   []models.ICECandidate
	media     MediaSource
	released  bool
	applied   []models.ICECandidate
	appliedMu sync.Mutex
}

// NewSession wires pc's callbacks and starts the session goroutine.
func NewSession(cfg Config, pc PeerConnection, signaler Signaler, log zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:      cfg,
		pc:       pc,
		signaler: signaler,
		log: log.With().
			Str(logger.FieldSessionID, cfg.ID).
			Str(logger.FieldRoomID, cfg.RoomID).
			Str("remote_id", cfg.RemoteID).
			Logger(),
		ops:    make(chan func(), opsBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}

	pc.OnICECandidate(func(c models.ICECandidate) {
		s.post(func() { s.onLocalCandidate(c) })
	})
	pc.OnTrack(func(t RemoteTrack) {
		s.post(func() { s.onRemoteTrack(t) })
	})
	pc.OnFailed(func(err error) {
		s.post(func() { s.fail("peer connection", err) })
	})

	go s.run()
	return s
}

func (s *Session) ID() string       { return s.cfg.ID }
func (s *Session) RemoteID() string { return s.cfg.RemoteID }

// State returns the current state; safe from any goroutine.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session reaches Closed or Failed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// AppliedCandidates returns the remote candidates handed to the peer
// connection so far, in application order.
func (s *Session) AppliedCandidates() []models.ICECandidate {
	s.appliedMu.Lock()
	defer s.appliedMu.Unlock()
	return append([]models.ICECandidate(nil), s.applied...)
}

// CreateOffer attaches media (receive-only transceivers when nil), sets the
// local offer and publishes it. Valid only from Idle.
func (s *Session) CreateOffer(ctx context.Context, media MediaSource) error {
	return s.do(ctx, func() error { return s.createOffer(ctx, media) })
}

// AwaitOffer moves an idle session to AwaitingOffer.
func (s *Session) AwaitOffer(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.State() != StateIdle {
			return s.invalid("await offer")
		}
		s.setState(StateAwaitingOffer)
		return nil
	})
}

// HandleOffer applies a remote offer, attaches media, answers and publishes
// the answer. Valid only from Idle or AwaitingOffer.
func (s *Session) HandleOffer(ctx context.Context, offer models.Offer, media MediaSource) error {
	return s.do(ctx, func() error { return s.handleOffer(ctx, offer, media) })
}

// HandleAnswer applies a remote answer. Outside OfferSent the answer is
// stale: it is logged and dropped and nil is returned.
func (s *Session) HandleAnswer(ctx context.Context, answer models.Answer) error {
	return s.do(ctx, func() error { return s.handleAnswer(answer) })
}

// HandleCandidate applies a remote candidate, or queues it until the remote
// description exists.
func (s *Session) HandleCandidate(ctx context.Context, c models.CandidateSignal) error {
	return s.do(ctx, func() error {
		s.handleCandidate(c.Candidate)
		return nil
	})
}

// Deliver queues an inbound signal without waiting for it to be processed.
// Failures are logged; a failing offer or answer moves the session to Failed.
func (s *Session) Deliver(sig models.Signal) {
	s.post(func() {
		var err error
		switch v := sig.(type) {
		case models.Offer:
			err = s.handleOffer(s.ctx, v, s.cfg.Media)
		case models.Answer:
			err = s.handleAnswer(v)
		case models.CandidateSignal:
			s.handleCandidate(v.Candidate)
		default:
			err = fmt.Errorf("%w: %T", models.ErrUnknownSignal, sig)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("signal", string(sig.Kind())).Msg("failed to process signal")
		}
	})
}

// Teardown closes the peer connection and releases the media handle. It is
// idempotent and may be called from any goroutine except the session's own.
func (s *Session) Teardown() {
	finished := make(chan struct{})
	select {
	case s.ops <- func() { s.teardown(); close(finished) }:
	case <-s.done:
		return
	}
	select {
	case <-finished:
	case <-s.done:
	}
}

func (s *Session) run() {
	for op := range s.ops {
		op()
		if s.State().Terminal() {
			s.cancel()
			close(s.done)
			return
		}
	}
}

func (s *Session) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	select {
	case s.ops <- func() { result <- fn() }:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-s.done:
		// The op may have been the one that terminated the session.
		select {
		case err := <-result:
			return err
		default:
			return ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) post(fn func()) {
	select {
	case s.ops <- fn:
	case <-s.done:
	}
}

func (s *Session) setState(next State) {
	prev := s.State()
	if prev == next {
		return
	}
	s.state.Store(int32(next))
	s.log.Debug().Str("from", prev.String()).Str(logger.FieldState, next.String()).Msg("negotiation state changed")
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(next)
	}
}

func (s *Session) invalid(op string) error {
	return fmt.Errorf("%w: cannot %s in state %s", ErrInvalidState, op, s.State())
}

func (s *Session) correlation() models.Correlation {
	return models.Correlation{
		RoomID:    s.cfg.RoomID,
		SessionID: s.cfg.ID,
		From:      s.cfg.LocalID,
		To:        s.cfg.RemoteID,
	}
}

func (s *Session) createOffer(ctx context.Context, media MediaSource) error {
	if s.State() != StateIdle {
		return s.invalid("create offer")
	}
	if err := s.attach(media); err != nil {
		return s.fail("attach media", err)
	}
	s.setState(StateCreatingOffer)

	offer, err := s.pc.CreateOffer()
	if err != nil {
		return s.fail("create offer", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return s.fail("set local offer", err)
	}
	s.setState(StateOfferSent)

	if err := s.signaler.Signal(ctx, models.Offer{Correlation: s.correlation(), SDP: offer.SDP}); err != nil {
		return s.fail("publish offer", err)
	}
	return nil
}

func (s *Session) handleOffer(ctx context.Context, offer models.Offer, media MediaSource) error {
	switch s.State() {
	case StateIdle:
		s.setState(StateAwaitingOffer)
	case StateAwaitingOffer:
	default:
		return s.invalid("handle offer")
	}

	if err := s.pc.SetRemoteDescription(models.SessionDescription{Type: models.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return s.fail("set remote offer", err)
	}
	s.remoteSet = true
	s.flushPending()
	s.setState(StateCreatingAnswer)

	if err := s.attach(media); err != nil {
		return s.fail("attach media", err)
	}

	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return s.fail("create answer", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return s.fail("set local answer", err)
	}
	s.setState(StateAnswerSent)

	if err := s.signaler.Signal(ctx, models.Answer{Correlation: s.correlation(), SDP: answer.SDP}); err != nil {
		return s.fail("publish answer", err)
	}
	return nil
}

func (s *Session) handleAnswer(answer models.Answer) error {
	if st := s.State(); st != StateOfferSent {
		s.log.Info().Str(logger.FieldState, st.String()).Msg("discarding stale answer")
		return nil
	}

	if err := s.pc.SetRemoteDescription(models.SessionDescription{Type: models.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		return s.fail("set remote answer", err)
	}
	s.remoteSet = true
	s.flushPending()
	s.setState(StateConnecting)
	return nil
}

func (s *Session) handleCandidate(c models.ICECandidate) {
	if s.State().Terminal() {
		return
	}
	if !c.Valid() {
		s.log.Warn().Msg("discarding malformed candidate")
		return
	}
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		return
	}
	s.applyCandidate(c)
	s.iceProgressed()
}

func (s *Session) flushPending() {
	queued := s.pending
	s.pending = nil
	for _, c := range queued {
		s.applyCandidate(c)
	}
}

func (s *Session) applyCandidate(c models.ICECandidate) {
	if err := s.pc.AddICECandidate(c); err != nil {
		s.log.Warn().Err(err).Msg("discarding candidate rejected by peer connection")
		return
	}
	s.appliedMu.Lock()
	s.applied = append(s.applied, c)
	s.appliedMu.Unlock()
}

func (s *Session) onLocalCandidate(c models.ICECandidate) {
	if s.State().Terminal() {
		return
	}
	sig := models.CandidateSignal{Correlation: s.correlation(), Candidate: c}
	if err := s.signaler.Signal(s.ctx, sig); err != nil {
		s.fail("publish candidate", err)
		return
	}
	s.iceProgressed()
}

// iceProgressed moves an answering session to Connecting once candidates
// start flowing.
func (s *Session) iceProgressed() {
	if s.State() == StateAnswerSent {
		s.setState(StateConnecting)
	}
}

func (s *Session) onRemoteTrack(t RemoteTrack) {
	s.log.Info().Str("track_id", t.ID).Str("kind", string(t.Kind)).Msg("remote track observed")
	s.iceProgressed()
	if s.State() == StateConnecting {
		s.setState(StateConnected)
	}
}

func (s *Session) attach(media MediaSource) error {
	if media == nil {
		for _, kind := range []TrackKind{TrackKindAudio, TrackKindVideo} {
			if err := s.pc.AddRecvOnly(kind); err != nil {
				return err
			}
		}
		return nil
	}

	s.media = media
	for _, t := range media.Tracks() {
		if err := s.pc.AddTrack(t); err != nil {
			return fmt.Errorf("track %s: %w", t.ID(), err)
		}
	}
	return nil
}

func (s *Session) fail(op string, err error) error {
	nerr := &NegotiationError{SessionID: s.cfg.ID, Op: op, Err: err}
	if s.State().Terminal() {
		return nerr
	}
	s.log.Error().Err(err).Str("op", op).Msg("negotiation failed")
	s.release()
	s.setState(StateFailed)
	return nerr
}

func (s *Session) teardown() {
	if s.State().Terminal() {
		return
	}
	s.release()
	s.setState(StateClosed)
}

func (s *Session) release() {
	if s.released {
		return
	}
	s.released = true
	s.pending = nil
	if err := s.pc.Close(); err != nil {
		s.log.Warn().Err(err).Msg("failed to close peer connection")
	}
	s.releaseMedia(s.media)
	if s.cfg.Media != s.media {
		s.releaseMedia(s.cfg.Media)
	}
}

func (s *Session) releaseMedia(m MediaSource) {
	if m == nil {
		return
	}
	if err := m.Release(); err != nil {
		s.log.Warn().Err(err).Msg("failed to release media")
	}
}
