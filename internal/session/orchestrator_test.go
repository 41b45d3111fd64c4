package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/liveroom/internal/models"
	"github.com/mossy-p/liveroom/internal/negotiation"
	"github.com/mossy-p/liveroom/internal/room"
	"github.com/mossy-p/liveroom/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// events is an ordered log shared by the fakes of one test.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(ev string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.log = append(e.log, ev)
	e.mu.Unlock()
}

func (e *events) since(first string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, ev := range e.log {
		if ev == first {
			return append([]string(nil), e.log[i:]...)
		}
	}
	return nil
}

type fakePeer struct {
	events *events

	// Close blocks until closeGate is closed, when set.
	closeGate chan struct{}
	// failEarly reports failure as soon as the handler is installed.
	failEarly bool

	mu       sync.Mutex
	closed   bool
	onFailed func(error)
}

func (p *fakePeer) AddTrack(negotiation.Track) error                     { return nil }
func (p *fakePeer) AddRecvOnly(negotiation.TrackKind) error              { return nil }
func (p *fakePeer) AddICECandidate(models.ICECandidate) error            { return nil }
func (p *fakePeer) OnICECandidate(func(models.ICECandidate))             {}
func (p *fakePeer) OnTrack(func(negotiation.RemoteTrack))                {}
func (p *fakePeer) SetLocalDescription(models.SessionDescription) error  { return nil }
func (p *fakePeer) SetRemoteDescription(models.SessionDescription) error { return nil }

func (p *fakePeer) CreateOffer() (models.SessionDescription, error) {
	return models.SessionDescription{Type: models.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (p *fakePeer) CreateAnswer() (models.SessionDescription, error) {
	return models.SessionDescription{Type: models.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (p *fakePeer) OnFailed(fn func(error)) {
	p.mu.Lock()
	p.onFailed = fn
	early := p.failEarly
	p.mu.Unlock()
	if early {
		fn(errors.New("ice failed"))
	}
}

func (p *fakePeer) fail() {
	p.mu.Lock()
	fn := p.onFailed
	p.mu.Unlock()
	fn(errors.New("ice failed"))
}

func (p *fakePeer) Close() error {
	if p.closeGate != nil {
		<-p.closeGate
	}
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.events.add("close_peer")
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeFactory struct {
	events *events

	// firstCloseGate, when set, makes the first peer's Close block on it.
	firstCloseGate chan struct{}
	// firstFailsEarly makes the first peer fail while its session is built.
	firstFailsEarly bool

	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakeFactory) NewPeerConnection() (negotiation.PeerConnection, error) {
	p := &fakePeer{events: f.events}
	f.mu.Lock()
	if len(f.peers) == 0 {
		p.closeGate = f.firstCloseGate
		p.failEarly = f.firstFailsEarly
	}
	f.mu.Unlock()
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeTrack struct{ id string }

func (t fakeTrack) ID() string                  { return t.id }
func (t fakeTrack) Kind() negotiation.TrackKind { return negotiation.TrackKindVideo }

type fakeSource struct {
	events *events

	mu       sync.Mutex
	released int
}

func (s *fakeSource) Tracks() []negotiation.Track {
	return []negotiation.Track{fakeTrack{id: "cam"}}
}

func (s *fakeSource) Release() error {
	s.mu.Lock()
	s.released++
	s.mu.Unlock()
	s.events.add("release_media")
	return nil
}

func (s *fakeSource) releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func deviceFor(src *fakeSource) MediaDevice {
	return MediaDeviceFunc(func(context.Context) (negotiation.MediaSource, error) {
		return src, nil
	})
}

// recordingDialer logs publications and disconnects of the conns it hands out.
type recordingDialer struct {
	transport.Dialer
	events *events
}

func (d *recordingDialer) Connect(ctx context.Context) (transport.Conn, error) {
	c, err := d.Dialer.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &recordingConn{Conn: c, events: d.events}, nil
}

type recordingConn struct {
	transport.Conn
	events *events
}

func (c *recordingConn) Publish(ctx context.Context, topic string, env models.Envelope) error {
	c.events.add("publish_" + string(env.Type))
	return c.Conn.Publish(ctx, topic, env)
}

func (c *recordingConn) Disconnect() error {
	c.events.add("disconnect")
	return c.Conn.Disconnect()
}

// manualClock hands out reconnect waits that fire only when told to.
type manualClock struct {
	delays chan time.Duration
	fire   chan time.Time
}

func newManualClock() *manualClock {
	return &manualClock{
		delays: make(chan time.Duration, 16),
		fire:   make(chan time.Time),
	}
}

func (c *manualClock) after(d time.Duration) <-chan time.Time {
	c.delays <- d
	return c.fire
}

func (c *manualClock) expectWait(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-c.delays:
		return d
	case <-time.After(waitFor):
		t.Fatal("no wait was scheduled")
		return 0
	}
}

func (c *manualClock) elapse(t *testing.T) {
	t.Helper()
	select {
	case c.fire <- time.Now():
	case <-time.After(waitFor):
		t.Fatal("nobody was waiting")
	}
}

func hostConfig(src *fakeSource) Config {
	return Config{
		RoomID:      "evt-1",
		Participant: models.Participant{ID: "host", Role: models.RoleHost},
		Media:       deviceFor(src),
		Logger:      zerolog.Nop(),
	}
}

func viewerConfig(id string) Config {
	return Config{
		RoomID:      "evt-1",
		Participant: models.Participant{ID: id, Role: models.RoleViewer},
		HostID:      "host",
		Logger:      zerolog.Nop(),
	}
}

func stopOnCleanup(t *testing.T, o *Orchestrator) {
	t.Cleanup(func() { o.Stop(context.Background()) })
}

// rawConn joins the broker without an orchestrator, to inject envelopes.
func rawConn(t *testing.T, broker *transport.MemoryBroker) transport.Conn {
	t.Helper()
	c, err := broker.Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func publish(t *testing.T, c transport.Conn, env models.Envelope) {
	t.Helper()
	require.NoError(t, c.Publish(context.Background(), transport.Topic(env.RoomID, env.Type), env))
}

func TestHostAndViewerNegotiate(t *testing.T) {
	broker := transport.NewMemoryBroker()
	src := &fakeSource{}

	host := New(hostConfig(src), broker, &fakeFactory{})
	stopOnCleanup(t, host)
	require.NoError(t, host.Start(context.Background()))
	assert.Equal(t, Connected, host.State())

	viewer := New(viewerConfig("viewerA"), broker, &fakeFactory{})
	stopOnCleanup(t, viewer)
	require.NoError(t, viewer.Start(context.Background()))

	require.Eventually(t, func() bool {
		s := viewer.Session("host")
		return s != nil && s.State() == negotiation.StateConnecting
	}, waitFor, tick)

	hs := host.Session("viewerA")
	require.NotNil(t, hs)
	assert.Equal(t, models.SessionIDFor("evt-1", "viewerA"), hs.ID())
	assert.Equal(t, viewer.Session("host").ID(), hs.ID())
	assert.Equal(t, negotiation.StateAnswerSent, hs.State())

	require.NoError(t, viewer.Stop(context.Background()))
	require.Eventually(t, func() bool { return host.Session("viewerA") == nil }, waitFor, tick)

	require.NoError(t, host.Stop(context.Background()))
	assert.Equal(t, 1, src.releases())
}

func TestHostServesSeveralViewers(t *testing.T) {
	broker := transport.NewMemoryBroker()
	src := &fakeSource{}

	host := New(hostConfig(src), broker, &fakeFactory{})
	stopOnCleanup(t, host)
	require.NoError(t, host.Start(context.Background()))

	for _, id := range []string{"viewerA", "viewerB"} {
		v := New(viewerConfig(id), broker, &fakeFactory{})
		stopOnCleanup(t, v)
		require.NoError(t, v.Start(context.Background()))
	}

	require.Eventually(t, func() bool {
		peers := host.Peers()
		return peers["viewerA"] == negotiation.StateAnswerSent &&
			peers["viewerB"] == negotiation.StateAnswerSent
	}, waitFor, tick)
	assert.Equal(t, 0, src.releases())
}

func TestReconnectAfterFixedDelayWithFreshSession(t *testing.T) {
	broker := transport.NewMemoryBroker()
	clock := newManualClock()

	var mu sync.Mutex
	var states []ConnState
	cfg := viewerConfig("viewerA")
	cfg.OnConnState = func(s ConnState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}

	viewer := New(cfg, broker, &fakeFactory{}, WithAfter(clock.after))
	stopOnCleanup(t, viewer)
	require.NoError(t, viewer.Start(context.Background()))

	first := viewer.Session("host")
	require.NotNil(t, first)
	assert.Equal(t, negotiation.StateOfferSent, first.State())

	answer, err := models.EncodeSignal(models.Answer{
		Correlation: models.Correlation{
			RoomID:    "evt-1",
			SessionID: models.SessionIDFor("evt-1", "viewerA"),
			From:      "host",
			To:        "viewerA",
		},
		SDP: "answer-sdp",
	})
	require.NoError(t, err)
	publish(t, rawConn(t, broker), answer)
	require.Eventually(t, func() bool { return first.State() == negotiation.StateConnecting }, waitFor, tick)

	broker.DropAll()

	assert.Equal(t, DefaultReconnectDelay, clock.expectWait(t))
	assert.Equal(t, 5*time.Second, DefaultReconnectDelay)
	assert.Equal(t, Disconnected, viewer.State())
	assert.Equal(t, negotiation.StateClosed, first.State())
	assert.Nil(t, viewer.Session("host"))

	clock.elapse(t)

	require.Eventually(t, func() bool { return viewer.State() == Connected }, waitFor, tick)
	second := viewer.Session("host")
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, negotiation.StateOfferSent, second.State())
	assert.Equal(t, 2, broker.Dials())

	mu.Lock()
	assert.Equal(t, []ConnState{Connected, Disconnected, Reconnecting, Connected}, states)
	mu.Unlock()
}

func TestReconnectRetriesUntilBrokerReturns(t *testing.T) {
	broker := transport.NewMemoryBroker()
	broker.SetAvailable(false)
	clock := newManualClock()

	viewer := New(viewerConfig("viewerA"), broker, &fakeFactory{}, WithAfter(clock.after))
	stopOnCleanup(t, viewer)

	// The first failure is not fatal: the loop takes over.
	require.NoError(t, viewer.Start(context.Background()))
	assert.Equal(t, DefaultReconnectDelay, clock.expectWait(t))
	assert.Equal(t, Disconnected, viewer.State())

	clock.elapse(t)
	assert.Equal(t, DefaultReconnectDelay, clock.expectWait(t))
	assert.Equal(t, 2, broker.Dials())

	broker.SetAvailable(true)
	clock.elapse(t)

	require.Eventually(t, func() bool { return viewer.State() == Connected }, waitFor, tick)
	assert.Equal(t, 3, broker.Dials())
}

func TestStopTearsDownInOrder(t *testing.T) {
	broker := transport.NewMemoryBroker()
	log := &events{}
	src := &fakeSource{events: log}

	host := New(hostConfig(src), &recordingDialer{Dialer: broker, events: log}, &fakeFactory{events: log})
	require.NoError(t, host.Start(context.Background()))

	viewer := rawConn(t, broker)
	join, _ := json.Marshal(models.JoinPayload{Role: models.RoleViewer})
	publish(t, viewer, models.Envelope{Type: models.MessageTypeJoinRoom, RoomID: "evt-1", From: "viewerA", Payload: join})
	require.Eventually(t, func() bool { return host.Session("viewerA") != nil }, waitFor, tick)

	require.NoError(t, host.Stop(context.Background()))

	assert.Equal(t, []string{"close_peer", "publish_leave_room", "disconnect", "release_media"}, log.since("close_peer"))
	assert.Equal(t, Disconnected, host.State())

	// Stopping twice changes nothing.
	require.NoError(t, host.Stop(context.Background()))
	assert.Equal(t, 1, src.releases())
	assert.ErrorIs(t, host.Start(context.Background()), ErrStopped)
}

func TestMediaAcquisitionFailurePreventsStart(t *testing.T) {
	broker := transport.NewMemoryBroker()
	denied := errors.New("camera permission denied")

	cfg := hostConfig(nil)
	cfg.Media = MediaDeviceFunc(func(context.Context) (negotiation.MediaSource, error) {
		return nil, denied
	})
	host := New(cfg, broker, &fakeFactory{})
	stopOnCleanup(t, host)

	err := host.Start(context.Background())
	var mediaErr *MediaAcquisitionError
	require.ErrorAs(t, err, &mediaErr)
	assert.ErrorIs(t, err, denied)
	assert.Equal(t, 0, broker.Dials())
	assert.Equal(t, Disconnected, host.State())
}

func TestStartAfterMediaFailureCanRetry(t *testing.T) {
	broker := transport.NewMemoryBroker()
	src := &fakeSource{}
	attempts := 0

	cfg := hostConfig(nil)
	cfg.Media = MediaDeviceFunc(func(context.Context) (negotiation.MediaSource, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("camera busy")
		}
		return src, nil
	})
	host := New(cfg, broker, &fakeFactory{})
	stopOnCleanup(t, host)

	var mediaErr *MediaAcquisitionError
	require.ErrorAs(t, host.Start(context.Background()), &mediaErr)

	require.NoError(t, host.Start(context.Background()))
	assert.Equal(t, Connected, host.State())
	assert.ErrorIs(t, host.Start(context.Background()), ErrAlreadyStarted)
}

func TestStopDuringMediaAcquisitionReleasesCapture(t *testing.T) {
	src := &fakeSource{}
	acquiring := make(chan struct{})
	proceed := make(chan struct{})

	cfg := hostConfig(nil)
	cfg.Media = MediaDeviceFunc(func(context.Context) (negotiation.MediaSource, error) {
		close(acquiring)
		<-proceed
		return src, nil
	})
	broker := transport.NewMemoryBroker()
	host := New(cfg, broker, &fakeFactory{})

	started := make(chan error, 1)
	go func() { started <- host.Start(context.Background()) }()

	<-acquiring
	require.NoError(t, host.Stop(context.Background()))
	close(proceed)

	select {
	case err := <-started:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(waitFor):
		t.Fatal("Start did not return")
	}
	assert.Equal(t, 1, src.releases())
	assert.Equal(t, 0, broker.Dials())
}

func TestHostWithoutDeviceCannotStart(t *testing.T) {
	cfg := hostConfig(nil)
	cfg.Media = nil
	host := New(cfg, transport.NewMemoryBroker(), &fakeFactory{})

	err := host.Start(context.Background())
	assert.ErrorIs(t, err, ErrNoMediaDevice)
}

func TestChatRequiresJoin(t *testing.T) {
	broker := transport.NewMemoryBroker()
	viewer := New(viewerConfig("viewerA"), broker, &fakeFactory{})
	stopOnCleanup(t, viewer)

	err := viewer.SendChat(context.Background(), "hello")
	assert.ErrorIs(t, err, room.ErrNotInRoom)
}

func TestChatAndViewerCountReachObservers(t *testing.T) {
	broker := transport.NewMemoryBroker()
	src := &fakeSource{}

	host := New(hostConfig(src), broker, &fakeFactory{})
	stopOnCleanup(t, host)
	require.NoError(t, host.Start(context.Background()))

	var mu sync.Mutex
	var got []models.ChatMessage
	var counts []int
	host.OnChat(func(m models.ChatMessage) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	host.OnViewerCount(func(n int) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	})

	viewer := New(viewerConfig("viewerA"), broker, &fakeFactory{})
	stopOnCleanup(t, viewer)
	require.NoError(t, viewer.Start(context.Background()))
	require.NoError(t, viewer.SendChat(context.Background(), "first"))
	require.NoError(t, viewer.SendChat(context.Background(), "second"))

	counter := rawConn(t, broker)
	payload, _ := json.Marshal(models.ViewerCountPayload{Count: 2})
	publish(t, counter, models.Envelope{Type: models.MessageTypeViewerCount, RoomID: "evt-1", Payload: payload})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2 && len(counts) == 1
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "first", got[0].Text)
	assert.Equal(t, "second", got[1].Text)
	assert.Equal(t, "viewerA", got[0].ParticipantID)
	assert.Equal(t, "evt-1", got[0].RoomID)
	assert.Equal(t, []int{2}, counts)
	assert.Equal(t, 2, host.ViewerCount())
}

func TestBrokerErrorsReachObservers(t *testing.T) {
	broker := transport.NewMemoryBroker()
	viewer := New(viewerConfig("viewerA"), broker, &fakeFactory{})
	stopOnCleanup(t, viewer)
	require.NoError(t, viewer.Start(context.Background()))

	errs := make(chan error, 2)
	viewer.OnError(func(err error) { errs <- err })

	// Rejections come back on the topic of the rejected publication.
	other := rawConn(t, broker)
	reject := models.Envelope{Type: models.MessageTypeError, RoomID: "evt-1", To: "viewerA", Error: "participant not in room"}
	require.NoError(t, other.Publish(context.Background(), transport.Topic("evt-1", models.MessageTypeChat), reject))

	// Addressed to someone else.
	reject.To = "viewerB"
	require.NoError(t, other.Publish(context.Background(), transport.Topic("evt-1", models.MessageTypeChat), reject))

	select {
	case err := <-errs:
		var be *BrokerError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, models.MessageTypeChat, be.Type)
		assert.Equal(t, "participant not in room", be.Message)
	case <-time.After(waitFor):
		t.Fatal("error not delivered")
	}

	select {
	case err := <-errs:
		t.Fatalf("unexpected error %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestViewerIgnoresForeignSignals(t *testing.T) {
	broker := transport.NewMemoryBroker()
	viewer := New(viewerConfig("viewerA"), broker, &fakeFactory{})
	stopOnCleanup(t, viewer)
	require.NoError(t, viewer.Start(context.Background()))

	other := rawConn(t, broker)
	answer := func(from, sessionID string) models.Envelope {
		env, err := models.EncodeSignal(models.Answer{
			Correlation: models.Correlation{RoomID: "evt-1", SessionID: sessionID, From: from, To: "viewerA"},
			SDP:         "answer-sdp",
		})
		require.NoError(t, err)
		return env
	}

	publish(t, other, answer("impostor", models.SessionIDFor("evt-1", "viewerA")))
	publish(t, other, answer("host", models.SessionIDFor("evt-1", "viewerB")))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, negotiation.StateOfferSent, viewer.Session("host").State())

	publish(t, other, answer("host", models.SessionIDFor("evt-1", "viewerA")))
	require.Eventually(t, func() bool {
		return viewer.Session("host").State() == negotiation.StateConnecting
	}, waitFor, tick)
}

func TestViewerRenegotiatesAfterFailure(t *testing.T) {
	broker := transport.NewMemoryBroker()
	clock := newManualClock()
	factory := &fakeFactory{}

	viewer := New(viewerConfig("viewerA"), broker, factory, WithAfter(clock.after))
	stopOnCleanup(t, viewer)
	require.NoError(t, viewer.Start(context.Background()))

	first := viewer.Session("host")
	require.NotNil(t, first)
	factory.last().fail()

	assert.Equal(t, DefaultReconnectDelay, clock.expectWait(t))
	assert.Equal(t, negotiation.StateFailed, first.State())
	assert.Nil(t, viewer.Session("host"))

	clock.elapse(t)
	require.Eventually(t, func() bool {
		s := viewer.Session("host")
		return s != nil && s != first && s.State() == negotiation.StateOfferSent
	}, waitFor, tick)
	assert.Equal(t, Connected, viewer.State())
}

func TestEarlyFailureDropsOnlyItsOwnSession(t *testing.T) {
	broker := transport.NewMemoryBroker()
	factory := &fakeFactory{firstFailsEarly: true}
	host := New(hostConfig(&fakeSource{}), broker, factory)
	stopOnCleanup(t, host)
	require.NoError(t, host.Start(context.Background()))

	viewer := rawConn(t, broker)
	publish(t, viewer, models.Envelope{Type: models.MessageTypeJoinRoom, RoomID: "evt-1", From: "viewerA"})
	require.Eventually(t, func() bool {
		factory.mu.Lock()
		defer factory.mu.Unlock()
		return len(factory.peers) == 1 && factory.peers[0].isClosed()
	}, waitFor, tick)
	require.Eventually(t, func() bool { return host.Session("viewerA") == nil }, waitFor, tick)

	publish(t, viewer, models.Envelope{Type: models.MessageTypeJoinRoom, RoomID: "evt-1", From: "viewerA"})
	require.Eventually(t, func() bool { return host.Session("viewerA") != nil }, waitFor, tick)
	second := host.Session("viewerA")

	assert.Never(t, func() bool { return host.Session("viewerA") != second }, 100*time.Millisecond, tick)
	assert.Equal(t, negotiation.StateAwaitingOffer, second.State())
}

func TestHostDropsSessionOnViewerLeave(t *testing.T) {
	broker := transport.NewMemoryBroker()
	factory := &fakeFactory{}
	host := New(hostConfig(&fakeSource{}), broker, factory)
	stopOnCleanup(t, host)
	require.NoError(t, host.Start(context.Background()))

	viewer := rawConn(t, broker)
	publish(t, viewer, models.Envelope{Type: models.MessageTypeJoinRoom, RoomID: "evt-1", From: "viewerA"})
	require.Eventually(t, func() bool { return host.Session("viewerA") != nil }, waitFor, tick)
	assert.Equal(t, negotiation.StateAwaitingOffer, host.Session("viewerA").State())
	pc := factory.last()

	publish(t, viewer, models.Envelope{Type: models.MessageTypeLeaveRoom, RoomID: "evt-1", From: "viewerA"})
	require.Eventually(t, func() bool { return host.Session("viewerA") == nil }, waitFor, tick)
	require.Eventually(t, pc.isClosed, waitFor, tick)
}

func TestSlowPeerCloseDoesNotDelayOtherViewers(t *testing.T) {
	broker := transport.NewMemoryBroker()
	gate := make(chan struct{})
	factory := &fakeFactory{firstCloseGate: gate}
	host := New(hostConfig(&fakeSource{}), broker, factory)
	stopOnCleanup(t, host)
	require.NoError(t, host.Start(context.Background()))

	var once sync.Once
	unblock := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(unblock)

	viewerA := New(viewerConfig("viewerA"), broker, &fakeFactory{})
	stopOnCleanup(t, viewerA)
	require.NoError(t, viewerA.Start(context.Background()))
	require.Eventually(t, func() bool {
		return host.Peers()["viewerA"] == negotiation.StateAnswerSent
	}, waitFor, tick)
	slow := factory.last()

	// viewerA's peer on the host now hangs in Close.
	require.NoError(t, viewerA.Stop(context.Background()))
	require.Eventually(t, func() bool { return host.Session("viewerA") == nil }, waitFor, tick)

	viewerB := New(viewerConfig("viewerB"), broker, &fakeFactory{})
	stopOnCleanup(t, viewerB)
	require.NoError(t, viewerB.Start(context.Background()))
	require.Eventually(t, func() bool {
		s := viewerB.Session("host")
		return s != nil && s.State() == negotiation.StateConnecting
	}, waitFor, tick)
	assert.False(t, slow.isClosed())

	unblock()
	require.Eventually(t, slow.isClosed, waitFor, tick)
}

func TestViewerRenegotiatesWhenHostArrives(t *testing.T) {
	broker := transport.NewMemoryBroker()

	viewer := New(viewerConfig("viewerA"), broker, &fakeFactory{})
	stopOnCleanup(t, viewer)
	require.NoError(t, viewer.Start(context.Background()))
	early := viewer.Session("host")
	require.NotNil(t, early)

	host := New(hostConfig(&fakeSource{}), broker, &fakeFactory{})
	stopOnCleanup(t, host)
	require.NoError(t, host.Start(context.Background()))

	require.Eventually(t, func() bool {
		s := viewer.Session("host")
		return s != nil && s != early && s.State() == negotiation.StateConnecting
	}, waitFor, tick)
	assert.Equal(t, negotiation.StateClosed, early.State())
	require.Eventually(t, func() bool {
		return host.Peers()["viewerA"] == negotiation.StateAnswerSent
	}, waitFor, tick)
}
