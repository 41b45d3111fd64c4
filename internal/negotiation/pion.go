package negotiation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/liveroom/internal/models"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var errPeerFailed = errors.New("peer connection failed")

// PionFactory builds peer connections on pion/webrtc.
type PionFactory struct {
	iceServers []webrtc.ICEServer
	api        *webrtc.API
}

// NewPionFactory registers VP8 and Opus plus the default interceptors and
// returns a factory using the given ICE servers.
func NewPionFactory(iceServers []webrtc.ICEServer) (*PionFactory, error) {
	m := &webrtc.MediaEngine{}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("failed to register VP8: %w", err)
	}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register Opus: %w", err)
	}

	i := &interceptor.Registry{}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, err
	}
	i.Add(pli)
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	return &PionFactory{
		iceServers: iceServers,
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i)),
	}, nil
}

func (f *PionFactory) NewPeerConnection() (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, err
	}
	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) AddTrack(t Track) error {
	lt, ok := t.(*LocalTrack)
	if !ok {
		return fmt.Errorf("unsupported track type %T", t)
	}
	sender, err := p.pc.AddTrack(lt.track)
	if err != nil {
		return err
	}

	// RTCP must be drained for interceptors such as NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *pionPeer) AddRecvOnly(kind TrackKind) error {
	codecType := webrtc.NewRTPCodecType(string(kind))
	if codecType == 0 {
		return fmt.Errorf("unknown track kind %q", kind)
	}
	_, err := p.pc.AddTransceiverFromKind(codecType, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (p *pionPeer) CreateOffer() (models.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	return models.SessionDescription{Type: models.SDPTypeOffer, SDP: offer.SDP}, nil
}

func (p *pionPeer) CreateAnswer() (models.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	return models.SessionDescription{Type: models.SDPTypeAnswer, SDP: answer.SDP}, nil
}

func (p *pionPeer) SetLocalDescription(desc models.SessionDescription) error {
	return p.pc.SetLocalDescription(toPion(desc))
}

func (p *pionPeer) SetRemoteDescription(desc models.SessionDescription) error {
	return p.pc.SetRemoteDescription(toPion(desc))
}

func (p *pionPeer) AddICECandidate(c models.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (p *pionPeer) OnICECandidate(fn func(models.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(models.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (p *pionPeer) OnTrack(fn func(RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(RemoteTrack{ID: track.ID(), Kind: TrackKind(track.Kind().String())})
	})
}

func (p *pionPeer) OnFailed(fn func(error)) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed {
			fn(errPeerFailed)
		}
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

func toPion(desc models.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(desc.Type)), SDP: desc.SDP}
}

// LocalTrack is a sample-fed track that pion can send.
type LocalTrack struct {
	track *webrtc.TrackLocalStaticSample
}

func (t *LocalTrack) ID() string      { return t.track.ID() }
func (t *LocalTrack) Kind() TrackKind { return TrackKind(t.track.Kind().String()) }

// WriteSample pushes one encoded frame to every peer the track is bound to.
func (t *LocalTrack) WriteSample(data []byte, duration time.Duration) error {
	return t.track.WriteSample(media.Sample{Data: data, Duration: duration})
}

// SampleSource is a VP8 plus Opus capture fed by the caller.
type SampleSource struct {
	video *LocalTrack
	audio *LocalTrack

	mu       sync.Mutex
	released bool
}

func NewSampleSource(streamID string) (*SampleSource, error) {
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
	if err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, err
	}
	return &SampleSource{video: &LocalTrack{track: video}, audio: &LocalTrack{track: audio}}, nil
}

func (s *SampleSource) Video() *LocalTrack { return s.video }
func (s *SampleSource) Audio() *LocalTrack { return s.audio }

func (s *SampleSource) Tracks() []Track {
	return []Track{s.audio, s.video}
}

func (s *SampleSource) Release() error {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
	return nil
}

// Released reports whether Release has been called.
func (s *SampleSource) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
