package negotiation

import (
	"context"

	"github.com/mossy-p/liveroom/internal/models"
)

// TrackKind is "audio" or "video".
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Track is a local media track that can be attached to a peer connection.
type Track interface {
	ID() string
	Kind() TrackKind
}

// RemoteTrack describes an inbound media track.
type RemoteTrack struct {
	ID   string
	Kind TrackKind
}

// MediaSource is a handle on captured local media. Release is called once
// by whoever holds the handle.
type MediaSource interface {
	Tracks() []Track
	Release() error
}

// PeerConnection is the platform's peer-connection primitive. Callbacks may
// fire on any goroutine.
type PeerConnection interface {
	AddTrack(t Track) error
	AddRecvOnly(kind TrackKind) error
	CreateOffer() (models.SessionDescription, error)
	CreateAnswer() (models.SessionDescription, error)
	SetLocalDescription(desc models.SessionDescription) error
	SetRemoteDescription(desc models.SessionDescription) error
	AddICECandidate(c models.ICECandidate) error
	OnICECandidate(fn func(models.ICECandidate))
	OnTrack(fn func(RemoteTrack))
	OnFailed(fn func(error))
	Close() error
}

// PeerFactory creates peer connections.
type PeerFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// Signaler sends a session's outbound signals to its counterpart.
type Signaler interface {
	Signal(ctx context.Context, sig models.Signal) error
}

// SignalerFunc adapts a function to Signaler.
type SignalerFunc func(ctx context.Context, sig models.Signal) error

func (f SignalerFunc) Signal(ctx context.Context, sig models.Signal) error {
	return f(ctx, sig)
}
