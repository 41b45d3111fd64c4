package negotiation

import (
	"errors"
	"sync"
)

// ErrMediaReleased is returned when acquiring a handle on released media.
var ErrMediaReleased = errors.New("media source released")

// SharedMedia lets one capture feed many sessions. The creator holds one
// reference, every Acquire adds one, and the underlying source is released
// when the last reference goes away.
type SharedMedia struct {
	src MediaSource

	mu        sync.Mutex
	refs      int
	ownerDone bool
}

func Share(src MediaSource) *SharedMedia {
	return &SharedMedia{src: src, refs: 1}
}

// Acquire returns a handle whose Release drops exactly one reference no
// matter how often it is called.
func (m *SharedMedia) Acquire() (MediaSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs == 0 || m.ownerDone {
		return nil, ErrMediaReleased
	}
	m.refs++
	return &mediaHandle{shared: m}, nil
}

func (m *SharedMedia) Tracks() []Track {
	return m.src.Tracks()
}

// Release drops the creator's reference.
func (m *SharedMedia) Release() error {
	m.mu.Lock()
	if m.ownerDone {
		m.mu.Unlock()
		return nil
	}
	m.ownerDone = true
	m.mu.Unlock()
	return m.unref()
}

// Refs returns the number of live references.
func (m *SharedMedia) Refs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

func (m *SharedMedia) unref() error {
	m.mu.Lock()
	m.refs--
	last := m.refs == 0
	m.mu.Unlock()
	if last {
		return m.src.Release()
	}
	return nil
}

type mediaHandle struct {
	shared *SharedMedia
	once   sync.Once
}

func (h *mediaHandle) Tracks() []Track {
	return h.shared.Tracks()
}

func (h *mediaHandle) Release() error {
	var err error
	h.once.Do(func() { err = h.shared.unref() })
	return err
}
