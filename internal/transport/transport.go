// Package transport provides the duplex signaling channel between a
// participant and the broker. A transport never retries: when the underlying
// connection is lost, Done is closed and every later Publish fails with
// ErrNotConnected. Reconnecting is the caller's job.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mossy-p/liveroom/internal/models"
)

// ErrNotConnected is returned when publishing on a closed or lost connection.
var ErrNotConnected = errors.New("transport: not connected")

// Error is a connection-level failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Handler receives envelopes delivered on a subscribed topic. Handlers of one
// connection run sequentially in arrival order.
type Handler func(topic string, env models.Envelope)

// Dialer opens connections to a broker.
type Dialer interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is a live handle on a broker connection.
type Conn interface {
	Subscribe(ctx context.Context, topic string, h Handler) error
	Publish(ctx context.Context, topic string, env models.Envelope) error
	Disconnect() error
	// Done is closed once the connection is gone, whether through
	// Disconnect or a network failure.
	Done() <-chan struct{}
}

const topicPrefix = "room:"

// Topic returns the room-scoped topic for a message kind.
func Topic(roomID string, kind models.MessageType) string {
	return topicPrefix + roomID + ":" + string(kind)
}

// ParseTopic splits a topic built by Topic.
func ParseTopic(topic string) (roomID string, kind models.MessageType, ok bool) {
	if !strings.HasPrefix(topic, topicPrefix) {
		return "", "", false
	}
	rest := topic[len(topicPrefix):]
	i := strings.LastIndex(rest, ":")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], models.MessageType(rest[i+1:]), true
}
