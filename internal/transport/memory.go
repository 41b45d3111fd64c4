package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/mossy-p/liveroom/internal/models"
)

var errBrokerUnavailable = errors.New("memory broker unavailable")

// MemoryBroker is an in-process broker. Like the WebSocket broker it does not
// echo a publication back to its sender.
type MemoryBroker struct {
	mu          sync.Mutex
	conns       map[*memoryConn]struct{}
	unavailable bool
	dials       int
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{conns: make(map[*memoryConn]struct{})}
}

// Connect implements Dialer.
func (b *MemoryBroker) Connect(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "connect", Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.unavailable {
		return nil, &Error{Op: "connect", Err: errBrokerUnavailable}
	}

	c := &memoryConn{
		broker: b,
		topics: make(map[string]struct{}),
		disp:   newDispatcher(),
		done:   make(chan struct{}),
	}
	b.conns[c] = struct{}{}
	return c, nil
}

// SetAvailable controls whether Connect succeeds.
func (b *MemoryBroker) SetAvailable(ok bool) {
	b.mu.Lock()
	b.unavailable = !ok
	b.mu.Unlock()
}

// DropAll severs every open connection, as a network failure would.
func (b *MemoryBroker) DropAll() {
	b.mu.Lock()
	conns := make([]*memoryConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
}

// Connections returns the number of open connections.
func (b *MemoryBroker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Dials returns how many times Connect has been called.
func (b *MemoryBroker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *MemoryBroker) publish(from *memoryConn, topic string, env models.Envelope) {
	b.mu.Lock()
	targets := make([]*memoryConn, 0, len(b.conns))
	for c := range b.conns {
		if c != from && c.subscribed(topic) {
			targets = append(targets, c)
		}
	}
	b.mu.Unlock()

	for _, c := range targets {
		c.disp.dispatch(topic, env)
	}
}

func (b *MemoryBroker) remove(c *memoryConn) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

type memoryConn struct {
	broker *MemoryBroker
	disp   *dispatcher

	mu     sync.Mutex
	topics map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func (c *memoryConn) Done() <-chan struct{} {
	return c.done
}

func (c *memoryConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *memoryConn) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

func (c *memoryConn) Subscribe(ctx context.Context, topic string, h Handler) error {
	if c.closed() {
		return ErrNotConnected
	}
	c.disp.add(topic, h)
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *memoryConn) Publish(ctx context.Context, topic string, env models.Envelope) error {
	if c.closed() {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.broker.publish(c, topic, env)
	return nil
}

func (c *memoryConn) Disconnect() error {
	c.shutdown()
	return nil
}

func (c *memoryConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.broker.remove(c)
		c.disp.stop()
	})
}
