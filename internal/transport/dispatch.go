package transport

import (
	"sync"

	"github.com/mossy-p/liveroom/internal/models"
)

const deliveryBuffer = 256

type delivery struct {
	topic string
	env   models.Envelope
}

// dispatcher runs a connection's handlers on a single goroutine so that
// delivery order matches arrival order and the network reader never waits
// on application code.
type dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler

	queue    chan delivery
	done     chan struct{}
	stopOnce sync.Once
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		handlers: make(map[string][]Handler),
		queue:    make(chan delivery, deliveryBuffer),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

// add registers h and reports whether it is the first handler on topic.
func (d *dispatcher) add(topic string, h Handler) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	first := len(d.handlers[topic]) == 0
	d.handlers[topic] = append(d.handlers[topic], h)
	return first
}

func (d *dispatcher) remove(topic string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, topic)
}

func (d *dispatcher) topics() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	return out
}

func (d *dispatcher) dispatch(topic string, env models.Envelope) {
	select {
	case d.queue <- delivery{topic: topic, env: env}:
	case <-d.done:
	}
}

func (d *dispatcher) run() {
	for {
		select {
		case dl := <-d.queue:
			d.mu.RLock()
			hs := append([]Handler(nil), d.handlers[dl.topic]...)
			d.mu.RUnlock()
			for _, h := range hs {
				h(dl.topic, dl.env)
			}
		case <-d.done:
			return
		}
	}
}

func (d *dispatcher) stop() {
	d.stopOnce.Do(func() { close(d.done) })
}
