package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/liveroom/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultRedisPingInterval = 5 * time.Second

// RedisDialer uses Redis pub/sub as the broker. Unlike the WebSocket broker,
// Redis echoes a connection's own publications back to it.
type RedisDialer struct {
	Options      *redis.Options
	PingInterval time.Duration
	Logger       zerolog.Logger
}

func (d *RedisDialer) Connect(ctx context.Context) (Conn, error) {
	client := redis.NewClient(d.Options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, &Error{Op: "connect", Err: err}
	}

	interval := d.PingInterval
	if interval <= 0 {
		interval = defaultRedisPingInterval
	}

	c := &redisConn{
		client: client,
		subs:   make(map[string]*redis.PubSub),
		disp:   newDispatcher(),
		done:   make(chan struct{}),
		log:    d.Logger.With().Str("redis", d.Options.Addr).Logger(),
	}
	go c.pingLoop(interval)

	return c, nil
}

type redisConn struct {
	client *redis.Client
	disp   *dispatcher
	log    zerolog.Logger

	mu   sync.Mutex
	subs map[string]*redis.PubSub

	done      chan struct{}
	closeOnce sync.Once
}

func (c *redisConn) Done() <-chan struct{} {
	return c.done
}

func (c *redisConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *redisConn) Subscribe(ctx context.Context, topic string, h Handler) error {
	if c.closed() {
		return ErrNotConnected
	}
	if !c.disp.add(topic, h) {
		return nil
	}

	ps := c.client.Subscribe(ctx, topic)
	// Wait for the confirmation so nothing published afterwards is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		c.disp.remove(topic)
		return &Error{Op: "subscribe", Err: err}
	}

	if !c.track(topic, ps) {
		c.disp.remove(topic)
		return ErrNotConnected
	}
	go c.readLoop(ps)
	return nil
}

// track records ps for shutdown. A connection that already shut down closes
// ps instead, since nothing would be left to close it.
func (c *redisConn) track(topic string, ps *redis.PubSub) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed() {
		ps.Close()
		return false
	}
	c.subs[topic] = ps
	return true
}

func (c *redisConn) Publish(ctx context.Context, topic string, env models.Envelope) error {
	if c.closed() {
		return ErrNotConnected
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := c.client.Publish(ctx, topic, data).Err(); err != nil {
		if c.closed() {
			return ErrNotConnected
		}
		return &Error{Op: "publish", Err: err}
	}
	return nil
}

func (c *redisConn) Disconnect() error {
	return c.shutdown()
}

func (c *redisConn) shutdown() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		for topic, ps := range c.subs {
			ps.Close()
			delete(c.subs, topic)
		}
		c.mu.Unlock()

		c.disp.stop()
		err = c.client.Close()
	})
	return err
}

func (c *redisConn) readLoop(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		var env models.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			c.log.Warn().Err(err).Str("topic", msg.Channel).Msg("failed to parse envelope")
			continue
		}
		c.disp.dispatch(msg.Channel, env)
	}
}

func (c *redisConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := c.client.Ping(ctx).Err()
			cancel()
			if err != nil {
				c.log.Warn().Err(err).Msg("redis connection lost")
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}
