package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/liveroom/internal/models"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxFrameSize   = 64 * 1024
	sendBufferSize = 256
)

// WebSocketDialer connects to the broker's /ws/signal endpoint.
type WebSocketDialer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	Logger zerolog.Logger
}

// Connect dials the broker. A non-nil error is always a *Error.
func (d *WebSocketDialer) Connect(ctx context.Context) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, &Error{Op: "connect", Err: err}
	}

	c := &wsConn{
		conn: ws,
		send: make(chan []byte, sendBufferSize),
		disp: newDispatcher(),
		done: make(chan struct{}),
		log:  d.Logger.With().Str("url", d.URL).Logger(),
	}

	go c.writePump()
	go c.readPump()

	return c, nil
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	disp *dispatcher
	log  zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) Done() <-chan struct{} {
	return c.done
}

func (c *wsConn) Subscribe(ctx context.Context, topic string, h Handler) error {
	if c.closed() {
		return ErrNotConnected
	}
	if !c.disp.add(topic, h) {
		return nil
	}
	return c.write(ctx, models.Frame{Action: models.FrameSubscribe, Topic: topic})
}

func (c *wsConn) Publish(ctx context.Context, topic string, env models.Envelope) error {
	if c.closed() {
		return ErrNotConnected
	}
	return c.write(ctx, models.Frame{Action: models.FramePublish, Topic: topic, Envelope: &env})
}

func (c *wsConn) Disconnect() error {
	c.shutdown()
	return nil
}

func (c *wsConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *wsConn) write(ctx context.Context, f models.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.conn.Close()
		c.disp.stop()
	})
}

func (c *wsConn) readPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !c.closed() {
				c.log.Warn().Err(err).Msg("broker connection lost")
			}
			return
		}

		var f models.Frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.log.Warn().Err(err).Msg("failed to parse frame")
			continue
		}

		switch f.Action {
		case models.FrameEvent:
			if f.Envelope == nil {
				continue
			}
			c.disp.dispatch(f.Topic, *f.Envelope)
		case models.FrameError:
			c.log.Warn().Str("topic", f.Topic).Str("error", f.Error).Msg("broker rejected frame")
			if f.Envelope != nil {
				c.disp.dispatch(f.Topic, *f.Envelope)
			}
		default:
			c.log.Debug().Str("action", string(f.Action)).Msg("ignoring frame")
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn().Err(err).Msg("failed to write frame")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
