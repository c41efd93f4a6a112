package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// TransportConfig bounds each websocket connection.
type TransportConfig struct {
	WriteWait      time.Duration // Time allowed to write a message to the peer.
	PongWait       time.Duration // Time allowed to read the next pong message from the peer.
	MaxMessageSize int64         // Maximum message size allowed from peer.
	SendBuffer     int           // Outbound frames queued per connection.
}

func (t TransportConfig) withDefaults() TransportConfig {
	if t.WriteWait <= 0 {
		t.WriteWait = 10 * time.Second
	}
	if t.PongWait <= 0 {
		t.PongWait = 60 * time.Second
	}
	if t.MaxMessageSize <= 0 {
		t.MaxMessageSize = 4096
	}
	if t.SendBuffer <= 0 {
		t.SendBuffer = 256
	}
	return t
}

// pingPeriod must be less than PongWait.
func (t TransportConfig) pingPeriod() time.Duration {
	return (t.PongWait * 9) / 10
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	cfg    TransportConfig
	logger *slog.Logger

	closeOnce sync.Once
}

var _ Sink = (*Client)(nil)

// Send queues a frame without blocking.
func (c *Client) Send(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which closes the socket.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// readPump pumps frames from the websocket connection to the hub. A missed
// heartbeat surfaces as a read deadline error and ends the connection.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Info("connection lost", slog.Any("error", err))
			}
			return
		}
		// Also counts as liveness for clients that do not answer pings.
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		ev, err := DecodeInbound(frame)
		if err == nil {
			c.prefetch(ctx, ev)
		}
		c.hub.Submit(ctx, c.id, ev, err)
	}
}

// prefetch warms the ride book so the loop never waits on the ride source.
func (c *Client) prefetch(ctx context.Context, ev Inbound) {
	var rideID string
	switch e := ev.(type) {
	case *RequestJoin:
		rideID = e.RideID
	case *DecideRequest:
		if req, err := c.hub.store.Request(ctx, e.RequestID); err == nil {
			rideID = req.RideID
		}
	default:
		return
	}
	if rideID == "" {
		return
	}
	lookupCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.hub.rides.Resolve(lookupCtx, rideID); err != nil && !errors.Is(err, ErrUnknownRide) {
		c.logger.Warn("ride lookup failed", slog.String("rideID", rideID), slog.Any("error", err))
	}
}

// writePump pumps frames from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// One frame per websocket message; clients parse each message as
			// a single envelope.
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
