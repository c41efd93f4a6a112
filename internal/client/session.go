// Package client is the device-side session wrapper for the ride relay. A
// Session owns at most one websocket connection, exposes typed
// publish/subscribe operations and can re-establish the connection when the
// transport drops.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"carpool-relay/internal/relay"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// Lifecycle events, delivered through the same subscription table as relay
// events. Their payload is empty.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventReconnect  = "reconnect"
)

var ErrNotConnected = errors.New("session is not connected")

// Handler receives one event. Relay events arrive on the session's read
// goroutine, so a slow handler delays the events after it.
type Handler func(env relay.Envelope)

type Options struct {
	// URL of the relay websocket endpoint, e.g. ws://localhost:3001/ws.
	URL string
	// Token is sent as a bearer token when set.
	Token string

	// AutoReconnect redials after an unexpected transport close.
	AutoReconnect bool
	// RejoinOnReconnect re-issues join_room for every room joined through
	// this session once a reconnect succeeds. Off by default: the caller is
	// expected to rejoin when it sees EventReconnect.
	RejoinOnReconnect bool
	MinBackoff        time.Duration
	MaxBackoff        time.Duration

	WriteWait time.Duration
	PongWait  time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MinBackoff <= 0 {
		o.MinBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type Session struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	userID   string
	rooms    map[string]struct{}
	handlers map[string]Handler
	stop     context.CancelFunc
	life     context.Context

	writeMu sync.Mutex
}

func New(opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		opts:     opts,
		logger:   opts.Logger.With(slog.String("component", "relay_session")),
		rooms:    make(map[string]struct{}),
		handlers: make(map[string]Handler),
	}
}

// Connect opens the connection for userID and identifies it. Calling it on
// a connected session does nothing.
func (s *Session) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("userID is required")
	}
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, err := s.dial(ctx, userID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.conn != nil {
		// Lost a race with another Connect.
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	if s.stop != nil {
		// Ends a reconnect loop still running from the previous connection.
		s.stop()
	}
	s.conn = conn
	s.userID = userID
	s.life, s.stop = context.WithCancel(context.Background())
	s.mu.Unlock()

	go s.readLoop(conn)
	if err := s.Publish(relay.EventIdentify, relay.Identify{UserID: userID}); err != nil {
		s.abandon(conn)
		return err
	}
	s.emitLocal(EventConnect)
	return nil
}

// abandon drops conn after a failed handshake so the next Connect dials
// again.
func (s *Session) abandon(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.stop()
		s.stop = nil
	}
	s.mu.Unlock()
	conn.Close()
}

// Disconnect closes the transport and stops any reconnect in progress. It is
// safe to call on a session that is not connected.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	clear(s.rooms)
	s.mu.Unlock()

	if conn == nil {
		return
	}
	s.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(s.opts.WriteWait))
	s.writeMu.Unlock()
	conn.Close()
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) JoinRoom(rideID string) error {
	if err := s.Publish(relay.EventJoinRoom, relay.JoinRoom{RideID: rideID}); err != nil {
		return err
	}
	s.mu.Lock()
	s.rooms[rideID] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *Session) LeaveRoom(rideID string) error {
	s.mu.Lock()
	delete(s.rooms, rideID)
	s.mu.Unlock()
	return s.Publish(relay.EventLeaveRoom, relay.LeaveRoom{RideID: rideID})
}

// Publish sends one event. A nil error means the frame was written, not
// that the relay accepted it; acceptance shows up as the echoed event or an
// error event.
func (s *Session) Publish(kind string, payload any) error {
	frame, err := relay.Encode(kind, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return s.write(conn, frame)
}

// Subscribe registers h for kind, replacing any previous handler.
func (s *Session) Subscribe(kind string, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

func (s *Session) Unsubscribe(kind string) {
	s.mu.Lock()
	delete(s.handlers, kind)
	s.mu.Unlock()
}

func (s *Session) dial(ctx context.Context, userID string) (*websocket.Conn, error) {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("userId", userID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if s.opts.Token != "" {
		header.Set("Authorization", "Bearer "+s.opts.Token)
	}
	conn, _, err := s.opts.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("connecting to relay: %w", err)
	}
	return conn, nil
}

func (s *Session) write(conn *websocket.Conn, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (s *Session) readLoop(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.opts.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("relay connection lost", slog.Any("error", err))
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))

		var env relay.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			s.logger.Warn("dropping malformed frame", slog.Any("error", err))
			continue
		}
		s.dispatch(env)
	}
	conn.Close()

	s.mu.Lock()
	current := s.conn == conn
	if current {
		s.conn = nil
	}
	life := s.life
	s.mu.Unlock()

	s.emitLocal(EventDisconnect)
	if current && s.opts.AutoReconnect && life != nil {
		s.reconnect(life)
	}
}

func (s *Session) reconnect(life context.Context) {
	b := &backoff.Backoff{
		Min:    s.opts.MinBackoff,
		Max:    s.opts.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}
	for {
		select {
		case <-life.Done():
			return
		case <-time.After(b.Duration()):
		}

		s.mu.Lock()
		userID := s.userID
		s.mu.Unlock()

		conn, err := s.dial(life, userID)
		if err != nil {
			s.logger.Warn("reconnect failed", slog.Int("attempt", int(b.Attempt())), slog.Any("error", err))
			continue
		}

		s.mu.Lock()
		if life.Err() != nil || s.conn != nil {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		var rooms []string
		if s.opts.RejoinOnReconnect {
			for rideID := range s.rooms {
				rooms = append(rooms, rideID)
			}
		} else {
			clear(s.rooms)
		}
		s.mu.Unlock()

		go s.readLoop(conn)
		s.logger.Info("reconnected to relay", slog.Int("rooms", len(rooms)))

		if err := s.write(conn, mustEncode(relay.EventIdentify, relay.Identify{UserID: userID})); err != nil {
			// The new read loop sees the same failure and retries.
			return
		}
		for _, rideID := range rooms {
			if err := s.write(conn, mustEncode(relay.EventJoinRoom, relay.JoinRoom{RideID: rideID})); err != nil {
				return
			}
		}
		s.emitLocal(EventReconnect)
		return
	}
}

func (s *Session) dispatch(env relay.Envelope) {
	s.mu.Lock()
	h := s.handlers[env.Event]
	s.mu.Unlock()
	if h != nil {
		h(env)
	}
}

func (s *Session) emitLocal(kind string) {
	s.dispatch(relay.Envelope{Event: kind, Payload: json.RawMessage("{}")})
}

func mustEncode(kind string, payload any) []byte {
	frame, err := relay.Encode(kind, payload)
	if err != nil {
		panic(err)
	}
	return frame
}
