package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
)

// Options wires the hub's collaborators. Only Logger is required.
type Options struct {
	Store    Store
	Rides    *RideBook
	Broker   Broker
	Archive  Archive
	Notifier Notifier

	// Outbox runs archive writes and notifications. One is created when
	// Archive or Notifier is set and Outbox is nil.
	Outbox *Outbox

	// FanoutBuffer bounds deliveries waiting to be published to the
	// broker. The loop blocks when it is full.
	FanoutBuffer int

	// ResubscribeMin and ResubscribeMax bound the retry delay after the
	// broker subscription fails.
	ResubscribeMin time.Duration
	ResubscribeMax time.Duration

	SweepInterval time.Duration
	Logger        *slog.Logger

	Now   func() time.Time
	NewID func() string
}

var errHubStopped = errors.New("hub stopped")

type registration struct {
	conn   *Client
	userID string
	pinned bool
}

type inboundEvent struct {
	connID string
	event  Inbound
	err    error
}

// Hub is the relay's event loop. Run is the only goroutine that touches
// the registry, rooms and router, so events are handled one at a time in a
// single global order.
type Hub struct {
	register   chan registration
	unregister chan *Client
	inbound    chan inboundEvent
	remote     chan Delivery
	brokerUp   chan bool
	query      chan func()
	stopped    chan struct{}

	registry *Registry
	rooms    *Rooms
	store    Store
	rides    *RideBook
	router   *Router

	id         string
	broker     Broker
	subscribed bool // loop-owned; false until the broker confirms
	resub      backoff.Backoff
	fanout     *Outbox
	outbox     *Outbox
	ownsOut    bool
	sweepInt   time.Duration

	logger *slog.Logger
}

func NewHub(opts Options) *Hub {
	logger := opts.Logger.With(slog.String("component", "hub"))
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Rides == nil {
		opts.Rides = NewRideBook(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = newTimeOrderedID
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.FanoutBuffer <= 0 {
		opts.FanoutBuffer = 1024
	}
	if opts.ResubscribeMin <= 0 {
		opts.ResubscribeMin = 100 * time.Millisecond
	}
	if opts.ResubscribeMax <= 0 {
		opts.ResubscribeMax = 10 * time.Second
	}

	rooms := NewRooms()
	h := &Hub{
		register:   make(chan registration),
		unregister: make(chan *Client),
		inbound:    make(chan inboundEvent, 256),
		remote:     make(chan Delivery, 256),
		brokerUp:   make(chan bool),
		query:      make(chan func()),
		stopped:    make(chan struct{}),
		registry:   NewRegistry(rooms),
		rooms:      rooms,
		store:      opts.Store,
		rides:      opts.Rides,
		id:         uuid.NewString(),
		broker:     opts.Broker,
		resub:      backoff.Backoff{Min: opts.ResubscribeMin, Max: opts.ResubscribeMax, Factor: 2, Jitter: true},
		outbox:     opts.Outbox,
		sweepInt:   opts.SweepInterval,
		logger:     logger,
	}
	if h.outbox == nil && (opts.Archive != nil || opts.Notifier != nil) {
		h.outbox = NewOutbox(1024, 5*time.Second, opts.Logger)
		h.ownsOut = true
	}
	if h.broker != nil {
		h.fanout = NewOutbox(opts.FanoutBuffer, 5*time.Second, opts.Logger.With(slog.String("outbox", "fanout")))
	}

	h.router = &Router{
		registry: h.registry,
		rooms:    rooms,
		store:    opts.Store,
		rides:    opts.Rides,
		emit:     h,
		archive:  opts.Archive,
		notifier: opts.Notifier,
		later:    h.later,
		now:      opts.Now,
		newID:    opts.NewID,
		logger:   opts.Logger.With(slog.String("component", "event_router")),
	}
	return h
}

func newTimeOrderedID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Store exposes the delivery/state store for snapshot reads.
func (h *Hub) Store() Store { return h.store }

// Rides exposes the ride book.
func (h *Hub) Rides() *RideBook { return h.rides }

// Run is the infinite loop that owns relay state. It returns when ctx is
// cancelled, after closing every connection.
func (h *Hub) Run(ctx context.Context) {
	if h.ownsOut {
		go h.outbox.Run(ctx)
	}
	if h.broker != nil {
		go h.fanout.Run(ctx)
		go h.subscribe(ctx)
	}

	sweep := time.NewTicker(h.sweepInt)
	defer sweep.Stop()
	defer close(h.stopped)

	for {
		select {
		case reg := <-h.register:
			h.connect(reg.conn.id, reg.conn, reg.userID, reg.pinned)

		case c := <-h.unregister:
			h.disconnect(c.id)

		case ev := <-h.inbound:
			h.dispatch(ctx, ev.connID, ev.event, ev.err)

		case d := <-h.remote:
			if d.Echoed && d.Origin == h.id {
				continue
			}
			h.deliverLocal(d)

		case up := <-h.brokerUp:
			if up != h.subscribed {
				h.logger.Info("broker subscription changed", slog.Bool("subscribed", up))
			}
			h.subscribed = up

		case fn := <-h.query:
			fn()

		case <-sweep.C:
			if n := h.rooms.Sweep(); n > 0 {
				h.logger.Debug("swept inert rooms", slog.Int("count", n))
			}

		case <-ctx.Done():
			for _, c := range h.registry.All() {
				h.disconnect(c.ID)
			}
			h.logger.Info("hub stopped")
			return
		}
	}
}

// Register hands a freshly upgraded connection to the loop. userID comes
// from the handshake and may be empty; pinned marks it as verified.
func (h *Hub) Register(ctx context.Context, c *Client, userID string, pinned bool) error {
	select {
	case h.register <- registration{conn: c, userID: userID, pinned: pinned}:
		return nil
	case <-h.stopped:
		return errHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unregister is called exactly once per connection, when its transport
// closes or its handshake fails.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

// Submit queues a decoded inbound event (or its decode error) for the loop.
func (h *Hub) Submit(ctx context.Context, connID string, ev Inbound, err error) {
	select {
	case h.inbound <- inboundEvent{connID: connID, event: ev, err: err}:
	case <-h.stopped:
	case <-ctx.Done():
	}
}

type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
	Rides       int `json:"rides"`
}

// Stats reads counters from inside the loop.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	out := make(chan Stats, 1)
	errc := make(chan error, 1)
	fn := func() {
		rides, err := h.rides.Len(ctx)
		if err != nil {
			errc <- err
			return
		}
		out <- Stats{Connections: h.registry.Len(), Rooms: h.rooms.Len(), Rides: rides}
	}
	select {
	case h.query <- fn:
	case <-h.stopped:
		return Stats{}, errHubStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case s := <-out:
		return s, nil
	case err := <-errc:
		return Stats{}, err
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (h *Hub) connect(connID string, sink Sink, userID string, pinned bool) {
	conn := h.registry.Register(connID, sink)
	if userID != "" {
		// The connection was just registered, Identify cannot fail.
		_ = h.registry.Identify(connID, userID)
		conn.Pinned = pinned
	}
	h.logger.Debug("connection registered",
		slog.String("connID", connID),
		slog.String("userID", userID),
		slog.Int("total", h.registry.Len()))
}

func (h *Hub) disconnect(connID string) {
	conn, ok := h.registry.Get(connID)
	if !ok {
		return
	}
	rooms := h.registry.Unregister(connID)
	conn.Sink.Close()
	h.logger.Debug("connection unregistered",
		slog.String("connID", connID),
		slog.String("userID", conn.UserID),
		slog.Int("rooms", len(rooms)),
		slog.Int("remaining", h.registry.Len()))
}

func (h *Hub) dispatch(ctx context.Context, connID string, ev Inbound, decodeErr error) {
	err := decodeErr
	if err == nil {
		err = h.router.Handle(ctx, connID, ev)
	}
	if err == nil {
		return
	}
	if errors.Is(err, ErrUnknownConnection) {
		// Nobody left to tell.
		return
	}

	var rerr *Error
	if !errors.As(err, &rerr) {
		h.logger.Error("event failed", slog.String("connID", connID), slog.Any("error", err))
		rerr = &Error{Code: ReasonInternal}
	} else {
		h.logger.Debug("event rejected", slog.String("connID", connID), slog.String("reason", string(rerr.Code)), slog.String("detail", rerr.Detail))
	}
	frame, mErr := Encode(EventError, ErrorEvent{ReasonCode: rerr.Code, Detail: rerr.Detail})
	if mErr != nil {
		return
	}
	h.toConn(connID, frame)
}

func (h *Hub) later(name string, fn Task) {
	if h.outbox == nil {
		return
	}
	h.outbox.Enqueue(name, fn)
}

// ---------------------------------------------
// Delivery
// ---------------------------------------------

// toConn drops the connection when its buffer is full; a peer that cannot
// keep up is treated as gone.
func (h *Hub) toConn(connID string, frame []byte) {
	conn, ok := h.registry.Get(connID)
	if !ok {
		return
	}
	if !conn.Sink.Send(frame) {
		h.logger.Warn("send buffer full, dropping connection", slog.String("connID", connID))
		h.disconnect(connID)
	}
}

func (h *Hub) toRoom(ctx context.Context, roomID string, frame []byte) {
	h.route(ctx, Delivery{Room: roomID, Frame: frame})
}

func (h *Hub) toUser(ctx context.Context, userID string, frame []byte) {
	h.route(ctx, Delivery{User: userID, Frame: frame})
}

func (h *Hub) route(ctx context.Context, d Delivery) {
	if h.broker == nil {
		h.deliverLocal(d)
		return
	}
	d.Origin = h.id
	if !h.subscribed {
		// Our own publish will not come back to us.
		h.deliverLocal(d)
		d.Echoed = true
	}
	// Blocking keeps per-room order through the broker; the fanout worker
	// never waits on the loop.
	err := h.fanout.EnqueueWait(ctx, "publish delivery", func(ctx context.Context) error {
		err := h.broker.Publish(ctx, d)
		if err != nil && !d.Echoed {
			h.redeliver(ctx, d)
		}
		return err
	})
	if err != nil {
		h.logger.Error("fanout enqueue failed", slog.Any("error", err))
		if !d.Echoed {
			h.deliverLocal(d)
		}
	}
}

// redeliver hands a delivery whose publish failed back to the loop, so at
// least this instance's members receive it.
func (h *Hub) redeliver(ctx context.Context, d Delivery) {
	select {
	case h.remote <- Delivery{Room: d.Room, User: d.User, Frame: d.Frame}:
	case <-h.stopped:
	case <-ctx.Done():
		h.logger.Warn("dropping delivery after failed publish", slog.String("room", d.Room), slog.String("user", d.User))
	}
}

func (h *Hub) deliverLocal(d Delivery) {
	var targets []string
	switch {
	case d.Room != "":
		targets = h.rooms.MembersOf(d.Room)
	case d.User != "":
		targets = h.registry.ConnectionsFor(d.User)
	}
	for _, connID := range targets {
		h.toConn(connID, d.Frame)
	}
}

// subscribe keeps a broker subscription alive until ctx is done. While it
// is down the loop delivers locally.
func (h *Hub) subscribe(ctx context.Context) {
	for {
		err := h.broker.Subscribe(ctx, func() {
			h.resub.Reset()
			h.setSubscribed(ctx, true)
		}, func(d Delivery) {
			select {
			case h.remote <- d:
			case <-ctx.Done():
			}
		})
		h.setSubscribed(ctx, false)
		if ctx.Err() != nil {
			return
		}

		wait := h.resub.Duration()
		h.logger.Error("broker subscription ended, retrying",
			slog.Any("error", err),
			slog.Duration("retryIn", wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) setSubscribed(ctx context.Context, up bool) {
	select {
	case h.brokerUp <- up:
	case <-ctx.Done():
	}
}
