package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"
)

// memBroker is an in-process Broker shared by several hubs.
type memBroker struct {
	mu         sync.Mutex
	subs       []func(Delivery)
	subscribed chan struct{}
}

func newMemBroker() *memBroker {
	return &memBroker{subscribed: make(chan struct{}, 8)}
}

func (b *memBroker) Publish(_ context.Context, d Delivery) error {
	b.mu.Lock()
	subs := append([]func(Delivery){}, b.subs...)
	b.mu.Unlock()
	for _, deliver := range subs {
		deliver(d)
	}
	return nil
}

func (b *memBroker) Subscribe(ctx context.Context, ready func(), deliver func(Delivery)) error {
	b.mu.Lock()
	b.subs = append(b.subs, deliver)
	b.mu.Unlock()
	ready()
	b.subscribed <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

// flakyBroker refuses the first failures subscriptions, then behaves like
// its memBroker. Every publish is recorded.
type flakyBroker struct {
	*memBroker
	mu        sync.Mutex
	failures  int
	attempts  int
	published []Delivery
}

func (b *flakyBroker) Subscribe(ctx context.Context, ready func(), deliver func(Delivery)) error {
	b.mu.Lock()
	b.attempts++
	fail := b.failures != 0
	if b.failures > 0 {
		b.failures--
	}
	b.mu.Unlock()
	if fail {
		return errors.New("connection refused")
	}
	return b.memBroker.Subscribe(ctx, ready, deliver)
}

func (b *flakyBroker) Publish(ctx context.Context, d Delivery) error {
	b.mu.Lock()
	b.published = append(b.published, d)
	b.mu.Unlock()
	return b.memBroker.Publish(ctx, d)
}

func (b *flakyBroker) stats() (attempts int, published []Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts, append([]Delivery(nil), b.published...)
}

// stuckBroker never finishes a publish before its context ends.
type stuckBroker struct {
	publishing chan struct{}
}

func (b *stuckBroker) Publish(ctx context.Context, _ Delivery) error {
	select {
	case b.publishing <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func (b *stuckBroker) Subscribe(ctx context.Context, ready func(), _ func(Delivery)) error {
	ready()
	<-ctx.Done()
	return ctx.Err()
}

func newPipeClient(id string, h *Hub) *Client {
	return &Client{id: id, hub: h, send: make(chan []byte, 64), logger: newTestLogger()}
}

func startHub(t *testing.T, opts Options) (*Hub, context.CancelFunc) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = newTestLogger()
	}
	h := NewHub(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h, cancel
}

func submit(t *testing.T, h *Hub, c *Client, event string, payload any) {
	t.Helper()
	frame, err := Encode(event, payload)
	if err != nil {
		t.Fatal(err)
	}
	ev, err := DecodeInbound(frame)
	h.Submit(context.Background(), c.id, ev, err)
}

// next waits for the next frame of kind on c, skipping others.
func next(t *testing.T, c *Client, kind string, v any) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				t.Fatalf("%s: connection closed while waiting for %s", c.id, kind)
			}
			var env Envelope
			if err := json.Unmarshal(frame, &env); err != nil {
				t.Fatalf("bad frame: %v", err)
			}
			if env.Event != kind {
				continue
			}
			if v != nil {
				if err := env.Decode(v); err != nil {
					t.Fatal(err)
				}
			}
			return
		case <-timeout:
			t.Fatalf("%s: timed out waiting for %s", c.id, kind)
		}
	}
}

func TestHub_RunProcessesEventsAndStats(t *testing.T) {
	h, _ := startHub(t, Options{})
	ctx := context.Background()

	a := newPipeClient("A", h)
	b := newPipeClient("B", h)
	if err := h.Register(ctx, a, "user1", false); err != nil {
		t.Fatal(err)
	}
	if err := h.Register(ctx, b, "user2", false); err != nil {
		t.Fatal(err)
	}
	submit(t, h, a, EventJoinRoom, JoinRoom{RideID: "ride42"})
	submit(t, h, b, EventJoinRoom, JoinRoom{RideID: "ride42"})
	// B's echo proves B's join was applied before A publishes.
	submit(t, h, b, EventPublishMessage, PublishMessage{RideID: "ride42", Body: "ready"})
	next(t, b, EventNewMessage, nil)

	submit(t, h, a, EventPublishMessage, PublishMessage{RideID: "ride42", Body: "hi"})
	var atB ChatMessage
	for atB.Body != "hi" {
		next(t, b, EventNewMessage, &atB)
	}
	var atA ChatMessage
	for atA.Body != "hi" {
		next(t, a, EventNewMessage, &atA)
	}
	if atA.ID != atB.ID {
		t.Errorf("ids differ: %s vs %s", atA.ID, atB.ID)
	}

	stats, err := h.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Connections != 2 || stats.Rooms != 1 {
		t.Errorf("stats = %+v", stats)
	}

	h.Unregister(b)
	for range b.send {
		// Drain until the hub closes it.
	}
	stats, _ = h.Stats(ctx)
	if stats.Connections != 1 {
		t.Errorf("connections after unregister = %d", stats.Connections)
	}
}

func TestHub_SweepsInertRooms(t *testing.T) {
	h, _ := startHub(t, Options{SweepInterval: 10 * time.Millisecond})
	ctx := context.Background()
	a := newPipeClient("A", h)
	h.Register(ctx, a, "user1", false)

	submit(t, h, a, EventJoinRoom, JoinRoom{RideID: "ride42"})
	submit(t, h, a, EventLeaveRoom, LeaveRoom{RideID: "ride42"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		stats, err := h.Stats(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if stats.Rooms == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("room never swept: %+v", stats)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_StopClosesConnections(t *testing.T) {
	h, cancel := startHub(t, Options{})
	a := newPipeClient("A", h)
	h.Register(context.Background(), a, "user1", false)

	cancel()
	select {
	case _, ok := <-a.send:
		if ok {
			t.Fatal("unexpected frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send channel not closed on stop")
	}

	if err := h.Register(context.Background(), newPipeClient("B", h), "user2", false); !errors.Is(err, errHubStopped) {
		t.Errorf("Register after stop = %v", err)
	}
	if _, err := h.Stats(context.Background()); !errors.Is(err, errHubStopped) {
		t.Errorf("Stats after stop = %v", err)
	}
}

// Both hubs share one Store and RideBook, as instances sharing Redis do.
func TestHub_FanoutAcrossInstances(t *testing.T) {
	broker := newMemBroker()
	store := NewMemoryStore()
	rides := NewRideBook(nil)
	rides.Put(context.Background(), Ride{ID: "ride42", OwnerID: "user3", AvailableSeats: 2})

	east, _ := startHub(t, Options{Broker: broker, Store: store, Rides: rides})
	west, _ := startHub(t, Options{Broker: broker, Store: store, Rides: rides})
	for range 2 {
		select {
		case <-broker.subscribed:
		case <-time.After(2 * time.Second):
			t.Fatal("hubs never subscribed")
		}
	}

	ctx := context.Background()
	passenger := newPipeClient("P", east)
	chatter := newPipeClient("X", east)
	owner := newPipeClient("O", west)
	listener := newPipeClient("L", west)
	east.Register(ctx, passenger, "user4", false)
	east.Register(ctx, chatter, "user1", false)
	west.Register(ctx, owner, "user3", false)
	west.Register(ctx, listener, "user2", false)

	// Room delivery crosses instances.
	submit(t, west, listener, EventJoinRoom, JoinRoom{RideID: "ride42"})
	submit(t, west, listener, EventPublishMessage, PublishMessage{RideID: "ride42", Body: "ready"})
	next(t, listener, EventNewMessage, nil)

	submit(t, east, chatter, EventJoinRoom, JoinRoom{RideID: "ride42"})
	submit(t, east, chatter, EventPublishMessage, PublishMessage{RideID: "ride42", Body: "hi"})
	var msg ChatMessage
	for msg.Body != "hi" {
		next(t, listener, EventNewMessage, &msg)
	}
	if msg.SenderID != "user1" {
		t.Errorf("sender = %s", msg.SenderID)
	}
	if log, _ := west.Store().MessagesFor(ctx, "ride42"); len(log) != 2 {
		t.Errorf("west sees %d messages, want 2", len(log))
	}

	// User-targeted delivery reaches the owner on the other instance.
	submit(t, east, passenger, EventRequestJoin, RequestJoin{RideID: "ride42", UserName: "Bob"})
	var req RideRequest
	next(t, owner, EventRideRequest, &req)
	if req.UserID != "user4" {
		t.Errorf("request from %s", req.UserID)
	}

	// A request created on east is decided on west.
	submit(t, west, owner, EventDecideRequest, DecideRequest{RequestID: req.ID, Decision: StatusAccepted})
	var resp RideRequestResponse
	next(t, passenger, EventRideRequestResponse, &resp)
	if resp.Status != StatusAccepted {
		t.Errorf("status = %s", resp.Status)
	}
	var update RideUpdate
	next(t, chatter, EventRideUpdate, &update)
	if update.AvailableSeats != 1 {
		t.Errorf("seats = %d", update.AvailableSeats)
	}

	// Errors stay local to the sender.
	submit(t, east, passenger, EventPublishMessage, PublishMessage{RideID: "ride7", Body: "x"})
	var e ErrorEvent
	next(t, passenger, EventError, &e)
	if e.ReasonCode != ReasonNotRoomMember {
		t.Errorf("reason = %s", e.ReasonCode)
	}
}

func TestHub_DeliversLocallyWhileUnsubscribed(t *testing.T) {
	broker := &flakyBroker{memBroker: newMemBroker(), failures: -1}
	h, _ := startHub(t, Options{Broker: broker, ResubscribeMin: time.Millisecond, ResubscribeMax: 5 * time.Millisecond})
	ctx := context.Background()

	a := newPipeClient("A", h)
	h.Register(ctx, a, "user1", false)
	submit(t, h, a, EventJoinRoom, JoinRoom{RideID: "ride42"})
	submit(t, h, a, EventPublishMessage, PublishMessage{RideID: "ride42", Body: "hi"})

	var echo ChatMessage
	next(t, a, EventNewMessage, &echo)
	if echo.Body != "hi" {
		t.Errorf("echo = %+v", echo)
	}

	// Other instances still get it, marked as already delivered here.
	deadline := time.Now().Add(2 * time.Second)
	for {
		attempts, published := broker.stats()
		if len(published) == 1 && attempts > 1 {
			if d := published[0]; !d.Echoed || d.Origin == "" || d.Room != "ride42" {
				t.Errorf("published = %+v", d)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("attempts = %d, published = %d", attempts, len(published))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_ResubscribesAfterFailure(t *testing.T) {
	broker := &flakyBroker{memBroker: newMemBroker(), failures: 2}
	h, _ := startHub(t, Options{Broker: broker, ResubscribeMin: time.Millisecond, ResubscribeMax: 5 * time.Millisecond})

	select {
	case <-broker.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("never resubscribed")
	}
	if attempts, _ := broker.stats(); attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}

	// Once subscribed, delivery goes through the broker exactly once.
	ctx := context.Background()
	a := newPipeClient("A", h)
	h.Register(ctx, a, "user1", false)
	submit(t, h, a, EventJoinRoom, JoinRoom{RideID: "ride42"})
	for i := range 3 {
		submit(t, h, a, EventPublishMessage, PublishMessage{RideID: "ride42", Body: fmt.Sprintf("m%d", i)})
	}
	var bodies []string
	for len(bodies) < 3 {
		var m ChatMessage
		next(t, a, EventNewMessage, &m)
		bodies = append(bodies, m.Body)
	}
	if !slices.Equal(bodies, []string{"m0", "m1", "m2"}) {
		t.Errorf("bodies = %v", bodies)
	}
	select {
	case frame := <-a.send:
		t.Errorf("duplicate frame %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_StopsWhileFanoutIsBlocked(t *testing.T) {
	broker := &stuckBroker{publishing: make(chan struct{}, 1)}
	h := NewHub(Options{Broker: broker, FanoutBuffer: 1, Logger: newTestLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	defer cancel()

	a := newPipeClient("A", h)
	h.Register(ctx, a, "user1", false)
	submit(t, h, a, EventJoinRoom, JoinRoom{RideID: "ride42"})
	for i := range 4 {
		submit(t, h, a, EventPublishMessage, PublishMessage{RideID: "ride42", Body: fmt.Sprintf("m%d", i)})
	}
	select {
	case <-broker.publishing:
	case <-time.After(2 * time.Second):
		t.Fatal("nothing reached the broker")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return with the fanout blocked")
	}
}
