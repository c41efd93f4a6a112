package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// emitter is how the router addresses outbound frames.
type emitter interface {
	toConn(connID string, frame []byte)
	toRoom(ctx context.Context, roomID string, frame []byte)
	toUser(ctx context.Context, userID string, frame []byte)
}

// Router applies inbound events to relay state and emits the resulting
// outbound events. It runs on the hub loop, one event at a time.
type Router struct {
	registry *Registry
	rooms    *Rooms
	store    Store
	rides    *RideBook
	emit     emitter

	archive  Archive
	notifier Notifier
	later    func(name string, fn Task)

	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Handle processes one event from connID. A returned *Error is meant for
// the sender only.
func (r *Router) Handle(ctx context.Context, connID string, in Inbound) error {
	conn, ok := r.registry.Get(connID)
	if !ok {
		return ErrUnknownConnection
	}

	switch e := in.(type) {
	case *Identify:
		return r.identify(conn, e)
	case *JoinRoom:
		if err := requireIdentified(conn); err != nil {
			return err
		}
		r.rooms.Join(e.RideID, conn.ID)
		r.logger.Debug("joined room", slog.String("connID", conn.ID), slog.String("rideID", e.RideID))
		return nil
	case *LeaveRoom:
		if err := requireIdentified(conn); err != nil {
			return err
		}
		r.rooms.Leave(e.RideID, conn.ID)
		r.logger.Debug("left room", slog.String("connID", conn.ID), slog.String("rideID", e.RideID))
		return nil
	case *PublishMessage:
		return r.publish(ctx, conn, e)
	case *RequestJoin:
		return r.requestJoin(ctx, conn, e)
	case *DecideRequest:
		return r.decide(ctx, conn, e)
	default:
		return newError(ReasonUnknownEvent, "%T", in)
	}
}

func requireIdentified(conn *Connection) error {
	if conn.UserID == "" {
		return newError(ReasonNotAuthorized, "connection not identified")
	}
	return nil
}

func (r *Router) identify(conn *Connection, e *Identify) error {
	if conn.Pinned && conn.UserID != e.UserID {
		return newError(ReasonNotAuthorized, "connection is authenticated as another user")
	}
	if err := r.registry.Identify(conn.ID, e.UserID); err != nil {
		return err
	}
	r.logger.Debug("connection identified", slog.String("connID", conn.ID), slog.String("userID", e.UserID))
	return nil
}

func (r *Router) publish(ctx context.Context, conn *Connection, e *PublishMessage) error {
	if err := requireIdentified(conn); err != nil {
		return err
	}
	if !r.rooms.IsMember(e.RideID, conn.ID) {
		return newError(ReasonNotRoomMember, "not joined to ride %s", e.RideID)
	}
	if e.SenderID != "" && e.SenderID != conn.UserID {
		return newError(ReasonNotAuthorized, "senderId does not match connection")
	}

	name := e.SenderName
	if name == "" {
		name = conn.UserID
	}
	msg := ChatMessage{
		ID:          r.newID(),
		RideID:      e.RideID,
		SenderID:    conn.UserID,
		SenderName:  name,
		Body:        e.Body,
		Timestamp:   r.now().UTC(),
		SenderPhoto: e.SenderPhoto,
	}
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if r.archive != nil {
		r.later("archive message", func(ctx context.Context) error { return r.archive.SaveMessage(ctx, msg) })
	}

	frame, err := Encode(EventNewMessage, msg)
	if err != nil {
		return err
	}
	// The sender is a room member, so it gets the authoritative echo too.
	r.emit.toRoom(ctx, msg.RideID, frame)
	return nil
}

func (r *Router) requestJoin(ctx context.Context, conn *Connection, e *RequestJoin) error {
	if err := requireIdentified(conn); err != nil {
		return err
	}
	if e.UserID != "" && e.UserID != conn.UserID {
		return newError(ReasonNotAuthorized, "userId does not match connection")
	}
	ride, err := r.rides.Get(ctx, e.RideID)
	if err != nil {
		return err
	}
	if ride.OwnerID == conn.UserID {
		return newError(ReasonNotAuthorized, "owner cannot request a seat on their own ride")
	}

	name := e.UserName
	if name == "" {
		name = conn.UserID
	}
	req := RideRequest{
		ID:        r.newID(),
		RideID:    e.RideID,
		UserID:    conn.UserID,
		UserName:  name,
		UserPhoto: e.UserPhoto,
		Message:   e.Message,
		Status:    StatusPending,
		Timestamp: r.now().UTC(),
	}
	if err := r.store.CreateRequest(ctx, req); err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	r.persistRequest(req)

	frame, err := Encode(EventRideRequest, req)
	if err != nil {
		return err
	}
	// Targeted: the owner may not have joined the room.
	r.emit.toUser(ctx, ride.OwnerID, frame)
	r.notify(Notification{
		UserID: ride.OwnerID,
		Kind:   EventRideRequest,
		Title:  "New ride request",
		Body:   fmt.Sprintf("%s wants to join your ride", req.UserName),
		Data:   map[string]string{"rideId": req.RideID, "requestId": req.ID},
	})
	return nil
}

func (r *Router) decide(ctx context.Context, conn *Connection, e *DecideRequest) error {
	if err := requireIdentified(conn); err != nil {
		return err
	}
	req, err := r.store.Request(ctx, e.RequestID)
	if err != nil {
		return err
	}
	ride, err := r.rides.Get(ctx, req.RideID)
	if err != nil {
		return err
	}
	if ride.OwnerID != conn.UserID {
		return newError(ReasonNotAuthorized, "only the ride owner can decide requests")
	}
	if req.Status.Terminal() {
		// Retried or conflicting decisions keep the first outcome.
		return nil
	}

	if e.Decision == StatusAccepted {
		admitted, err := r.rides.Admit(ctx, req.RideID, Passenger{UserID: req.UserID, UserName: req.UserName})
		if err != nil {
			return err
		}
		ride = admitted
	}
	req, changed, err := r.store.UpdateRequestStatus(ctx, req.ID, e.Decision)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	if !changed {
		return nil
	}
	r.persistRequest(req)

	frame, err := Encode(EventRideRequestResponse, RideRequestResponse{
		RequestID: req.ID,
		RideID:    req.RideID,
		Status:    req.Status,
	})
	if err != nil {
		return err
	}
	r.emit.toUser(ctx, req.UserID, frame)

	if req.Status == StatusAccepted {
		update, err := Encode(EventRideUpdate, RideUpdate{
			RideID:         ride.ID,
			AvailableSeats: ride.AvailableSeats,
			Passengers:     ride.Passengers,
		})
		if err != nil {
			return err
		}
		r.emit.toRoom(ctx, ride.ID, update)
	}

	r.notify(Notification{
		UserID: req.UserID,
		Kind:   EventRideRequestResponse,
		Title:  "Ride request " + string(req.Status),
		Body:   fmt.Sprintf("Your request to join ride %s was %s", req.RideID, req.Status),
		Data:   map[string]string{"rideId": req.RideID, "requestId": req.ID, "status": string(req.Status)},
	})
	return nil
}

func (r *Router) persistRequest(req RideRequest) {
	if r.archive == nil {
		return
	}
	r.later("archive request", func(ctx context.Context) error { return r.archive.SaveRequest(ctx, req) })
}

func (r *Router) notify(n Notification) {
	if r.notifier == nil {
		return
	}
	r.later("notify "+n.Kind, func(ctx context.Context) error { return r.notifier.Notify(ctx, n) })
}
