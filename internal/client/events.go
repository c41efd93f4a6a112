package client

import (
	"log/slog"

	"carpool-relay/internal/relay"
)

// SendMessage publishes a chat message to rideID as the connected user.
// The confirmed copy arrives as a new_message event.
func (s *Session) SendMessage(rideID, senderName, body, senderPhoto string) error {
	return s.Publish(relay.EventPublishMessage, relay.PublishMessage{
		RideID:      rideID,
		SenderID:    s.UserID(),
		SenderName:  senderName,
		Body:        body,
		SenderPhoto: senderPhoto,
	})
}

// RequestJoin asks the owner of rideID for a seat.
func (s *Session) RequestJoin(rideID, userName, userPhoto, message string) error {
	return s.Publish(relay.EventRequestJoin, relay.RequestJoin{
		RideID:    rideID,
		UserID:    s.UserID(),
		UserName:  userName,
		UserPhoto: userPhoto,
		Message:   message,
	})
}

func (s *Session) Accept(requestID string) error {
	return s.Publish(relay.EventDecideRequest, relay.DecideRequest{RequestID: requestID, Decision: relay.StatusAccepted})
}

func (s *Session) Reject(requestID string) error {
	return s.Publish(relay.EventDecideRequest, relay.DecideRequest{RequestID: requestID, Decision: relay.StatusRejected})
}

func (s *Session) OnNewMessage(fn func(relay.ChatMessage)) {
	subscribeTyped(s, relay.EventNewMessage, fn)
}

func (s *Session) OnRideRequest(fn func(relay.RideRequest)) {
	subscribeTyped(s, relay.EventRideRequest, fn)
}

func (s *Session) OnRideRequestResponse(fn func(relay.RideRequestResponse)) {
	subscribeTyped(s, relay.EventRideRequestResponse, fn)
}

func (s *Session) OnRideUpdate(fn func(relay.RideUpdate)) {
	subscribeTyped(s, relay.EventRideUpdate, fn)
}

func (s *Session) OnError(fn func(relay.ErrorEvent)) {
	subscribeTyped(s, relay.EventError, fn)
}

func subscribeTyped[T any](s *Session, kind string, fn func(T)) {
	s.Subscribe(kind, func(env relay.Envelope) {
		var v T
		if err := env.Decode(&v); err != nil {
			s.logger.Warn("undecodable event", slog.String("event", kind), slog.Any("error", err))
			return
		}
		fn(v)
	})
}
