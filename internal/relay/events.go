package relay

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Inbound event kinds (client -> server).
const (
	EventIdentify       = "identify"
	EventJoinRoom       = "join_room"
	EventLeaveRoom      = "leave_room"
	EventPublishMessage = "publish_message"
	EventRequestJoin    = "request_join"
	EventDecideRequest  = "decide_request"
)

// Outbound event kinds (server -> client).
const (
	EventNewMessage          = "new_message"
	EventRideRequest         = "ride_request"
	EventRideRequestResponse = "ride_request_response"
	EventRideUpdate          = "ride_update"
	EventError               = "error"
)

// Names used by older mobile builds.
var legacyEvents = map[string]string{
	"join":              EventIdentify,
	"join_ride_chat":    EventJoinRoom,
	"leave_ride_chat":   EventLeaveRoom,
	"send_message":      EventPublishMessage,
	"send_ride_request": EventRequestJoin,
}

// Envelope is the frame carried over the socket in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Encode wraps payload in an Envelope and marshals it.
func Encode(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

// ---------------------------------------------
// Inbound variants
// ---------------------------------------------

// Inbound is one validated client event. The concrete type is the tag.
type Inbound interface {
	Kind() string
}

type Identify struct {
	UserID string `json:"userId"`
}

type JoinRoom struct {
	RideID string `json:"rideId"`
}

type LeaveRoom struct {
	RideID string `json:"rideId"`
}

type PublishMessage struct {
	RideID      string `json:"rideId"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName"`
	Body        string `json:"body"`
	SenderPhoto string `json:"senderPhoto,omitempty"`

	// Message is the body field name sent by older clients.
	Message string `json:"message,omitempty"`
}

type RequestJoin struct {
	RideID    string `json:"rideId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserPhoto string `json:"userPhoto"`
	Message   string `json:"message,omitempty"`
}

type DecideRequest struct {
	RequestID string        `json:"requestId"`
	Decision  RequestStatus `json:"decision"`
}

func (*Identify) Kind() string       { return EventIdentify }
func (*JoinRoom) Kind() string       { return EventJoinRoom }
func (*LeaveRoom) Kind() string      { return EventLeaveRoom }
func (*PublishMessage) Kind() string { return EventPublishMessage }
func (*RequestJoin) Kind() string    { return EventRequestJoin }
func (*DecideRequest) Kind() string  { return EventDecideRequest }

func (e *Identify) validate() error {
	if e.UserID == "" {
		return invalid("userId is required")
	}
	return nil
}

func (e *JoinRoom) validate() error {
	if e.RideID == "" {
		return invalid("rideId is required")
	}
	return nil
}

func (e *LeaveRoom) validate() error {
	if e.RideID == "" {
		return invalid("rideId is required")
	}
	return nil
}

func (e *PublishMessage) validate() error {
	if e.RideID == "" {
		return invalid("rideId is required")
	}
	if e.Body == "" {
		e.Body = e.Message
	}
	e.Message = ""
	if strings.TrimSpace(e.Body) == "" {
		return invalid("body is empty")
	}
	return nil
}

func (e *RequestJoin) validate() error {
	if e.RideID == "" {
		return invalid("rideId is required")
	}
	return nil
}

func (e *DecideRequest) validate() error {
	if e.RequestID == "" {
		return invalid("requestId is required")
	}
	if !e.Decision.Terminal() {
		return invalid("decision must be %q or %q", StatusAccepted, StatusRejected)
	}
	return nil
}

// DecodeInbound validates the envelope at the boundary and returns the
// typed event. Errors are always *Error.
func DecodeInbound(raw []byte) (Inbound, error) {
	if !gjson.ValidBytes(raw) {
		return nil, invalid("malformed frame")
	}
	kind := gjson.GetBytes(raw, "event")
	if kind.Type != gjson.String || kind.Str == "" {
		return nil, invalid("event is required")
	}
	payload := gjson.GetBytes(raw, "payload")
	if !payload.IsObject() {
		return nil, invalid("payload must be an object")
	}

	name := kind.Str
	var decision RequestStatus
	switch name {
	case "accept_ride_request":
		name, decision = EventDecideRequest, StatusAccepted
	case "reject_ride_request":
		name, decision = EventDecideRequest, StatusRejected
	default:
		if alias, ok := legacyEvents[name]; ok {
			name = alias
		}
	}

	var in Inbound
	switch name {
	case EventIdentify:
		in = &Identify{}
	case EventJoinRoom:
		in = &JoinRoom{}
	case EventLeaveRoom:
		in = &LeaveRoom{}
	case EventPublishMessage:
		in = &PublishMessage{}
	case EventRequestJoin:
		in = &RequestJoin{}
	case EventDecideRequest:
		in = &DecideRequest{Decision: decision}
	default:
		return nil, newError(ReasonUnknownEvent, "%q", kind.Str)
	}

	if err := json.Unmarshal([]byte(payload.Raw), in); err != nil {
		return nil, invalid("%s: %v", name, err)
	}
	if d, ok := in.(*DecideRequest); ok && decision != "" {
		d.Decision = decision
	}
	if v, ok := in.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return nil, err
		}
	}
	return in, nil
}

// ---------------------------------------------
// Outbound payloads
// ---------------------------------------------

type RideRequestResponse struct {
	RequestID string        `json:"requestId"`
	RideID    string        `json:"rideId"`
	Status    RequestStatus `json:"status"`
}

type RideUpdate struct {
	RideID         string      `json:"rideId"`
	AvailableSeats int         `json:"availableSeats"`
	Passengers     []Passenger `json:"passengers"`
}

type ErrorEvent struct {
	ReasonCode ReasonCode `json:"reasonCode"`
	Detail     string     `json:"detail,omitempty"`
}
