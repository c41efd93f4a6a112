package relay

import "fmt"

// ReasonCode is carried by the outbound `error` event.
type ReasonCode string

const (
	ReasonUnknownConnection ReasonCode = "UnknownConnection"
	ReasonNotRoomMember     ReasonCode = "NotRoomMember"
	ReasonNotAuthorized     ReasonCode = "NotAuthorized"
	ReasonInvalidPayload    ReasonCode = "InvalidPayload"
	ReasonUnknownEvent      ReasonCode = "UnknownEvent"
	ReasonUnknownRide       ReasonCode = "UnknownRide"
	ReasonUnknownRequest    ReasonCode = "UnknownRequest"
	ReasonRideFull          ReasonCode = "RideFull"
	ReasonInternal          ReasonCode = "InternalError"
)

// Error is a protocol-level failure scoped to a single inbound event.
type Error struct {
	Code   ReasonCode
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Is matches on reason code so errors.Is(err, ErrNotAuthorized) holds for
// any detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrUnknownConnection = &Error{Code: ReasonUnknownConnection}
	ErrNotRoomMember     = &Error{Code: ReasonNotRoomMember}
	ErrNotAuthorized     = &Error{Code: ReasonNotAuthorized}
	ErrInvalidPayload    = &Error{Code: ReasonInvalidPayload}
	ErrUnknownEvent      = &Error{Code: ReasonUnknownEvent}
	ErrUnknownRide       = &Error{Code: ReasonUnknownRide}
	ErrUnknownRequest    = &Error{Code: ReasonUnknownRequest}
	ErrRideFull          = &Error{Code: ReasonRideFull}
)

func newError(code ReasonCode, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

func invalid(format string, args ...any) *Error {
	return newError(ReasonInvalidPayload, format, args...)
}
