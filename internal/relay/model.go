package relay

import "time"

// ---------------------------------------------
// 🗄️ Ride-scoped records
// ---------------------------------------------

// ChatMessage is immutable once accepted by the router. Ordering within a
// ride is the order in which the server accepted it.
type ChatMessage struct {
	ID          string    `json:"id"`
	RideID      string    `json:"rideId"`
	SenderID    string    `json:"senderId"`
	SenderName  string    `json:"senderName"`
	Body        string    `json:"body"`
	Timestamp   time.Time `json:"timestamp"`
	SenderPhoto string    `json:"senderPhoto,omitempty"`
}

type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusAccepted RequestStatus = "accepted"
	StatusRejected RequestStatus = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s RequestStatus) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected
}

func (s RequestStatus) Valid() bool {
	return s == StatusPending || s.Terminal()
}

// RideRequest is a passenger's request to join a ride.
type RideRequest struct {
	ID        string        `json:"id"`
	RideID    string        `json:"rideId"`
	UserID    string        `json:"userId"`
	UserName  string        `json:"userName"`
	UserPhoto string        `json:"userPhoto"`
	Message   string        `json:"message,omitempty"`
	Status    RequestStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

// ---------------------------------------------
// 🚗 Ride ownership & occupancy
// ---------------------------------------------

type Passenger struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Ride is the relay's view of a ride owned by the hosted backend.
type Ride struct {
	ID             string      `json:"id"`
	OwnerID        string      `json:"ownerId"`
	AvailableSeats int         `json:"availableSeats"`
	Passengers     []Passenger `json:"passengers"`
}

// clone deep-copies the passenger list. The copy is never nil so it
// encodes as [].
func (r Ride) clone() Ride {
	r.Passengers = append(make([]Passenger, 0, len(r.Passengers)), r.Passengers...)
	return r
}
