package relay

import (
	"context"
	"fmt"
	"sync"
)

// Store keeps the per-ride message log and ride requests. Reads return
// copies and always start from the beginning of the log.
type Store interface {
	AppendMessage(ctx context.Context, msg ChatMessage) error
	MessagesFor(ctx context.Context, rideID string) ([]ChatMessage, error)

	CreateRequest(ctx context.Context, req RideRequest) error
	// Request returns ErrUnknownRequest when requestID was never created.
	Request(ctx context.Context, requestID string) (RideRequest, error)
	// UpdateRequestStatus moves a pending request to status. A request that
	// is already terminal is returned unchanged with changed == false.
	UpdateRequestStatus(ctx context.Context, requestID string, status RequestStatus) (req RideRequest, changed bool, err error)
	PendingRequestsFor(ctx context.Context, rideID string) ([]RideRequest, error)
	RequestsFor(ctx context.Context, rideID string) ([]RideRequest, error)
}

// MemoryStore is the in-process Store. The hub writes to it from its loop
// while HTTP handlers read concurrently, hence the lock.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]ChatMessage
	requests map[string]*RideRequest
	byRide   map[string][]string // rideID -> requestIDs in creation order
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string][]ChatMessage),
		requests: make(map[string]*RideRequest),
		byRide:   make(map[string][]string),
	}
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.RideID] = append(s.messages[msg.RideID], msg)
	return nil
}

func (s *MemoryStore) MessagesFor(_ context.Context, rideID string) ([]ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ChatMessage{}, s.messages[rideID]...), nil
}

func (s *MemoryStore) CreateRequest(_ context.Context, req RideRequest) error {
	if !req.Status.Valid() {
		return fmt.Errorf("request %s: invalid status %q", req.ID, req.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return fmt.Errorf("request %s already exists", req.ID)
	}
	r := req
	s.requests[req.ID] = &r
	s.byRide[req.RideID] = append(s.byRide[req.RideID], req.ID)
	return nil
}

func (s *MemoryStore) Request(_ context.Context, requestID string) (RideRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[requestID]
	if !ok {
		return RideRequest{}, newError(ReasonUnknownRequest, "request %s", requestID)
	}
	return *r, nil
}

func (s *MemoryStore) UpdateRequestStatus(_ context.Context, requestID string, status RequestStatus) (RideRequest, bool, error) {
	if !status.Terminal() {
		return RideRequest{}, false, fmt.Errorf("cannot move request to %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok {
		return RideRequest{}, false, newError(ReasonUnknownRequest, "request %s", requestID)
	}
	if r.Status.Terminal() {
		return *r, false, nil
	}
	r.Status = status
	return *r, true, nil
}

func (s *MemoryStore) PendingRequestsFor(_ context.Context, rideID string) ([]RideRequest, error) {
	return s.requestsFor(rideID, func(r *RideRequest) bool { return r.Status == StatusPending }), nil
}

func (s *MemoryStore) RequestsFor(_ context.Context, rideID string) ([]RideRequest, error) {
	return s.requestsFor(rideID, func(*RideRequest) bool { return true }), nil
}

func (s *MemoryStore) requestsFor(rideID string, keep func(*RideRequest) bool) []RideRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []RideRequest{}
	for _, id := range s.byRide[rideID] {
		if r := s.requests[id]; keep(r) {
			out = append(out, *r)
		}
	}
	return out
}
