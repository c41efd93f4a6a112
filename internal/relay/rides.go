package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// RideSource loads ride ownership from the backend that owns rides.
// It returns ErrUnknownRide when the ride does not exist.
type RideSource interface {
	LookupRide(ctx context.Context, rideID string) (Ride, error)
}

// rideTable holds ride records for a RideBook. admit must take the seat
// atomically with respect to every other admit on the same table.
type rideTable interface {
	get(ctx context.Context, rideID string) (Ride, bool, error)
	// put stores ride. With replace false an existing ride is left alone.
	put(ctx context.Context, ride Ride, replace bool) error
	admit(ctx context.Context, rideID string, p Passenger) (Ride, error)
	count(ctx context.Context) (int, error)
}

// RideBook tracks ride ownership and occupancy. Resolve may hit the
// RideSource and is meant to be called off the hub loop; the loop itself
// only uses Get and Admit.
type RideBook struct {
	table  rideTable
	source RideSource
}

// NewRideBook returns an in-process book backed by source, which may be nil.
func NewRideBook(source RideSource) *RideBook {
	return &RideBook{table: newMemoryRides(), source: source}
}

// Put registers or replaces a ride.
func (b *RideBook) Put(ctx context.Context, ride Ride) error {
	return b.table.put(ctx, ride.clone(), true)
}

// Get returns ErrUnknownRide when rideID is not in the book.
func (b *RideBook) Get(ctx context.Context, rideID string) (Ride, error) {
	ride, ok, err := b.table.get(ctx, rideID)
	if err != nil {
		return Ride{}, fmt.Errorf("get ride %s: %w", rideID, err)
	}
	if !ok {
		return Ride{}, newError(ReasonUnknownRide, "ride %s", rideID)
	}
	return ride, nil
}

// Resolve makes sure rideID is in the book, loading it from the source on a
// miss.
func (b *RideBook) Resolve(ctx context.Context, rideID string) error {
	_, ok, err := b.table.get(ctx, rideID)
	if err != nil {
		return fmt.Errorf("get ride %s: %w", rideID, err)
	}
	if ok {
		return nil
	}
	if b.source == nil {
		return ErrUnknownRide
	}
	ride, err := b.source.LookupRide(ctx, rideID)
	if err != nil {
		if errors.Is(err, ErrUnknownRide) {
			return err
		}
		return fmt.Errorf("lookup ride %s: %w", rideID, err)
	}
	// A concurrent Put or Admit wins over the freshly loaded row.
	return b.table.put(ctx, ride.clone(), false)
}

// Admit takes one seat for p. Admitting the same user twice is a no-op.
func (b *RideBook) Admit(ctx context.Context, rideID string, p Passenger) (Ride, error) {
	return b.table.admit(ctx, rideID, p)
}

func (b *RideBook) Len(ctx context.Context) (int, error) {
	return b.table.count(ctx)
}

// memoryRides is the rideTable of a single relay instance.
type memoryRides struct {
	mu    sync.RWMutex
	rides map[string]*Ride
}

func newMemoryRides() *memoryRides {
	return &memoryRides{rides: make(map[string]*Ride)}
}

func (m *memoryRides) get(_ context.Context, rideID string) (Ride, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[rideID]
	if !ok {
		return Ride{}, false, nil
	}
	return r.clone(), true, nil
}

func (m *memoryRides) put(_ context.Context, ride Ride, replace bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rides[ride.ID]; exists && !replace {
		return nil
	}
	m.rides[ride.ID] = &ride
	return nil
}

func (m *memoryRides) admit(_ context.Context, rideID string, p Passenger) (Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return Ride{}, newError(ReasonUnknownRide, "ride %s", rideID)
	}
	for _, existing := range r.Passengers {
		if existing.UserID == p.UserID {
			return r.clone(), nil
		}
	}
	if r.AvailableSeats <= 0 {
		return r.clone(), newError(ReasonRideFull, "ride %s has no seats left", rideID)
	}
	r.AvailableSeats--
	r.Passengers = append(r.Passengers, p)
	return r.clone(), nil
}

func (m *memoryRides) count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rides), nil
}
