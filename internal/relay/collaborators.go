package relay

import (
	"context"
	"encoding/json"
	"fmt"
)

// Notification is a push notification for one user.
type Notification struct {
	UserID string            `json:"userId"`
	Kind   string            `json:"kind"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// Notifier hands notifications to the push service.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Archive persists accepted records beyond process lifetime.
type Archive interface {
	SaveMessage(ctx context.Context, msg ChatMessage) error
	// SaveRequest inserts the request or updates its status.
	SaveRequest(ctx context.Context, req RideRequest) error
	LoadMessages(ctx context.Context) ([]ChatMessage, error)
	LoadRequests(ctx context.Context) ([]RideRequest, error)
}

// Delivery is a fan-out instruction shared between relay instances.
// Exactly one of Room or User is set.
type Delivery struct {
	Room  string          `json:"room,omitempty"`
	User  string          `json:"user,omitempty"`
	Frame json.RawMessage `json:"frame"`

	// Origin is the publishing hub. Echoed means Origin already delivered
	// to its own members and skips the copy it receives back.
	Origin string `json:"origin,omitempty"`
	Echoed bool   `json:"echoed,omitempty"`
}

// Broker carries deliveries to every relay instance, this one included.
type Broker interface {
	Publish(ctx context.Context, d Delivery) error
	// Subscribe blocks, calling deliver for each delivery until ctx is done
	// or the subscription is lost. ready is called once the subscription is
	// confirmed.
	Subscribe(ctx context.Context, ready func(), deliver func(Delivery)) error
}

// Restore loads archived records into store, in their original order. It is
// meant for an empty MemoryStore at boot.
func Restore(ctx context.Context, archive Archive, store Store) (messages, requests int, err error) {
	msgs, err := archive.LoadMessages(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("load messages: %w", err)
	}
	for _, m := range msgs {
		if err := store.AppendMessage(ctx, m); err != nil {
			return messages, 0, err
		}
		messages++
	}

	reqs, err := archive.LoadRequests(ctx)
	if err != nil {
		return messages, 0, fmt.Errorf("load requests: %w", err)
	}
	for _, r := range reqs {
		if err := store.CreateRequest(ctx, r); err != nil {
			return messages, requests, err
		}
		requests++
	}
	return messages, requests, nil
}
