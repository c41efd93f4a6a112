package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Repository is the Postgres-backed Archive and RideSource.
type Repository struct {
	db *sql.DB
}

var (
	_ Archive    = (*Repository)(nil)
	_ RideSource = (*Repository)(nil)
)

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) SaveMessage(ctx context.Context, msg ChatMessage) error {
	query := `
		INSERT INTO ride_messages (id, ride_id, sender_id, sender_name, body, sender_photo, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`
	_, err := r.db.ExecContext(ctx, query,
		msg.ID, msg.RideID, msg.SenderID, msg.SenderName, msg.Body, msg.SenderPhoto, msg.Timestamp)
	return err
}

func (r *Repository) SaveRequest(ctx context.Context, req RideRequest) error {
	query := `
		INSERT INTO ride_requests (id, ride_id, user_id, user_name, user_photo, message, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = now()
		WHERE ride_requests.status = 'pending'`
	_, err := r.db.ExecContext(ctx, query,
		req.ID, req.RideID, req.UserID, req.UserName, req.UserPhoto, req.Message, string(req.Status), req.Timestamp)
	return err
}

func (r *Repository) LoadMessages(ctx context.Context) ([]ChatMessage, error) {
	query := `
		SELECT id, ride_id, sender_id, sender_name, body, sender_photo, created_at
		FROM ride_messages
		ORDER BY seq`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.RideID, &m.SenderID, &m.SenderName, &m.Body, &m.SenderPhoto, &m.Timestamp); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (r *Repository) LoadRequests(ctx context.Context) ([]RideRequest, error) {
	query := `
		SELECT id, ride_id, user_id, user_name, user_photo, message, status, created_at
		FROM ride_requests
		ORDER BY seq`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []RideRequest
	for rows.Next() {
		var req RideRequest
		var status string
		if err := rows.Scan(&req.ID, &req.RideID, &req.UserID, &req.UserName, &req.UserPhoto, &req.Message, &status, &req.Timestamp); err != nil {
			return nil, err
		}
		req.Status = RequestStatus(status)
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// LookupRide reads ownership and occupancy from the hosted backend's
// carpool_rides table.
func (r *Repository) LookupRide(ctx context.Context, rideID string) (Ride, error) {
	ride := Ride{ID: rideID, Passengers: []Passenger{}}
	query := `SELECT driver_id::text, available_seats FROM carpool_rides WHERE id::text = $1`
	err := r.db.QueryRowContext(ctx, query, rideID).Scan(&ride.OwnerID, &ride.AvailableSeats)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Ride{}, ErrUnknownRide
		}
		return Ride{}, fmt.Errorf("query ride: %w", err)
	}
	return ride, nil
}
