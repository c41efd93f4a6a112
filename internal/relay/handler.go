package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"

	myMiddleware "carpool-relay/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Handler struct {
	hub      *Hub
	cfg      TransportConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler serves the websocket endpoint and the read API. An empty
// allowedOrigins (or one containing "*") accepts any origin, which is what
// native mobile clients need.
func NewHandler(hub *Hub, cfg TransportConfig, allowedOrigins []string, logger *slog.Logger) *Handler {
	allowAll := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")
	return &Handler{
		hub: hub,
		cfg: cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowAll || origin == "" || slices.Contains(allowedOrigins, origin)
			},
		},
		logger: logger.With(slog.String("component", "http")),
	}
}

// Routes mounts the relay endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws", h.ServeWs)
	r.Route("/api/rides/{rideId}", func(r chi.Router) {
		r.Put("/", h.PutRide)
		r.Get("/messages", h.GetMessages)
		r.Get("/requests", h.GetRequests)
	})
}

// ServeWs upgrades the request and blocks for the connection's lifetime.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	identity, _ := myMiddleware.IdentityFrom(r.Context())

	id := uuid.NewString()
	client := &Client{
		id:   id,
		hub:  h.hub,
		send: make(chan []byte, h.cfg.SendBuffer),
		cfg:  h.cfg,
		logger: h.logger.With(
			slog.String("connID", id),
			slog.String("userID", identity.UserID),
			slog.String("remoteAddr", r.RemoteAddr),
		),
	}
	// Registered before the handshake completes, so the peer is addressable
	// by the time its dial returns. Frames queue in send until writePump runs.
	if err := h.hub.Register(r.Context(), client, identity.UserID, identity.Verified); err != nil {
		client.logger.Warn("register failed", slog.Any("error", err))
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		client.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		h.hub.Unregister(client)
		return
	}
	client.conn = conn

	go client.writePump()
	client.readPump(r.Context())
}

type putRideRequest struct {
	OwnerID        string      `json:"ownerId"`
	AvailableSeats int         `json:"availableSeats"`
	Passengers     []Passenger `json:"passengers"`
}

// PutRide registers a ride's owner and seat count, as created in the
// hosted backend.
func (h *Handler) PutRide(w http.ResponseWriter, r *http.Request) {
	rideID := chi.URLParam(r, "rideId")
	var req putRideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		http.Error(w, "ownerId is required", http.StatusBadRequest)
		return
	}
	if req.AvailableSeats < 0 {
		http.Error(w, "availableSeats must not be negative", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if err := h.hub.rides.Put(ctx, Ride{ID: rideID, OwnerID: req.OwnerID, AvailableSeats: req.AvailableSeats, Passengers: req.Passengers}); err != nil {
		h.serverError(w, "put ride", err)
		return
	}
	ride, err := h.hub.rides.Get(ctx, rideID)
	if err != nil {
		h.serverError(w, "read ride", err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// GetMessages returns the ride's chat log in acceptance order.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.hub.store.MessagesFor(r.Context(), chi.URLParam(r, "rideId"))
	if err != nil {
		h.serverError(w, "read messages", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// GetRequests returns pending requests, or all of them with ?status=all.
func (h *Handler) GetRequests(w http.ResponseWriter, r *http.Request) {
	rideID := chi.URLParam(r, "rideId")
	read := h.hub.store.PendingRequestsFor
	if r.URL.Query().Get("status") == "all" {
		read = h.hub.store.RequestsFor
	}
	reqs, err := read(r.Context(), rideID)
	if err != nil {
		h.serverError(w, "read requests", err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (h *Handler) serverError(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op+" failed", slog.Any("error", err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.hub.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		Stats
	}{Status: "ok", Stats: stats})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
