package relay

import "time"

// Sink receives encoded frames for one connection. Send must not block;
// it returns false when the frame was dropped. Close is called once, by
// the hub, after the connection is unregistered.
type Sink interface {
	Send(frame []byte) bool
	Close()
}

// Connection tracks one live transport session.
type Connection struct {
	ID     string
	UserID string
	// Pinned is set when the user id came from a verified token and may not
	// be replaced by a later identify.
	Pinned    bool
	Sink      Sink
	CreatedAt time.Time
}

// Registry tracks live connections and their user identity.
// Like Rooms, it is owned by the Hub loop.
type Registry struct {
	conns  map[string]*Connection
	users  map[string]set // userID -> connIDs
	rooms  *Rooms
	nowFun func() time.Time
}

func NewRegistry(rooms *Rooms) *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		users:  make(map[string]set),
		rooms:  rooms,
		nowFun: time.Now,
	}
}

// Register starts tracking a connection with no identity yet.
func (r *Registry) Register(connID string, sink Sink) *Connection {
	conn := &Connection{ID: connID, Sink: sink, CreatedAt: r.nowFun()}
	r.conns[connID] = conn
	return conn
}

// Identify attaches userID to connID. Last write wins.
func (r *Registry) Identify(connID, userID string) error {
	conn, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if conn.UserID == userID {
		return nil
	}
	if conn.UserID != "" {
		r.detach(conn.UserID, connID)
	}
	conn.UserID = userID
	conns, ok := r.users[userID]
	if !ok {
		conns = make(set)
		r.users[userID] = conns
	}
	conns[connID] = struct{}{}
	return nil
}

// Unregister drops the connection and removes it from every room. It
// returns the rooms the connection was in.
func (r *Registry) Unregister(connID string) []string {
	conn, ok := r.conns[connID]
	if !ok {
		return nil
	}
	delete(r.conns, connID)
	if conn.UserID != "" {
		r.detach(conn.UserID, connID)
	}
	return r.rooms.LeaveAll(connID)
}

func (r *Registry) Get(connID string) (*Connection, bool) {
	conn, ok := r.conns[connID]
	return conn, ok
}

// ConnectionsFor returns every live connection of userID (multi-device).
func (r *Registry) ConnectionsFor(userID string) []string {
	conns := r.users[userID]
	out := make([]string, 0, len(conns))
	for connID := range conns {
		out = append(out, connID)
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.conns)
}

// All returns every tracked connection.
func (r *Registry) All() []*Connection {
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) detach(userID, connID string) {
	if conns, ok := r.users[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.users, userID)
		}
	}
}
