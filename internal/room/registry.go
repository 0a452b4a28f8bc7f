package room

import "sync"

type Role string

const (
	RoleInstructor Role = "instructor"
	RoleStudent    Role = "student"
	RoleUnassigned Role = "unassigned"
)

type binding struct {
	roomID string
	role   Role
}

// Registry tracks which room and role every live connection currently has,
// so disconnect cleanup is a single lookup instead of a scan over all
// rooms. It is also the serialization point for the join/disconnect race:
// a join only commits (Attach) while the connection is still registered,
// and a disconnect (Disconnect) removes the registration first, so
// whichever runs second observes the other.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*binding
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*binding)}
}

// Connect registers a fresh transport connection with no room yet.
func (r *Registry) Connect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = &binding{role: RoleUnassigned}
}

// Attach binds a registered connection to a room. It reports false when the
// connection has already disconnected, in which case the caller must undo
// whatever it reserved.
func (r *Registry) Attach(connID, roomID string, role Role) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.conns[connID]
	if !ok {
		return false
	}
	b.roomID = roomID
	b.role = role
	return true
}

// Detach clears the room binding but keeps the connection registered.
// It returns the binding that was in place.
func (r *Registry) Detach(connID string) (roomID string, role Role, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, exists := r.conns[connID]
	if !exists || b.roomID == "" {
		return "", RoleUnassigned, false
	}
	roomID, role = b.roomID, b.role
	b.roomID = ""
	b.role = RoleUnassigned
	return roomID, role, true
}

// Disconnect removes the connection entirely and returns its last binding.
func (r *Registry) Disconnect(connID string) (roomID string, role Role, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, exists := r.conns[connID]
	if !exists {
		return "", RoleUnassigned, false
	}
	delete(r.conns, connID)
	return b.roomID, b.role, b.roomID != ""
}

func (r *Registry) Lookup(connID string) (roomID string, role Role, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, exists := r.conns[connID]
	if !exists {
		return "", RoleUnassigned, false
	}
	return b.roomID, b.role, true
}
