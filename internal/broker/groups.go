package broker

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Group name helpers. Groups are ephemeral and process-local; they are
// rebuilt from durable state when clients reconnect after a restart.
const (
	// QueuePrefix prefixes every queue watcher group.
	QueuePrefix = "queue:"
	// ProvidersGroup holds every connected provider.
	ProvidersGroup = "providers"
)

// UserGroup names the per-user private channel.
func UserGroup(userID uuid.UUID) string { return "user:" + userID.String() }

// QueueGroup names the watcher group for a game's queue.
func QueueGroup(game string) string { return QueuePrefix + game }

// QueueModeGroup names the watcher group for a game+mode queue.
func QueueModeGroup(game, mode string) string { return QueuePrefix + game + ":" + mode }

// GameProvidersGroup names the provider pool for one game.
func GameProvidersGroup(game string) string { return ProvidersGroup + ":" + game }

// SessionGroup names the chat room for one session.
func SessionGroup(sessionID uuid.UUID) string { return "session:" + sessionID.String() }

// Registry tracks connections and their broadcast-group membership.
// All methods are safe for concurrent use; no method blocks on I/O, so the
// internal lock is never held across a store round-trip.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Conn           // connID → connection
	joined map[string]map[string]bool // connID → set of group names
	groups map[string]map[string]bool // group name → set of connIDs
}

// NewRegistry creates an empty connection Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*Conn),
		joined: make(map[string]map[string]bool),
		groups: make(map[string]map[string]bool),
	}
}

// Register adds a connection to the registry.
//
// Postcondition: Returns an error if the connection ID is already registered.
func (r *Registry) Register(conn *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[conn.ID()]; exists {
		return fmt.Errorf("connection %q already registered", conn.ID())
	}
	r.conns[conn.ID()] = conn
	r.joined[conn.ID()] = make(map[string]bool)
	return nil
}

// Unregister removes a connection from the registry and from every group it
// joined, and closes it.
//
// Postcondition: Returns the groups the connection belonged to, or an error
// if the connection is unknown.
func (r *Registry) Unregister(connID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.conns[connID]
	if !exists {
		return nil, fmt.Errorf("connection %q not found", connID)
	}

	groups := make([]string, 0, len(r.joined[connID]))
	for group := range r.joined[connID] {
		groups = append(groups, group)
		r.removeFromGroup(connID, group)
	}
	delete(r.joined, connID)
	delete(r.conns, connID)
	_ = conn.Close()
	return groups, nil
}

// Join adds the connection to the named group. Idempotent: joining a group
// twice leaves a single membership.
//
// Postcondition: Returns an error only if the connection is unknown.
func (r *Registry) Join(connID, group string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[connID]; !exists {
		return fmt.Errorf("connection %q not found", connID)
	}
	r.joined[connID][group] = true
	if r.groups[group] == nil {
		r.groups[group] = make(map[string]bool)
	}
	r.groups[group][connID] = true
	return nil
}

// Leave removes the connection from the named group. No-op if the
// connection is not a member.
func (r *Registry) Leave(connID, group string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.joined[connID]; ok {
		delete(set, group)
	}
	r.removeFromGroup(connID, group)
}

// LeavePrefix removes the connection from every group whose name starts with
// prefix and returns the groups that were left.
//
// Postcondition: No membership with the prefix survives for connID.
func (r *Registry) LeavePrefix(connID, prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.joined[connID]
	if !ok {
		return nil
	}
	var left []string
	for group := range set {
		if strings.HasPrefix(group, prefix) {
			left = append(left, group)
			delete(set, group)
			r.removeFromGroup(connID, group)
		}
	}
	return left
}

// removeFromGroup drops connID from a group set. Caller must hold mu.
func (r *Registry) removeFromGroup(connID, group string) {
	if members, ok := r.groups[group]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.groups, group)
		}
	}
}

// Get returns the registered connection with the given ID.
func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// Groups returns the group names the connection has joined.
func (r *Registry) Groups(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.joined[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for group := range set {
		out = append(out, group)
	}
	return out
}

// Members returns the connections currently in the named group.
func (r *Registry) Members(group string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids, ok := r.groups[group]
	if !ok {
		return nil
	}
	out := make([]*Conn, 0, len(ids))
	for id := range ids {
		if conn, ok := r.conns[id]; ok {
			out = append(out, conn)
		}
	}
	return out
}

// Occupancy returns the number of connections in the named group.
func (r *Registry) Occupancy(group string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[group])
}

// DistinctUsers returns the number of distinct users with at least one
// connection in the named group.
func (r *Registry) DistinctUsers(group string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids, ok := r.groups[group]
	if !ok {
		return 0
	}
	users := make(map[uuid.UUID]bool, len(ids))
	for id := range ids {
		if conn, ok := r.conns[id]; ok {
			users[conn.UserID()] = true
		}
	}
	return len(users)
}

// ConnCount returns the total number of registered connections.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast pushes an encoded frame to every member of the group. Frames to
// closed or saturated connections are dropped; their transports are
// responsible for tearing them down.
//
// Postcondition: Returns the number of connections the frame was queued to.
func (r *Registry) Broadcast(group string, frame []byte) int {
	delivered := 0
	for _, conn := range r.Members(group) {
		if err := conn.Push(frame); err == nil {
			delivered++
		}
	}
	return delivered
}
