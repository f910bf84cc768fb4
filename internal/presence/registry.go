// Package presence tracks which users currently have a live connection.
package presence

import (
	"sync"

	"github.com/and161185/goph-chat/internal/model"
)

// Registry maps a user to the single connection currently bound to it.
// It only holds connection ids; the gateway owns the connections themselves.
type Registry struct {
	mu     sync.RWMutex
	byUser map[model.UserID]model.ConnID
	byConn map[model.ConnID]model.UserID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[model.UserID]model.ConnID),
		byConn: make(map[model.ConnID]model.UserID),
	}
}

// Bind makes conn the current connection of user, overwriting any earlier binding.
// changed is false when the pair was already current. When conn was the live
// connection of another user, that user loses its entry and is returned as displaced.
func (r *Registry) Bind(user model.UserID, conn model.ConnID) (displaced model.UserID, changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.byUser[user]; ok && cur == conn {
		return 0, false
	}

	// the connection switches identity: release its old entry if still pointing here
	if prev, ok := r.byConn[conn]; ok && r.byUser[prev] == conn {
		delete(r.byUser, prev)
		displaced = prev
	}
	// the user moves to a new connection: the old one no longer routes anywhere
	if old, ok := r.byUser[user]; ok {
		delete(r.byConn, old)
	}

	r.byUser[user] = conn
	r.byConn[conn] = user
	return displaced, true
}

// Lookup returns the connection currently bound to user.
func (r *Registry) Lookup(user model.UserID) (model.ConnID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUser[user]
	return c, ok
}

// UserOf returns the user bound to conn, if conn is still the current binding.
func (r *Registry) UserOf(conn model.ConnID) (model.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byConn[conn]
	if !ok || r.byUser[u] != conn {
		return 0, false
	}
	return u, true
}

// Unbind removes the entry pointing at conn. A connection superseded by a newer
// registration of the same user leaves the newer binding untouched.
func (r *Registry) Unbind(conn model.ConnID) (model.UserID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.byConn[conn]
	if !ok {
		return 0, false
	}
	delete(r.byConn, conn)
	if r.byUser[u] != conn {
		return 0, false
	}
	delete(r.byUser, u)
	return u, true
}

// Len returns the number of users currently online.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
