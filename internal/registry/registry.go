package registry

import (
	"sync"
	"time"
)

// Record describes one live connection.
type Record struct {
	DisplayName string
	JoinedAt    time.Time
}

// Registry tracks live connections and their display names. It is owned by
// the caller and safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Record
	now   func() time.Time
}

func New() *Registry {
	return &Registry{
		conns: make(map[string]Record),
		now:   time.Now,
	}
}

// Join records a connection, replacing any previous record for the same id,
// and returns the new count.
func (r *Registry) Join(connID, displayName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = Record{DisplayName: displayName, JoinedAt: r.now()}
	return len(r.conns)
}

// Rename updates the display name of a known connection. Unknown ids are
// ignored.
func (r *Registry) Rename(connID, displayName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.conns[connID]
	if !ok {
		return false
	}
	rec.DisplayName = displayName
	r.conns[connID] = rec
	return true
}

// Leave removes a connection and returns the new count and whether the id
// was present.
func (r *Registry) Leave(connID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[connID]
	delete(r.conns, connID)
	return len(r.conns), ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) Lookup(connID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.conns[connID]
	return rec, ok
}
