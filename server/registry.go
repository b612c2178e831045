package server

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Registry maps identities to live connections. At most one connection is
// bound to an identity at any time: a new login with the same name marks the
// prior connection for eviction.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*peer
}

func newRegistry() *Registry {
	return &Registry{peers: make(map[string]*peer)}
}

// Register binds name to p and returns the connection it superseded, if any.
// Completing the eviction (notice, close) is the caller's job and must happen
// off this code path so a stuck prior connection cannot delay the new login.
func (r *Registry) Register(name string, p *peer) (evicted *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.peers[name]; ok && old != p {
		evicted = old
	}
	r.peers[name] = p
	return evicted
}

// Unregister removes the binding only if it still points at p. A connection
// that was superseded by eviction must not tear down its successor's binding.
func (r *Registry) Unregister(name string, p *peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bound, ok := r.peers[name]; ok && bound == p {
		delete(r.peers, name)
		return true
	}
	return false
}

func (r *Registry) Lookup(name string) (*peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[name]
	return p, ok
}

// Snapshot returns the registered identities in sorted order.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	names := lo.Keys(r.peers)
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Entries returns a point-in-time copy of the identity-to-connection map.
func (r *Registry) Entries() map[string]*peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make(map[string]*peer, len(r.peers))
	for name, p := range r.peers {
		entries[name] = p
	}
	return entries
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
