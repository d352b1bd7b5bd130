package registry

import (
	"log/slog"
	"sort"
	"sync"

	"chatwire-server/domain"
)

type entry struct {
	identity domain.Identity
	refs     int
}

// Registry maps live connections to announced identities. A user may hold
// several connections at once, so identities are reference-counted: a user
// leaves the online set only when the last of their connections unregisters.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]domain.Identity
	online map[int64]*entry
}

func New() *Registry {
	return &Registry{
		conns:  make(map[string]domain.Identity),
		online: make(map[int64]*entry),
	}
}

// Register associates a connection with an identity. Re-registering the same
// connection with a different identity replaces the old one, last write wins.
func (r *Registry) Register(connID string, identity domain.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.conns[connID]; ok {
		if prev.ID == identity.ID {
			// Idempotent re-announce; keep the freshest display name.
			r.conns[connID] = identity
			r.online[identity.ID].identity = identity
			return
		}
		r.release(prev.ID)
	}

	r.conns[connID] = identity
	if e, ok := r.online[identity.ID]; ok {
		e.refs++
		e.identity = identity
	} else {
		r.online[identity.ID] = &entry{identity: identity, refs: 1}
	}

	slog.Info("user online", "connId", connID, "userId", identity.ID, "connections", r.online[identity.ID].refs)
}

// Unregister removes a connection's association. Unknown connection ids are
// a no-op: a connection may disconnect before ever announcing an identity.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)
	r.release(identity.ID)

	slog.Info("user connection closed", "connId", connID, "userId", identity.ID)
}

// release drops one reference for a user id, removing the user from the
// online set at zero. Caller holds r.mu.
func (r *Registry) release(userID int64) {
	e, ok := r.online[userID]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(r.online, userID)
	}
}

// Identity resolves the identity announced on a connection.
func (r *Registry) Identity(connID string) (domain.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identity, ok := r.conns[connID]
	return identity, ok
}

// OnlineIdentities returns a snapshot of the online set, sorted by user id.
func (r *Registry) OnlineIdentities() []domain.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identities := make([]domain.Identity, 0, len(r.online))
	for _, e := range r.online {
		identities = append(identities, e.identity)
	}
	sort.Slice(identities, func(i, j int) bool { return identities[i].ID < identities[j].ID })
	return identities
}
