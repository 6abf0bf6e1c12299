package kiwibnc

import "sync"

// userNetworkKey identifies the (authUserId, networkId) pair the Registry
// uses to enforce invariant 3: at most one live outgoing upstream per pair.
type userNetworkKey struct {
	userID    int64
	networkID int64
}

// Registry is the process-wide index of live connections. Lookups are
// point-in-time: callers tolerate a just-removed entry by treating it as
// absent, rather than the registry handing out stale references.
type Registry struct {
	mu sync.Mutex

	downstreams map[string]*Downstream
	upstreams   map[string]*Upstream
	byUserNet   map[userNetworkKey]*Upstream
}

func NewRegistry() *Registry {
	return &Registry{
		downstreams: make(map[string]*Downstream),
		upstreams:   make(map[string]*Upstream),
		byUserNet:   make(map[userNetworkKey]*Upstream),
	}
}

func (r *Registry) addDownstream(dc *Downstream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downstreams[dc.conID()] = dc
}

func (r *Registry) removeDownstream(conID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.downstreams, conID)
}

func (r *Registry) getDownstream(conID string) *Downstream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.downstreams[conID]
}

func (r *Registry) addUpstream(uc *Upstream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upstreams[uc.conID()] = uc
	r.byUserNet[userNetworkKey{uc.state.AuthUserID, uc.state.AuthNetworkID}] = uc
}

func (r *Registry) removeUpstream(uc *Upstream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.upstreams, uc.conID())
	key := userNetworkKey{uc.state.AuthUserID, uc.state.AuthNetworkID}
	if existing, ok := r.byUserNet[key]; ok && existing == uc {
		delete(r.byUserNet, key)
	}
}

func (r *Registry) getUpstream(conID string) *Upstream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upstreams[conID]
}

// findUsersOutgoingConnection implements the Upstream Binder's registry
// query: does this (userId, networkId) pair already have a live upstream?
func (r *Registry) findUsersOutgoingConnection(userID, networkID int64) *Upstream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byUserNet[userNetworkKey{userID, networkID}]
}
