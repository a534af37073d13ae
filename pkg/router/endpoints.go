package router

import (
	"sync"

	"github.com/resolvingarchitecture/ra-common/pkg/protocol"
)

// Endpoints is a Resolver keyed by service name, with an optional fallback
// per network for routes that must leave the node.
type Endpoints struct {
	mu       sync.RWMutex
	services map[string]Endpoint
	networks map[protocol.NetworkID]Endpoint
	local    func(protocol.Addr) bool
}

// NewEndpoints returns an empty table. isLocal reports whether an address
// belongs to this node; nil means none do.
func NewEndpoints(isLocal func(protocol.Addr) bool) *Endpoints {
	if isLocal == nil {
		isLocal = func(protocol.Addr) bool { return false }
	}
	return &Endpoints{
		services: make(map[string]Endpoint),
		networks: make(map[protocol.NetworkID]Endpoint),
		local:    isLocal,
	}
}

// AddService registers a local endpoint under its name.
func (t *Endpoints) AddService(ep Endpoint) {
	t.mu.Lock()
	t.services[ep.Name()] = ep
	t.mu.Unlock()
}

// AddNetwork registers the adapter that carries routes for id.
func (t *Endpoints) AddNetwork(id protocol.NetworkID, ep Endpoint) {
	t.mu.Lock()
	t.networks[id] = ep
	t.mu.Unlock()
}

// RemoveService forgets a local endpoint.
func (t *Endpoints) RemoveService(name string) {
	t.mu.Lock()
	delete(t.services, name)
	t.mu.Unlock()
}

// Resolve implements Resolver. Routes addressed to another node go to the
// network named by their next address; everything else is local.
func (t *Endpoints) Resolve(r protocol.Route) (Endpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if a := r.NextAddr(); a != nil && !t.local(*a) {
		ep, ok := t.networks[a.Network]
		return ep, ok
	}
	ep, ok := t.services[r.Service]
	return ep, ok
}
