package rudp

import (
	"github.com/meshwire/rudp/transport"
)

// Registry and idle-pool bookkeeping. All helpers require mc.mu held.
//
// Invariant: a transport with at least one registered peer (including a
// bootstrapping first contact) is reachable through the registry; a
// transport with zero peers sits in the idle pool; a transport carrying
// only temporary connections is in neither.

// uniqueTransportsLocked returns the distinct transports currently
// mapped by the registry.
func (mc *ManagedConnections) uniqueTransportsLocked() []Transport {
	seen := make(map[string]bool, len(mc.connections))
	var out []Transport
	for _, t := range mc.connections {
		if !seen[t.ID()] {
			seen[t.ID()] = true
			out = append(out, t)
		}
	}
	return out
}

// updateIdleLocked recomputes idle-pool membership for one transport.
// Called exactly when a connection is added or lost on it.
func (mc *ManagedConnections) updateIdleLocked(t Transport) {
	if t.IsIdle() {
		mc.insertIdleLocked(t)
	} else {
		mc.removeIdleLocked(t)
	}
}

func (mc *ManagedConnections) insertIdleLocked(t Transport) {
	for _, existing := range mc.idle {
		if existing.ID() == t.ID() {
			return
		}
	}
	mc.idle = append(mc.idle, t)
}

func (mc *ManagedConnections) removeIdleLocked(t Transport) {
	for i, existing := range mc.idle {
		if existing.ID() == t.ID() {
			mc.idle = append(mc.idle[:i], mc.idle[i+1:]...)
			return
		}
	}
}

// idleLocalEndpointsLocked lists the local endpoints of the idle pool,
// used to stop a node from bootstrapping off itself.
func (mc *ManagedConnections) idleLocalEndpointsLocked() []transport.Endpoint {
	eps := make([]transport.Endpoint, 0, len(mc.idle))
	for _, t := range mc.idle {
		eps = append(eps, t.LocalEndpoint())
	}
	return eps
}

// leastLoadedLocked picks the registry transport with the smallest
// normal-connection count strictly below the per-transport cap.
func (mc *ManagedConnections) leastLoadedLocked() Transport {
	var best Transport
	bestCount := mc.opts.MaxConnectionsPerTransport
	for _, t := range mc.uniqueTransportsLocked() {
		if count := t.NormalConnectionCount(); count < bestCount {
			best = t
			bestCount = count
		}
	}
	return best
}
