package rudp

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshwire/rudp/crypto"
)

// pendingConnection reserves a transport for a peer during the
// rendezvous window between GetAvailableEndpoint and a successful Add.
type pendingConnection struct {
	nodeID     crypto.NodeID
	transport  Transport
	timer      *time.Timer
	connecting bool
}

// addPendingLocked inserts a reservation and arms its deadline. Caller
// holds mc.mu; a prior reservation for the peer is replaced, its timer
// cancelled.
func (mc *ManagedConnections) addPendingLocked(peer crypto.NodeID, t Transport) *pendingConnection {
	if prev, ok := mc.pendings[peer]; ok {
		prev.timer.Stop()
	}

	rec := &pendingConnection{nodeID: peer, transport: t}
	rec.timer = time.AfterFunc(mc.opts.RendezvousConnectTimeout, func() {
		mc.expirePending(peer, rec)
	})
	mc.pendings[peer] = rec
	return rec
}

// removePendingLocked cancels and erases a reservation. Idempotent;
// caller holds mc.mu.
func (mc *ManagedConnections) removePendingLocked(peer crypto.NodeID) {
	rec, ok := mc.pendings[peer]
	if !ok {
		return
	}
	rec.timer.Stop()
	delete(mc.pendings, peer)
}

// expirePending is the deadline handler. It re-checks membership under
// the lock: a competing removal may have won the race, and both paths
// must stay idempotent. The reserved transport is not closed; it may
// still be useful to other peers.
func (mc *ManagedConnections) expirePending(peer crypto.NodeID, rec *pendingConnection) {
	mc.mu.Lock()
	current, ok := mc.pendings[peer]
	if !ok || current != rec {
		mc.mu.Unlock()
		return
	}
	delete(mc.pendings, peer)
	mc.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "expirePending",
		"peer":     peer.Short(),
	}).Debug("Pending connection reservation expired")
}
