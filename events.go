package rudp

import (
	"github.com/sirupsen/logrus"

	"github.com/meshwire/rudp/crypto"
	"github.com/meshwire/rudp/transport"
)

// callbacksFor wires a transport's event slots back into this instance.
// Transports hold only these closures, never the owner itself, so
// ownership stays acyclic: the owner holds transports strongly,
// transports reach back per event.
func (mc *ManagedConnections) callbacksFor(t Transport) transport.Callbacks {
	return transport.Callbacks{
		OnMessage: func(peer crypto.NodeID, payload []byte) {
			mc.onMessage(peer, payload)
		},
		OnAdded: func(peer crypto.NodeID, temporary bool) bool {
			return mc.onConnectionAdded(peer, t, temporary)
		},
		OnLost: func(peer crypto.NodeID, temporary bool) {
			mc.onConnectionLost(peer, t, temporary)
		},
		OnNATDetect: func(local transport.Endpoint, peer crypto.NodeID, peerEndpoint transport.Endpoint) uint16 {
			return mc.onNATDetectionRequested(local, peer, peerEndpoint)
		},
	}
}

// onConnectionAdded promotes a completed rendezvous into the registry.
// The pending-table removal and registry insertion form one atomic
// transition under the lock. Returns whether the peer was already
// mapped elsewhere.
func (mc *ManagedConnections) onConnectionAdded(peer crypto.NodeID, t Transport, temporary bool) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.closed {
		return false
	}

	if temporary {
		mc.updateIdleLocked(t)
		return false
	}

	if peer == mc.nodeID {
		logrus.WithFields(logrus.Fields{
			"function": "onConnectionAdded",
			"peer":     peer.Short(),
		}).Error("Own node ID reported as peer, ignoring")
		return false
	}

	mc.removePendingLocked(peer)

	if _, mapped := mc.connections[peer]; mapped {
		logrus.WithFields(logrus.Fields{
			"function":  "onConnectionAdded",
			"peer":      peer.Short(),
			"transport": t.ID(),
		}).Debug("Duplicate connection for already-mapped peer")
		mc.updateIdleLocked(t)
		return true
	}

	mc.connections[peer] = t
	mc.removeIdleLocked(t)
	return false
}

// onConnectionLost unwinds registry and pending state for a dropped
// connection and notifies the listener.
func (mc *ManagedConnections) onConnectionLost(peer crypto.NodeID, t Transport, temporary bool) {
	mc.mu.Lock()

	if mc.closed {
		mc.mu.Unlock()
		return
	}

	mc.updateIdleLocked(t)

	if temporary {
		mc.mu.Unlock()
		return
	}

	mc.removePendingLocked(peer)

	recorded, mapped := mc.connections[peer]
	if mapped {
		if recorded.ID() != t.ID() {
			// The registry and the reporting transport disagree. That
			// is a state-machine anomaly; heal by erasing the stale
			// entry.
			logrus.WithFields(logrus.Fields{
				"function":  "onConnectionLost",
				"peer":      peer.Short(),
				"recorded":  recorded.ID(),
				"reporting": t.ID(),
			}).Error("Lost-event transport does not match registry")
		}
		delete(mc.connections, peer)
	}

	if mc.chosen.ID == peer {
		mc.chosen = transport.Contact{}
	}

	listener := mc.listener
	mc.mu.Unlock()

	if mapped && listener != nil {
		listener.ConnectionLost(peer)
	}
}

// onMessage decrypts an inbound payload and forwards it upstream.
// Decryption failures indicate a corrupt or hostile peer, not a local
// bug: they are logged and dropped, never propagated.
func (mc *ManagedConnections) onMessage(peer crypto.NodeID, payload []byte) {
	mc.mu.Lock()
	listener := mc.listener
	keys := mc.keys
	encrypt := mc.opts.Encrypt
	mc.mu.Unlock()

	if listener == nil {
		return
	}

	plain := payload
	if encrypt {
		decrypted, err := crypto.Decrypt(payload, keys)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "onMessage",
				"peer":     peer.Short(),
				"error":    err.Error(),
			}).Warn("Dropping undecryptable message")
			return
		}
		plain = decrypted
	}

	listener.MessageReceived(peer, plain)
}

// onNATDetectionRequested helps a peer classify its NAT by answering
// with the external port of another of our transports and pinging the
// peer from it. Returns zero when we cannot help.
func (mc *ManagedConnections) onNATDetectionRequested(local transport.Endpoint, peer crypto.NodeID, peerEndpoint transport.Endpoint) uint16 {
	nat := mc.natCell.Get()
	if nat == transport.NATTypeUnknown || nat == transport.NATTypeSymmetric {
		return 0
	}

	mc.mu.Lock()
	var other Transport
	var peerKey [32]byte
	for _, t := range mc.uniqueTransportsLocked() {
		if !t.LocalEndpoint().Equal(local) {
			other = t
			break
		}
	}
	if other != nil {
		// The ping must be authenticated; look the peer's key up on
		// whichever transport knows it.
		for _, t := range mc.connections {
			if conn, ok := t.GetConnection(peer); ok {
				peerKey = conn.PeerPublicKey()
				break
			}
		}
	}
	mc.mu.Unlock()

	if other == nil {
		return 0
	}

	port := other.ExternalEndpoint().Port

	var zero [32]byte
	if peerKey == zero {
		// Never ping with an invalid key; the port alone still serves
		// the peer's detection.
		logrus.WithFields(logrus.Fields{
			"function": "onNATDetectionRequested",
			"peer":     peer.Short(),
		}).Debug("Skipping detection ping, peer key unavailable")
		return port
	}

	if err := other.Ping(peer, peerEndpoint, peerKey); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "onNATDetectionRequested",
			"peer":     peer.Short(),
			"error":    err.Error(),
		}).Debug("Detection ping failed")
	}

	return port
}
