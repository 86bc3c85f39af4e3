package rudp

import (
	"fmt"
	"math/rand/v2"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/meshwire/rudp/transport"
)

// startNewTransport builds a transport, wires its event slots, and
// drives first contact. An empty bootstrapList is synthesized from the
// registry, which is how later transports join off existing
// connections. The lock is never held across the transport calls.
func (mc *ManagedConnections) startNewTransport(bootstrapList []transport.Contact, localEndpoint transport.Endpoint, offExisting bool) (Transport, transport.Contact, error) {
	t, err := mc.newTransport(localEndpoint)
	if err != nil {
		return nil, transport.Contact{}, fmt.Errorf("%w: %v", ErrFailedToBootstrap, err)
	}

	var candidateExternal net.IP
	if len(bootstrapList) == 0 {
		bootstrapList, candidateExternal = mc.gatherBootstrapContacts()
	}

	// A node must not bootstrap off itself: strip contacts whose local
	// endpoint matches an idle transport of ours.
	mc.mu.Lock()
	idleLocals := mc.idleLocalEndpointsLocked()
	mc.mu.Unlock()
	bootstrapList = stripOwnEndpoints(bootstrapList, idleLocals)

	if len(bootstrapList) == 0 {
		t.Close()
		return nil, transport.Contact{}, ErrFailedToBootstrap
	}

	t.SetCallbacks(mc.callbacksFor(t))

	chosen, err := t.Bootstrap(bootstrapList, offExisting)
	if err != nil {
		t.Close()
		logrus.WithFields(logrus.Fields{
			"function": "startNewTransport",
			"error":    err.Error(),
		}).Warn("Bootstrap failed on new transport")
		return nil, transport.Contact{}, ErrFailedToBootstrap
	}

	mc.mu.Lock()
	if !mc.chosen.ID.IsValid() {
		mc.chosen = chosen
	}
	mc.mu.Unlock()

	// A symmetric NAT rarely reveals the mapping to the peer we dialed.
	// When bootstrap learned no external endpoint but the registry
	// agrees on our external address, patch a best guess from that
	// address and this transport's local port.
	if !t.ExternalEndpoint().IsValid() && candidateExternal != nil {
		t.SetBestGuessExternalEndpoint(transport.Endpoint{
			IP:   candidateExternal,
			Port: t.LocalEndpoint().Port,
		})
	}

	return t, chosen, nil
}

// gatherBootstrapContacts synthesizes a bootstrap list from the live
// registry. Peers on private networks are kept on a secondary list
// behind the public ones; both lists are shuffled independently. The
// second return value is this node's external address when every peer
// agrees on it, nil when they disagree.
func (mc *ManagedConnections) gatherBootstrapContacts() ([]transport.Contact, net.IP) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	var primary, secondary []transport.Contact
	seen := make(map[string]bool)

	var external net.IP
	disagree := false

	for peer, t := range mc.connections {
		conn, ok := t.GetConnection(peer)
		if !ok {
			continue
		}

		ep := conn.PeerEndpoint()
		if !ep.IsValid() || seen[ep.String()] {
			continue
		}
		seen[ep.String()] = true

		contact := transport.Contact{
			ID:           peer,
			EndpointPair: transport.EndpointPair{External: ep},
			PublicKey:    conn.PeerPublicKey(),
		}

		if ep.OnPrivateNetwork() {
			secondary = append(secondary, contact)
			continue
		}
		primary = append(primary, contact)

		// Intersect the peers' observations of our address.
		observed := t.ThisEndpointAsSeenByPeer(peer)
		if !observed.IsValid() {
			continue
		}
		switch {
		case external == nil && !disagree:
			external = observed.IP
		case external != nil && !external.Equal(observed.IP):
			external = nil
			disagree = true
		}
	}

	rand.Shuffle(len(primary), func(i, j int) {
		primary[i], primary[j] = primary[j], primary[i]
	})
	rand.Shuffle(len(secondary), func(i, j int) {
		secondary[i], secondary[j] = secondary[j], secondary[i]
	})

	return append(primary, secondary...), external
}

// stripOwnEndpoints drops contacts whose local endpoint matches one of
// ours.
func stripOwnEndpoints(contacts []transport.Contact, own []transport.Endpoint) []transport.Contact {
	if len(own) == 0 {
		return contacts
	}

	out := contacts[:0]
	for _, c := range contacts {
		mine := false
		for _, ep := range own {
			if c.EndpointPair.Local.IsValid() && c.EndpointPair.Local.Equal(ep) {
				mine = true
				break
			}
		}
		if !mine {
			out = append(out, c)
		}
	}
	return out
}
