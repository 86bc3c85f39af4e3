package rudp

import (
	"github.com/meshwire/rudp/crypto"
	"github.com/meshwire/rudp/transport"
)

// Transport is the contract the core consumes. transport.UDPTransport
// is the production implementation; tests substitute doubles through
// the factory hook on ManagedConnections.
type Transport interface {
	// SetCallbacks wires the event slots before any traffic flows.
	SetCallbacks(cb transport.Callbacks)

	// Bootstrap performs first contact with one of the listed peers.
	// With offExisting set the resulting connection is temporary
	// scaffolding off an already-connected overlay peer.
	Bootstrap(contacts []transport.Contact, offExisting bool) (transport.Contact, error)

	// Connect launches the rendezvous handshake toward a peer; the
	// handler fires once with the outcome.
	Connect(peer crypto.NodeID, pair transport.EndpointPair, publicKey [32]byte, handler func(error))

	// Send forwards bytes to an established peer, reporting acceptance.
	Send(peer crypto.NodeID, data []byte, handler func(error)) bool

	// Ping probes (peer, ep); refused without the peer's public key.
	Ping(peer crypto.NodeID, ep transport.Endpoint, publicKey [32]byte) error

	Close()
	CloseConnection(peer crypto.NodeID)

	ID() string
	LocalEndpoint() transport.Endpoint
	ExternalEndpoint() transport.Endpoint
	SetBestGuessExternalEndpoint(ep transport.Endpoint)
	IsAvailable() bool
	IsIdle() bool
	NormalConnectionCount() int
	ThisEndpointAsSeenByPeer(peer crypto.NodeID) transport.Endpoint
	GetConnection(peer crypto.NodeID) (*transport.Connection, bool)
}

// transportFactory builds a transport bound to the shared NAT cell and
// the pool's dispatcher.
type transportFactory func(local transport.Endpoint) (Transport, error)

// defaultFactory produces real UDP transports.
func (mc *ManagedConnections) defaultFactory(local transport.Endpoint) (Transport, error) {
	var loss *transport.LossInjector
	if mc.opts.ConstantLossRate > 0 || mc.opts.BurstyLossRate > 0 {
		loss = transport.NewLossInjector(mc.opts.ConstantLossRate, mc.opts.BurstyLossRate, 1)
	}

	mc.mu.Lock()
	nodeID := mc.nodeID
	keys := mc.keys
	mc.mu.Unlock()

	return transport.NewUDPTransport(transport.Config{
		NodeID:         nodeID,
		Keys:           keys,
		NATCell:        mc.natCell,
		LocalEndpoint:  local,
		MaxConnections: mc.opts.MaxConnectionsPerTransport,
		Loss:           loss,
		Dispatch:       func(f func()) { mc.pool.Submit(f) },
	})
}
