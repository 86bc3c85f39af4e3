package rudp

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/meshwire/rudp/crypto"
	"github.com/meshwire/rudp/transport"
)

// Listener consumes user-visible events. Events arriving after the
// listener is gone are silently dropped.
type Listener interface {
	// MessageReceived delivers decrypted message bytes from a peer.
	MessageReceived(peer crypto.NodeID, message []byte)
	// ConnectionLost reports the loss of an established connection.
	ConnectionLost(peer crypto.NodeID)
}

// ManagedConnections multiplexes logical peer connections over a pool
// of UDP transports.
//
// One internal mutex guards the pending table, the registry, the idle
// pool, the chosen bootstrap contact, and the listener reference. The
// lock is never held across a transport call that might invoke an
// event slot synchronously, nor across user handler invocations.
type ManagedConnections struct {
	opts *Options
	pool *workerPool

	natCell   *transport.NATTypeCell
	estimator *transport.NATEstimator

	// newTransport is the factory hook; tests substitute doubles.
	newTransport transportFactory

	mu          sync.Mutex
	nodeID      crypto.NodeID
	keys        *crypto.KeyPair
	listener    Listener
	connections map[crypto.NodeID]Transport
	pendings    map[crypto.NodeID]*pendingConnection
	idle        []Transport
	chosen      transport.Contact
	closed      bool
}

// New constructs a ManagedConnections with its execution context
// running and the NAT classification unknown. Bootstrap must be called
// before the instance is useful.
func New(opts *Options) *ManagedConnections {
	if opts == nil {
		opts = NewOptions()
	}

	cell := transport.NewNATTypeCell()
	mc := &ManagedConnections{
		opts:        opts,
		pool:        newWorkerPool(opts.WorkerCount),
		natCell:     cell,
		estimator:   transport.NewNATEstimator(cell),
		connections: make(map[crypto.NodeID]Transport),
		pendings:    make(map[crypto.NodeID]*pendingConnection),
	}
	mc.newTransport = mc.defaultFactory

	return mc
}

// NATType exposes the current NAT classification.
func (mc *ManagedConnections) NATType() transport.NATType {
	return mc.natCell.Get()
}

// DetectNATType refines the NAT classification by probing external
// STUN servers. The result feeds the shared cell driving the
// transport fan-out policy.
func (mc *ManagedConnections) DetectNATType(ctx context.Context) (transport.NATType, error) {
	natType, _, err := mc.estimator.Probe(ctx)
	return natType, err
}

// Bootstrap joins the overlay through one of the listed contacts and
// returns the chosen bootstrap contact. It fixes this node's identity,
// listener, and best-guess external address.
func (mc *ManagedConnections) Bootstrap(bootstrapList []transport.Contact, listener Listener, keys *crypto.KeyPair, thisNodeID crypto.NodeID, localEndpoint transport.Endpoint) (transport.Contact, error) {
	if listener == nil || keys == nil || !thisNodeID.IsValid() {
		return transport.Contact{}, ErrInvalidParameter
	}
	if len(bootstrapList) == 0 {
		return transport.Contact{}, ErrNoBootstrapEndpoints
	}

	mc.mu.Lock()
	if mc.closed {
		mc.mu.Unlock()
		return transport.Contact{}, ErrOperationNotSupported
	}
	mc.nodeID = thisNodeID
	mc.keys = keys
	mc.listener = listener
	mc.mu.Unlock()

	t, chosen, err := mc.startNewTransport(bootstrapList, localEndpoint, false)
	if err != nil {
		return transport.Contact{}, err
	}

	if !t.LocalEndpoint().IsValid() {
		mc.mu.Lock()
		for peer, mapped := range mc.connections {
			if mapped.ID() == t.ID() {
				delete(mc.connections, peer)
			}
		}
		mc.removeIdleLocked(t)
		mc.mu.Unlock()
		t.Close()
		return transport.Contact{}, ErrFailedToGetLocalAddress
	}

	logrus.WithFields(logrus.Fields{
		"function": "Bootstrap",
		"node":     thisNodeID.Short(),
		"chosen":   chosen.ID.Short(),
		"local":    t.LocalEndpoint().String(),
		"external": t.ExternalEndpoint().String(),
	}).Info("Bootstrapped into overlay")

	return chosen, nil
}

// GetAvailableEndpoint yields the endpoint pair routing should hand to
// the peer, reserving a transport for a follow-up Add. The flag reports
// that the peer is already fully connected, in which case the caller
// must not re-add.
func (mc *ManagedConnections) GetAvailableEndpoint(peer crypto.NodeID, peerHint transport.EndpointPair) (transport.EndpointPair, bool, error) {
	if !peer.IsValid() {
		return transport.EndpointPair{}, false, ErrInvalidParameter
	}

	mc.mu.Lock()

	if mc.closed || peer == mc.nodeID {
		mc.mu.Unlock()
		return transport.EndpointPair{}, false, ErrOperationNotSupported
	}

	// 1. An attempt for this peer already holds a reservation.
	if rec, ok := mc.pendings[peer]; ok {
		pair := pairOf(rec.transport)
		mc.mu.Unlock()
		return pair, false, nil
	}

	// 2. The peer is already in the registry.
	if t, ok := mc.connections[peer]; ok {
		pair, exists, err := mc.endpointFromRegistryLocked(peer, t)
		if err == nil {
			mc.mu.Unlock()
			return pair, exists, nil
		}
		// The transport disowned the peer: heal the stale entry and
		// fall through to allocation.
		logrus.WithFields(logrus.Fields{
			"function":  "GetAvailableEndpoint",
			"peer":      peer.Short(),
			"transport": t.ID(),
		}).Error("Registry entry without backing connection, healing")
		delete(mc.connections, peer)
	}

	// 3. Reuse an idle transport, evicting dead pool entries.
	for len(mc.idle) > 0 {
		head := mc.idle[0]
		if head.IsAvailable() {
			mc.addPendingLocked(peer, head)
			pair := pairOf(head)
			mc.mu.Unlock()
			return pair, false, nil
		}
		mc.idle = mc.idle[1:]
	}

	// 4. Least-loaded transport with spare capacity.
	if t := mc.leastLoadedLocked(); t != nil {
		mc.addPendingLocked(peer, t)
		pair := pairOf(t)
		mc.mu.Unlock()
		return pair, false, nil
	}

	// 5. Start a new transport, bootstrapping off existing connections.
	if !mc.shouldStartNewTransportLocked(peerHint) {
		mc.mu.Unlock()
		return transport.EndpointPair{}, false, ErrNoAvailableEndpoint
	}
	mc.mu.Unlock()

	t, _, err := mc.startNewTransport(nil, transport.Endpoint{}, true)
	if err != nil {
		return transport.EndpointPair{}, false, fmt.Errorf("%w: %v", ErrNoAvailableEndpoint, err)
	}

	mc.mu.Lock()
	mc.addPendingLocked(peer, t)
	pair := pairOf(t)
	mc.mu.Unlock()

	return pair, false, nil
}

// endpointFromRegistryLocked resolves policy step 2 for a registered
// peer. The error return signals a stale entry, not a caller-visible
// failure.
func (mc *ManagedConnections) endpointFromRegistryLocked(peer crypto.NodeID, t Transport) (transport.EndpointPair, bool, error) {
	conn, ok := t.GetConnection(peer)
	if !ok {
		return transport.EndpointPair{}, false, ErrNotConnected
	}

	switch conn.State() {
	case transport.ConnStateBootstrapping:
		// Still settling: reserve for the Add that will promote it.
		mc.addPendingLocked(peer, t)
		return pairOf(t), false, nil
	case transport.ConnStateUnvalidated:
		return pairOf(t), false, nil
	default:
		return pairOf(t), true, nil
	}
}

// shouldStartNewTransportLocked applies the NAT-sensitive fan-out
// policy. A symmetric NAT needs one source port per destination, so the
// node fans out transports up to the connection budget; a cone NAT can
// reuse one port for many peers.
func (mc *ManagedConnections) shouldStartNewTransportLocked(peerHint transport.EndpointPair) bool {
	if mc.natCell.Get() == transport.NATTypeSymmetric {
		budget := mc.opts.MaxTransports * mc.opts.MaxConnectionsPerTransport
		return len(mc.connections) < budget &&
			(peerHint.External.IsValid() || !peerHint.Local.IsValid())
	}
	return len(mc.connections) < mc.opts.MaxTransports
}

// Add initiates the handshake to a peer for which GetAvailableEndpoint
// reserved a transport. Precondition failures return synchronously with
// no state change; the handler fires once when the transport accepts or
// rejects the connection.
func (mc *ManagedConnections) Add(peer transport.Contact, handler func(error)) error {
	mc.mu.Lock()

	if mc.closed {
		mc.mu.Unlock()
		return ErrOperationNotSupported
	}
	if peer.ID == mc.nodeID {
		mc.mu.Unlock()
		return ErrOperationNotSupported
	}

	rec, ok := mc.pendings[peer.ID]
	if !ok {
		_, connected := mc.connections[peer.ID]
		mc.mu.Unlock()
		if connected {
			return ErrAlreadyConnected
		}
		return ErrOperationNotSupported
	}

	if rec.connecting {
		mc.mu.Unlock()
		return ErrConnectionAlreadyInProgress
	}
	rec.connecting = true
	t := rec.transport

	if conn, exists := t.GetConnection(peer.ID); exists {
		state := conn.State()
		bootstrapRace := state == transport.ConnStatePermanent && mc.chosen.ID == peer.ID
		if state == transport.ConnStateBootstrapping || bootstrapRace {
			// Validation raced ahead of Add: succeed with no error. A
			// permanent connection has no promotion left, so its
			// reservation is consumed here.
			if bootstrapRace {
				mc.removePendingLocked(peer.ID)
			}
			mc.mu.Unlock()
			if handler != nil {
				mc.pool.Submit(func() { handler(nil) })
			}
			return nil
		}

		mc.removePendingLocked(peer.ID)
		mc.mu.Unlock()
		return ErrAlreadyConnected
	}
	mc.mu.Unlock()

	t.Connect(peer.ID, peer.EndpointPair, peer.PublicKey, handler)
	return nil
}

// Remove closes the connection to a peer. Idempotent: removing an
// unknown peer logs a warning and does nothing.
func (mc *ManagedConnections) Remove(peer crypto.NodeID) {
	mc.mu.Lock()
	t, ok := mc.connections[peer]
	mc.mu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Remove",
			"peer":     peer.Short(),
		}).Warn("Remove called for unconnected peer")
		return
	}

	// Closing outside the lock: the transport may report the loss
	// synchronously, and that event slot re-acquires it.
	t.CloseConnection(peer)
}

// Send forwards message bytes to an established peer, encrypting them
// for the peer's key. The handler fires exactly once with the outcome.
func (mc *ManagedConnections) Send(peer crypto.NodeID, message []byte, handler func(error)) {
	mc.mu.Lock()
	t, ok := mc.connections[peer]
	neverBootstrapped := len(mc.connections) == 0 && len(mc.idle) == 0
	encrypt := mc.opts.Encrypt
	mc.mu.Unlock()

	fail := func(err error) {
		if handler == nil {
			return
		}
		if neverBootstrapped || !mc.pool.Running() {
			// No execution context to speak of: deliver from a
			// detached goroutine so the caller is not stranded.
			go handler(err)
			return
		}
		mc.pool.Submit(func() { handler(err) })
	}

	if !ok {
		fail(ErrNotConnected)
		return
	}

	payload := message
	if encrypt {
		conn, exists := t.GetConnection(peer)
		if !exists {
			fail(ErrNotConnected)
			return
		}
		sealed, err := crypto.Encrypt(message, conn.PeerPublicKey())
		if err != nil {
			fail(fmt.Errorf("%w: %v", ErrNotConnected, err))
			return
		}
		payload = sealed
	}

	if !t.Send(peer, payload, handler) {
		fail(ErrNotConnected)
	}
}

// Close shuts every transport down and stops the execution context.
// Infallible; pending deadline timers never fire against a closed
// instance.
func (mc *ManagedConnections) Close() {
	mc.mu.Lock()
	if mc.closed {
		mc.mu.Unlock()
		return
	}
	mc.closed = true

	transports := make(map[string]Transport)
	for _, t := range mc.connections {
		transports[t.ID()] = t
	}
	for _, t := range mc.idle {
		transports[t.ID()] = t
	}
	for _, rec := range mc.pendings {
		rec.timer.Stop()
		transports[rec.transport.ID()] = rec.transport
	}

	mc.connections = make(map[crypto.NodeID]Transport)
	mc.pendings = make(map[crypto.NodeID]*pendingConnection)
	mc.idle = nil
	mc.listener = nil
	mc.chosen = transport.Contact{}
	mc.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}

	mc.pool.Stop()
}

func pairOf(t Transport) transport.EndpointPair {
	return transport.EndpointPair{
		Local:    t.LocalEndpoint(),
		External: t.ExternalEndpoint(),
	}
}
