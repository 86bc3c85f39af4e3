package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/meshwire/rudp/crypto"
)

// Callbacks are the event slots a transport reports into. Events driven
// by inbound packets run on the owner's dispatcher; events caused by a
// call into the transport (Bootstrap, Connect's rendezvous,
// CloseConnection, Close) run on that call's goroutine. Slots are never
// invoked while the transport's own lock is held, so they are free to
// call back into the transport.
type Callbacks struct {
	// OnMessage delivers the payload of a data packet.
	OnMessage func(peer crypto.NodeID, payload []byte)
	// OnAdded announces a new connection. The return value tells the
	// transport the peer is already connected elsewhere.
	OnAdded func(peer crypto.NodeID, temporary bool) (isDuplicate bool)
	// OnLost announces a closed or failed connection.
	OnLost func(peer crypto.NodeID, temporary bool)
	// OnNATDetect asks the owner for the external port of another
	// transport, for a peer running NAT detection. Zero means no help.
	OnNATDetect func(local Endpoint, peer crypto.NodeID, peerEndpoint Endpoint) uint16
}

// Config parameterizes a transport.
type Config struct {
	NodeID crypto.NodeID
	Keys   *crypto.KeyPair
	// NATCell is the node-wide NAT classification shared by all
	// transports.
	NATCell *NATTypeCell
	// LocalEndpoint to bind; the zero value binds an ephemeral port.
	LocalEndpoint Endpoint
	// MaxConnections caps peers multiplexed over this endpoint.
	MaxConnections int
	// HandshakeTimeout bounds one rendezvous attempt.
	HandshakeTimeout time.Duration
	// Loss injects inbound packet loss. Test only.
	Loss *LossInjector
	// Dispatch runs work on the owner's execution context. Defaults to
	// spawning a goroutine.
	Dispatch func(func())
}

const defaultHandshakeTimeout = 10 * time.Second

var (
	// ErrTransportClosed indicates the transport has been shut down.
	ErrTransportClosed = errors.New("transport closed")
	// ErrTransportFull indicates the per-transport connection cap is hit.
	ErrTransportFull = errors.New("transport at connection capacity")
	// ErrHandshakeTimeout indicates the peer never completed the
	// rendezvous handshake.
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrMissingPublicKey indicates an operation that requires the
	// peer's key was attempted without one.
	ErrMissingPublicKey = errors.New("peer public key unavailable")
)

// attempt tracks one in-flight outbound handshake, keyed by the remote
// address the first message was sent to.
type attempt struct {
	peerID    crypto.NodeID
	handshake *crypto.IKHandshake
	endpoint  Endpoint
	conn      *Connection
	result    chan error
}

// UDPTransport owns one UDP endpoint and up to MaxConnections peer
// connections sharing it.
type UDPTransport struct {
	id       string
	cfg      Config
	conn     net.PacketConn
	local    Endpoint
	dispatch func(func())

	mu          sync.RWMutex
	callbacks   Callbacks
	connections map[crypto.NodeID]*Connection
	byAddr      map[string]crypto.NodeID
	attempts    map[string]*attempt
	external    Endpoint
	closed      bool
}

// NewUDPTransport binds a UDP socket and starts its read loop.
// SetCallbacks must be called before any peer traffic is expected.
func NewUDPTransport(cfg Config) (*UDPTransport, error) {
	if cfg.Keys == nil {
		return nil, errors.New("transport requires a key pair")
	}
	if cfg.NATCell == nil {
		return nil, errors.New("transport requires a NAT type cell")
	}
	if cfg.MaxConnections <= 0 {
		return nil, errors.New("transport requires a positive connection cap")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	listen := ":0"
	if ip := cfg.LocalEndpoint.IP; ip != nil && !ip.IsUnspecified() {
		// A zero port still binds the given address, on an ephemeral port.
		listen = cfg.LocalEndpoint.UDPAddr().String()
	}
	conn, err := net.ListenPacket("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("failed to bind transport socket: %w", err)
	}

	t := &UDPTransport{
		id:          uuid.NewString(),
		cfg:         cfg,
		conn:        conn,
		local:       EndpointFromUDPAddr(conn.LocalAddr().(*net.UDPAddr)),
		dispatch:    cfg.Dispatch,
		connections: make(map[crypto.NodeID]*Connection),
		byAddr:      make(map[string]crypto.NodeID),
		attempts:    make(map[string]*attempt),
	}
	if t.dispatch == nil {
		t.dispatch = func(f func()) { go f() }
	}

	logrus.WithFields(logrus.Fields{
		"function":  "NewUDPTransport",
		"transport": t.id,
		"local":     t.local.String(),
	}).Debug("Transport started")

	go t.readLoop()

	return t, nil
}

// ID returns the transport's instance identifier, used in logs and
// debug output.
func (t *UDPTransport) ID() string {
	return t.id
}

// SetCallbacks wires the event slots. Must be called before Bootstrap
// or Connect.
func (t *UDPTransport) SetCallbacks(cb Callbacks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = cb
}

// LocalEndpoint returns the bound endpoint.
func (t *UDPTransport) LocalEndpoint() Endpoint {
	return t.local
}

// ExternalEndpoint returns this transport's endpoint as seen from
// outside the NAT, when known.
func (t *UDPTransport) ExternalEndpoint() Endpoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.external
}

// SetBestGuessExternalEndpoint overrides the external endpoint when
// bootstrap could not learn one directly.
func (t *UDPTransport) SetBestGuessExternalEndpoint(ep Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.external = ep
}

// IsAvailable reports whether the transport can accept another peer.
func (t *UDPTransport) IsAvailable() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.closed && len(t.connections) < t.cfg.MaxConnections
}

// IsIdle reports whether the transport has zero live peers.
func (t *UDPTransport) IsIdle() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.connections) == 0
}

// NormalConnectionCount counts connections that are neither
// bootstrapping nor temporary.
func (t *UDPTransport) NormalConnectionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for _, c := range t.connections {
		switch c.State() {
		case ConnStateUnvalidated, ConnStatePermanent, ConnStateDuplicate:
			count++
		}
	}
	return count
}

// GetConnection returns the connection to peer, if any.
func (t *UDPTransport) GetConnection(peer crypto.NodeID) (*Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.connections[peer]
	return c, ok
}

// ThisEndpointAsSeenByPeer returns this node's endpoint as observed by
// the given peer during its handshake, or the zero endpoint.
func (t *UDPTransport) ThisEndpointAsSeenByPeer(peer crypto.NodeID) Endpoint {
	c, ok := t.GetConnection(peer)
	if !ok {
		return Endpoint{}
	}
	return c.ThisEndpointAsSeenByPeer()
}

// Bootstrap attempts first contact with each listed peer in order and
// returns the first that answers. On success the bootstrap connection
// is registered and this transport's external endpoint is set from the
// peer's observation of us. With offExisting set the connection is
// temporary scaffolding: it exists to learn the mapping and punch the
// NAT, and never enters the owner's registry.
func (t *UDPTransport) Bootstrap(contacts []Contact, offExisting bool) (Contact, error) {
	purpose := purposeBootstrap
	if offExisting {
		purpose = purposeBootstrapOffExisting
	}

	var lastErr error
	for _, contact := range contacts {
		if !contact.IsValid() {
			continue
		}

		peer, err := t.rendezvous(contact, purpose)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Bootstrap",
				"transport": t.id,
				"contact":   contact.ID.Short(),
				"error":     err.Error(),
			}).Debug("Bootstrap contact unreachable")
			lastErr = err
			continue
		}

		return peer, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no valid bootstrap contacts")
	}
	return Contact{}, lastErr
}

// Connect launches the rendezvous handshake to peer. The handler fires
// once with the outcome; promotion into the owner's registry happens
// through the OnAdded slot, not here.
func (t *UDPTransport) Connect(peer crypto.NodeID, pair EndpointPair, publicKey [32]byte, handler func(error)) {
	t.dispatch(func() {
		contact := Contact{ID: peer, EndpointPair: pair, PublicKey: publicKey}
		_, err := t.rendezvous(contact, purposeConnect)
		if handler != nil {
			handler(err)
		}
	})
}

// rendezvous runs one outbound handshake to contact and blocks until it
// completes or times out. On success the connection is registered and
// announced through OnAdded.
func (t *UDPTransport) rendezvous(contact Contact, purpose byte) (Contact, error) {
	att, err := t.beginHandshake(contact, purpose)
	if err != nil {
		return Contact{}, err
	}

	select {
	case err := <-att.result:
		if err != nil {
			t.abortAttempt(att)
			return Contact{}, err
		}
	case <-time.After(t.cfg.HandshakeTimeout):
		t.abortAttempt(att)
		return Contact{}, ErrHandshakeTimeout
	}

	temporary := purpose == purposeBootstrapOffExisting
	cb := t.snapshotCallbacks()
	if cb.OnAdded != nil {
		if cb.OnAdded(att.conn.PeerNodeID(), temporary) && !temporary {
			att.conn.SetState(ConnStateDuplicate)
		}
	}

	return Contact{
		ID:           att.conn.PeerNodeID(),
		EndpointPair: EndpointPair{External: att.conn.PeerEndpoint()},
		PublicKey:    att.conn.PeerPublicKey(),
	}, nil
}

// beginHandshake registers the attempt and sends the first Noise
// message.
func (t *UDPTransport) beginHandshake(contact Contact, purpose byte) (*attempt, error) {
	hs, err := crypto.NewIKHandshake(crypto.HandshakeInitiator, t.cfg.Keys, contact.PublicKey)
	if err != nil {
		return nil, err
	}

	payload := handshakePayload{Purpose: purpose, NodeID: t.cfg.NodeID}
	msg, _, err := hs.WriteMessage(payload.marshal())
	if err != nil {
		return nil, err
	}

	ep := contact.EndpointPair.Preferred()
	state := ConnStateUnvalidated
	switch purpose {
	case purposeBootstrap:
		state = ConnStateBootstrapping
	case purposeBootstrapOffExisting:
		state = ConnStateTemporary
	}

	att := &attempt{
		peerID:    contact.ID,
		handshake: hs,
		endpoint:  ep,
		conn:      NewConnection(contact.ID, contact.PublicKey, ep, state),
		result:    make(chan error, 1),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if len(t.connections) >= t.cfg.MaxConnections {
		t.mu.Unlock()
		return nil, ErrTransportFull
	}
	t.attempts[ep.String()] = att
	t.connections[contact.ID] = att.conn
	t.byAddr[ep.String()] = contact.ID
	t.mu.Unlock()

	if err := t.writePacket(PacketHandshake, msg, ep); err != nil {
		t.abortAttempt(att)
		return nil, err
	}

	return att, nil
}

// abortAttempt tears down a failed or timed-out handshake.
func (t *UDPTransport) abortAttempt(att *attempt) {
	t.mu.Lock()
	delete(t.attempts, att.endpoint.String())
	if id, ok := t.byAddr[att.endpoint.String()]; ok && id == att.peerID {
		delete(t.byAddr, att.endpoint.String())
	}
	if c, ok := t.connections[att.peerID]; ok && c == att.conn {
		delete(t.connections, att.peerID)
	}
	t.mu.Unlock()
}

// Send forwards data to an established peer. The returned flag reports
// whether the transport accepted the send; the handler fires with the
// I/O outcome.
func (t *UDPTransport) Send(peer crypto.NodeID, data []byte, handler func(error)) bool {
	t.mu.RLock()
	conn, ok := t.connections[peer]
	closed := t.closed
	t.mu.RUnlock()

	if !ok || closed {
		return false
	}

	payload := marshalDataPayload(t.cfg.NodeID, data)
	t.dispatch(func() {
		err := t.writePacket(PacketData, payload, conn.PeerEndpoint())
		if err == nil {
			conn.touch()
		}
		if handler != nil {
			handler(err)
		}
	})

	return true
}

// Ping sends a reachability probe to (peer, ep). The peer's public key
// must be known; pinging unauthenticated endpoints is refused.
func (t *UDPTransport) Ping(peer crypto.NodeID, ep Endpoint, publicKey [32]byte) error {
	var zero [32]byte
	if publicKey == zero {
		return ErrMissingPublicKey
	}
	if !ep.IsValid() {
		return errors.New("invalid ping endpoint")
	}

	payload := append([]byte{pingPlain}, t.cfg.NodeID[:]...)
	return t.writePacket(PacketPing, payload, ep)
}

// CloseConnection shuts down the connection to one peer and reports it
// lost.
func (t *UDPTransport) CloseConnection(peer crypto.NodeID) {
	t.mu.Lock()
	conn, ok := t.connections[peer]
	if ok {
		delete(t.connections, peer)
		delete(t.byAddr, conn.PeerEndpoint().String())
		delete(t.attempts, conn.PeerEndpoint().String())
	}
	cb := t.callbacks
	t.mu.Unlock()

	if !ok {
		return
	}

	_ = t.writePacket(PacketClose, t.cfg.NodeID[:], conn.PeerEndpoint())
	if cb.OnLost != nil {
		cb.OnLost(peer, conn.Temporary())
	}
}

// Close shuts the transport down, reporting every live connection lost.
func (t *UDPTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	conns := t.connections
	t.connections = make(map[crypto.NodeID]*Connection)
	t.byAddr = make(map[string]crypto.NodeID)
	t.attempts = make(map[string]*attempt)
	cb := t.callbacks
	t.mu.Unlock()

	_ = t.conn.Close()

	for peer, conn := range conns {
		if cb.OnLost != nil {
			cb.OnLost(peer, conn.Temporary())
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Close",
		"transport": t.id,
		"local":     t.local.String(),
	}).Debug("Transport closed")
}

func (t *UDPTransport) snapshotCallbacks() Callbacks {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.callbacks
}

func (t *UDPTransport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *UDPTransport) writePacket(pt PacketType, payload []byte, ep Endpoint) error {
	pkt := &Packet{PacketType: pt, Data: payload}
	data, err := pkt.Serialize()
	if err != nil {
		return err
	}

	_, err = t.conn.WriteTo(data, ep.UDPAddr())
	return err
}
