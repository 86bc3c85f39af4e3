package transport

import (
	"sync"
	"time"

	"github.com/meshwire/rudp/crypto"
)

// ConnectionState tracks a connection through its lifecycle.
type ConnectionState uint8

const (
	// ConnStateBootstrapping is the initial state of a first-contact
	// connection, before validation settles it.
	ConnStateBootstrapping ConnectionState = iota
	// ConnStateUnvalidated means the rendezvous handshake completed but
	// the peer has not yet been validated.
	ConnStateUnvalidated
	// ConnStatePermanent is a validated, steady-state connection.
	ConnStatePermanent
	// ConnStateDuplicate marks a connection whose peer is already
	// reachable through another transport.
	ConnStateDuplicate
	// ConnStateTemporary marks a short-lived connection made for a
	// bootstrap off existing connections, on either side of it; it never
	// enters the registry.
	ConnStateTemporary
)

// String returns a human-readable name for the state.
func (s ConnectionState) String() string {
	switch s {
	case ConnStateBootstrapping:
		return "Bootstrapping"
	case ConnStateUnvalidated:
		return "Unvalidated"
	case ConnStatePermanent:
		return "Permanent"
	case ConnStateDuplicate:
		return "Duplicate"
	case ConnStateTemporary:
		return "Temporary"
	default:
		return "Invalid"
	}
}

// Connection is one logical RUDP session to a peer over one transport.
type Connection struct {
	mu               sync.RWMutex
	peerID           crypto.NodeID
	peerKey          [32]byte
	peerEndpoint     Endpoint
	thisEndpointSeen Endpoint
	state            ConnectionState
	session          *crypto.Session
	handshake        *crypto.IKHandshake
	lastActivity     time.Time
}

// NewConnection creates a connection record in the given state. Exposed
// so transports and test doubles can build registry entries directly.
func NewConnection(peerID crypto.NodeID, peerKey [32]byte, peerEndpoint Endpoint, state ConnectionState) *Connection {
	return &Connection{
		peerID:       peerID,
		peerKey:      peerKey,
		peerEndpoint: peerEndpoint,
		state:        state,
		lastActivity: time.Now(),
	}
}

// PeerNodeID returns the remote node's identifier.
func (c *Connection) PeerNodeID() crypto.NodeID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerID
}

// PeerPublicKey returns the remote node's long-term public key.
func (c *Connection) PeerPublicKey() [32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerKey
}

// PeerEndpoint returns the remote endpoint packets are sent to.
func (c *Connection) PeerEndpoint() Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerEndpoint
}

// ThisEndpointAsSeenByPeer returns this node's endpoint as the peer
// reported observing it during the handshake.
func (c *Connection) ThisEndpointAsSeenByPeer() Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.thisEndpointSeen
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetState moves the connection to a new lifecycle state.
func (c *Connection) SetState(state ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// Temporary reports whether the connection exists only for a bootstrap
// off existing connections.
func (c *Connection) Temporary() bool {
	return c.State() == ConnStateTemporary
}

func (c *Connection) setSession(s *crypto.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

func (c *Connection) getSession() *crypto.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// SetObserved records this node's endpoint as the peer reported
// observing it.
func (c *Connection) SetObserved(ep Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.thisEndpointSeen = ep
}

func (c *Connection) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}
