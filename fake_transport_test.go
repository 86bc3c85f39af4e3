package rudp

import (
	"fmt"
	"net"
	"sync"

	"github.com/meshwire/rudp/crypto"
	"github.com/meshwire/rudp/transport"
)

// fakeTransport is an in-memory Transport double. Connection events are
// driven explicitly by the tests, mirroring the simulation style used
// for packet-delivery testing.
type fakeTransport struct {
	id string

	mu       sync.Mutex
	cb       transport.Callbacks
	local    transport.Endpoint
	external transport.Endpoint
	conns    map[crypto.NodeID]*transport.Connection
	maxConns int
	closed   bool

	// bootstrapContact answers Bootstrap; zero ID means failure.
	bootstrapContact transport.Contact
	// manualConnect stops Connect from completing on its own.
	manualConnect bool
	// sendRejected makes Send report not-accepted.
	sendRejected bool

	connectCalls int
	sentPayloads [][]byte
	pinged       []crypto.NodeID
}

var fakePortCounter = 40000

func newFakeTransport(maxConns int) *fakeTransport {
	fakePortCounter++
	return &fakeTransport{
		id:       fmt.Sprintf("fake-%d", fakePortCounter),
		local:    transport.Endpoint{IP: net.IPv4(192, 168, 1, 9), Port: uint16(fakePortCounter)},
		external: transport.Endpoint{IP: net.IPv4(203, 0, 113, 9), Port: uint16(fakePortCounter)},
		conns:    make(map[crypto.NodeID]*transport.Connection),
		maxConns: maxConns,
	}
}

// addConn installs a connection record and fires the added event the
// way a completed rendezvous would.
func (f *fakeTransport) addConn(peer crypto.NodeID, key [32]byte, state transport.ConnectionState, temporary bool) *transport.Connection {
	return f.addConnAt(peer, key, state, temporary, transport.Endpoint{IP: net.IPv4(198, 51, 100, 7), Port: 7000})
}

// addConnAt is addConn with an explicit peer endpoint.
func (f *fakeTransport) addConnAt(peer crypto.NodeID, key [32]byte, state transport.ConnectionState, temporary bool, ep transport.Endpoint) *transport.Connection {
	conn := transport.NewConnection(peer, key, ep, state)
	f.mu.Lock()
	f.conns[peer] = conn
	cb := f.cb
	f.mu.Unlock()

	if cb.OnAdded != nil {
		if cb.OnAdded(peer, temporary) {
			conn.SetState(transport.ConnStateDuplicate)
		}
	}
	return conn
}

// dropConn removes a connection and fires the lost event.
func (f *fakeTransport) dropConn(peer crypto.NodeID, temporary bool) {
	f.mu.Lock()
	delete(f.conns, peer)
	cb := f.cb
	f.mu.Unlock()

	if cb.OnLost != nil {
		cb.OnLost(peer, temporary)
	}
}

func (f *fakeTransport) SetCallbacks(cb transport.Callbacks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
}

func (f *fakeTransport) Bootstrap(contacts []transport.Contact, offExisting bool) (transport.Contact, error) {
	if !f.bootstrapContact.ID.IsValid() {
		return transport.Contact{}, ErrFailedToBootstrap
	}

	state := transport.ConnStateBootstrapping
	if offExisting {
		state = transport.ConnStateTemporary
	}
	f.addConn(f.bootstrapContact.ID, f.bootstrapContact.PublicKey, state, offExisting)
	return f.bootstrapContact, nil
}

func (f *fakeTransport) Connect(peer crypto.NodeID, pair transport.EndpointPair, publicKey [32]byte, handler func(error)) {
	f.mu.Lock()
	f.connectCalls++
	manual := f.manualConnect
	f.mu.Unlock()

	if manual {
		return
	}

	f.addConn(peer, publicKey, transport.ConnStateUnvalidated, false)
	if handler != nil {
		handler(nil)
	}
}

func (f *fakeTransport) Send(peer crypto.NodeID, data []byte, handler func(error)) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendRejected || f.closed {
		return false
	}
	if _, ok := f.conns[peer]; !ok {
		return false
	}

	f.sentPayloads = append(f.sentPayloads, data)
	if handler != nil {
		go handler(nil)
	}
	return true
}

func (f *fakeTransport) Ping(peer crypto.NodeID, ep transport.Endpoint, publicKey [32]byte) error {
	var zero [32]byte
	if publicKey == zero {
		return transport.ErrMissingPublicKey
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinged = append(f.pinged, peer)
	return nil
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeTransport) CloseConnection(peer crypto.NodeID) {
	f.mu.Lock()
	conn, ok := f.conns[peer]
	delete(f.conns, peer)
	cb := f.cb
	f.mu.Unlock()

	if ok && cb.OnLost != nil {
		cb.OnLost(peer, conn.Temporary())
	}
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) LocalEndpoint() transport.Endpoint { return f.local }

func (f *fakeTransport) ExternalEndpoint() transport.Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.external
}

func (f *fakeTransport) SetBestGuessExternalEndpoint(ep transport.Endpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.external = ep
}

func (f *fakeTransport) IsAvailable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed && len(f.conns) < f.maxConns
}

func (f *fakeTransport) IsIdle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns) == 0
}

func (f *fakeTransport) NormalConnectionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for _, c := range f.conns {
		switch c.State() {
		case transport.ConnStateUnvalidated, transport.ConnStatePermanent, transport.ConnStateDuplicate:
			count++
		}
	}
	return count
}

func (f *fakeTransport) ThisEndpointAsSeenByPeer(peer crypto.NodeID) transport.Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.conns[peer]; ok {
		return c.ThisEndpointAsSeenByPeer()
	}
	return transport.Endpoint{}
}

func (f *fakeTransport) GetConnection(peer crypto.NodeID) (*transport.Connection, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[peer]
	return c, ok
}

// testListener records upstream events.
type testListener struct {
	mu       sync.Mutex
	messages map[crypto.NodeID][][]byte
	lost     []crypto.NodeID
}

func newTestListener() *testListener {
	return &testListener{messages: make(map[crypto.NodeID][][]byte)}
}

func (l *testListener) MessageReceived(peer crypto.NodeID, message []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages[peer] = append(l.messages[peer], message)
}

func (l *testListener) ConnectionLost(peer crypto.NodeID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lost = append(l.lost, peer)
}

func (l *testListener) lostCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lost)
}

func (l *testListener) messageCount(peer crypto.NodeID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages[peer])
}

// nodeIDWithByte builds a deterministic test node ID.
func nodeIDWithByte(b byte) crypto.NodeID {
	var id crypto.NodeID
	id[0] = b
	return id
}
