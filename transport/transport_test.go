package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshwire/rudp/crypto"
)

// newLoopbackTransport binds a transport on 127.0.0.1 with inline
// dispatch, so each transport processes its packets sequentially and
// tests stay deterministic.
func newLoopbackTransport(t *testing.T, cell *NATTypeCell) (*UDPTransport, *crypto.KeyPair) {
	t.Helper()

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	tr, err := NewUDPTransport(Config{
		NodeID:         keys.NodeID(),
		Keys:           keys,
		NATCell:        cell,
		LocalEndpoint:  Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: 0},
		MaxConnections: 8,
		Dispatch:       func(f func()) { f() },
	})
	require.NoError(t, err)
	t.Cleanup(tr.Close)

	return tr, keys
}

// eventRecorder collects callback invocations.
type eventRecorder struct {
	mu        sync.Mutex
	added     []crypto.NodeID
	temporary []bool
	lost      []crypto.NodeID
	messages  [][]byte
}

func (r *eventRecorder) callbacks() Callbacks {
	return Callbacks{
		OnMessage: func(peer crypto.NodeID, payload []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, payload)
		},
		OnAdded: func(peer crypto.NodeID, temporary bool) bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.added = append(r.added, peer)
			r.temporary = append(r.temporary, temporary)
			return false
		},
		OnLost: func(peer crypto.NodeID, temporary bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.lost = append(r.lost, peer)
		},
	}
}

func (r *eventRecorder) addedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.added)
}

func (r *eventRecorder) lostCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lost)
}

func (r *eventRecorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func TestNewUDPTransportValidation(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	cell := NewNATTypeCell()

	_, err = NewUDPTransport(Config{NATCell: cell, MaxConnections: 4})
	assert.Error(t, err)

	_, err = NewUDPTransport(Config{Keys: keys, MaxConnections: 4})
	assert.Error(t, err)

	_, err = NewUDPTransport(Config{Keys: keys, NATCell: cell})
	assert.Error(t, err)
}

func TestTransportAccessors(t *testing.T) {
	tr, _ := newLoopbackTransport(t, NewNATTypeCell())

	assert.NotEmpty(t, tr.ID())
	assert.True(t, tr.LocalEndpoint().IsValid())
	assert.True(t, tr.IsIdle())
	assert.True(t, tr.IsAvailable())
	assert.Zero(t, tr.NormalConnectionCount())
	assert.False(t, tr.ExternalEndpoint().IsValid())

	guess := Endpoint{IP: net.IPv4(203, 0, 113, 40), Port: tr.LocalEndpoint().Port}
	tr.SetBestGuessExternalEndpoint(guess)
	assert.True(t, tr.ExternalEndpoint().Equal(guess))

	tr.Close()
	tr.Close() // idempotent
	assert.False(t, tr.IsAvailable())
}

func TestSendToUnknownPeerNotAccepted(t *testing.T) {
	tr, _ := newLoopbackTransport(t, NewNATTypeCell())

	accepted := tr.Send(crypto.NodeIDFromPublicKey([32]byte{1}), []byte("x"), nil)
	assert.False(t, accepted)
}

func TestPingRefusesMissingKey(t *testing.T) {
	tr, _ := newLoopbackTransport(t, NewNATTypeCell())

	peer := crypto.NodeIDFromPublicKey([32]byte{1})
	ep := Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: 9}

	err := tr.Ping(peer, ep, [32]byte{})
	assert.ErrorIs(t, err, ErrMissingPublicKey)
}

func TestConnectRendezvousOverLoopback(t *testing.T) {
	cell := NewNATTypeCell()
	a, _ := newLoopbackTransport(t, cell)
	b, bKeys := newLoopbackTransport(t, cell)

	aEvents := &eventRecorder{}
	bEvents := &eventRecorder{}
	a.SetCallbacks(aEvents.callbacks())
	b.SetCallbacks(bEvents.callbacks())

	done := make(chan error, 1)
	a.Connect(bKeys.NodeID(), EndpointPair{External: b.LocalEndpoint()}, bKeys.Public, func(err error) {
		done <- err
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("rendezvous never completed")
	}

	assert.Equal(t, 1, aEvents.addedCount())
	require.Eventually(t, func() bool { return bEvents.addedCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	// A learned its external endpoint from B's observation.
	assert.True(t, a.ExternalEndpoint().IsValid())

	// Cross-validation promotes both ends.
	connA, ok := a.GetConnection(bKeys.NodeID())
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		return connA.State() == ConnStatePermanent
	}, 5*time.Second, 10*time.Millisecond)

	// Data flows B-ward.
	payload := []byte("across the loopback")
	handlerDone := make(chan error, 1)
	accepted := a.Send(bKeys.NodeID(), payload, func(err error) { handlerDone <- err })
	require.True(t, accepted)
	require.NoError(t, <-handlerDone)

	require.Eventually(t, func() bool { return bEvents.messageCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	// Orderly shutdown announces the loss to the peer.
	a.CloseConnection(bKeys.NodeID())
	assert.Equal(t, 1, aEvents.lostCount())
	require.Eventually(t, func() bool { return bEvents.lostCount() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestBootstrapOverLoopback(t *testing.T) {
	cell := NewNATTypeCell()
	a, _ := newLoopbackTransport(t, cell)
	b, bKeys := newLoopbackTransport(t, cell)

	aEvents := &eventRecorder{}
	bEvents := &eventRecorder{}
	a.SetCallbacks(aEvents.callbacks())
	b.SetCallbacks(bEvents.callbacks())

	contact := Contact{
		ID:           bKeys.NodeID(),
		EndpointPair: EndpointPair{External: b.LocalEndpoint()},
		PublicKey:    bKeys.Public,
	}

	chosen, err := a.Bootstrap([]Contact{contact}, false)
	require.NoError(t, err)
	assert.Equal(t, bKeys.NodeID(), chosen.ID)
	assert.Equal(t, bKeys.Public, chosen.PublicKey)

	// The peer told us where it sees us.
	assert.True(t, a.ExternalEndpoint().IsValid())
	assert.Equal(t, a.LocalEndpoint().Port, a.ExternalEndpoint().Port)

	assert.Equal(t, 1, aEvents.addedCount())
	aEvents.mu.Lock()
	assert.False(t, aEvents.temporary[0])
	aEvents.mu.Unlock()
}

func TestBootstrapOffExistingIsTemporary(t *testing.T) {
	cell := NewNATTypeCell()
	a, _ := newLoopbackTransport(t, cell)
	b, bKeys := newLoopbackTransport(t, cell)

	aEvents := &eventRecorder{}
	bEvents := &eventRecorder{}
	a.SetCallbacks(aEvents.callbacks())
	b.SetCallbacks(bEvents.callbacks())

	contact := Contact{
		ID:           bKeys.NodeID(),
		EndpointPair: EndpointPair{External: b.LocalEndpoint()},
		PublicKey:    bKeys.Public,
	}

	_, err := a.Bootstrap([]Contact{contact}, true)
	require.NoError(t, err)

	// Both sides treat the scaffolding connection as temporary.
	aEvents.mu.Lock()
	require.Len(t, aEvents.temporary, 1)
	assert.True(t, aEvents.temporary[0])
	aEvents.mu.Unlock()

	require.Eventually(t, func() bool { return bEvents.addedCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	bEvents.mu.Lock()
	assert.True(t, bEvents.temporary[0])
	bEvents.mu.Unlock()

	connB, ok := b.GetConnection(a.cfg.NodeID)
	require.True(t, ok)
	assert.True(t, connB.Temporary())
	assert.Zero(t, b.NormalConnectionCount())
}

func TestBootstrapNoValidContacts(t *testing.T) {
	a, _ := newLoopbackTransport(t, NewNATTypeCell())

	_, err := a.Bootstrap(nil, false)
	assert.Error(t, err)

	_, err = a.Bootstrap([]Contact{{}}, false)
	assert.Error(t, err)
}
