package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
)

// HandshakeRole distinguishes the two sides of a Noise-IK handshake.
type HandshakeRole uint8

const (
	// HandshakeInitiator starts the handshake toward a known peer key.
	HandshakeInitiator HandshakeRole = iota
	// HandshakeResponder answers a handshake from an unknown peer.
	HandshakeResponder
)

// Session holds the cipher states of a completed handshake. The send
// and receive ciphers are directional and must not be swapped.
type Session struct {
	Send *noise.CipherState
	Recv *noise.CipherState
}

// IKHandshake manages the Noise-IK handshake state for one connection
// attempt. The initiator must know the responder's static public key in
// advance, which is how a connection authenticates the peer it dialed.
type IKHandshake struct {
	role      HandshakeRole
	handshake *noise.HandshakeState
	completed bool
}

// NewIKHandshake creates a Noise-IK handshake.
// peerKey is required for the initiator and ignored for the responder.
func NewIKHandshake(role HandshakeRole, keys *KeyPair, peerKey [32]byte) (*IKHandshake, error) {
	if keys == nil {
		return nil, errors.New("nil key pair")
	}
	if role == HandshakeInitiator && isZeroKey(peerKey) {
		return nil, errors.New("initiator requires peer static key")
	}

	cs := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

	cfg := noise.Config{
		CipherSuite: cs,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeIK,
		Initiator:   role == HandshakeInitiator,
		StaticKeypair: noise.DHKey{
			Private: keys.Private[:],
			Public:  keys.Public[:],
		},
	}
	if role == HandshakeInitiator {
		cfg.PeerStatic = peerKey[:]
	}

	hs, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	return &IKHandshake{
		role:      role,
		handshake: hs,
	}, nil
}

// WriteMessage produces the next handshake message. The returned
// session is non-nil once the handshake completes on this side.
func (ik *IKHandshake) WriteMessage(payload []byte) ([]byte, *Session, error) {
	if ik.completed {
		return nil, nil, errors.New("handshake already completed")
	}

	message, cs1, cs2, err := ik.handshake.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to write handshake message: %w", err)
	}

	return message, ik.finish(cs1, cs2), nil
}

// ReadMessage consumes the next handshake message and returns its
// payload. The returned session is non-nil once the handshake completes.
func (ik *IKHandshake) ReadMessage(message []byte) ([]byte, *Session, error) {
	if ik.completed {
		return nil, nil, errors.New("handshake already completed")
	}

	payload, cs1, cs2, err := ik.handshake.ReadMessage(nil, message)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read handshake message: %w", err)
	}

	return payload, ik.finish(cs1, cs2), nil
}

// PeerStatic returns the remote static key once the handshake has
// progressed far enough to learn it.
func (ik *IKHandshake) PeerStatic() ([32]byte, bool) {
	var key [32]byte
	remote := ik.handshake.PeerStatic()
	if len(remote) != 32 {
		return key, false
	}
	copy(key[:], remote)
	return key, true
}

// Completed reports whether the handshake has produced a session.
func (ik *IKHandshake) Completed() bool {
	return ik.completed
}

// finish orients the cipher states for this role. Noise hands both
// sides (cs1, cs2) in the same order; cs1 carries initiator-to-responder
// traffic.
func (ik *IKHandshake) finish(cs1, cs2 *noise.CipherState) *Session {
	if cs1 == nil || cs2 == nil {
		return nil
	}

	ik.completed = true
	if ik.role == HandshakeInitiator {
		return &Session{Send: cs1, Recv: cs2}
	}
	return &Session{Send: cs2, Recv: cs1}
}
