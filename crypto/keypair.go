package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair represents a NaCl crypto_box key pair identifying a node.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random NaCl key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: *pub, Private: *priv}, nil
}

// FromSecretKey creates a key pair from an existing private key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	publicSlice, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	var publicKey [32]byte
	copy(publicKey[:], publicSlice)

	return &KeyPair{
		Public:  publicKey,
		Private: secretKey,
	}, nil
}

// NodeID returns the node identifier derived from the public half.
func (kp *KeyPair) NodeID() NodeID {
	return NodeIDFromPublicKey(kp.Public)
}

// isZeroKey reports whether key is the reserved all-zero value, which
// no operation accepts.
func isZeroKey(key [32]byte) bool {
	return key == [32]byte{}
}
