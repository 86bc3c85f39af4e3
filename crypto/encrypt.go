package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/box"
)

// MaxMessageSize bounds the plaintext accepted for encryption (1MB to
// prevent excessive memory usage).
const MaxMessageSize = 1024 * 1024

// Encrypt seals a message for the holder of recipientPK using an
// ephemeral sender key. Only the recipient's private key can open it.
func Encrypt(message []byte, recipientPK [32]byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("empty message")
	}
	if len(message) > MaxMessageSize {
		return nil, errors.New("message exceeds maximum size")
	}
	if isZeroKey(recipientPK) {
		return nil, errors.New("invalid recipient public key: all zeros")
	}

	return box.SealAnonymous(nil, message, &recipientPK, rand.Reader)
}
