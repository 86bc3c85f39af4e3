package crypto

import (
	"errors"

	"golang.org/x/crypto/nacl/box"
)

// Decrypt opens a sealed message addressed to this key pair.
func Decrypt(ciphertext []byte, keys *KeyPair) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("empty ciphertext")
	}
	if keys == nil {
		return nil, errors.New("nil key pair")
	}

	decrypted, ok := box.OpenAnonymous(nil, ciphertext, &keys.Public, &keys.Private)
	if !ok {
		return nil, errors.New("decryption failed")
	}

	return decrypted, nil
}
