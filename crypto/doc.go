// Package crypto implements the cryptographic primitives used by the
// managed-connections core.
//
// This package handles node identifiers, key generation, and the
// asymmetric encryption applied to every user message before it crosses
// a transport, using the NaCl cryptography library through Go's
// x/crypto packages.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Node ID:", crypto.NodeIDFromPublicKey(keys.Public))
package crypto
