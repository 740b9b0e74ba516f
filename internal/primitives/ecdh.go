package primitives

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
)

// KeyPair is a P-256 ECDH key pair. The private half is never exported
// except through DeriveBits/Bytes, and callers above this package never
// serialize it anywhere but into process-local state.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// GenerateKeyPair generates a fresh random P-256 ECDH key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("primitives: generate key pair: %w", err)
	}
	return &KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// KeyPairFromScalar constructs a P-256 key pair whose private scalar is
// exactly scalar (32 bytes, big-endian). It fails if scalar is not a
// valid value in [1, n-1] for the P-256 curve order n; callers that need
// a deterministic key from arbitrary derived bytes should route them
// through rejection sampling first (see keyderivation's
// rejectionSampleP256).
func KeyPairFromScalar(scalar []byte) (*KeyPair, error) {
	priv, err := ecdh.P256().NewPrivateKey(scalar)
	if err != nil {
		return nil, fmt.Errorf("primitives: scalar out of range: %w", err)
	}
	return &KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// ECDH performs a P-256 Diffie-Hellman exchange and returns the 32-byte
// shared secret (the X coordinate of the resulting point).
func ECDH(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) ([]byte, error) {
	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	return secret, nil
}
