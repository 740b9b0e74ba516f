// Package primitives wraps the cryptographic backend used by every layer
// above it: P-256 ECDH, HKDF-SHA256, HMAC-SHA256, AES-256-GCM, and the
// base64/JWK codecs that move keys on and off the wire.
package primitives

import "errors"

// ErrInvalidPeerKey is returned when a peer public key is malformed, off
// curve, the point at infinity, or carries a private scalar component.
var ErrInvalidPeerKey = errors.New("primitives: invalid peer key")

// ErrAuthenticationFailure is returned by AEAD decryption on any tag
// mismatch or malformed ciphertext.
var ErrAuthenticationFailure = errors.New("primitives: authentication failure")
