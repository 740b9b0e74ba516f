package primitives

import (
	"crypto/hmac"
	"crypto/sha256"
)

// HMACSHA256 computes HMAC-SHA256(key, msg). The ratchet KDF uses this
// with a single-byte msg (0x01 or 0x02) to step a chain key, matching
// the teacher's DeriveMessageKey fallback path in
// internal/security/signal.go.
func HMACSHA256(key, msg []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	return h.Sum(nil)
}
