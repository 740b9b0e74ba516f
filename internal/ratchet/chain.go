// Package ratchet implements the one-way symmetric KDF chain shared by
// the Double Ratchet's sending/receiving chains and the Sender Key
// ratchet: §4.3 of the spec.
package ratchet

import (
	"errors"
	"fmt"

	"github.com/jaydenbeard/e2e-messaging-core/internal/primitives"
)

// ErrSkipOverflow is returned when a requested skip distance exceeds
// maxSkip.
var ErrSkipOverflow = errors.New("ratchet: skip distance exceeds maximum")

const (
	chainStepConstant   = 0x01
	messageKeyConstant  = 0x02
	ChainKeySize        = 32
	MessageKeySize      = primitives.AEADKeySize
)

// ChainKey is 256 bits of HMAC-SHA256 key material representing one
// position in a symmetric KDF chain.
type ChainKey [ChainKeySize]byte

// MessageKey is a 256-bit AES-256-GCM key derived once from a ChainKey
// and consumed by exactly one AEAD operation.
type MessageKey [MessageKeySize]byte

// Step advances a chain key one position, returning the next chain key
// and the message key derived at this position. The input chain key
// must be considered unreachable by the caller once this returns — the
// caller should overwrite or drop it, per the spec's invariant that a
// ratcheted-past chain key is never retained.
func Step(ck ChainKey) (next ChainKey, mk MessageKey) {
	nextBytes := primitives.HMACSHA256(ck[:], []byte{chainStepConstant})
	mkBytes := primitives.HMACSHA256(ck[:], []byte{messageKeyConstant})
	copy(next[:], nextBytes)
	copy(mk[:], mkBytes)
	return next, mk
}

// RatchetToIndex advances ck from cur to target, returning the message
// keys skipped over (indexed cur..target-1) plus the final chain key
// and the message key at target. It fails with ErrSkipOverflow if the
// distance exceeds maxSkip, matching §4.3/§4.5's MAX_SKIP bound, and
// performs no mutation in that case — the caller still holds the
// original ck.
func RatchetToIndex(ck ChainKey, cur, target, maxSkip uint32) (skipped map[uint32]MessageKey, final ChainKey, mk MessageKey, err error) {
	if target < cur {
		return nil, ChainKey{}, MessageKey{}, fmt.Errorf("ratchet: target %d before current %d", target, cur)
	}
	if target-cur > maxSkip {
		return nil, ChainKey{}, MessageKey{}, fmt.Errorf("%w: %d > %d", ErrSkipOverflow, target-cur, maxSkip)
	}

	skipped = make(map[uint32]MessageKey, target-cur)
	cursor := ck
	for i := cur; i < target; i++ {
		next, messageKey := Step(cursor)
		skipped[i] = messageKey
		cursor = next
	}
	final, mk = Step(cursor)
	return skipped, final, mk, nil
}
