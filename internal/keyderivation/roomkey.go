package keyderivation

import (
	"encoding/binary"
	"fmt"

	"github.com/jaydenbeard/e2e-messaging-core/internal/primitives"
)

// RoomKeyPair is the P-256 ECDH identity deterministically derived for a
// single (wallet, room) pair. The private half never leaves this
// process; only RoomKeyPair.Public.Bytes() is ever put on the wire.
type RoomKeyPair = primitives.KeyPair

const (
	roomSeedSalt   = "e2e-room-key"
	ecdhSeedSalt   = "e2e-ecdh"
	ecdhSeedInfo   = "ecdh-p256-key"
	rejectMaxTries = 256
)

// DeriveRoomKeyPair derives a P-256 key pair from (masterSeed,
// channelHash) via §4.2:
//
//  1. roomSeed = HKDF(masterSeed, salt="e2e-room-key", info=channelHash, 32B)
//  2. scalarSeed = HKDF(roomSeed, salt="e2e-ecdh", info="ecdh-p256-key", 32B)
//  3. the private scalar is produced from scalarSeed by rejection
//     sampling against the P-256 curve order, so the same (wallet, room)
//     always yields byte-identical public keys.
//
// This requires a curve library that can construct a private key
// directly from a raw scalar (crypto/ecdh's NewPrivateKey does exactly
// that); see SPEC_FULL.md §11 for why that requirement is satisfiable
// here where the original SubtleCrypto-backed implementation could not.
func DeriveRoomKeyPair(masterSeed MasterSeed, channelHash []byte) (*RoomKeyPair, error) {
	roomSeed, err := primitives.HKDF(masterSeed[:], []byte(roomSeedSalt), channelHash, MasterSeedSize)
	if err != nil {
		return nil, fmt.Errorf("keyderivation: room seed: %w", err)
	}

	scalarSeed, err := primitives.HKDF(roomSeed, []byte(ecdhSeedSalt), []byte(ecdhSeedInfo), MasterSeedSize)
	if err != nil {
		return nil, fmt.Errorf("keyderivation: ecdh seed: %w", err)
	}

	scalar, err := rejectionSampleP256(scalarSeed)
	if err != nil {
		return nil, err
	}

	pair, err := primitives.KeyPairFromScalar(scalar)
	if err != nil {
		return nil, fmt.Errorf("keyderivation: rejection sampling produced invalid scalar: %w", err)
	}
	return pair, nil
}

// rejectionSampleP256 iterates HKDF with an incrementing counter in the
// info parameter until the output bytes are a valid P-256 scalar in
// [1, n-1], where n is the curve order. crypto/ecdh.NewPrivateKey is the
// validity oracle: bytes outside that range are rejected by it, so a
// failed attempt simply means "try the next counter".
func rejectionSampleP256(seed []byte) ([]byte, error) {
	for counter := uint32(0); counter < rejectMaxTries; counter++ {
		info := make([]byte, 4)
		binary.BigEndian.PutUint32(info, counter)

		candidate, err := primitives.HKDF(seed, nil, info, MasterSeedSize)
		if err != nil {
			return nil, fmt.Errorf("keyderivation: rejection sample: %w", err)
		}

		if _, err := primitives.KeyPairFromScalar(candidate); err == nil {
			return candidate, nil
		}
	}
	return nil, fmt.Errorf("keyderivation: rejection sampling did not converge after %d tries", rejectMaxTries)
}
