// Package senderkey implements §4.6/§4.7 of the spec: the per-sender
// symmetric ratchet used for group messaging, and the ECDH-sealed
// envelopes that distribute its chain key to room members.
package senderkey

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jaydenbeard/e2e-messaging-core/internal/primitives"
	"github.com/jaydenbeard/e2e-messaging-core/internal/ratchet"
)

// ErrStaleMessage is returned by Decrypt when chainIndex is behind the
// current chain position and no matching skipped key survives.
var ErrStaleMessage = errors.New("senderkey: stale message")

// ErrInvalidSenderKey is returned when a sealed chain-key envelope
// fails to decrypt; the peer is ignored for that sender.
var ErrInvalidSenderKey = errors.New("senderkey: invalid sender key envelope")

// ErrSkipOverflow mirrors ratchet.ErrSkipOverflow for a group chain's
// forward catch-up.
var ErrSkipOverflow = ratchet.ErrSkipOverflow

const (
	distributionSalt = "e2e-shared"
	distributionInfo = "aes-256-gcm"

	// MaxSkip bounds how far a single Decrypt call may ratchet a group
	// chain forward to catch up to an unseen chainIndex.
	MaxSkip = 100
)

// State is one sender's group chain: the sender's own outgoing chain,
// or a chain this peer tracks for one other group member. Every
// Encrypt/Decrypt call is serialized under an internal mutex, matching
// the per-session discipline §4.5/§5 require of the Double Ratchet.
type State struct {
	mu sync.Mutex

	senderAddress string
	chainKey      ratchet.ChainKey
	chainIndex    uint32
	skippedKeys   map[uint32]ratchet.MessageKey
}

// CreateSenderKey generates a fresh random 32-byte chain key for
// senderAddress, starting a brand-new group chain at index 0.
func CreateSenderKey(senderAddress string) (*State, error) {
	var ck ratchet.ChainKey
	if _, err := io.ReadFull(rand.Reader, ck[:]); err != nil {
		return nil, fmt.Errorf("senderkey: generate chain key: %w", err)
	}
	return &State{
		senderAddress: senderAddress,
		chainKey:      ck,
		skippedKeys:   make(map[uint32]ratchet.MessageKey),
	}, nil
}

// ImportSenderKey builds a State from a chain key received via a
// Distribution envelope, e.g. to start tracking another member's
// chain.
func ImportSenderKey(senderAddress string, chainKey ratchet.ChainKey) *State {
	return &State{
		senderAddress: senderAddress,
		chainKey:      chainKey,
		skippedKeys:   make(map[uint32]ratchet.MessageKey),
	}
}

// CurrentChainKey returns the chain key at this State's current
// position, for handing to Seal when distributing (or redistributing)
// this sender's chain to a peer.
func (s *State) CurrentChainKey() ratchet.ChainKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chainKey
}

// Message is one Sender Key ciphertext frame.
type Message struct {
	SenderAddress string
	ChainIndex    uint32
	Ciphertext    []byte
	IV            []byte
}

func canonicalAAD(senderAddress string, chainIndex uint32) []byte {
	out := make([]byte, 0, 4+len(senderAddress)+4)
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(senderAddress)))
	out = append(out, length[:]...)
	out = append(out, senderAddress...)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], chainIndex)
	return append(out, idx[:]...)
}

// Encrypt seals plaintext under the current chain position and
// advances the chain by one step. Only the owner of a sender's own
// chain calls this; peers tracking another member's chain only ever
// call Decrypt.
func (s *State) Encrypt(plaintext []byte) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, mk := ratchet.Step(s.chainKey)
	aad := canonicalAAD(s.senderAddress, s.chainIndex)

	ciphertext, iv, err := primitives.AEADEncrypt(mk[:], plaintext, aad)
	if err != nil {
		return nil, fmt.Errorf("senderkey: encrypt: %w", err)
	}

	msg := &Message{
		SenderAddress: s.senderAddress,
		ChainIndex:    s.chainIndex,
		Ciphertext:    ciphertext,
		IV:            iv,
	}

	s.chainKey = next
	s.chainIndex++
	return msg, nil
}

// Decrypt opens msg against this sender's tracked chain. A chainIndex
// behind the current position is served from skippedKeys if present,
// or rejected as ErrStaleMessage. A chainIndex at or ahead of the
// current position steps (or ratchets) the chain forward; on AEAD
// failure the chain is left untouched, matching the Double Ratchet's
// no-advance-on-failure discipline.
func (s *State) Decrypt(msg *Message) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	aad := canonicalAAD(msg.SenderAddress, msg.ChainIndex)

	if msg.ChainIndex < s.chainIndex {
		mk, ok := s.skippedKeys[msg.ChainIndex]
		if !ok {
			return nil, ErrStaleMessage
		}
		plaintext, err := primitives.AEADDecrypt(mk[:], msg.Ciphertext, msg.IV, aad)
		if err != nil {
			return nil, primitives.ErrAuthenticationFailure
		}
		delete(s.skippedKeys, msg.ChainIndex)
		return plaintext, nil
	}

	if msg.ChainIndex == s.chainIndex {
		next, mk := ratchet.Step(s.chainKey)
		plaintext, err := primitives.AEADDecrypt(mk[:], msg.Ciphertext, msg.IV, aad)
		if err != nil {
			return nil, primitives.ErrAuthenticationFailure
		}
		s.chainKey = next
		s.chainIndex++
		return plaintext, nil
	}

	skipped, final, mk, err := ratchet.RatchetToIndex(s.chainKey, s.chainIndex, msg.ChainIndex, MaxSkip)
	if err != nil {
		return nil, err
	}
	plaintext, err := primitives.AEADDecrypt(mk[:], msg.Ciphertext, msg.IV, aad)
	if err != nil {
		return nil, primitives.ErrAuthenticationFailure
	}
	for idx, k := range skipped {
		s.skippedKeys[idx] = k
	}
	s.chainKey = final
	s.chainIndex = msg.ChainIndex + 1
	return plaintext, nil
}

// Distribution is the sealed envelope carrying a chain key to one
// peer (§4.7's EncryptedSenderKey wire frame, without the JSON tags
// that belong to internal/wire).
type Distribution struct {
	FromAddress       string
	ForPublicKey      *ecdh.PublicKey
	EncryptedChainKey []byte
	IV                []byte
}

func sharedSecret(myPriv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) ([]byte, error) {
	dh, err := primitives.ECDH(myPriv, peerPub)
	if err != nil {
		return nil, err
	}
	return primitives.HKDF(dh, []byte(distributionSalt), []byte(distributionInfo), primitives.AEADKeySize)
}

// Seal encrypts chainKey for delivery to peerPub, using the ECDH
// shared secret between myKeyPair and peerPub as the wrapping key and
// binding the envelope to (fromAddress, peerAddressLower).
func Seal(myKeyPair *primitives.KeyPair, fromAddress string, peerPub *ecdh.PublicKey, peerAddressLower string, chainKey ratchet.ChainKey) (*Distribution, error) {
	secret, err := sharedSecret(myKeyPair.Private, peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSenderKey, err)
	}

	aad := distributionAAD(fromAddress, peerAddressLower)
	ciphertext, iv, err := primitives.AEADEncrypt(secret, chainKey[:], aad)
	if err != nil {
		return nil, fmt.Errorf("senderkey: seal: %w", err)
	}

	return &Distribution{
		FromAddress:       fromAddress,
		ForPublicKey:      myKeyPair.Public,
		EncryptedChainKey: ciphertext,
		IV:                iv,
	}, nil
}

// Open decrypts a Distribution sealed by the sender for myKeyPair,
// returning the chain key it carried. The receiver computes the same
// shared secret with ECDH roles swapped: myKeyPair.Private against
// senderPub, the sender's public key (Seal also records it in
// dist.ForPublicKey, but Open uses only the senderPub argument).
func Open(myKeyPair *primitives.KeyPair, senderPub *ecdh.PublicKey, dist *Distribution, myAddressLower string) (ratchet.ChainKey, error) {
	secret, err := sharedSecret(myKeyPair.Private, senderPub)
	if err != nil {
		return ratchet.ChainKey{}, fmt.Errorf("%w: %v", ErrInvalidSenderKey, err)
	}

	aad := distributionAAD(dist.FromAddress, myAddressLower)
	plaintext, err := primitives.AEADDecrypt(secret, dist.EncryptedChainKey, dist.IV, aad)
	if err != nil {
		return ratchet.ChainKey{}, ErrInvalidSenderKey
	}
	if len(plaintext) != ratchet.ChainKeySize {
		return ratchet.ChainKey{}, ErrInvalidSenderKey
	}

	var ck ratchet.ChainKey
	copy(ck[:], plaintext)
	return ck, nil
}

func distributionAAD(fromAddress, peerAddressLower string) []byte {
	out := make([]byte, 0, 4+len(fromAddress)+4+len(peerAddressLower))
	var fromLen [4]byte
	binary.BigEndian.PutUint32(fromLen[:], uint32(len(fromAddress)))
	out = append(out, fromLen[:]...)
	out = append(out, fromAddress...)
	var peerLen [4]byte
	binary.BigEndian.PutUint32(peerLen[:], uint32(len(peerAddressLower)))
	out = append(out, peerLen[:]...)
	return append(out, peerAddressLower...)
}
