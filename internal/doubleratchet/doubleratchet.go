// Package doubleratchet implements §4.5 of the spec: the per-peer
// Diffie-Hellman ratchet layered over the symmetric chains in
// internal/ratchet, seeded by the root key an internal/x3dh handshake
// produces.
package doubleratchet

import (
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/jaydenbeard/e2e-messaging-core/internal/primitives"
	"github.com/jaydenbeard/e2e-messaging-core/internal/ratchet"
)

// ErrAuthenticationFailure is returned by Decrypt on any AEAD tag
// mismatch. It is not fatal: the caller drops the frame and the
// session's ratchet state is left exactly as it was before the call.
var ErrAuthenticationFailure = primitives.ErrAuthenticationFailure

// ErrSkipOverflow is returned by Decrypt when catching up to the
// message's chain index would skip more than MaxSkip keys in a single
// chain. Per §4.5 this is a fatal condition for the session: the caller
// should tear the session down and re-initiate a handshake.
var ErrSkipOverflow = ratchet.ErrSkipOverflow

// ErrSendingChainNotEstablished is returned by Encrypt when called
// before this side's sending chain exists — an initiator can encrypt
// immediately, a responder must wait for its first received message.
var ErrSendingChainNotEstablished = errors.New("doubleratchet: sending chain not established")

const (
	dhRootSalt  = "dr-root"
	dhRootInfo  = "root-key"
	dhChainSalt = "dr-chain"
	dhChainInfo = "chain-key"
)

// RootKey is the 256-bit key a completed handshake seeds a session
// with; it aliases x3dh.RootKey's layout without importing that
// package, keeping the DH-ratchet layer independent of any one
// handshake protocol.
type RootKey [32]byte

// Message is one Double Ratchet ciphertext frame, carrying everything
// the receiving side needs to locate or derive the message key: the
// sender's current ratchet public key, the length of the sender's
// previous sending chain (so a receiver can catch up a chain it is
// about to retire), and this message's index in the sender's current
// sending chain.
type Message struct {
	SenderDHPublic      *ecdh.PublicKey
	PreviousChainLength uint32
	ChainIndex          uint32
	Ciphertext          []byte
	IV                  []byte
}

// State is one peer's Double Ratchet session. It is safe for
// concurrent use; every Encrypt/Decrypt call is serialized under an
// internal mutex, mirroring the per-session locking the orchestrator
// layer uses for everything above it.
type State struct {
	mu sync.Mutex

	sessionID string
	store     *SkippedStore

	dh             *primitives.KeyPair
	remoteDHPublic *ecdh.PublicKey
	rootKey        [32]byte

	sendingChainKey   *ratchet.ChainKey
	sendingIndex      uint32
	prevSendingLength uint32

	receivingChainKey *ratchet.ChainKey
	receivingIndex    uint32
}

// InitResponder sets up a responder session immediately after
// Respond() produces a root key: the responder has no remote ratchet
// key yet and sends nothing until the initiator's first message
// triggers a DH ratchet step inside Decrypt.
func InitResponder(sessionID string, store *SkippedStore, rootKey RootKey, dh *primitives.KeyPair) *State {
	return &State{
		sessionID: sessionID,
		store:     store,
		dh:        dh,
		rootKey:   rootKey,
	}
}

// InitInitiator sets up an initiator session immediately after
// CompleteInit() produces a root key: the initiator already knows the
// responder's ratchet public key (its X3DH ephemeral key) so it can
// derive a sending chain and start encrypting right away.
func InitInitiator(sessionID string, store *SkippedStore, rootKey RootKey, myDH *primitives.KeyPair, remoteDHPublic *ecdh.PublicKey) (*State, error) {
	newRoot, chainKey, err := dhRatchetStep(rootKey, myDH.Private, remoteDHPublic)
	if err != nil {
		return nil, fmt.Errorf("doubleratchet: initiator setup: %w", err)
	}
	return &State{
		sessionID:       sessionID,
		store:           store,
		dh:              myDH,
		remoteDHPublic:  remoteDHPublic,
		rootKey:         newRoot,
		sendingChainKey: &chainKey,
	}, nil
}

func dhRatchetStep(rootKey [32]byte, priv *ecdh.PrivateKey, pub *ecdh.PublicKey) (newRoot [32]byte, chainKey ratchet.ChainKey, err error) {
	shared, err := primitives.ECDH(priv, pub)
	if err != nil {
		return newRoot, chainKey, err
	}
	rootBytes, err := primitives.HKDF(append(append([]byte{}, rootKey[:]...), shared...), []byte(dhRootSalt), []byte(dhRootInfo), 32)
	if err != nil {
		return newRoot, chainKey, fmt.Errorf("dh ratchet root: %w", err)
	}
	chainBytes, err := primitives.HKDF(append(append([]byte{}, rootKey[:]...), shared...), []byte(dhChainSalt), []byte(dhChainInfo), 32)
	if err != nil {
		return newRoot, chainKey, fmt.Errorf("dh ratchet chain: %w", err)
	}
	copy(newRoot[:], rootBytes)
	copy(chainKey[:], chainBytes)
	return newRoot, chainKey, nil
}

func fingerprint(pub *ecdh.PublicKey) [32]byte {
	return sha256.Sum256(pub.Bytes())
}

// canonicalAAD builds the associated data Encrypt/Decrypt bind every
// ciphertext to: the sender's address, its current ratchet public key,
// and the previous-chain-length/chain-index pair identifying this
// message's position. Each field is length-prefixed so the encoding is
// injective — no combination of field values can collide with another.
func canonicalAAD(senderAddress string, senderDHPublic []byte, prevChainLength, chainIndex uint32) []byte {
	out := make([]byte, 0, 4+len(senderAddress)+4+len(senderDHPublic)+4+4)
	out = appendLenPrefixed(out, []byte(senderAddress))
	out = appendLenPrefixed(out, senderDHPublic)
	var idx [8]byte
	binary.BigEndian.PutUint32(idx[0:4], prevChainLength)
	binary.BigEndian.PutUint32(idx[4:8], chainIndex)
	out = append(out, idx[:]...)
	return out
}

func appendLenPrefixed(dst, field []byte) []byte {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(field)))
	dst = append(dst, length[:]...)
	return append(dst, field...)
}

// Encrypt seals plaintext under the current sending chain, advancing it
// by exactly one step.
func (s *State) Encrypt(senderAddress string, plaintext []byte) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendingChainKey == nil {
		return nil, ErrSendingChainNotEstablished
	}

	next, mk := ratchet.Step(*s.sendingChainKey)
	senderPubBytes := s.dh.Public.Bytes()
	aad := canonicalAAD(senderAddress, senderPubBytes, s.prevSendingLength, s.sendingIndex)

	ciphertext, iv, err := primitives.AEADEncrypt(mk[:], plaintext, aad)
	if err != nil {
		return nil, fmt.Errorf("doubleratchet: encrypt: %w", err)
	}

	msg := &Message{
		SenderDHPublic:      s.dh.Public,
		PreviousChainLength: s.prevSendingLength,
		ChainIndex:          s.sendingIndex,
		Ciphertext:          ciphertext,
		IV:                  iv,
	}

	s.sendingChainKey = &next
	s.sendingIndex++
	return msg, nil
}

// decryptPlan collects everything a Decrypt call would change, so it
// can be discarded untouched if the final AEAD tag check fails.
type decryptPlan struct {
	newDH                *primitives.KeyPair
	newRemoteDHPublic    *ecdh.PublicKey
	newRootKey           [32]byte
	newReceivingChainKey ratchet.ChainKey
	newReceivingIndex    uint32
	newSendingChainKey   ratchet.ChainKey
	newSendingIndex      uint32
	newPrevSendingLength uint32
	dhRatcheted          bool
	skippedToStore       map[skippedKeyID]ratchet.MessageKey
}

// Decrypt opens msg against this session. A skipped-key hit is checked
// first; otherwise a new sender ratchet key triggers a DH ratchet step
// and, in either case, any keys between the receiving chain's current
// index and msg.ChainIndex are derived and held as skipped. No field of
// s is mutated, and nothing is added to the skipped-key store, unless
// the final AEAD decryption succeeds — ErrAuthenticationFailure leaves
// the session exactly as it was.
func (s *State) Decrypt(senderAddress string, msg *Message) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgFP := fingerprint(msg.SenderDHPublic)

	if mk, ok := s.store.take(s.sessionID, skippedKeyID{dhFingerprint: msgFP, index: msg.ChainIndex}); ok {
		aad := canonicalAAD(senderAddress, msg.SenderDHPublic.Bytes(), msg.PreviousChainLength, msg.ChainIndex)
		plaintext, err := primitives.AEADDecrypt(mk[:], msg.Ciphertext, msg.IV, aad)
		if err != nil {
			// Put the key back; a failed decrypt must not consume it.
			s.store.insertAll(s.sessionID, map[skippedKeyID]ratchet.MessageKey{
				{dhFingerprint: msgFP, index: msg.ChainIndex}: mk,
			})
			return nil, ErrAuthenticationFailure
		}
		return plaintext, nil
	}

	plan := &decryptPlan{skippedToStore: make(map[skippedKeyID]ratchet.MessageKey)}
	isNewRemoteKey := s.remoteDHPublic == nil || !publicKeyEqual(s.remoteDHPublic, msg.SenderDHPublic)

	receivingChain := s.receivingChainKey
	receivingIndex := s.receivingIndex

	if isNewRemoteKey {
		if receivingChain != nil {
			skipped, _, _, err := ratchet.RatchetToIndex(*receivingChain, receivingIndex, msg.PreviousChainLength, MaxSkip)
			if err != nil {
				return nil, err
			}
			oldFP := fingerprint(s.remoteDHPublic)
			for idx, mk := range skipped {
				plan.skippedToStore[skippedKeyID{dhFingerprint: oldFP, index: idx}] = mk
			}
		}

		newRoot, newReceiving, err := dhRatchetStep(s.rootKey, s.dh.Private, msg.SenderDHPublic)
		if err != nil {
			return nil, fmt.Errorf("doubleratchet: dh ratchet (receive): %w", err)
		}

		newDH, err := primitives.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("doubleratchet: generate new ratchet key: %w", err)
		}
		newRoot2, newSending, err := dhRatchetStep(newRoot, newDH.Private, msg.SenderDHPublic)
		if err != nil {
			return nil, fmt.Errorf("doubleratchet: dh ratchet (send): %w", err)
		}

		plan.dhRatcheted = true
		plan.newDH = newDH
		plan.newRemoteDHPublic = msg.SenderDHPublic
		plan.newRootKey = newRoot2
		plan.newReceivingChainKey = newReceiving
		plan.newReceivingIndex = 0
		plan.newSendingChainKey = newSending
		plan.newSendingIndex = 0
		plan.newPrevSendingLength = s.sendingIndex

		receivingChain = &newReceiving
		receivingIndex = 0
	}

	skipped, finalChain, mk, err := ratchet.RatchetToIndex(*receivingChain, receivingIndex, msg.ChainIndex, MaxSkip)
	if err != nil {
		return nil, err
	}
	newFP := msgFP
	for idx, k := range skipped {
		plan.skippedToStore[skippedKeyID{dhFingerprint: newFP, index: idx}] = k
	}

	aad := canonicalAAD(senderAddress, msg.SenderDHPublic.Bytes(), msg.PreviousChainLength, msg.ChainIndex)
	plaintext, err := primitives.AEADDecrypt(mk[:], msg.Ciphertext, msg.IV, aad)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}

	// finalChain is already the chain key for index msg.ChainIndex+1:
	// RatchetToIndex steps through and returns the post-step chain key
	// alongside the message key it derived at msg.ChainIndex.
	if plan.dhRatcheted {
		s.dh = plan.newDH
		s.remoteDHPublic = plan.newRemoteDHPublic
		s.rootKey = plan.newRootKey
		s.sendingChainKey = &plan.newSendingChainKey
		s.sendingIndex = plan.newSendingIndex
		s.prevSendingLength = plan.newPrevSendingLength
	}
	s.receivingChainKey = &finalChain
	s.receivingIndex = msg.ChainIndex + 1

	s.store.insertAll(s.sessionID, plan.skippedToStore)

	return plaintext, nil
}

func publicKeyEqual(a, b *ecdh.PublicKey) bool {
	ab, bb := a.Bytes(), b.Bytes()
	if len(ab) != len(bb) {
		return false
	}
	for i := range ab {
		if ab[i] != bb[i] {
			return false
		}
	}
	return true
}
