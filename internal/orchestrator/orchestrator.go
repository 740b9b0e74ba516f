// Package orchestrator implements §4.8: the per-room state machine
// that drives key derivation, the X3DH/Sender-Key handshakes, and
// encrypt/decrypt dispatch in response to peer presence and inbound
// frames, including the tiebreak rule that prevents dual-initiation
// races.
package orchestrator

import (
	"crypto/ecdh"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jaydenbeard/e2e-messaging-core/internal/doubleratchet"
	"github.com/jaydenbeard/e2e-messaging-core/internal/keyderivation"
	"github.com/jaydenbeard/e2e-messaging-core/internal/metrics"
	"github.com/jaydenbeard/e2e-messaging-core/internal/primitives"
	"github.com/jaydenbeard/e2e-messaging-core/internal/senderkey"
	"github.com/jaydenbeard/e2e-messaging-core/internal/x3dh"
)

// Mode is a room's messaging topology.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeGroup  Mode = "group"
)

// Status is a room's encryption lifecycle state, per §3's invariant
// that it transitions only idle -> deriving -> handshaking -> ready,
// with error reachable from any non-ready state.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusDeriving     Status = "deriving"
	StatusHandshaking  Status = "handshaking"
	StatusReady        Status = "ready"
	StatusError        Status = "error"
)

// HandshakeFallback is how long a room waits with no observed peers
// before falling back to ready (§4.8's empty-room fallback).
const HandshakeFallback = 200 * time.Millisecond

// ErrInvalidTransition is returned when an operation is attempted from
// a status that does not permit it.
var ErrInvalidTransition = errors.New("orchestrator: invalid status transition")

// ErrFatalInit wraps a key-derivation failure that forces the room
// into the error state.
var ErrFatalInit = errors.New("orchestrator: fatal initialization error")

// ErrUnknownSender is returned by DecryptGroup when no sender key has
// been received for senderAddress yet; per §9's preserved default,
// such frames are dropped rather than buffered.
var ErrUnknownSender = errors.New("orchestrator: unknown group sender")

// ErrNoSession is returned when a direct-mode operation targets a peer
// with no established (or not-yet-established) DoubleRatchet session.
var ErrNoSession = errors.New("orchestrator: no session for peer")

// X3DHInitOut is emitted by OnPeerPublicKeyObserved when the tiebreak
// rule selects this side to initiate.
type X3DHInitOut struct {
	Message *x3dh.InitMessage
}

// X3DHResponseOut is emitted by OnX3DHInit in reply to an incoming
// InitMessage.
type X3DHResponseOut struct {
	Message *x3dh.ResponseMessage
}

// SenderKeyOut is emitted by OnPeerPublicKeyObserved (group mode) or
// RekeyOnMemberLeave to distribute a sender chain key to one peer.
type SenderKeyOut struct {
	PeerAddress  string
	Distribution *senderkey.Distribution
}

// Room holds one room's complete protocol state. Every method is
// serialized under an internal mutex: the spec requires every
// transition be a read-compute-commit under a per-session lock, never
// a get/await/set split that a concurrent caller can interleave with.
type Room struct {
	mu sync.Mutex

	myAddress string
	mode      Mode
	status    Status
	logger    *log.Logger

	roomKeyPair    *primitives.KeyPair
	peerPublicKeys map[string]*ecdh.PublicKey

	drSessions   map[string]*doubleratchet.State
	skippedStore *doubleratchet.SkippedStore
	pendingInits map[string]*x3dh.PendingInit

	mySenderKey    *senderkey.State
	peerSenderKeys map[string]*senderkey.State

	fallbackTimer *time.Timer
}

// NewRoom creates an idle room for myAddress (any case; normalized to
// lowercase for every comparison and map key, per §3's PeerPublicKey
// indexing convention).
func NewRoom(myAddress string, mode Mode) *Room {
	return &Room{
		myAddress:      strings.ToLower(myAddress),
		mode:           mode,
		status:         StatusIdle,
		logger:         log.New(os.Stdout, "[ORCHESTRATOR] ", log.Ldate|log.Ltime|log.LUTC),
		peerPublicKeys: make(map[string]*ecdh.PublicKey),
		drSessions:     make(map[string]*doubleratchet.State),
		skippedStore:   doubleratchet.NewSkippedStore(),
		pendingInits:   make(map[string]*x3dh.PendingInit),
		peerSenderKeys: make(map[string]*senderkey.State),
	}
}

// Status returns the room's current encryption status.
func (r *Room) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// PublicKey returns this room's derived identity public key, for
// announcing to peers once DeriveRoomKey has completed. It is nil
// before that.
func (r *Room) PublicKey() *ecdh.PublicKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.roomKeyPair == nil {
		return nil
	}
	return r.roomKeyPair.Public
}

// KnownPeers returns the lowercase addresses of every peer whose public
// key this room has observed, for callers (e.g. a rekey-on-leave) that
// need the current roster.
func (r *Room) KnownPeers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.peerPublicKeys))
	for addr := range r.peerPublicKeys {
		out = append(out, addr)
	}
	return out
}

// DeriveRoomKey derives this room's P-256 identity from masterSeed and
// channelHash, transitioning idle -> deriving -> handshaking and
// arming the empty-room fallback timer. Any failure moves the room to
// the error state and returns ErrFatalInit.
func (r *Room) DeriveRoomKey(masterSeed keyderivation.MasterSeed, channelHash []byte) error {
	r.mu.Lock()
	if r.status != StatusIdle {
		r.mu.Unlock()
		return fmt.Errorf("%w: derive room key from %s", ErrInvalidTransition, r.status)
	}
	r.status = StatusDeriving
	r.mu.Unlock()
	metrics.RecordOrchestratorTransition(string(StatusIdle), string(StatusDeriving))

	pair, err := keyderivation.DeriveRoomKeyPair(masterSeed, channelHash)
	if err != nil {
		r.mu.Lock()
		r.status = StatusError
		r.mu.Unlock()
		metrics.RecordOrchestratorTransition(string(StatusDeriving), string(StatusError))
		return fmt.Errorf("%w: %v", ErrFatalInit, err)
	}

	r.mu.Lock()
	r.roomKeyPair = pair
	r.status = StatusHandshaking
	r.fallbackTimer = time.AfterFunc(HandshakeFallback, r.handshakeFallback)
	r.mu.Unlock()
	metrics.RecordOrchestratorTransition(string(StatusDeriving), string(StatusHandshaking))
	return nil
}

func (r *Room) handshakeFallback() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusHandshaking {
		r.status = StatusReady
		r.logger.Printf("room %s: handshake fallback fired, no peers observed", r.myAddress)
		metrics.RecordOrchestratorTransition(string(StatusHandshaking), string(StatusReady))
	}
}

func (r *Room) markReadyLocked() {
	if r.fallbackTimer != nil {
		r.fallbackTimer.Stop()
	}
	if r.status == StatusHandshaking {
		r.status = StatusReady
		metrics.RecordOrchestratorTransition(string(StatusHandshaking), string(StatusReady))
	}
}

// OnPeerPublicKeyObserved records peerPub for peerAddress and, in
// direct mode, applies the tiebreak rule: only the lexicographically
// smaller lowercase address emits X3DHInit. In group mode it ensures
// this side has a sender key and returns the envelope to distribute to
// the new peer.
func (r *Room) OnPeerPublicKeyObserved(peerAddress string, peerPub *ecdh.PublicKey) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lower := strings.ToLower(peerAddress)
	r.peerPublicKeys[lower] = peerPub

	if r.status != StatusHandshaking && r.status != StatusReady {
		return nil, fmt.Errorf("%w: peer observed in status %s", ErrInvalidTransition, r.status)
	}

	switch r.mode {
	case ModeDirect:
		if _, exists := r.drSessions[lower]; exists {
			return nil, nil
		}
		if _, pending := r.pendingInits[lower]; pending {
			return nil, nil
		}
		if r.myAddress >= lower {
			return nil, nil // wait for the peer's X3DHInit
		}
		initMsg, pendingInit, err := x3dh.BeginInit(r.roomKeyPair, r.myAddress)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: begin init: %w", err)
		}
		r.pendingInits[lower] = pendingInit
		return &X3DHInitOut{Message: initMsg}, nil

	case ModeGroup:
		if r.mySenderKey == nil {
			sk, err := senderkey.CreateSenderKey(r.myAddress)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: create sender key: %w", err)
			}
			r.mySenderKey = sk
		}
		dist, err := senderkey.Seal(r.roomKeyPair, r.myAddress, peerPub, lower, r.mySenderKey.CurrentChainKey())
		if err != nil {
			return nil, fmt.Errorf("orchestrator: seal sender key: %w", err)
		}
		return &SenderKeyOut{PeerAddress: lower, Distribution: dist}, nil
	}
	return nil, fmt.Errorf("orchestrator: unknown mode %q", r.mode)
}

func sessionID(a, b string) string {
	return a + "|" + b
}

// OnX3DHInit handles an inbound InitMessage as the responder: it
// completes the handshake, initializes the peer's DoubleRatchet
// session with no first send step, and returns the ResponseMessage to
// send back.
func (r *Room) OnX3DHInit(fromAddress string, init *x3dh.InitMessage) (*X3DHResponseOut, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lower := strings.ToLower(fromAddress)
	root, resp, responderEphemeral, err := x3dh.Respond(r.roomKeyPair, r.myAddress, init)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: respond to x3dh init: %w", err)
	}

	r.drSessions[lower] = doubleratchet.InitResponder(
		sessionID(r.myAddress, lower), r.skippedStore, doubleratchet.RootKey(root), responderEphemeral)

	metrics.RecordHandshake("responder")
	r.markReadyLocked()
	return &X3DHResponseOut{Message: resp}, nil
}

// OnX3DHResponse handles an inbound ResponseMessage as the initiator:
// it completes the handshake and initializes the peer's DoubleRatchet
// session with the first DH-ratchet step already performed.
func (r *Room) OnX3DHResponse(fromAddress string, resp *x3dh.ResponseMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lower := strings.ToLower(fromAddress)
	pending, ok := r.pendingInits[lower]
	if !ok {
		return x3dh.ErrUnexpectedHandshake
	}

	root, err := x3dh.CompleteInit(r.roomKeyPair, pending, resp)
	if err != nil {
		return fmt.Errorf("orchestrator: complete x3dh init: %w", err)
	}

	session, err := doubleratchet.InitInitiator(
		sessionID(r.myAddress, lower), r.skippedStore, doubleratchet.RootKey(root), pending.Ephemeral, resp.EphemeralPublic)
	if err != nil {
		return fmt.Errorf("orchestrator: init initiator ratchet: %w", err)
	}

	r.drSessions[lower] = session
	delete(r.pendingInits, lower)
	metrics.RecordHandshake("initiator")
	r.markReadyLocked()
	return nil
}

// ReinitiateHandshake discards any existing session for peerAddress
// and emits a fresh X3DHInit regardless of the tiebreak rule. Callers
// invoke it after DecryptDirect returns ErrSkipOverflow and has torn the
// poisoned session down, per §7's propagation policy.
func (r *Room) ReinitiateHandshake(peerAddress string) (*X3DHInitOut, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lower := strings.ToLower(peerAddress)
	delete(r.drSessions, lower)

	initMsg, pendingInit, err := x3dh.BeginInit(r.roomKeyPair, r.myAddress)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: reinitiate: %w", err)
	}
	r.pendingInits[lower] = pendingInit
	return &X3DHInitOut{Message: initMsg}, nil
}

// EncryptDirect seals plaintext for peerAddress's DoubleRatchet
// session.
func (r *Room) EncryptDirect(peerAddress string, plaintext []byte) (*doubleratchet.Message, error) {
	r.mu.Lock()
	session, ok := r.drSessions[strings.ToLower(peerAddress)]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNoSession
	}
	msg, err := session.Encrypt(r.myAddress, plaintext)
	metrics.RecordRatchetOperation("double_ratchet", "encrypt", ratchetResult(err))
	return msg, err
}

// ratchetResult maps a ratchet encrypt/decrypt error to the metrics
// result label: "ok" on success, "auth_failure" for an AEAD failure or a
// stale sender-key message, "skip_overflow" for a skip overflow, and
// "error" for anything else.
func ratchetResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, doubleratchet.ErrAuthenticationFailure), errors.Is(err, senderkey.ErrStaleMessage):
		return "auth_failure"
	case errors.Is(err, doubleratchet.ErrSkipOverflow), errors.Is(err, senderkey.ErrSkipOverflow):
		return "skip_overflow"
	default:
		return "error"
	}
}

// DecryptDirect opens msg against fromAddress's DoubleRatchet session.
// A SkipOverflow poisons that session, matching §7's propagation
// policy: the caller should follow up with ReinitiateHandshake. A
// successful decrypt during handshaking moves the room to ready.
func (r *Room) DecryptDirect(fromAddress string, msg *doubleratchet.Message) ([]byte, error) {
	lower := strings.ToLower(fromAddress)

	r.mu.Lock()
	session, ok := r.drSessions[lower]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNoSession
	}

	plaintext, err := session.Decrypt(lower, msg)
	metrics.RecordRatchetOperation("double_ratchet", "decrypt", ratchetResult(err))
	if err != nil {
		if errors.Is(err, doubleratchet.ErrSkipOverflow) {
			r.mu.Lock()
			delete(r.drSessions, lower)
			r.mu.Unlock()
		}
		return nil, err
	}

	r.mu.Lock()
	r.markReadyLocked()
	skipped := r.skippedStore
	r.mu.Unlock()
	if skipped != nil {
		metrics.SkippedKeysStored.Set(float64(skipped.Len()))
	}
	return plaintext, nil
}

// EncryptGroup seals plaintext under this room's own sender key chain.
func (r *Room) EncryptGroup(plaintext []byte) (*senderkey.Message, error) {
	r.mu.Lock()
	sk := r.mySenderKey
	r.mu.Unlock()
	if sk == nil {
		return nil, fmt.Errorf("orchestrator: no sender key established")
	}
	msg, err := sk.Encrypt(plaintext)
	metrics.RecordRatchetOperation("sender_key", "encrypt", ratchetResult(err))
	return msg, err
}

// DecryptGroup opens msg using senderAddress's tracked sender key. A
// sender whose key has not yet arrived yields ErrUnknownSender and the
// frame is dropped, matching §9's preserved no-buffering default.
func (r *Room) DecryptGroup(senderAddress string, msg *senderkey.Message) ([]byte, error) {
	r.mu.Lock()
	sk, ok := r.peerSenderKeys[strings.ToLower(senderAddress)]
	r.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSender
	}

	plaintext, err := sk.Decrypt(msg)
	metrics.RecordRatchetOperation("sender_key", "decrypt", ratchetResult(err))
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.markReadyLocked()
	r.mu.Unlock()
	return plaintext, nil
}

// ReceiveSenderKeyEnvelope opens a sealed sender-key distribution from
// senderPub and begins tracking that sender's chain. A failed open
// leaves the peer ignored for group decryption, per §4.7.
func (r *Room) ReceiveSenderKeyEnvelope(fromAddress string, senderPub *ecdh.PublicKey, dist *senderkey.Distribution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lower := strings.ToLower(fromAddress)
	chainKey, err := senderkey.Open(r.roomKeyPair, senderPub, dist, r.myAddress)
	if err != nil {
		return err
	}
	r.peerSenderKeys[lower] = senderkey.ImportSenderKey(lower, chainKey)
	return nil
}

// RekeyOnMemberLeave generates a fresh sender chain key and seals it
// for every address in remainingPeers, excluding the departed member
// implicitly (callers pass the post-leave roster). The old chain key
// is discarded; its message keys remain usable only by sessions still
// holding them in memory.
func (r *Room) RekeyOnMemberLeave(remainingPeers []string) ([]*SenderKeyOut, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	newKey, err := senderkey.CreateSenderKey(r.myAddress)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: rekey: %w", err)
	}
	r.mySenderKey = newKey

	out := make([]*SenderKeyOut, 0, len(remainingPeers))
	for _, addr := range remainingPeers {
		lower := strings.ToLower(addr)
		peerPub, ok := r.peerPublicKeys[lower]
		if !ok {
			continue
		}
		dist, err := senderkey.Seal(r.roomKeyPair, r.myAddress, peerPub, lower, newKey.CurrentChainKey())
		if err != nil {
			return nil, fmt.Errorf("orchestrator: rekey seal for %s: %w", lower, err)
		}
		out = append(out, &SenderKeyOut{PeerAddress: lower, Distribution: dist})
	}
	return out, nil
}

// OnPeerLeft discards all per-peer state for peerAddress: its public
// key, any DoubleRatchet session, and any tracked sender key.
func (r *Room) OnPeerLeft(peerAddress string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lower := strings.ToLower(peerAddress)
	delete(r.peerPublicKeys, lower)
	delete(r.drSessions, lower)
	delete(r.peerSenderKeys, lower)
	delete(r.pendingInits, lower)
}
