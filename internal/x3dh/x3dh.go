// Package x3dh implements the spec's three-DH handshake (§4.4): a
// narrowed X3DH with no signed-prekey bundle and no one-time prekeys —
// those are explicit Non-goals (device multi-enrollment / prekey
// bundles) in spec.md §1. Both sides exchange only an identity public
// key (the room key pair) and a fresh ephemeral key.
package x3dh

import (
	"crypto/ecdh"
	"errors"
	"fmt"

	"github.com/jaydenbeard/e2e-messaging-core/internal/primitives"
)

// ErrInvalidPeerKey is returned when a peer-supplied key in an
// InitMessage/ResponseMessage fails import validation.
var ErrInvalidPeerKey = primitives.ErrInvalidPeerKey

// ErrUnexpectedHandshake is returned when a ResponseMessage arrives with
// no matching pending InitMessage.
var ErrUnexpectedHandshake = errors.New("x3dh: response with no pending init")

const (
	rootKeySalt = "x3dh"
	rootKeyInfo = "root-key"
)

// RootKey is the 256-bit HMAC-SHA256 key the Double Ratchet is seeded
// with.
type RootKey [32]byte

// InitMessage is sent by the initiator to start a handshake.
type InitMessage struct {
	IdentityPublic  *ecdh.PublicKey
	EphemeralPublic *ecdh.PublicKey
	FromAddress     string
}

// ResponseMessage is sent by the responder to complete a handshake.
type ResponseMessage struct {
	IdentityPublic  *ecdh.PublicKey
	EphemeralPublic *ecdh.PublicKey
	FromAddress     string
}

// PendingInit is the initiator-side state retained between emitting an
// InitMessage and receiving the matching ResponseMessage: its own
// ephemeral key pair, which must survive until the response arrives.
type PendingInit struct {
	Ephemeral *primitives.KeyPair
}

// BeginInit generates a fresh ephemeral key pair and returns the
// InitMessage to send plus the PendingInit state to retain until the
// response arrives.
func BeginInit(myIdentity *primitives.KeyPair, fromAddress string) (*InitMessage, *PendingInit, error) {
	ephemeral, err := primitives.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("x3dh: generate ephemeral: %w", err)
	}
	msg := &InitMessage{
		IdentityPublic:  myIdentity.Public,
		EphemeralPublic: ephemeral.Public,
		FromAddress:     fromAddress,
	}
	return msg, &PendingInit{Ephemeral: ephemeral}, nil
}

// Respond is run by the responder on receipt of an InitMessage. It
// generates its own ephemeral key pair, computes the shared root key,
// and returns both the root key and the ResponseMessage to send back.
//
//	DH1 = ECDH(ephemeral_initiator, identity_responder)
//	DH2 = ECDH(identity_initiator, ephemeral_responder)
//	DH3 = ECDH(ephemeral_initiator, ephemeral_responder)
//
// From the responder's point of view this is computed with the mirrored
// operands: DH1 = ECDH(identity_responder_priv, ephemeral_initiator_pub),
// etc. — the DH operation is commutative in the operands that matter.
// Respond returns the responder's own ephemeral key pair alongside the
// root key: per §4.5, the responder's Double Ratchet dhKeyPair IS this
// ephemeral pair, so the caller must retain it rather than the X3DH
// layer discarding it once the handshake completes.
func Respond(myIdentity *primitives.KeyPair, fromAddress string, init *InitMessage) (RootKey, *ResponseMessage, *primitives.KeyPair, error) {
	responderEphemeral, err := primitives.GenerateKeyPair()
	if err != nil {
		return RootKey{}, nil, nil, fmt.Errorf("x3dh: generate ephemeral: %w", err)
	}

	dh1, err := primitives.ECDH(myIdentity.Private, init.EphemeralPublic)
	if err != nil {
		return RootKey{}, nil, nil, fmt.Errorf("x3dh: dh1: %w", err)
	}
	dh2, err := primitives.ECDH(responderEphemeral.Private, init.IdentityPublic)
	if err != nil {
		return RootKey{}, nil, nil, fmt.Errorf("x3dh: dh2: %w", err)
	}
	dh3, err := primitives.ECDH(responderEphemeral.Private, init.EphemeralPublic)
	if err != nil {
		return RootKey{}, nil, nil, fmt.Errorf("x3dh: dh3: %w", err)
	}

	root, err := deriveRootKey(dh1, dh2, dh3)
	if err != nil {
		return RootKey{}, nil, nil, err
	}

	resp := &ResponseMessage{
		IdentityPublic:  myIdentity.Public,
		EphemeralPublic: responderEphemeral.Public,
		FromAddress:     fromAddress,
	}
	return root, resp, responderEphemeral, nil
}

// CompleteInit is run by the initiator on receipt of a ResponseMessage,
// recomputing the same three DHs with mirrored roles so both sides
// arrive at the identical root key.
func CompleteInit(myIdentity *primitives.KeyPair, pending *PendingInit, resp *ResponseMessage) (RootKey, error) {
	if pending == nil {
		return RootKey{}, ErrUnexpectedHandshake
	}

	dh1, err := primitives.ECDH(pending.Ephemeral.Private, resp.IdentityPublic)
	if err != nil {
		return RootKey{}, fmt.Errorf("x3dh: dh1: %w", err)
	}
	dh2, err := primitives.ECDH(myIdentity.Private, resp.EphemeralPublic)
	if err != nil {
		return RootKey{}, fmt.Errorf("x3dh: dh2: %w", err)
	}
	dh3, err := primitives.ECDH(pending.Ephemeral.Private, resp.EphemeralPublic)
	if err != nil {
		return RootKey{}, fmt.Errorf("x3dh: dh3: %w", err)
	}

	return deriveRootKey(dh1, dh2, dh3)
}

func deriveRootKey(dh1, dh2, dh3 []byte) (RootKey, error) {
	transcript := make([]byte, 0, len(dh1)+len(dh2)+len(dh3))
	transcript = append(transcript, dh1...)
	transcript = append(transcript, dh2...)
	transcript = append(transcript, dh3...)

	bits, err := primitives.HKDF(transcript, []byte(rootKeySalt), []byte(rootKeyInfo), 32)
	if err != nil {
		return RootKey{}, fmt.Errorf("x3dh: derive root key: %w", err)
	}
	var root RootKey
	copy(root[:], bits)
	return root, nil
}
