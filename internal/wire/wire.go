// Package wire defines the JSON frames exchanged with the relay (§6):
// presence/handshake/ratchet/group/media envelopes, all JWK-embedding
// and base64-encoded per the spec's wire format.
package wire

import (
	"crypto/ecdh"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jaydenbeard/e2e-messaging-core/internal/primitives"
)

// JWK is the wire representation of a P-256 public key: marshaling
// delegates to primitives.ExportPublicJWK/ImportPublicJWK so the JSON
// shape ({kty, crv, x, y}) and "d" rejection live in exactly one place.
type JWK struct {
	key *ecdh.PublicKey
}

// NewJWK wraps a public key for JSON embedding.
func NewJWK(key *ecdh.PublicKey) JWK {
	return JWK{key: key}
}

// Key returns the wrapped public key.
func (j JWK) Key() *ecdh.PublicKey {
	return j.key
}

func (j JWK) MarshalJSON() ([]byte, error) {
	if j.key == nil {
		return []byte("null"), nil
	}
	return primitives.ExportPublicJWK(j.key)
}

func (j *JWK) UnmarshalJSON(data []byte) error {
	key, err := primitives.ImportPublicJWK(data)
	if err != nil {
		return fmt.Errorf("wire: jwk: %w", err)
	}
	j.key = key
	return nil
}

// FrameType enumerates the "type" discriminator on every wire frame.
type FrameType string

const (
	TypeEncryptionPubkey   FrameType = "encryption_pubkey"
	TypeUserJoined         FrameType = "user_joined"
	TypeIAmHere            FrameType = "i_am_here"
	TypeUserLeft           FrameType = "user_left"
	TypeX3DHInit           FrameType = "x3dh_init"
	TypeX3DHResponse       FrameType = "x3dh_response"
	TypeSenderKey          FrameType = "sender_key"
	TypeChat               FrameType = "chat"
	TypeFileTransferStart  FrameType = "file_transfer_start"
	TypeFileTransferChunk  FrameType = "file_transfer_chunk"
	TypeFileTransferDone   FrameType = "file_transfer_complete"
)

// Envelope is the minimal shape every inbound frame shares, used to
// dispatch on Type before unmarshaling into a concrete frame.
type Envelope struct {
	Type FrameType `json:"type"`
}

// EncryptionPubkey announces a peer's room public key.
type EncryptionPubkey struct {
	Type      FrameType `json:"type"`
	Sender    string    `json:"sender"`
	PublicKey JWK       `json:"publicKey"`
}

// UserJoined announces a peer entering the room, optionally carrying
// its public key if already derived.
type UserJoined struct {
	Type      FrameType `json:"type"`
	Address   string    `json:"address"`
	PublicKey *JWK      `json:"publicKey,omitempty"`
}

// IAmHere is an existing member's reply to a UserJoined announcement.
type IAmHere struct {
	Type      FrameType `json:"type"`
	Address   string    `json:"address"`
	PublicKey *JWK      `json:"publicKey,omitempty"`
}

// UserLeft announces a peer leaving the room.
type UserLeft struct {
	Type    FrameType `json:"type"`
	Address string    `json:"address"`
}

// X3DHInit is the initiator's handshake opener.
type X3DHInit struct {
	Type               FrameType `json:"type"`
	FromAddress        string    `json:"fromAddress"`
	IdentityPublicKey  JWK       `json:"identityPublicKey"`
	EphemeralPublicKey JWK       `json:"ephemeralPublicKey"`
}

// X3DHResponse is the responder's handshake completion.
type X3DHResponse struct {
	Type               FrameType `json:"type"`
	FromAddress        string    `json:"fromAddress"`
	IdentityPublicKey  JWK       `json:"identityPublicKey"`
	EphemeralPublicKey JWK       `json:"ephemeralPublicKey"`
}

// SenderKeyEnvelope carries an ECDH-sealed group chain key to one peer.
type SenderKeyEnvelope struct {
	Type              FrameType `json:"type"`
	FromAddress       string    `json:"fromAddress"`
	ForPublicKey      JWK       `json:"forPublicKey"`
	EncryptedChainKey string    `json:"encryptedChainKey"`
	IV                string    `json:"iv"`
}

// DoubleRatchetMsg is a 1:1 ratchet-encrypted chat frame.
type DoubleRatchetMsg struct {
	Type                FrameType `json:"type"`
	Sender              string    `json:"sender"`
	SenderDHPublicKey   JWK       `json:"senderDhPublicKey"`
	PreviousChainLength uint32    `json:"previousChainLength"`
	ChainIndex          uint32    `json:"chainIndex"`
	Ciphertext          string    `json:"ciphertext"`
	IV                  string    `json:"iv"`
}

// GroupMsg is a Sender Key-encrypted group chat frame.
type GroupMsg struct {
	Type          FrameType `json:"type"`
	SenderAddress string    `json:"senderAddress"`
	ChainIndex    uint32    `json:"chainIndex"`
	Ciphertext    string    `json:"ciphertext"`
	IV            string    `json:"iv"`
}

// TransferStart announces a new media transfer.
type TransferStart struct {
	Type        FrameType `json:"type"`
	TransferID  uuid.UUID `json:"transferId"`
	FileName    string    `json:"fileName"`
	FileSize    uint64    `json:"fileSize"`
	MimeType    string    `json:"mimeType"`
	TotalChunks uint32    `json:"totalChunks"`
	MediaType   string    `json:"mediaType"`
	TransferKey string    `json:"transferKey"`
	Thumbnail   string    `json:"thumbnail,omitempty"`
}

// TransferChunk carries one sealed chunk of a transfer.
type TransferChunk struct {
	Type       FrameType `json:"type"`
	TransferID uuid.UUID `json:"transferId"`
	ChunkIndex uint32    `json:"chunkIndex"`
	Ciphertext string    `json:"ciphertext"`
	IV         string    `json:"iv"`
	Sender     string    `json:"sender"`
}

// TransferComplete signals that every chunk has been emitted.
type TransferComplete struct {
	Type       FrameType `json:"type"`
	TransferID uuid.UUID `json:"transferId"`
	Sender     string    `json:"sender"`
}

// DecodeEnvelope peeks at a frame's "type" field without decoding the
// rest, so a caller can dispatch to the concrete frame type.
func DecodeEnvelope(data []byte) (FrameType, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("wire: decode envelope: %w", err)
	}
	return env.Type, nil
}
