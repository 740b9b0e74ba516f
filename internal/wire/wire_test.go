package wire

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/jaydenbeard/e2e-messaging-core/internal/primitives"
	"github.com/stretchr/testify/require"
)

func TestJWKRoundTripThroughFrame(t *testing.T) {
	kp, err := primitives.GenerateKeyPair()
	require.NoError(t, err)

	frame := EncryptionPubkey{
		Type:      TypeEncryptionPubkey,
		Sender:    "0xalice",
		PublicKey: NewJWK(kp.Public),
	}

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	var got EncryptionPubkey
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "0xalice", got.Sender)
	require.Equal(t, kp.Public.Bytes(), got.PublicKey.Key().Bytes())
}

func TestDecodeEnvelopeDispatchesOnType(t *testing.T) {
	frame := UserLeft{Type: TypeUserLeft, Address: "0xbob"}
	data, err := json.Marshal(frame)
	require.NoError(t, err)

	typ, err := DecodeEnvelope(data)
	require.NoError(t, err)
	require.Equal(t, TypeUserLeft, typ)
}

func TestJWKRejectsPrivateScalar(t *testing.T) {
	data := []byte(`{"kty":"EC","crv":"P-256","x":"AAAA","y":"AAAA","d":"AAAA"}`)
	var j JWK
	err := json.Unmarshal(data, &j)
	require.Error(t, err)
}

func TestDoubleRatchetMsgRoundTrip(t *testing.T) {
	kp, err := primitives.GenerateKeyPair()
	require.NoError(t, err)

	frame := DoubleRatchetMsg{
		Type:                TypeChat,
		Sender:              "0xalice",
		SenderDHPublicKey:   NewJWK(kp.Public),
		PreviousChainLength: 2,
		ChainIndex:          5,
		Ciphertext:          primitives.B64Encode([]byte("ct")),
		IV:                  primitives.B64Encode([]byte("iv")),
	}
	data, err := json.Marshal(frame)
	require.NoError(t, err)

	var got DoubleRatchetMsg
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, uint32(5), got.ChainIndex)
	require.Equal(t, uint32(2), got.PreviousChainLength)
}

func TestTransferFramesRoundTrip(t *testing.T) {
	id := uuid.New()
	start := TransferStart{
		Type:        TypeFileTransferStart,
		TransferID:  id,
		FileName:    "a.png",
		FileSize:    1024,
		MimeType:    "image/png",
		TotalChunks: 1,
		MediaType:   "image",
		TransferKey: primitives.B64Encode(make([]byte, 32)),
	}
	data, err := json.Marshal(start)
	require.NoError(t, err)

	var got TransferStart
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, id, got.TransferID)
	require.Equal(t, uint64(1024), got.FileSize)
}
