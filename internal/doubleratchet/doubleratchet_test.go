package doubleratchet

import (
	"testing"

	"github.com/jaydenbeard/e2e-messaging-core/internal/primitives"
	"github.com/stretchr/testify/require"
)

func handshake(t *testing.T) (initiator, responder *State) {
	t.Helper()

	responderIdentity, err := primitives.GenerateKeyPair()
	require.NoError(t, err)

	var root RootKey
	for i := range root {
		root[i] = byte(i + 1)
	}

	store := NewSkippedStore()

	initiator, err = InitInitiator("alice-bob", store, root, mustKeyPair(t), responderIdentity.Public)
	require.NoError(t, err)

	responder = InitResponder("alice-bob", store, root, responderIdentity)
	return initiator, responder
}

func mustKeyPair(t *testing.T) *primitives.KeyPair {
	t.Helper()
	kp, err := primitives.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, bob := handshake(t)

	msg, err := alice.Encrypt("alice", []byte("hello bob"))
	require.NoError(t, err)

	plaintext, err := bob.Decrypt("alice", msg)
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(plaintext))
}

func TestResponderCannotEncryptBeforeFirstReceive(t *testing.T) {
	_, bob := handshake(t)

	_, err := bob.Encrypt("bob", []byte("too early"))
	require.ErrorIs(t, err, ErrSendingChainNotEstablished)
}

func TestResponderCanReplyAfterFirstReceive(t *testing.T) {
	alice, bob := handshake(t)

	msg, err := alice.Encrypt("alice", []byte("hi"))
	require.NoError(t, err)
	_, err = bob.Decrypt("alice", msg)
	require.NoError(t, err)

	reply, err := bob.Encrypt("bob", []byte("hi back"))
	require.NoError(t, err)

	plaintext, err := alice.Decrypt("bob", reply)
	require.NoError(t, err)
	require.Equal(t, "hi back", string(plaintext))
}

func TestMessageKeysAreSingleUse(t *testing.T) {
	alice, bob := handshake(t)

	msg1, err := alice.Encrypt("alice", []byte("first"))
	require.NoError(t, err)
	msg2, err := alice.Encrypt("alice", []byte("second"))
	require.NoError(t, err)

	require.NotEqual(t, msg1.Ciphertext, msg2.Ciphertext)

	p1, err := bob.Decrypt("alice", msg1)
	require.NoError(t, err)
	require.Equal(t, "first", string(p1))

	p2, err := bob.Decrypt("alice", msg2)
	require.NoError(t, err)
	require.Equal(t, "second", string(p2))
}

func TestOutOfOrderWithinSkipBound(t *testing.T) {
	alice, bob := handshake(t)

	var msgs []*Message
	for i := 0; i < 5; i++ {
		msg, err := alice.Encrypt("alice", []byte{byte(i)})
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}

	// Deliver out of order: 4, 2, 0, 1, 3
	order := []int{4, 2, 0, 1, 3}
	for _, i := range order {
		plaintext, err := bob.Decrypt("alice", msgs[i])
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, plaintext)
	}
}

func TestSkipOverflowIsRejected(t *testing.T) {
	alice, bob := handshake(t)

	var last *Message
	for i := 0; i <= MaxSkip+1; i++ {
		msg, err := alice.Encrypt("alice", []byte{byte(i % 256)})
		require.NoError(t, err)
		last = msg
	}

	_, err := bob.Decrypt("alice", last)
	require.ErrorIs(t, err, ErrSkipOverflow)
}

func TestTamperedCiphertextFailsWithoutAdvancingState(t *testing.T) {
	alice, bob := handshake(t)

	msg, err := alice.Encrypt("alice", []byte("authentic"))
	require.NoError(t, err)

	tampered := *msg
	tampered.Ciphertext = append([]byte{}, msg.Ciphertext...)
	tampered.Ciphertext[0] ^= 0xFF

	_, err = bob.Decrypt("alice", &tampered)
	require.ErrorIs(t, err, ErrAuthenticationFailure)
	require.Equal(t, uint32(0), bob.receivingIndex)

	plaintext, err := bob.Decrypt("alice", msg)
	require.NoError(t, err)
	require.Equal(t, "authentic", string(plaintext))
}

func TestDHRatchetAdvancesRootKeyOnDirectionChange(t *testing.T) {
	alice, bob := handshake(t)

	msg, err := alice.Encrypt("alice", []byte("ping"))
	require.NoError(t, err)
	_, err = bob.Decrypt("alice", msg)
	require.NoError(t, err)

	rootBeforeReply := alice.rootKey

	reply, err := bob.Encrypt("bob", []byte("pong"))
	require.NoError(t, err)
	_, err = alice.Decrypt("bob", reply)
	require.NoError(t, err)

	require.NotEqual(t, rootBeforeReply, alice.rootKey)
}

func TestWrongAssociatedDataIsRejected(t *testing.T) {
	alice, bob := handshake(t)

	msg, err := alice.Encrypt("alice", []byte("bound to alice"))
	require.NoError(t, err)

	_, err = bob.Decrypt("mallory", msg)
	require.ErrorIs(t, err, ErrAuthenticationFailure)
}
