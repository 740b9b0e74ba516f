package senderkey

import (
	"testing"

	"github.com/jaydenbeard/e2e-messaging-core/internal/primitives"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptInOrder(t *testing.T) {
	sender, err := CreateSenderKey("0xaaaa")
	require.NoError(t, err)

	receiver := ImportSenderKey("0xaaaa", sender.chainKey)

	msg, err := sender.Encrypt([]byte("group hello"))
	require.NoError(t, err)

	plaintext, err := receiver.Decrypt(msg)
	require.NoError(t, err)
	require.Equal(t, "group hello", string(plaintext))
}

func TestOutOfOrderWithinSkipBound(t *testing.T) {
	sender, err := CreateSenderKey("0xaaaa")
	require.NoError(t, err)
	receiver := ImportSenderKey("0xaaaa", sender.chainKey)

	var msgs []*Message
	for i := 0; i < 4; i++ {
		msg, err := sender.Encrypt([]byte{byte(i)})
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}

	for _, i := range []int{3, 1, 0, 2} {
		plaintext, err := receiver.Decrypt(msgs[i])
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, plaintext)
	}
}

func TestStaleMessageAfterSkippedKeyConsumed(t *testing.T) {
	sender, err := CreateSenderKey("0xaaaa")
	require.NoError(t, err)
	receiver := ImportSenderKey("0xaaaa", sender.chainKey)

	msg0, err := sender.Encrypt([]byte("m0"))
	require.NoError(t, err)
	msg1, err := sender.Encrypt([]byte("m1"))
	require.NoError(t, err)

	_, err = receiver.Decrypt(msg1)
	require.NoError(t, err)
	_, err = receiver.Decrypt(msg0)
	require.NoError(t, err)

	_, err = receiver.Decrypt(msg0)
	require.ErrorIs(t, err, ErrStaleMessage)
}

func TestSkipOverflowOnGroupChain(t *testing.T) {
	sender, err := CreateSenderKey("0xaaaa")
	require.NoError(t, err)
	receiver := ImportSenderKey("0xaaaa", sender.chainKey)

	var last *Message
	for i := 0; i <= MaxSkip+1; i++ {
		msg, err := sender.Encrypt([]byte{byte(i % 256)})
		require.NoError(t, err)
		last = msg
	}

	_, err = receiver.Decrypt(last)
	require.ErrorIs(t, err, ErrSkipOverflow)
}

func TestDistributionSealOpenRoundTrip(t *testing.T) {
	alice, err := primitives.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := primitives.GenerateKeyPair()
	require.NoError(t, err)

	sender, err := CreateSenderKey("0xalice")
	require.NoError(t, err)

	dist, err := Seal(alice, "0xalice", bob.Public, "0xbob", sender.chainKey)
	require.NoError(t, err)

	got, err := Open(bob, alice.Public, dist, "0xbob")
	require.NoError(t, err)
	require.Equal(t, sender.chainKey, got)
}

func TestDistributionOpenRejectsWrongRecipient(t *testing.T) {
	alice, err := primitives.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := primitives.GenerateKeyPair()
	require.NoError(t, err)
	mallory, err := primitives.GenerateKeyPair()
	require.NoError(t, err)

	sender, err := CreateSenderKey("0xalice")
	require.NoError(t, err)

	dist, err := Seal(alice, "0xalice", bob.Public, "0xbob", sender.chainKey)
	require.NoError(t, err)

	_, err = Open(mallory, alice.Public, dist, "0xmallory")
	require.ErrorIs(t, err, ErrInvalidSenderKey)
}

func TestRekeyOnMemberLeaveExcludesDepartedMember(t *testing.T) {
	alice, err := primitives.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := primitives.GenerateKeyPair()
	require.NoError(t, err)
	carol, err := primitives.GenerateKeyPair()
	require.NoError(t, err)

	sender, err := CreateSenderKey("0xalice")
	require.NoError(t, err)

	distBob, err := Seal(alice, "0xalice", bob.Public, "0xbob", sender.chainKey)
	require.NoError(t, err)
	distCarol, err := Seal(alice, "0xalice", carol.Public, "0xcarol", sender.chainKey)
	require.NoError(t, err)

	bobChain, err := Open(bob, alice.Public, distBob, "0xbob")
	require.NoError(t, err)
	_, err = Open(carol, alice.Public, distCarol, "0xcarol")
	require.NoError(t, err)

	// Carol leaves: Alice rekeys and redistributes only to Bob.
	newSender, err := CreateSenderKey("0xalice")
	require.NoError(t, err)
	require.NotEqual(t, sender.chainKey, newSender.chainKey)

	newDistBob, err := Seal(alice, "0xalice", bob.Public, "0xbob", newSender.chainKey)
	require.NoError(t, err)

	newBobChain, err := Open(bob, alice.Public, newDistBob, "0xbob")
	require.NoError(t, err)
	require.NotEqual(t, bobChain, newBobChain)

	bobReceiver := ImportSenderKey("0xalice", newBobChain)
	msg, err := newSender.Encrypt([]byte("alice and bob only"))
	require.NoError(t, err)
	plaintext, err := bobReceiver.Decrypt(msg)
	require.NoError(t, err)
	require.Equal(t, "alice and bob only", string(plaintext))
}
