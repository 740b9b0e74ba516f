package orchestrator

import (
	"testing"
	"time"

	"github.com/jaydenbeard/e2e-messaging-core/internal/doubleratchet"
	"github.com/jaydenbeard/e2e-messaging-core/internal/keyderivation"
	"github.com/stretchr/testify/require"
)

func deriveRoom(t *testing.T, address string, mode Mode) *Room {
	t.Helper()
	room := NewRoom(address, mode)
	seed, err := keyderivation.DeriveMasterSeed([]byte("signature-for-" + address))
	require.NoError(t, err)
	require.NoError(t, room.DeriveRoomKey(seed, []byte("channel-1")))
	require.Equal(t, StatusHandshaking, room.Status())
	return room
}

func TestTiebreakOnlyLowerAddressInitiates(t *testing.T) {
	alice := deriveRoom(t, "0xAAAA", ModeDirect)
	bob := deriveRoom(t, "0xBBBB", ModeDirect)

	out, err := alice.OnPeerPublicKeyObserved("0xbbbb", bob.roomKeyPair.Public)
	require.NoError(t, err)
	initOut, ok := out.(*X3DHInitOut)
	require.True(t, ok, "lexicographically smaller address must initiate")
	require.NotNil(t, initOut.Message)

	out2, err := bob.OnPeerPublicKeyObserved("0xaaaa", alice.roomKeyPair.Public)
	require.NoError(t, err)
	require.Nil(t, out2, "higher address must wait rather than also initiating")
}

func TestDirectHandshakeEstablishesBothSessionsAndRoundTrips(t *testing.T) {
	alice := deriveRoom(t, "0xaaaa", ModeDirect)
	bob := deriveRoom(t, "0xbbbb", ModeDirect)

	out, err := alice.OnPeerPublicKeyObserved("0xbbbb", bob.roomKeyPair.Public)
	require.NoError(t, err)
	initOut := out.(*X3DHInitOut)

	respOut, err := bob.OnX3DHInit("0xaaaa", initOut.Message)
	require.NoError(t, err)
	require.Equal(t, StatusReady, bob.Status())

	err = alice.OnX3DHResponse("0xbbbb", respOut.Message)
	require.NoError(t, err)
	require.Equal(t, StatusReady, alice.Status())

	msg, err := alice.EncryptDirect("0xbbbb", []byte("hello bob"))
	require.NoError(t, err)
	plaintext, err := bob.DecryptDirect("0xaaaa", msg)
	require.NoError(t, err)
	require.Equal(t, []byte("hello bob"), plaintext)

	reply, err := bob.EncryptDirect("0xaaaa", []byte("hi alice"))
	require.NoError(t, err)
	plaintext2, err := alice.DecryptDirect("0xbbbb", reply)
	require.NoError(t, err)
	require.Equal(t, []byte("hi alice"), plaintext2)
}

func TestHandshakeFallbackFiresWhenNoPeerObserved(t *testing.T) {
	alice := deriveRoom(t, "0xaaaa", ModeDirect)
	require.Eventually(t, func() bool {
		return alice.Status() == StatusReady
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSkipOverflowPoisonsSessionAndReinitiateProducesFreshInit(t *testing.T) {
	alice := deriveRoom(t, "0xaaaa", ModeDirect)
	bob := deriveRoom(t, "0xbbbb", ModeDirect)

	out, err := alice.OnPeerPublicKeyObserved("0xbbbb", bob.roomKeyPair.Public)
	require.NoError(t, err)
	initOut := out.(*X3DHInitOut)
	respOut, err := bob.OnX3DHInit("0xaaaa", initOut.Message)
	require.NoError(t, err)
	require.NoError(t, alice.OnX3DHResponse("0xbbbb", respOut.Message))

	for i := 0; i < doubleratchet.MaxSkip+2; i++ {
		_, err := alice.EncryptDirect("0xbbbb", []byte("filler"))
		require.NoError(t, err)
	}

	lastMsg, err := alice.EncryptDirect("0xbbbb", []byte("final"))
	require.NoError(t, err)

	_, err = bob.DecryptDirect("0xaaaa", lastMsg)
	require.ErrorIs(t, err, doubleratchet.ErrSkipOverflow)

	bob.mu.Lock()
	_, stillPresent := bob.drSessions["0xaaaa"]
	bob.mu.Unlock()
	require.False(t, stillPresent, "poisoned session must be torn down")

	reinitOut, err := bob.ReinitiateHandshake("0xaaaa")
	require.NoError(t, err)
	require.NotNil(t, reinitOut.Message)
}

func TestGroupModeDistributionAndDecrypt(t *testing.T) {
	alice := deriveRoom(t, "0xaaaa", ModeGroup)
	bob := deriveRoom(t, "0xbbbb", ModeGroup)

	out, err := alice.OnPeerPublicKeyObserved("0xbbbb", bob.roomKeyPair.Public)
	require.NoError(t, err)
	skOut := out.(*SenderKeyOut)
	require.Equal(t, "0xbbbb", skOut.PeerAddress)

	err = bob.ReceiveSenderKeyEnvelope("0xaaaa", alice.roomKeyPair.Public, skOut.Distribution)
	require.NoError(t, err)

	msg, err := alice.EncryptGroup([]byte("to the group"))
	require.NoError(t, err)

	_, err = bob.DecryptGroup("nobody", msg)
	require.ErrorIs(t, err, ErrUnknownSender)

	plaintext, err := bob.DecryptGroup("0xaaaa", msg)
	require.NoError(t, err)
	require.Equal(t, []byte("to the group"), plaintext)
}

func TestRekeyOnMemberLeaveExcludesDepartedMember(t *testing.T) {
	alice := deriveRoom(t, "0xaaaa", ModeGroup)
	bob := deriveRoom(t, "0xbbbb", ModeGroup)
	carol := deriveRoom(t, "0xcccc", ModeGroup)

	outB, err := alice.OnPeerPublicKeyObserved("0xbbbb", bob.roomKeyPair.Public)
	require.NoError(t, err)
	require.NoError(t, bob.ReceiveSenderKeyEnvelope("0xaaaa", alice.roomKeyPair.Public, outB.(*SenderKeyOut).Distribution))

	outC, err := alice.OnPeerPublicKeyObserved("0xcccc", carol.roomKeyPair.Public)
	require.NoError(t, err)
	require.NoError(t, carol.ReceiveSenderKeyEnvelope("0xaaaa", alice.roomKeyPair.Public, outC.(*SenderKeyOut).Distribution))

	firstMsg, err := alice.EncryptGroup([]byte("before carol leaves"))
	require.NoError(t, err)
	_, err = bob.DecryptGroup("0xaaaa", firstMsg)
	require.NoError(t, err)

	rekeyed, err := alice.RekeyOnMemberLeave([]string{"0xbbbb"})
	require.NoError(t, err)
	require.Len(t, rekeyed, 1)
	require.Equal(t, "0xbbbb", rekeyed[0].PeerAddress)

	err = bob.ReceiveSenderKeyEnvelope("0xaaaa", alice.roomKeyPair.Public, rekeyed[0].Distribution)
	require.NoError(t, err)

	secondMsg, err := alice.EncryptGroup([]byte("after carol leaves"))
	require.NoError(t, err)
	plaintext, err := bob.DecryptGroup("0xaaaa", secondMsg)
	require.NoError(t, err)
	require.Equal(t, []byte("after carol leaves"), plaintext)

	_, err = carol.DecryptGroup("0xaaaa", secondMsg)
	require.Error(t, err, "carol never received the post-leave chain key, so her stale state must not decrypt it")
}

func TestOnPeerLeftClearsSessionState(t *testing.T) {
	alice := deriveRoom(t, "0xaaaa", ModeDirect)
	bob := deriveRoom(t, "0xbbbb", ModeDirect)

	out, err := alice.OnPeerPublicKeyObserved("0xbbbb", bob.roomKeyPair.Public)
	require.NoError(t, err)
	initOut := out.(*X3DHInitOut)
	respOut, err := bob.OnX3DHInit("0xaaaa", initOut.Message)
	require.NoError(t, err)
	require.NoError(t, alice.OnX3DHResponse("0xbbbb", respOut.Message))

	alice.OnPeerLeft("0xbbbb")

	_, err = alice.EncryptDirect("0xbbbb", []byte("should fail"))
	require.ErrorIs(t, err, ErrNoSession)
}

func TestPublicKeyAndKnownPeersAccessors(t *testing.T) {
	alice := deriveRoom(t, "0xaaaa", ModeDirect)
	require.Nil(t, NewRoom("0xcccc", ModeDirect).PublicKey(), "no key before DeriveRoomKey")
	require.NotNil(t, alice.PublicKey())
	require.Empty(t, alice.KnownPeers())

	bob := deriveRoom(t, "0xbbbb", ModeDirect)
	_, err := alice.OnPeerPublicKeyObserved("0xbbbb", bob.roomKeyPair.Public)
	require.NoError(t, err)
	require.Equal(t, []string{"0xbbbb"}, alice.KnownPeers())
}
