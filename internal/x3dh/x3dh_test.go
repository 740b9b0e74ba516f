package x3dh

import (
	"testing"

	"github.com/jaydenbeard/e2e-messaging-core/internal/primitives"
	"github.com/stretchr/testify/require"
)

func TestBothSidesDeriveSameRootKey(t *testing.T) {
	alice, err := primitives.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := primitives.GenerateKeyPair()
	require.NoError(t, err)

	init, pending, err := BeginInit(alice, "0xalice")
	require.NoError(t, err)

	bobRoot, resp, _, err := Respond(bob, "0xbob", init)
	require.NoError(t, err)

	aliceRoot, err := CompleteInit(alice, pending, resp)
	require.NoError(t, err)

	require.Equal(t, bobRoot, aliceRoot)
}

func TestCompleteInitWithoutPendingFails(t *testing.T) {
	alice, err := primitives.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := primitives.GenerateKeyPair()
	require.NoError(t, err)

	init, _, err := BeginInit(alice, "0xalice")
	require.NoError(t, err)
	_, resp, _, err := Respond(bob, "0xbob", init)
	require.NoError(t, err)

	_, err = CompleteInit(alice, nil, resp)
	require.ErrorIs(t, err, ErrUnexpectedHandshake)
}

func TestDifferentHandshakesProduceDifferentRootKeys(t *testing.T) {
	alice, err := primitives.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := primitives.GenerateKeyPair()
	require.NoError(t, err)

	init1, pending1, err := BeginInit(alice, "0xalice")
	require.NoError(t, err)
	_, resp1, _, err := Respond(bob, "0xbob", init1)
	require.NoError(t, err)
	root1, err := CompleteInit(alice, pending1, resp1)
	require.NoError(t, err)

	init2, pending2, err := BeginInit(alice, "0xalice")
	require.NoError(t, err)
	_, resp2, _, err := Respond(bob, "0xbob", init2)
	require.NoError(t, err)
	root2, err := CompleteInit(alice, pending2, resp2)
	require.NoError(t, err)

	require.NotEqual(t, root1, root2)
}
