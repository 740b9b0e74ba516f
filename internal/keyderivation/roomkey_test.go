package keyderivation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveRoomKeyPairIsDeterministic(t *testing.T) {
	seed, err := DeriveMasterSeed([]byte("wallet signature bytes"))
	require.NoError(t, err)
	channelHash := []byte("channel-1-hash")

	pair1, err := DeriveRoomKeyPair(seed, channelHash)
	require.NoError(t, err)
	pair2, err := DeriveRoomKeyPair(seed, channelHash)
	require.NoError(t, err)

	require.Equal(t, pair1.Public.Bytes(), pair2.Public.Bytes(),
		"the same (masterSeed, channelHash) pair must always derive the same public key")
}

func TestDeriveRoomKeyPairDivergesByChannel(t *testing.T) {
	seed, err := DeriveMasterSeed([]byte("wallet signature bytes"))
	require.NoError(t, err)

	pairA, err := DeriveRoomKeyPair(seed, []byte("channel-a"))
	require.NoError(t, err)
	pairB, err := DeriveRoomKeyPair(seed, []byte("channel-b"))
	require.NoError(t, err)

	require.NotEqual(t, pairA.Public.Bytes(), pairB.Public.Bytes())
}

func TestDeriveRoomKeyPairDivergesByMasterSeed(t *testing.T) {
	seedA, err := DeriveMasterSeed([]byte("wallet A signature"))
	require.NoError(t, err)
	seedB, err := DeriveMasterSeed([]byte("wallet B signature"))
	require.NoError(t, err)
	channelHash := []byte("channel-1-hash")

	pairA, err := DeriveRoomKeyPair(seedA, channelHash)
	require.NoError(t, err)
	pairB, err := DeriveRoomKeyPair(seedB, channelHash)
	require.NoError(t, err)

	require.NotEqual(t, pairA.Public.Bytes(), pairB.Public.Bytes())
}
