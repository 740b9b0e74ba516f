package walletseed

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutThenGetRoundTrips(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	var seed [32]byte
	for i := range seed {
		seed[i] = byte(i)
	}

	require.NoError(t, store.Put("0xabc", seed))

	got, ok, err := store.Get("0xabc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, seed, got)
}

func TestGetMissingReturnsNotOK(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	_, ok, err := store.Get("0xnonexistent")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetOrDeriveCachesOnFirstCall(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	sig := []byte("a deterministic wallet signature")
	first, err := store.GetOrDerive("0xabc", sig)
	require.NoError(t, err)

	second, err := store.GetOrDerive("0xabc", []byte("a completely different signature"))
	require.NoError(t, err)

	require.Equal(t, first, second, "cached seed must be returned regardless of a differing signature on the second call")
}

func TestPutOverwritesExistingEntry(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	var seed1, seed2 [32]byte
	seed2[0] = 1

	require.NoError(t, store.Put("0xabc", seed1))
	require.NoError(t, store.Put("0xabc", seed2))

	got, ok, err := store.Get("0xabc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, seed2, got)
}
