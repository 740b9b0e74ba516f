package media

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSplitAndSealRoundTrip(t *testing.T) {
	plaintext := make([]byte, ChunkSize*3+100)
	_, err := rand.Read(plaintext)
	require.NoError(t, err)

	meta, chunks, err := SplitAndSeal("photo.png", "image/png", plaintext)
	require.NoError(t, err)
	require.Equal(t, uint32(4), meta.TotalChunks)
	require.Len(t, chunks, 4)

	receiver := NewReceiver(meta)
	var final []byte
	for _, chunk := range chunks {
		out, err := receiver.AddChunk(chunk)
		require.NoError(t, err)
		require.Nil(t, out)
	}
	final, err = receiver.SignalComplete()
	require.NoError(t, err)
	require.True(t, bytes.Equal(plaintext, final))
	require.Equal(t, StatusComplete, receiver.Status())
}

func TestReverseOrderWithCompletionFirst(t *testing.T) {
	plaintext := make([]byte, ChunkSize*2)
	_, err := rand.Read(plaintext)
	require.NoError(t, err)

	meta, chunks, err := SplitAndSeal("clip.mp4", "video/mp4", plaintext)
	require.NoError(t, err)

	receiver := NewReceiver(meta)

	out, err := receiver.AddChunk(chunks[1])
	require.NoError(t, err)
	require.Nil(t, out)

	out, err = receiver.SignalComplete()
	require.NoError(t, err)
	require.Nil(t, out)

	final, err := receiver.AddChunk(chunks[0])
	require.NoError(t, err)
	require.True(t, bytes.Equal(plaintext, final))
}

func TestOversizedImageRejected(t *testing.T) {
	_, _, err := SplitAndSeal("huge.png", "image/png", make([]byte, MaxImageSize+1))
	require.ErrorIs(t, err, ErrTransferTooLarge)
}

func TestUnsupportedMimeRejected(t *testing.T) {
	_, _, err := SplitAndSeal("doc.pdf", "application/pdf", []byte("hello"))
	require.ErrorIs(t, err, ErrUnsupportedMedia)
}

func TestTamperedChunkFailsAuthentication(t *testing.T) {
	meta, chunks, err := SplitAndSeal("note.png", "image/png", []byte("small file"))
	require.NoError(t, err)

	receiver := NewReceiver(meta)
	chunks[0].Ciphertext[0] ^= 0xFF

	_, err = receiver.AddChunk(chunks[0])
	require.Error(t, err)
	require.Equal(t, StatusError, receiver.Status())
}

func TestIdleTimeoutZeroesAccumulatedPlaintext(t *testing.T) {
	plaintext := make([]byte, ChunkSize*2)
	_, err := rand.Read(plaintext)
	require.NoError(t, err)

	meta, chunks, err := SplitAndSeal("clip.mp4", "video/mp4", plaintext)
	require.NoError(t, err)

	receiver := NewReceiver(meta)
	_, err = receiver.AddChunk(chunks[0])
	require.NoError(t, err)
	held := receiver.chunks[0]
	require.Equal(t, plaintext[:ChunkSize], held)

	original := nowFunc
	defer func() { nowFunc = original }()
	future := time.Now().Add(IdleTimeout + time.Second)
	nowFunc = func() time.Time { return future }

	err = receiver.CheckIdle()
	require.ErrorIs(t, err, ErrTransferTimeout)
	require.Equal(t, StatusTimeout, receiver.Status())
	require.Equal(t, make([]byte, len(held)), held, "accumulated plaintext must be zeroed")
	require.Empty(t, receiver.chunks)
}
