// Package media implements §4.9's chunked media transfer: a per-transfer
// symmetric key, 16 KiB AEAD-sealed chunks, and receiver-side
// reassembly. Transfer metadata travels through the ratchet layer above
// this package — media never touches server-side storage (see
// SPEC_FULL.md §11: the teacher's minio-go presigned-URL service has no
// role here).
package media

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jaydenbeard/e2e-messaging-core/internal/primitives"
)

const (
	// ChunkSize is the plaintext size of every chunk but the last.
	ChunkSize = 16 * 1024
	// MaxImageSize is the largest image this engine will start a
	// transfer for.
	MaxImageSize = 10 * 1024 * 1024
	// MaxVideoSize is the largest video this engine will start a
	// transfer for.
	MaxVideoSize = 100 * 1024 * 1024
	// IdleTimeout is how long a transfer may go without chunk progress
	// before it is aborted.
	IdleTimeout = 60 * time.Second
)

// ErrUnsupportedMedia is returned when a MIME type isn't recognized as
// image/* or video/*.
var ErrUnsupportedMedia = errors.New("media: unsupported media type")

// ErrTransferTooLarge is returned when a file exceeds the size cap for
// its media type.
var ErrTransferTooLarge = errors.New("media: transfer exceeds size limit")

// ErrTransferTimeout is returned when a transfer has seen no chunk
// progress for IdleTimeout.
var ErrTransferTimeout = errors.New("media: transfer idle timeout")

// ErrReassemblyFailed is returned when a completed transfer's chunk set
// cannot be reassembled (a missing index, or a truncated final chunk).
var ErrReassemblyFailed = errors.New("media: reassembly failed")

// MediaType classifies a transfer for size-limit purposes.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// ClassifyMIME maps a MIME type to a MediaType, or ErrUnsupportedMedia
// if it's neither image/* nor video/*.
func ClassifyMIME(mimeType string) (MediaType, error) {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return MediaImage, nil
	case strings.HasPrefix(mimeType, "video/"):
		return MediaVideo, nil
	default:
		return "", ErrUnsupportedMedia
	}
}

// ValidateUpload checks a prospective transfer's MIME type and size
// against the spec's limits before any key is generated.
func ValidateUpload(mimeType string, fileSize int64) (MediaType, error) {
	mediaType, err := ClassifyMIME(mimeType)
	if err != nil {
		return "", err
	}
	limit := int64(MaxImageSize)
	if mediaType == MediaVideo {
		limit = MaxVideoSize
	}
	if fileSize > limit {
		return "", fmt.Errorf("%w: %d bytes exceeds %d byte limit for %s", ErrTransferTooLarge, fileSize, limit, mediaType)
	}
	return mediaType, nil
}

// TransferKey is the per-transfer AES-256-GCM key.
type TransferKey [primitives.AEADKeySize]byte

// GenerateTransferKey draws a fresh random 256-bit key for one
// transfer.
func GenerateTransferKey() (TransferKey, error) {
	var key TransferKey
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return TransferKey{}, fmt.Errorf("media: generate transfer key: %w", err)
	}
	return key, nil
}

// StartMeta is the sender-side metadata emitted once per transfer,
// before any chunk. It is carried inside a ratchet- or sender-key-
// encrypted frame, so TransferKey is safe to include as cleartext
// base64 here — only a peer already in session can read the frame.
type StartMeta struct {
	TransferID  uuid.UUID
	FileName    string
	FileSize    uint64
	MimeType    string
	TotalChunks uint32
	MediaType   MediaType
	TransferKey TransferKey
}

// Chunk is one sealed chunk of a transfer.
type Chunk struct {
	TransferID uuid.UUID
	ChunkIndex uint32
	Ciphertext []byte
	IV         []byte
}

func chunkAAD(transferID uuid.UUID, chunkIndex uint32) []byte {
	out := make([]byte, 0, 16+4)
	idBytes, _ := transferID.MarshalBinary()
	out = append(out, idBytes...)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], chunkIndex)
	return append(out, idx[:]...)
}

// SplitAndSeal validates plaintext against mimeType/size, generates a
// fresh TransferID and TransferKey, and seals plaintext into ordered
// 16 KiB chunks. It returns the StartMeta to emit first and the sealed
// chunks to emit in order (the transport may still reorder them; the
// receiver tolerates that).
func SplitAndSeal(fileName, mimeType string, plaintext []byte) (*StartMeta, []*Chunk, error) {
	mediaType, err := ValidateUpload(mimeType, int64(len(plaintext)))
	if err != nil {
		return nil, nil, err
	}

	key, err := GenerateTransferKey()
	if err != nil {
		return nil, nil, err
	}

	var idBytes [16]byte
	if _, err := io.ReadFull(rand.Reader, idBytes[:]); err != nil {
		return nil, nil, fmt.Errorf("media: generate transfer id: %w", err)
	}
	transferID, err := uuid.FromBytes(idBytes[:])
	if err != nil {
		return nil, nil, fmt.Errorf("media: transfer id: %w", err)
	}

	totalChunks := (len(plaintext) + ChunkSize - 1) / ChunkSize
	if totalChunks == 0 {
		totalChunks = 1
	}

	chunks := make([]*Chunk, 0, totalChunks)
	for i := 0; i < totalChunks; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		aad := chunkAAD(transferID, uint32(i))
		ciphertext, iv, err := primitives.AEADEncrypt(key[:], plaintext[start:end], aad)
		if err != nil {
			return nil, nil, fmt.Errorf("media: seal chunk %d: %w", i, err)
		}
		chunks = append(chunks, &Chunk{
			TransferID: transferID,
			ChunkIndex: uint32(i),
			Ciphertext: ciphertext,
			IV:         iv,
		})
	}

	meta := &StartMeta{
		TransferID:  transferID,
		FileName:    fileName,
		FileSize:    uint64(len(plaintext)),
		MimeType:    mimeType,
		TotalChunks: uint32(totalChunks),
		MediaType:   mediaType,
		TransferKey: key,
	}
	return meta, chunks, nil
}

// Status is a receiver-side transfer's lifecycle state.
type Status string

const (
	StatusReceiving Status = "receiving"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
)

// Receiver accumulates chunks for one inbound transfer and reassembles
// the plaintext once every chunk has arrived and completion has been
// signaled. It is safe for concurrent use.
type Receiver struct {
	mu sync.Mutex

	meta               *StartMeta
	key                TransferKey
	chunks             map[uint32][]byte
	completionSignaled bool
	status             Status
	lastProgress       time.Time
}

// NewReceiver starts tracking a transfer from its StartMeta.
func NewReceiver(meta *StartMeta) *Receiver {
	return &Receiver{
		meta:         meta,
		key:          meta.TransferKey,
		chunks:       make(map[uint32][]byte),
		status:       StatusReceiving,
		lastProgress: nowFunc(),
	}
}

// nowFunc is a package-level indirection so tests can simulate idle
// timeouts without sleeping in real time.
var nowFunc = time.Now

// Meta returns the StartMeta this receiver was created from, for
// callers that need the file name, size, or media type after the
// transfer finishes.
func (r *Receiver) Meta() *StartMeta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta
}

// AddChunk decrypts and stores one chunk. It returns the reassembled
// plaintext once this chunk completes the transfer (every index
// present and completion already signaled, or this is the last chunk
// to arrive after TransferComplete).
func (r *Receiver) AddChunk(chunk *Chunk) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusReceiving {
		return nil, fmt.Errorf("media: chunk received after transfer left receiving state (%s)", r.status)
	}

	aad := chunkAAD(chunk.TransferID, chunk.ChunkIndex)
	plaintext, err := primitives.AEADDecrypt(r.key[:], chunk.Ciphertext, chunk.IV, aad)
	if err != nil {
		r.status = StatusError
		return nil, primitives.ErrAuthenticationFailure
	}

	r.chunks[chunk.ChunkIndex] = plaintext
	r.lastProgress = nowFunc()

	return r.maybeFinalizeLocked()
}

// SignalComplete marks that a TransferComplete frame has arrived. If
// every chunk is already present, it finalizes immediately.
func (r *Receiver) SignalComplete() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusReceiving {
		return nil, fmt.Errorf("media: completion signaled in state %s", r.status)
	}
	r.completionSignaled = true
	return r.maybeFinalizeLocked()
}

func (r *Receiver) maybeFinalizeLocked() ([]byte, error) {
	if !r.completionSignaled || uint32(len(r.chunks)) != r.meta.TotalChunks {
		return nil, nil
	}

	out := make([]byte, 0, r.meta.FileSize)
	for i := uint32(0); i < r.meta.TotalChunks; i++ {
		chunk, ok := r.chunks[i]
		if !ok {
			r.status = StatusError
			return nil, fmt.Errorf("%w: missing chunk %d", ErrReassemblyFailed, i)
		}
		out = append(out, chunk...)
	}
	if uint64(len(out)) != r.meta.FileSize {
		r.status = StatusError
		return nil, fmt.Errorf("%w: reassembled %d bytes, expected %d", ErrReassemblyFailed, len(out), r.meta.FileSize)
	}

	r.status = StatusComplete
	for k := range r.chunks {
		zero(r.chunks[k])
		delete(r.chunks, k)
	}
	return out, nil
}

// CheckIdle marks the transfer timed out if no chunk has arrived for
// IdleTimeout, zeroing any plaintext accumulated so far. Callers should
// poll this periodically (e.g. from a ticker) for in-flight transfers.
func (r *Receiver) CheckIdle() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusReceiving {
		return nil
	}
	if nowFunc().Sub(r.lastProgress) < IdleTimeout {
		return nil
	}

	r.status = StatusTimeout
	for k := range r.chunks {
		zero(r.chunks[k])
		delete(r.chunks, k)
	}
	return ErrTransferTimeout
}

// Status returns the receiver's current lifecycle state.
func (r *Receiver) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
