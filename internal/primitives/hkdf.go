package primitives

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF runs HKDF-SHA256 extract-then-expand over ikm with the given salt
// and info, returning length bytes of output.
func HKDF(ikm, salt, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("primitives: hkdf: %w", err)
	}
	return out, nil
}
