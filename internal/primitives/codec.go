package primitives

import "encoding/base64"

// B64 encodes data as standard base64, used for the hex-adjacent fields
// the spec marks plain "b64" (e.g. ciphertext, iv, encryptedChainKey).
func B64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// B64Decode reverses B64Encode.
func B64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
