package primitives

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"fmt"

	josejwk "github.com/go-jose/go-jose/v4"
)

// ExportPublicJWK encodes a P-256 ECDH public key as the EC JWK shape
// required by §6: {kty:"EC", crv:"P-256", x, y}, using go-jose for the
// JSON encoding instead of hand-building the map (see SPEC_FULL.md §11).
func ExportPublicJWK(pub *ecdh.PublicKey) ([]byte, error) {
	ecdsaPub, err := ecdhPublicToECDSA(pub)
	if err != nil {
		return nil, err
	}
	jwk := josejwk.JSONWebKey{Key: ecdsaPub}
	out, err := jwk.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("primitives: export jwk: %w", err)
	}
	return out, nil
}

// ImportPublicJWK parses a JWK and returns the P-256 ECDH public key it
// encodes. Any JWK carrying a private "d" component, any non-EC key, or
// any non-P-256 curve is rejected as ErrInvalidPeerKey.
func ImportPublicJWK(data []byte) (*ecdh.PublicKey, error) {
	var jwk josejwk.JSONWebKey
	if err := jwk.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	if !jwk.IsPublic() {
		return nil, fmt.Errorf("%w: jwk carries a private scalar", ErrInvalidPeerKey)
	}
	ecdsaPub, ok := jwk.Key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an EC public key", ErrInvalidPeerKey)
	}
	if ecdsaPub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: not P-256", ErrInvalidPeerKey)
	}
	pub, err := ecdsaPub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}
	return pub, nil
}

func ecdhPublicToECDSA(pub *ecdh.PublicKey) (*ecdsa.PublicKey, error) {
	raw := pub.Bytes()
	if len(raw) != 65 || raw[0] != 0x04 {
		return nil, fmt.Errorf("%w: unexpected point encoding", ErrInvalidPeerKey)
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), raw)
	if x == nil {
		return nil, fmt.Errorf("%w: point not on curve", ErrInvalidPeerKey)
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}
