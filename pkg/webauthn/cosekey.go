package webauthn

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"

	"github.com/tubone24/AP2-demo-app-sub001/pkg/signature"
)

// COSE constants for the two key types accepted from authenticators.
const (
	coseKtyOKP = 1
	coseKtyEC2 = 2

	coseCrvP256    = 1
	coseCrvEd25519 = 6

	coseAlgES256 = -7
	coseAlgEdDSA = -8
)

type coseKey struct {
	Kty int    `cbor:"1,keyasint"`
	Alg int    `cbor:"3,keyasint"`
	Crv int    `cbor:"-1,keyasint,omitempty"`
	X   []byte `cbor:"-2,keyasint,omitempty"`
	Y   []byte `cbor:"-3,keyasint,omitempty"`
}

// ParseCOSEPublicKey decodes an authenticator's compact binary public key.
// Only EC2/P-256 and OKP/Ed25519 are accepted; anything else is rejected
// rather than guessed at.
func ParseCOSEPublicKey(raw []byte) (alg string, pub any, err error) {
	var k coseKey
	if err := cbor.Unmarshal(raw, &k); err != nil {
		return "", nil, fmt.Errorf("%w: cose decode: %v", ErrUnsupportedKey, err)
	}
	switch k.Kty {
	case coseKtyEC2:
		if k.Crv != coseCrvP256 || (k.Alg != 0 && k.Alg != coseAlgES256) {
			return "", nil, fmt.Errorf("%w: EC2 curve %d alg %d", ErrUnsupportedKey, k.Crv, k.Alg)
		}
		if len(k.X) != 32 || len(k.Y) != 32 {
			return "", nil, fmt.Errorf("%w: P-256 coordinates must be 32 bytes", ErrUnsupportedKey)
		}
		x := new(big.Int).SetBytes(k.X)
		y := new(big.Int).SetBytes(k.Y)
		if !elliptic.P256().IsOnCurve(x, y) {
			return "", nil, fmt.Errorf("%w: point not on P-256", ErrUnsupportedKey)
		}
		return signature.AlgES256, &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
	case coseKtyOKP:
		if k.Crv != coseCrvEd25519 || (k.Alg != 0 && k.Alg != coseAlgEdDSA) {
			return "", nil, fmt.Errorf("%w: OKP curve %d alg %d", ErrUnsupportedKey, k.Crv, k.Alg)
		}
		if len(k.X) != ed25519.PublicKeySize {
			return "", nil, fmt.Errorf("%w: ed25519 key must be 32 bytes", ErrUnsupportedKey)
		}
		return signature.AlgEd25519, ed25519.PublicKey(k.X), nil
	default:
		return "", nil, fmt.Errorf("%w: kty %d", ErrUnsupportedKey, k.Kty)
	}
}

// MarshalCOSEPublicKey renders a key in the authenticator wire form. Used by
// the test authenticator and by registration flows.
func MarshalCOSEPublicKey(pub any) ([]byte, error) {
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		if key.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: only P-256 ECDSA keys", ErrUnsupportedKey)
		}
		x := make([]byte, 32)
		y := make([]byte, 32)
		key.X.FillBytes(x)
		key.Y.FillBytes(y)
		return cbor.Marshal(coseKey{Kty: coseKtyEC2, Alg: coseAlgES256, Crv: coseCrvP256, X: x, Y: y})
	case ed25519.PublicKey:
		return cbor.Marshal(coseKey{Kty: coseKtyOKP, Alg: coseAlgEdDSA, Crv: coseCrvEd25519, X: key})
	default:
		return nil, fmt.Errorf("%w: key type %T", ErrUnsupportedKey, pub)
	}
}
