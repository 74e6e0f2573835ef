// Package signature signs and verifies canonical mandate bytes. Two
// algorithm families are supported: ES256 (ECDSA P-256 over SHA-256) for
// mandate and authority signing, and Ed25519 for inter-agent envelopes.
package signature

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	AlgES256   = "es256"
	AlgEd25519 = "ed25519"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrInvalidEncoding      = errors.New("invalid encoding")
	ErrInvalidKey           = errors.New("invalid key")
)

// SignES256 signs SHA-256(message) with a P-256 key and returns the raw
// 64-byte r||s form, base64url without padding.
func SignES256(priv *ecdsa.PrivateKey, message []byte) (string, error) {
	if priv == nil || priv.Curve != elliptic.P256() {
		return "", fmt.Errorf("%w: ES256 requires a P-256 key", ErrInvalidKey)
	}
	digest := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return "", err
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

// SignEd25519 signs the message bytes directly (Ed25519 hashes internally).
func SignEd25519(priv ed25519.PrivateKey, message []byte) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("%w: ed25519 private key size", ErrInvalidKey)
	}
	return base64.RawURLEncoding.EncodeToString(ed25519.Sign(priv, message)), nil
}

// VerifyES256 verifies an encoded ECDSA signature over SHA-256(message).
// Raw 64-byte and ASN.1 DER signature forms are both accepted.
func VerifyES256(pub *ecdsa.PublicKey, message []byte, encodedSig string) error {
	if pub == nil || pub.Curve != elliptic.P256() {
		return fmt.Errorf("%w: ES256 requires a P-256 key", ErrInvalidKey)
	}
	sigBytes, err := decodeSignatureBytes(encodedSig)
	if err != nil {
		return err
	}
	r, s, err := parseES256Signature(sigBytes)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(message)
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyEd25519 verifies an encoded Ed25519 signature over the message bytes.
func VerifyEd25519(pub ed25519.PublicKey, message []byte, encodedSig string) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: ed25519 public key size", ErrInvalidKey)
	}
	sigBytes, err := decodeSignatureBytes(encodedSig)
	if err != nil {
		return err
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return ErrInvalidEncoding
	}
	if !ed25519.Verify(pub, message, sigBytes) {
		return ErrInvalidSignature
	}
	return nil
}

// Verify dispatches on the algorithm family.
func Verify(alg string, pub any, message []byte, encodedSig string) error {
	switch strings.ToLower(strings.TrimSpace(alg)) {
	case AlgES256:
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: ES256 key type %T", ErrInvalidKey, pub)
		}
		return VerifyES256(key, message, encodedSig)
	case AlgEd25519:
		key, ok := pub.(ed25519.PublicKey)
		if !ok {
			return fmt.Errorf("%w: ed25519 key type %T", ErrInvalidKey, pub)
		}
		return VerifyEd25519(key, message, encodedSig)
	default:
		return ErrUnsupportedAlgorithm
	}
}

// ParseP256PublicKey parses an uncompressed SEC1 point and rejects anything
// off-curve or of unexpected length.
func ParseP256PublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	if len(raw) != 65 || raw[0] != 0x04 {
		return nil, fmt.Errorf("%w: expected 65-byte uncompressed P-256 point", ErrInvalidKey)
	}
	curve := elliptic.P256()
	x := new(big.Int).SetBytes(raw[1:33])
	y := new(big.Int).SetBytes(raw[33:65])
	if !curve.IsOnCurve(x, y) {
		return nil, fmt.Errorf("%w: point not on P-256", ErrInvalidKey)
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// MarshalP256PublicKey renders the uncompressed SEC1 point form.
func MarshalP256PublicKey(pub *ecdsa.PublicKey) []byte {
	out := make([]byte, 65)
	out[0] = 0x04
	pub.X.FillBytes(out[1:33])
	pub.Y.FillBytes(out[33:65])
	return out
}

func decodeSignatureBytes(in string) ([]byte, error) {
	s := strings.TrimSpace(in)
	if s == "" {
		return nil, ErrInvalidEncoding
	}
	// Canonical form: base64url without padding.
	if b, err := DecodeBase64URLStrict(s); err == nil {
		return b, nil
	}
	// Compatibility: std base64 with or without padding.
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, ErrInvalidEncoding
}

// DecodeBase64URLStrict decodes base64url without padding and rejects any
// input that does not round-trip byte-for-byte.
func DecodeBase64URLStrict(in string) ([]byte, error) {
	s := strings.TrimSpace(in)
	if s == "" || strings.Contains(s, "=") {
		return nil, ErrInvalidEncoding
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_') {
			return nil, ErrInvalidEncoding
		}
	}
	out, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	if base64.RawURLEncoding.EncodeToString(out) != s {
		return nil, ErrInvalidEncoding
	}
	return out, nil
}

func parseES256Signature(sig []byte) (*big.Int, *big.Int, error) {
	if len(sig) == 64 {
		r := new(big.Int).SetBytes(sig[:32])
		s := new(big.Int).SetBytes(sig[32:])
		if r.Sign() <= 0 || s.Sign() <= 0 {
			return nil, nil, ErrInvalidEncoding
		}
		return r, s, nil
	}
	var der struct {
		R *big.Int
		S *big.Int
	}
	rest, err := asn1.Unmarshal(sig, &der)
	if err != nil || len(rest) != 0 || der.R == nil || der.S == nil {
		return nil, nil, ErrInvalidEncoding
	}
	if der.R.Sign() <= 0 || der.S.Sign() <= 0 {
		return nil, nil, ErrInvalidEncoding
	}
	return der.R, der.S, nil
}
