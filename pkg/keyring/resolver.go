package keyring

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/tubone24/AP2-demo-app-sub001/pkg/signature"
)

// PublicKey is a resolved verification key.
type PublicKey struct {
	Algorithm string
	Key       any // *ecdsa.PublicKey or ed25519.PublicKey
}

// Resolver maps "identity#fragment" to a public key.
type Resolver interface {
	ResolvePublic(keyID string) (PublicKey, error)
}

// DirectoryDoc is the key-resolution document published for an identity.
// Each verification method carries the key in one of two encodings: PKIX PEM
// or multibase (z-base58btc with a multicodec prefix).
type DirectoryDoc struct {
	ID                 string               `json:"id"`
	VerificationMethod []VerificationMethod `json:"verification_method"`
}

type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	PublicKeyPEM       string `json:"public_key_pem,omitempty"`
	PublicKeyMultibase string `json:"public_key_multibase,omitempty"`
}

// multicodec prefixes (unsigned varint) used in the multibase encoding.
var (
	multicodecP256    = []byte{0x80, 0x24} // p256-pub (0x1200)
	multicodecEd25519 = []byte{0xed, 0x01} // ed25519-pub (0xed)
)

// BuildDirectoryDoc renders the published half of a key pair with both
// supported encodings populated.
func BuildDirectoryDoc(kp KeyPair) (DirectoryDoc, error) {
	der, err := x509.MarshalPKIXPublicKey(kp.Public)
	if err != nil {
		return DirectoryDoc{}, err
	}
	pemStr := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	mb, err := EncodeMultibase(kp.Public)
	if err != nil {
		return DirectoryDoc{}, err
	}

	vmType := "EcdsaSecp256r1VerificationKey2019"
	if kp.Algorithm == signature.AlgEd25519 {
		vmType = "Ed25519VerificationKey2020"
	}
	return DirectoryDoc{
		ID: kp.Identity,
		VerificationMethod: []VerificationMethod{{
			ID:                 kp.KeyID(),
			Type:               vmType,
			PublicKeyPEM:       pemStr,
			PublicKeyMultibase: mb,
		}},
	}, nil
}

// EncodeMultibase renders a public key as z + base58btc(multicodec || key).
// P-256 keys use the compressed point form.
func EncodeMultibase(pub any) (string, error) {
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		if key.Curve != elliptic.P256() {
			return "", fmt.Errorf("%w: multibase encoding requires P-256", ErrBadKeyDoc)
		}
		raw := elliptic.MarshalCompressed(key.Curve, key.X, key.Y)
		return "z" + base58.Encode(append(append([]byte{}, multicodecP256...), raw...)), nil
	case ed25519.PublicKey:
		if len(key) != ed25519.PublicKeySize {
			return "", fmt.Errorf("%w: ed25519 public key size", ErrBadKeyDoc)
		}
		return "z" + base58.Encode(append(append([]byte{}, multicodecEd25519...), key...)), nil
	default:
		return "", fmt.Errorf("%w: key type %T", ErrBadKeyDoc, pub)
	}
}

// DecodeMultibase parses the compact encoding, rejecting unknown multicodec
// prefixes and keys of unexpected length.
func DecodeMultibase(s string) (PublicKey, error) {
	if !strings.HasPrefix(s, "z") {
		return PublicKey{}, fmt.Errorf("%w: unsupported multibase prefix", ErrBadKeyDoc)
	}
	raw, err := base58.Decode(s[1:])
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrBadKeyDoc, err)
	}
	switch {
	case len(raw) > 2 && raw[0] == multicodecP256[0] && raw[1] == multicodecP256[1]:
		point := raw[2:]
		if len(point) != 33 {
			return PublicKey{}, fmt.Errorf("%w: compressed P-256 point must be 33 bytes", ErrBadKeyDoc)
		}
		x, y := elliptic.UnmarshalCompressed(elliptic.P256(), point)
		if x == nil {
			return PublicKey{}, fmt.Errorf("%w: point not on P-256", ErrBadKeyDoc)
		}
		return PublicKey{Algorithm: signature.AlgES256, Key: &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}}, nil
	case len(raw) > 2 && raw[0] == multicodecEd25519[0] && raw[1] == multicodecEd25519[1]:
		key := raw[2:]
		if len(key) != ed25519.PublicKeySize {
			return PublicKey{}, fmt.Errorf("%w: ed25519 key must be 32 bytes", ErrBadKeyDoc)
		}
		return PublicKey{Algorithm: signature.AlgEd25519, Key: ed25519.PublicKey(key)}, nil
	default:
		return PublicKey{}, fmt.Errorf("%w: unknown multicodec prefix", ErrBadKeyDoc)
	}
}

// DecodePEM parses a PKIX PEM block, restricted to the two supported key
// families.
func DecodePEM(pemStr string) (PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil || block.Type != "PUBLIC KEY" {
		return PublicKey{}, fmt.Errorf("%w: missing PUBLIC KEY block", ErrBadKeyDoc)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrBadKeyDoc, err)
	}
	switch key := parsed.(type) {
	case *ecdsa.PublicKey:
		if key.Curve != elliptic.P256() {
			return PublicKey{}, fmt.Errorf("%w: ECDSA keys must be P-256", ErrBadKeyDoc)
		}
		return PublicKey{Algorithm: signature.AlgES256, Key: key}, nil
	case ed25519.PublicKey:
		return PublicKey{Algorithm: signature.AlgEd25519, Key: key}, nil
	default:
		return PublicKey{}, fmt.Errorf("%w: key type %T", ErrBadKeyDoc, parsed)
	}
}

// ResolveFromDoc finds the verification method named by keyID inside a
// directory document, preferring the PEM encoding when both are present.
func ResolveFromDoc(doc DirectoryDoc, keyID string) (PublicKey, error) {
	for _, vm := range doc.VerificationMethod {
		if vm.ID != keyID {
			continue
		}
		if vm.PublicKeyPEM != "" {
			return DecodePEM(vm.PublicKeyPEM)
		}
		if vm.PublicKeyMultibase != "" {
			return DecodeMultibase(vm.PublicKeyMultibase)
		}
		return PublicKey{}, fmt.Errorf("%w: verification method %s has no key material", ErrBadKeyDoc, keyID)
	}
	return PublicKey{}, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
}

// DirectoryResolver resolves key ids from the documents a Keyring writes.
type DirectoryResolver struct {
	Dir string
}

func (r *DirectoryResolver) ResolvePublic(keyID string) (PublicKey, error) {
	identity, _, ok := strings.Cut(keyID, "#")
	if !ok || identity == "" {
		return PublicKey{}, fmt.Errorf("%w: key id must be identity#fragment", ErrUnknownKey)
	}
	raw, err := os.ReadFile((&Keyring{Dir: r.Dir}).directoryPath(identity))
	if err != nil {
		if os.IsNotExist(err) {
			return PublicKey{}, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
		}
		return PublicKey{}, err
	}
	var doc DirectoryDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrBadKeyDoc, err)
	}
	return ResolveFromDoc(doc, keyID)
}

// StaticResolver serves a fixed key set. Used by tests and by verifiers that
// pin their counterparties.
type StaticResolver map[string]PublicKey

func (r StaticResolver) ResolvePublic(keyID string) (PublicKey, error) {
	pk, ok := r[keyID]
	if !ok {
		return PublicKey{}, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	return pk, nil
}
