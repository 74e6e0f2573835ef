package webauthn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// SoftwareAuthenticator emulates a platform authenticator: one P-256
// credential with a monotonically increasing signature counter. Demos and
// tests use it in place of real hardware; the assertions it produces go
// through the exact same Verifier path.
type SoftwareAuthenticator struct {
	CredentialID string
	Origin       string
	key          *ecdsa.PrivateKey
	counter      uint32
}

func NewSoftwareAuthenticator(credentialID, origin string) (*SoftwareAuthenticator, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &SoftwareAuthenticator{CredentialID: credentialID, Origin: origin, key: key}, nil
}

// PublicKeyCOSE returns the credential key in authenticator wire form.
func (s *SoftwareAuthenticator) PublicKeyCOSE() ([]byte, error) {
	return MarshalCOSEPublicKey(&s.key.PublicKey)
}

// PublicKey exposes the credential key for confirmation claims.
func (s *SoftwareAuthenticator) PublicKey() *ecdsa.PublicKey { return &s.key.PublicKey }

// Sign produces an assertion over the given challenge for one ceremony,
// advancing the internal counter.
func (s *SoftwareAuthenticator) Sign(relyingPartyID, ceremony, challenge string) (Assertion, error) {
	s.counter++
	cd, err := json.Marshal(clientData{Type: ceremony, Challenge: challenge, Origin: s.Origin})
	if err != nil {
		return Assertion{}, err
	}
	authData := BuildAuthData(relyingPartyID, 0, s.counter)

	clientDataHash := sha256.Sum256(cd)
	signed := append(append([]byte(nil), authData...), clientDataHash[:]...)
	digest := sha256.Sum256(signed)
	sig, err := ecdsa.SignASN1(rand.Reader, s.key, digest[:])
	if err != nil {
		return Assertion{}, fmt.Errorf("authenticator sign: %w", err)
	}

	return Assertion{
		CredentialID:      s.CredentialID,
		ClientDataJSON:    base64.RawURLEncoding.EncodeToString(cd),
		AuthenticatorData: base64.RawURLEncoding.EncodeToString(authData),
		Signature:         base64.RawURLEncoding.EncodeToString(sig),
	}, nil
}

// ReplayLast re-issues an assertion at the previous counter value,
// simulating a captured-and-replayed ceremony.
func (s *SoftwareAuthenticator) ReplayLast(relyingPartyID, ceremony, challenge string) (Assertion, error) {
	s.counter--
	return s.Sign(relyingPartyID, ceremony, challenge)
}
