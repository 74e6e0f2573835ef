// Package presentation builds and verifies the two-part user-authorization
// structure: an issuer-bound-key assertion naming the user's device key, and
// a device-signed key-binding part committing to the hashes of exactly two
// mandates (cart, then payment). A valid presentation is the strongest
// guarantee in the system that a human approved those specific documents.
//
// The issuer part carries no standalone signature; end-to-end protection
// comes from the device signature over the key-binding part, which includes
// a digest of the issuer part. That matches the closed-system contract; a
// deployment that must interoperate with generic verifiers would add an
// issuer signature here.
package presentation

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tubone24/AP2-demo-app-sub001/pkg/replay"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/signature"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/webauthn"
)

// Delimiter joins the issuer and holder segments. It appears nowhere inside
// them: both are built from base64url and '.'.
const Delimiter = "~"

// IssuerTTL bounds the issuer-bound-key assertion.
const IssuerTTL = 5 * time.Minute

var (
	ErrMalformed        = errors.New("malformed presentation")
	ErrExpired          = errors.New("presentation expired")
	ErrAudienceMismatch = errors.New("presentation audience mismatch")
	ErrIssuerDigest     = errors.New("issuer assertion digest mismatch")
	ErrHashMismatch     = errors.New("declared mandate hashes do not match recomputed hashes")
)

// DeviceSigner is the authenticator-backed signer a presentation is built
// around. The webauthn.SoftwareAuthenticator satisfies it; a browser-side
// ceremony satisfies it at the boundary.
type DeviceSigner interface {
	PublicKeyCOSE() ([]byte, error)
	Sign(relyingPartyID, ceremony, challenge string) (webauthn.Assertion, error)
}

type issuerAssertion struct {
	Issuer    string       `json:"iss"`
	Subject   string       `json:"sub"`
	IssuedAt  int64        `json:"iat"`
	ExpiresAt int64        `json:"exp"`
	Cnf       confirmation `json:"cnf"`
}

type confirmation struct {
	COSEKey string `json:"cose_key"` // base64url COSE public key
}

type keyBinding struct {
	Audience      string    `json:"aud"`
	Nonce         string    `json:"nonce"`
	IssuedAt      int64     `json:"iat"`
	IssuerDigest  string    `json:"ia_digest"`
	MandateHashes [2]string `json:"mandate_hashes"` // [cart, payment], order is significant
}

// VerifiedClaims is what a successfully verified presentation proves.
type VerifiedClaims struct {
	UserID      string
	Audience    string
	Nonce       string
	CartHash    string
	PaymentHash string
}

// Builder constructs presentations for one relying party.
type Builder struct {
	RelyingPartyID string
}

// Build creates the presentation binding cartHash and paymentHash, in that
// order, to the user's device key. The device signs a challenge derived from
// the key-binding payload, so the raw attestation material can be verified
// later without another ceremony.
func (b *Builder) Build(userID string, device DeviceSigner, cartHash, paymentHash, audience string) (string, error) {
	if cartHash == "" || paymentHash == "" {
		return "", fmt.Errorf("%w: both mandate hashes are required", ErrMalformed)
	}
	cose, err := device.PublicKeyCOSE()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	ia := issuerAssertion{
		Issuer:    userID,
		Subject:   userID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(IssuerTTL).Unix(),
		Cnf:       confirmation{COSEKey: base64.RawURLEncoding.EncodeToString(cose)},
	}
	iaJSON, err := json.Marshal(ia)
	if err != nil {
		return "", err
	}
	issuerSeg := base64.RawURLEncoding.EncodeToString(iaJSON)
	iaDigest := sha256.Sum256([]byte(issuerSeg))

	kb := keyBinding{
		Audience:      audience,
		Nonce:         uuid.NewString(),
		IssuedAt:      now.Unix(),
		IssuerDigest:  base64.RawURLEncoding.EncodeToString(iaDigest[:]),
		MandateHashes: [2]string{cartHash, paymentHash},
	}
	kbJSON, err := json.Marshal(kb)
	if err != nil {
		return "", err
	}
	kbSeg := base64.RawURLEncoding.EncodeToString(kbJSON)

	// The device challenge is the digest of the key-binding payload, which
	// transitively covers the issuer assertion and both mandate hashes.
	kbDigest := sha256.Sum256(kbJSON)
	challenge := base64.RawURLEncoding.EncodeToString(kbDigest[:])
	assertion, err := device.Sign(b.RelyingPartyID, webauthn.CeremonyGet, challenge)
	if err != nil {
		return "", err
	}
	attJSON, err := json.Marshal(assertion)
	if err != nil {
		return "", err
	}

	holderSeg := kbSeg + "." + base64.RawURLEncoding.EncodeToString(attJSON)
	return issuerSeg + Delimiter + holderSeg, nil
}

// Verifier checks presentations for one relying party and audience role.
type Verifier struct {
	RelyingPartyID string
	Guards         *replay.Manager
}

// Verify runs the full acceptance sequence against independently recomputed
// mandate hashes. Order matters: a presentation with swapped hashes fails.
func (v *Verifier) Verify(ctx context.Context, presentation, expectedCartHash, expectedPaymentHash, expectedAudience string) (VerifiedClaims, error) {
	issuerSeg, holderSeg, ok := strings.Cut(presentation, Delimiter)
	if !ok || issuerSeg == "" || holderSeg == "" {
		return VerifiedClaims{}, fmt.Errorf("%w: expected issuer%sholder", ErrMalformed, Delimiter)
	}
	kbSeg, attSeg, ok := strings.Cut(holderSeg, ".")
	if !ok {
		return VerifiedClaims{}, fmt.Errorf("%w: holder segment missing attestation", ErrMalformed)
	}

	iaJSON, err := base64.RawURLEncoding.DecodeString(issuerSeg)
	if err != nil {
		return VerifiedClaims{}, fmt.Errorf("%w: issuer segment: %v", ErrMalformed, err)
	}
	var ia issuerAssertion
	if err := json.Unmarshal(iaJSON, &ia); err != nil {
		return VerifiedClaims{}, fmt.Errorf("%w: issuer assertion: %v", ErrMalformed, err)
	}
	if ia.ExpiresAt <= time.Now().UTC().Unix() {
		return VerifiedClaims{}, ErrExpired
	}
	cose, err := base64.RawURLEncoding.DecodeString(ia.Cnf.COSEKey)
	if err != nil || len(cose) == 0 {
		return VerifiedClaims{}, fmt.Errorf("%w: confirmation key: %v", ErrMalformed, err)
	}

	kbJSON, err := base64.RawURLEncoding.DecodeString(kbSeg)
	if err != nil {
		return VerifiedClaims{}, fmt.Errorf("%w: key-binding segment: %v", ErrMalformed, err)
	}
	var kb keyBinding
	if err := json.Unmarshal(kbJSON, &kb); err != nil {
		return VerifiedClaims{}, fmt.Errorf("%w: key binding: %v", ErrMalformed, err)
	}
	attJSON, err := base64.RawURLEncoding.DecodeString(attSeg)
	if err != nil {
		return VerifiedClaims{}, fmt.Errorf("%w: attestation segment: %v", ErrMalformed, err)
	}
	var assertion webauthn.Assertion
	if err := json.Unmarshal(attJSON, &assertion); err != nil {
		return VerifiedClaims{}, fmt.Errorf("%w: attestation: %v", ErrMalformed, err)
	}

	// Device signature against the confirmation key, with the key-binding
	// digest as the expected challenge.
	kbDigest := sha256.Sum256(kbJSON)
	expectedChallenge := base64.RawURLEncoding.EncodeToString(kbDigest[:])
	if err := v.verifyDeviceBinding(assertion, cose, expectedChallenge); err != nil {
		return VerifiedClaims{}, err
	}

	if kb.Audience != expectedAudience {
		return VerifiedClaims{}, fmt.Errorf("%w: got %q want %q", ErrAudienceMismatch, kb.Audience, expectedAudience)
	}

	iaDigest := sha256.Sum256([]byte(issuerSeg))
	if kb.IssuerDigest != base64.RawURLEncoding.EncodeToString(iaDigest[:]) {
		return VerifiedClaims{}, ErrIssuerDigest
	}

	if kb.MandateHashes[0] != expectedCartHash || kb.MandateHashes[1] != expectedPaymentHash {
		return VerifiedClaims{}, fmt.Errorf("%w: declared [%s %s]", ErrHashMismatch, kb.MandateHashes[0], kb.MandateHashes[1])
	}

	if err := v.Guards.MarkPresentationNonce(ctx, kb.Nonce); err != nil {
		return VerifiedClaims{}, err
	}

	return VerifiedClaims{
		UserID:      ia.Issuer,
		Audience:    kb.Audience,
		Nonce:       kb.Nonce,
		CartHash:    kb.MandateHashes[0],
		PaymentHash: kb.MandateHashes[1],
	}, nil
}

// verifyDeviceBinding replays the attestation checks that bind the device
// signature to this presentation. The interactive ceremony (counter, live
// challenge issue) already ran at attestation time; here the material is
// re-verified against the confirmation key so no second round trip is
// needed.
func (v *Verifier) verifyDeviceBinding(a webauthn.Assertion, coseKey []byte, expectedChallenge string) error {
	clientDataRaw, err := base64.RawURLEncoding.DecodeString(a.ClientDataJSON)
	if err != nil {
		return fmt.Errorf("%w: client data: %v", ErrMalformed, err)
	}
	var cd struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(clientDataRaw, &cd); err != nil {
		return fmt.Errorf("%w: client data json: %v", ErrMalformed, err)
	}
	if cd.Challenge != expectedChallenge {
		return webauthn.ErrChallengeMismatch
	}
	if cd.Type != webauthn.CeremonyGet {
		return webauthn.ErrCeremonyMismatch
	}

	authDataRaw, err := base64.RawURLEncoding.DecodeString(a.AuthenticatorData)
	if err != nil {
		return fmt.Errorf("%w: authenticator data: %v", ErrMalformed, err)
	}
	authData, err := webauthn.ParseAuthData(authDataRaw)
	if err != nil {
		return err
	}
	rpHash := sha256.Sum256([]byte(v.RelyingPartyID))
	if string(authData.RPIDHash) != string(rpHash[:]) {
		return webauthn.ErrRelyingPartyMismatch
	}

	alg, pub, err := webauthn.ParseCOSEPublicKey(coseKey)
	if err != nil {
		return err
	}
	sigRaw, err := base64.RawURLEncoding.DecodeString(a.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}
	clientDataHash := sha256.Sum256(clientDataRaw)
	signed := append(append([]byte(nil), authDataRaw...), clientDataHash[:]...)
	return signature.Verify(alg, pub, signed, base64.RawURLEncoding.EncodeToString(sigRaw))
}
