// Package webauthn verifies FIDO2 authenticator assertions: the
// hardware-backed proof that a user was present and approved a specific
// challenge. Attestation is a single-shot interactive ceremony; no step is
// retried, and every failure carries a specific reject reason.
package webauthn

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tubone24/AP2-demo-app-sub001/pkg/signature"
)

// Ceremony types declared inside client data.
const (
	CeremonyGet    = "webauthn.get"
	CeremonyCreate = "webauthn.create"
)

var (
	ErrMalformedAssertion   = errors.New("malformed assertion")
	ErrChallengeMismatch    = errors.New("challenge mismatch")
	ErrCeremonyMismatch     = errors.New("ceremony type mismatch")
	ErrRelyingPartyMismatch = errors.New("relying party hash mismatch")
	ErrUserNotPresent       = errors.New("user presence flag not set")
	ErrReplayedCounter      = errors.New("signature counter replayed")
	ErrUnsupportedKey       = errors.New("unsupported authenticator key")
)

// State tracks how far an assertion got before acceptance or rejection.
type State string

const (
	StateReceived          State = "received"
	StateStructurallyValid State = "structurally_valid"
	StateChallengeMatched  State = "challenge_matched"
	StateCounterAccepted   State = "counter_accepted"
	StateSignatureVerified State = "signature_verified"
	StateRejected          State = "rejected"
)

// Assertion is the authenticator output as it crosses the service boundary,
// base64url encoded.
type Assertion struct {
	CredentialID      string `json:"credential_id"`
	ClientDataJSON    string `json:"client_data_json"`
	AuthenticatorData string `json:"authenticator_data"`
	Signature         string `json:"signature"`
}

type clientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

// AuthData is the parsed authenticator-data block.
type AuthData struct {
	RPIDHash  []byte
	Flags     byte
	Counter   uint32
	PublicKey []byte // COSE bytes, present only with attested credential data
}

const (
	flagUserPresent            = 0x01
	flagAttestedCredentialData = 0x40
)

// CounterStore persists the last accepted signature counter per credential.
type CounterStore interface {
	LastCounter(ctx context.Context, credentialID string) (uint32, error)
	StoreCounter(ctx context.Context, credentialID string, counter uint32) error
}

// MemoryCounterStore is the test/single-node CounterStore.
type MemoryCounterStore struct {
	m map[string]uint32
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{m: make(map[string]uint32)}
}

func (s *MemoryCounterStore) LastCounter(ctx context.Context, credentialID string) (uint32, error) {
	return s.m[credentialID], nil
}

func (s *MemoryCounterStore) StoreCounter(ctx context.Context, credentialID string, counter uint32) error {
	s.m[credentialID] = counter
	return nil
}

// Expectation is what the verifier requires the assertion to prove.
type Expectation struct {
	Challenge string // the one-time challenge handed to the client
	Ceremony  string // CeremonyGet or CeremonyCreate
	// PublicKeyCOSE is the credential's registered key. May be empty for
	// registration ceremonies, where the key rides in the attested
	// credential data instead.
	PublicKeyCOSE []byte
}

// Result is the accepted assertion.
type Result struct {
	State     State
	Counter   uint32
	Algorithm string
	PublicKey any
}

// Verifier checks assertions against one relying party.
type Verifier struct {
	RelyingPartyID string
	Counters       CounterStore
}

func NewVerifier(relyingPartyID string, counters CounterStore) *Verifier {
	return &Verifier{RelyingPartyID: relyingPartyID, Counters: counters}
}

// Verify runs the assertion state machine. The stored counter is only
// advanced after every other step has passed.
func (v *Verifier) Verify(ctx context.Context, a Assertion, want Expectation) (*Result, error) {
	clientDataRaw, err := base64.RawURLEncoding.DecodeString(a.ClientDataJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: client data: %v", ErrMalformedAssertion, err)
	}
	authDataRaw, err := base64.RawURLEncoding.DecodeString(a.AuthenticatorData)
	if err != nil {
		return nil, fmt.Errorf("%w: authenticator data: %v", ErrMalformedAssertion, err)
	}
	sigRaw, err := base64.RawURLEncoding.DecodeString(a.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformedAssertion, err)
	}

	var cd clientData
	if err := json.Unmarshal(clientDataRaw, &cd); err != nil {
		return nil, fmt.Errorf("%w: client data json: %v", ErrMalformedAssertion, err)
	}
	authData, err := ParseAuthData(authDataRaw)
	if err != nil {
		return nil, err
	}

	// Challenge and ceremony binding.
	if cd.Challenge != want.Challenge {
		return nil, ErrChallengeMismatch
	}
	if cd.Type != want.Ceremony {
		return nil, fmt.Errorf("%w: got %q want %q", ErrCeremonyMismatch, cd.Type, want.Ceremony)
	}

	// Relying-party binding and user presence.
	rpHash := sha256.Sum256([]byte(v.RelyingPartyID))
	if !bytes.Equal(authData.RPIDHash, rpHash[:]) {
		return nil, ErrRelyingPartyMismatch
	}
	if authData.Flags&flagUserPresent == 0 {
		return nil, ErrUserNotPresent
	}

	// Counter must move strictly forward for this credential.
	last, err := v.Counters.LastCounter(ctx, a.CredentialID)
	if err != nil {
		return nil, err
	}
	if authData.Counter <= last {
		return nil, fmt.Errorf("%w: counter %d, last accepted %d", ErrReplayedCounter, authData.Counter, last)
	}

	coseBytes := want.PublicKeyCOSE
	if len(coseBytes) == 0 {
		coseBytes = authData.PublicKey
	}
	if len(coseBytes) == 0 {
		return nil, fmt.Errorf("%w: no credential public key available", ErrUnsupportedKey)
	}
	alg, pub, err := ParseCOSEPublicKey(coseBytes)
	if err != nil {
		return nil, err
	}

	// The device signs authenticatorData || SHA-256(clientDataJSON).
	clientDataHash := sha256.Sum256(clientDataRaw)
	signed := append(append([]byte(nil), authDataRaw...), clientDataHash[:]...)
	sigEncoded := base64.RawURLEncoding.EncodeToString(sigRaw)
	switch alg {
	case signature.AlgES256:
		err = signature.Verify(signature.AlgES256, pub, signed, sigEncoded)
	case signature.AlgEd25519:
		err = signature.Verify(signature.AlgEd25519, pub.(ed25519.PublicKey), signed, sigEncoded)
	}
	if err != nil {
		return nil, err
	}

	// Full success: advance the stored counter.
	if err := v.Counters.StoreCounter(ctx, a.CredentialID, authData.Counter); err != nil {
		return nil, err
	}
	return &Result{State: StateSignatureVerified, Counter: authData.Counter, Algorithm: alg, PublicKey: pub}, nil
}

// ParseAuthData decodes the fixed layout: rpIdHash(32) || flags(1) ||
// counter(4) [|| attested credential data].
func ParseAuthData(raw []byte) (AuthData, error) {
	if len(raw) < 37 {
		return AuthData{}, fmt.Errorf("%w: authenticator data too short", ErrMalformedAssertion)
	}
	out := AuthData{
		RPIDHash: raw[:32],
		Flags:    raw[32],
		Counter:  binary.BigEndian.Uint32(raw[33:37]),
	}
	if out.Flags&flagAttestedCredentialData != 0 {
		rest := raw[37:]
		if len(rest) < 18 {
			return AuthData{}, fmt.Errorf("%w: truncated attested credential data", ErrMalformedAssertion)
		}
		credIDLen := int(binary.BigEndian.Uint16(rest[16:18]))
		if len(rest) < 18+credIDLen+1 {
			return AuthData{}, fmt.Errorf("%w: truncated credential id", ErrMalformedAssertion)
		}
		out.PublicKey = rest[18+credIDLen:]
	}
	return out, nil
}

// BuildAuthData renders authenticator data for the test authenticator and
// registration tooling.
func BuildAuthData(relyingPartyID string, flags byte, counter uint32) []byte {
	rpHash := sha256.Sum256([]byte(relyingPartyID))
	out := make([]byte, 37)
	copy(out[:32], rpHash[:])
	out[32] = flags | flagUserPresent
	binary.BigEndian.PutUint32(out[33:37], counter)
	return out
}
