package presentation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/tubone24/AP2-demo-app-sub001/pkg/replay"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/webauthn"
)

const (
	rpID        = "checkout.example.com"
	cartHash    = "1111111111111111111111111111111111111111111111111111111111111111"
	paymentHash = "2222222222222222222222222222222222222222222222222222222222222222"
)

func newFixture(t *testing.T) (*webauthn.SoftwareAuthenticator, *Builder, *Verifier) {
	t.Helper()
	device, err := webauthn.NewSoftwareAuthenticator("cred-1", "https://"+rpID)
	if err != nil {
		t.Fatalf("NewSoftwareAuthenticator: %v", err)
	}
	b := &Builder{RelyingPartyID: rpID}
	v := &Verifier{RelyingPartyID: rpID, Guards: replay.NewManager(replay.NewMemoryStore())}
	return device, b, v
}

func TestBuildVerifyRoundTrip(t *testing.T) {
	device, b, v := newFixture(t)
	p, err := b.Build("did:example:user", device, cartHash, paymentHash, "payment-processor")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	claims, err := v.Verify(context.Background(), p, cartHash, paymentHash, "payment-processor")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != "did:example:user" || claims.CartHash != cartHash || claims.PaymentHash != paymentHash {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestVerifyRejectsSwappedHashes(t *testing.T) {
	device, b, v := newFixture(t)
	p, _ := b.Build("did:example:user", device, cartHash, paymentHash, "aud")
	_, err := v.Verify(context.Background(), p, paymentHash, cartHash, "aud")
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch for swapped pair, got %v", err)
	}
}

func TestVerifyRejectsSubstitutedHash(t *testing.T) {
	device, b, v := newFixture(t)
	p, _ := b.Build("did:example:user", device, cartHash, paymentHash, "aud")
	other := strings.Repeat("3", 64)
	if _, err := v.Verify(context.Background(), p, other, paymentHash, "aud"); !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch for substituted cart hash, got %v", err)
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	device, b, v := newFixture(t)
	p, _ := b.Build("did:example:user", device, cartHash, paymentHash, "aud-a")
	if _, err := v.Verify(context.Background(), p, cartHash, paymentHash, "aud-b"); !errors.Is(err, ErrAudienceMismatch) {
		t.Fatalf("expected ErrAudienceMismatch, got %v", err)
	}
}

func TestVerifyRejectsNonceReuse(t *testing.T) {
	device, b, v := newFixture(t)
	p, _ := b.Build("did:example:user", device, cartHash, paymentHash, "aud")
	ctx := context.Background()
	if _, err := v.Verify(ctx, p, cartHash, paymentHash, "aud"); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	if _, err := v.Verify(ctx, p, cartHash, paymentHash, "aud"); !errors.Is(err, replay.ErrReplayRejected) {
		t.Fatalf("expected ErrReplayRejected on second presentation, got %v", err)
	}
}

func TestVerifyRejectsTamperedKeyBinding(t *testing.T) {
	device, b, v := newFixture(t)
	p, _ := b.Build("did:example:user", device, cartHash, paymentHash, "aud")

	// Swap the hashes inside the key-binding payload without re-signing;
	// the device challenge no longer matches.
	issuerSeg, holderSeg, _ := strings.Cut(p, Delimiter)
	kbSeg, attSeg, _ := strings.Cut(holderSeg, ".")
	tamperedKB := tamperSwapHashes(t, kbSeg)
	tampered := issuerSeg + Delimiter + tamperedKB + "." + attSeg

	_, err := v.Verify(context.Background(), tampered, paymentHash, cartHash, "aud")
	if !errors.Is(err, webauthn.ErrChallengeMismatch) {
		t.Fatalf("expected ErrChallengeMismatch for tampered key binding, got %v", err)
	}
}

func tamperSwapHashes(t *testing.T, kbSeg string) string {
	t.Helper()
	raw, err := base64.RawURLEncoding.DecodeString(kbSeg)
	if err != nil {
		t.Fatalf("decode key binding: %v", err)
	}
	var kb map[string]any
	if err := json.Unmarshal(raw, &kb); err != nil {
		t.Fatalf("unmarshal key binding: %v", err)
	}
	hashes := kb["mandate_hashes"].([]any)
	hashes[0], hashes[1] = hashes[1], hashes[0]
	out, err := json.Marshal(kb)
	if err != nil {
		t.Fatalf("marshal key binding: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(out)
}

func TestVerifyRejectsMissingDelimiter(t *testing.T) {
	_, _, v := newFixture(t)
	if _, err := v.Verify(context.Background(), "justonesegment", cartHash, paymentHash, "aud"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
