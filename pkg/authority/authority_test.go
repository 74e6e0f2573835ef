package authority

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tubone24/AP2-demo-app-sub001/pkg/keyring"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/signature"
)

const cartHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func newIssuer(t *testing.T) (keyring.KeyPair, keyring.Resolver) {
	t.Helper()
	k := keyring.New(t.TempDir())
	kp, err := k.Generate("did:example:merchant", signature.AlgES256, "pw")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	doc, err := keyring.BuildDirectoryDoc(kp)
	if err != nil {
		t.Fatalf("BuildDirectoryDoc: %v", err)
	}
	pk, err := keyring.ResolveFromDoc(doc, kp.KeyID())
	if err != nil {
		t.Fatalf("ResolveFromDoc: %v", err)
	}
	return kp, keyring.StaticResolver{kp.KeyID(): pk}
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	kp, resolver := newIssuer(t)
	token, err := Issue(kp, "did:example:shopper", "payment-processor", cartHash, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := Verify(token, "payment-processor", resolver)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.MandateHash != cartHash {
		t.Fatalf("bound hash mismatch: %s", claims.MandateHash)
	}
	if claims.Issuer != "did:example:merchant" || claims.ID == "" {
		t.Fatalf("claims incomplete: %+v", claims)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	kp, resolver := newIssuer(t)
	token, err := Issue(kp, "sub", "aud", cartHash, time.Nanosecond)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	_, err = Verify(token, "aud", resolver)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	kp, resolver := newIssuer(t)
	token, _ := Issue(kp, "sub", "aud-a", cartHash, 0)
	if _, err := Verify(token, "aud-b", resolver); !errors.Is(err, ErrNotVerifiable) {
		t.Fatalf("expected ErrNotVerifiable, got %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	kp, resolver := newIssuer(t)
	token, _ := Issue(kp, "sub", "aud", cartHash, 0)

	parts := strings.Split(token, ".")
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	tampered := strings.Replace(string(payload), cartHash, strings.Repeat("0", 64), 1)
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(tampered))

	_, err = Verify(strings.Join(parts, "."), "aud", resolver)
	if !errors.Is(err, ErrNotVerifiable) {
		t.Fatalf("expected ErrNotVerifiable for tampered payload, got %v", err)
	}
}

func TestVerifyRejectsUnresolvableKid(t *testing.T) {
	kp, _ := newIssuer(t)
	token, _ := Issue(kp, "sub", "aud", cartHash, 0)
	_, err := Verify(token, "aud", keyring.StaticResolver{})
	if !errors.Is(err, keyring.ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestVerifyRejectsWrongSegmentCount(t *testing.T) {
	_, resolver := newIssuer(t)
	if _, err := Verify("onlyone.twosegments", "aud", resolver); !errors.Is(err, ErrNotVerifiable) {
		t.Fatalf("expected ErrNotVerifiable, got %v", err)
	}
}
