package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tubone24/AP2-demo-app-sub001/pkg/keyring"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/replay"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/signature"
)

type cartOffer struct {
	CartID string `json:"cart_id"`
	Total  int64  `json:"total"`
}

func newFixture(t *testing.T) (keyring.KeyPair, *Verifier) {
	t.Helper()
	k := keyring.New(t.TempDir())
	kp, err := k.Generate("did:example:merchant-agent", signature.AlgEd25519, "pw")
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
	v := &Verifier{
		Resolver: keyring.StaticResolver{kp.KeyID(): pk},
		Guards:   replay.NewManager(replay.NewMemoryStore()),
	}
	return kp, v
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, v := newFixture(t)
	env, err := Sign(kp, "did:example:shopper-agent", "cart.offer", cartOffer{CartID: "cart_1", Total: 4800})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := v.Verify(context.Background(), env); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	var got cartOffer
	if err := json.Unmarshal(env.Payload, &got); err != nil || got.Total != 4800 {
		t.Fatalf("payload lost: %+v %v", got, err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	kp, v := newFixture(t)
	env, _ := Sign(kp, "did:example:shopper-agent", "cart.offer", cartOffer{CartID: "cart_1", Total: 4800})
	env.Payload = json.RawMessage(`{"cart_id":"cart_1","total":1}`)
	if err := v.Verify(context.Background(), env); !errors.Is(err, signature.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyFreshnessWindow(t *testing.T) {
	kp, v := newFixture(t)
	env, _ := Sign(kp, "rcpt", "ping", map[string]string{"k": "v"})
	sent, err := time.Parse(time.RFC3339, env.Header.Timestamp)
	if err != nil {
		t.Fatalf("parse timestamp: %v", err)
	}

	// 301 seconds after sending: stale.
	v.Now = func() time.Time { return sent.Add(301 * time.Second) }
	if err := v.Verify(context.Background(), env); !errors.Is(err, ErrStaleMessage) {
		t.Fatalf("expected ErrStaleMessage at +301s, got %v", err)
	}

	// 299 seconds: accepted.
	v.Now = func() time.Time { return sent.Add(299 * time.Second) }
	if err := v.Verify(context.Background(), env); err != nil {
		t.Fatalf("expected acceptance at +299s, got %v", err)
	}
}

func TestVerifyRejectsReplayedNonce(t *testing.T) {
	kp, v := newFixture(t)
	env, _ := Sign(kp, "rcpt", "ping", map[string]string{"k": "v"})
	ctx := context.Background()
	if err := v.Verify(ctx, env); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	if err := v.Verify(ctx, env); !errors.Is(err, ErrReplayedMessage) {
		t.Fatalf("expected ErrReplayedMessage, got %v", err)
	}
}

func TestVerifyRejectsForeignKeyID(t *testing.T) {
	kp, v := newFixture(t)
	env, _ := Sign(kp, "rcpt", "ping", map[string]string{"k": "v"})
	env.Header.SenderKeyID = "did:example:impostor#key-1"
	if err := v.Verify(context.Background(), env); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for foreign key id, got %v", err)
	}
}

func TestVerifyRejectsMissingFields(t *testing.T) {
	kp, v := newFixture(t)
	env, _ := Sign(kp, "rcpt", "ping", map[string]string{"k": "v"})
	env.Header.Nonce = ""
	if err := v.Verify(context.Background(), env); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestSignRejectsES256Key(t *testing.T) {
	k := keyring.New(t.TempDir())
	kp, err := k.Generate("did:example:merchant", signature.AlgES256, "pw")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := Sign(kp, "rcpt", "ping", map[string]string{}); !errors.Is(err, signature.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}
