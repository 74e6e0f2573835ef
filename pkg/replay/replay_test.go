package replay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestChallengeConsumedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore())

	challenge, err := m.NewChallenge(ctx, "user_1", "webauthn.get")
	if err != nil {
		t.Fatalf("NewChallenge: %v", err)
	}
	if err := m.ConsumeChallenge(ctx, "user_1", "webauthn.get", challenge); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := m.ConsumeChallenge(ctx, "user_1", "webauthn.get", challenge); !errors.Is(err, ErrExpired) {
		t.Fatalf("second consume should fail, got %v", err)
	}
}

func TestChallengeScopedToPurpose(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore())
	challenge, _ := m.NewChallenge(ctx, "user_1", "webauthn.get")
	if err := m.ConsumeChallenge(ctx, "user_1", "webauthn.create", challenge); !errors.Is(err, ErrExpired) {
		t.Fatalf("wrong purpose must not consume, got %v", err)
	}
}

func TestChallengeExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryStoreAt(func() time.Time { return now })
	m := NewManager(store)
	challenge, _ := m.NewChallenge(ctx, "user_1", "webauthn.get")

	now = now.Add(ChallengeTTL + time.Second)
	if err := m.ConsumeChallenge(ctx, "user_1", "webauthn.get", challenge); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired after TTL, got %v", err)
	}
}

func TestNonceReuseRejected(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore())
	if err := m.MarkNonce(ctx, "did:example:agent", "n-1"); err != nil {
		t.Fatalf("first MarkNonce: %v", err)
	}
	if err := m.MarkNonce(ctx, "did:example:agent", "n-1"); !errors.Is(err, ErrReplayRejected) {
		t.Fatalf("expected ErrReplayRejected on reuse, got %v", err)
	}
	// Same nonce from a different sender is a different key.
	if err := m.MarkNonce(ctx, "did:example:other", "n-1"); err != nil {
		t.Fatalf("different sender should pass: %v", err)
	}
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore())
	tok, err := m.IssueAgentToken(ctx, "did:example:payer", 4800, "USD")
	if err != nil {
		t.Fatalf("IssueAgentToken: %v", err)
	}

	const workers = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := m.ConsumeAgentToken(ctx, tok.TokenID); err == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one successful consume, got %d", wins.Load())
	}
}

func TestAgentTokenCarriesMetadata(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore())
	tok, _ := m.IssueAgentToken(ctx, "did:example:payer", 4800, "USD")

	peeked, err := m.PeekAgentToken(ctx, tok.TokenID)
	if err != nil {
		t.Fatalf("PeekAgentToken: %v", err)
	}
	if peeked.PayerID != "did:example:payer" || peeked.Amount != 4800 || peeked.Currency != "USD" {
		t.Fatalf("metadata lost: %+v", peeked)
	}

	// Peek must not consume.
	got, err := m.ConsumeAgentToken(ctx, tok.TokenID)
	if err != nil {
		t.Fatalf("ConsumeAgentToken after peek: %v", err)
	}
	if got != tok {
		t.Fatalf("consumed token differs: %+v vs %+v", got, tok)
	}
}

func TestPaymentMethodTokenSingleUse(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore())
	tok, err := m.IssuePaymentMethodToken(ctx, "did:example:payer", "visa-4242")
	if err != nil {
		t.Fatalf("IssuePaymentMethodToken: %v", err)
	}
	first, err := m.ConsumePaymentMethodToken(ctx, tok.TokenID)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if first.MethodAlias != "visa-4242" {
		t.Fatalf("unexpected alias %q", first.MethodAlias)
	}
	if _, err := m.ConsumePaymentMethodToken(ctx, tok.TokenID); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired on second consume, got %v", err)
	}
}
