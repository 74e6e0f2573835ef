package mandate

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func sampleCart() CartMandate {
	return CartMandate{
		ID:              "cart_1",
		IntentMandateID: "intent_1",
		MerchantID:      "did:example:merchant",
		Items: []LineItem{
			{SKU: "sku-1", Name: "Trail shoes", Quantity: 2, UnitPrice: 2000, Total: 4000},
			{SKU: "sku-2", Name: "Socks", Quantity: 1, UnitPrice: 500, Total: 500},
		},
		Currency:  "USD",
		Subtotal:  4500,
		Tax:       200,
		Shipping:  100,
		Total:     4800,
		ExpiresAt: "2026-09-01T00:00:00Z",
	}
}

func TestHashCartIgnoresAttachedAssertions(t *testing.T) {
	cart := sampleCart()
	unsigned, err := HashCart(cart)
	if err != nil {
		t.Fatalf("HashCart: %v", err)
	}

	cart.MerchantAuthority = "eyJhbGciOiJFUzI1NiJ9.x.y"
	cart.UserAuthorization = "issuer~holder"
	signed, err := HashCart(cart)
	if err != nil {
		t.Fatalf("HashCart signed: %v", err)
	}
	if unsigned != signed {
		t.Fatalf("attaching assertions changed the mandate hash: %s != %s", unsigned, signed)
	}
}

func TestHashCartDetectsFieldMutation(t *testing.T) {
	cart := sampleCart()
	before, _ := HashCart(cart)
	cart.Total = 9800
	after, _ := HashCart(cart)
	if before == after {
		t.Fatal("mutating total did not change the hash")
	}
}

func TestHashRoundTripThroughSerialization(t *testing.T) {
	cart := sampleCart()
	before, err := HashCart(cart)
	if err != nil {
		t.Fatalf("HashCart: %v", err)
	}
	raw, err := json.Marshal(cart)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	parsed, err := ParseCart(raw)
	if err != nil {
		t.Fatalf("ParseCart: %v", err)
	}
	after, err := HashCart(parsed)
	if err != nil {
		t.Fatalf("HashCart parsed: %v", err)
	}
	if before != after {
		t.Fatalf("hash not stable across serialize/parse: %s != %s", before, after)
	}
}

func TestParseCartRejectsMissingRequiredFields(t *testing.T) {
	_, err := ParseCart([]byte(`{"id":"cart_1"}`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestParsePaymentRejectsUnknownFields(t *testing.T) {
	_, err := ParsePayment([]byte(`{"id":"pay_1","surprise":true}`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for unknown field, got %v", err)
	}
}

func TestParseIntentHappyPath(t *testing.T) {
	raw := []byte(`{
		"id":"intent_1",
		"owner_id":"did:example:user",
		"description":"running shoes under 50 dollars",
		"constraints":{"max_amount":5000,"currency":"USD"},
		"created_at":"2026-08-01T10:00:00Z",
		"expires_at":"2026-09-01T10:00:00Z"
	}`)
	m, err := ParseIntent(raw)
	if err != nil {
		t.Fatalf("ParseIntent: %v", err)
	}
	if m.Constraints.MaxAmount != 5000 {
		t.Fatalf("unexpected max amount %d", m.Constraints.MaxAmount)
	}
}

func TestExpired(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	if Expired("2026-08-29T12:00:01Z", now) {
		t.Fatal("future expiry reported expired")
	}
	if !Expired("2026-08-29T11:59:59Z", now) {
		t.Fatal("past expiry not reported expired")
	}
	if !Expired("not-a-timestamp", now) {
		t.Fatal("malformed expiry must count as expired")
	}
	if Expired("", now) {
		t.Fatal("blank expiry must never expire")
	}
}
