// Package replay manages every single-use, time-bounded value in the
// system: one-time challenges, envelope nonces, and the bridging tokens that
// hand payment-credential custody between services. Consume is atomic
// delete-and-return; a value read twice must only succeed once, which is the
// sole correctness-critical race in the engine.
package replay

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrReplayRejected = errors.New("replay rejected")
	ErrExpired        = errors.New("guard value expired or unknown")
)

// Default TTLs per guard type.
const (
	ChallengeTTL    = 60 * time.Second
	NonceTTL        = 300 * time.Second
	AgentTokenTTL   = time.Hour
	PaymentTokenTTL = 15 * time.Minute
)

// GuardStore is the TTL-keyed external store behind every guard. Consume
// must be check-and-delete as one operation.
type GuardStore interface {
	// Put writes value under key with an explicit expiry. Returns
	// ErrReplayRejected if the key already exists and has not expired.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Consume atomically removes and returns the value. ErrExpired if the
	// key is absent or past its TTL.
	Consume(ctx context.Context, key string) ([]byte, error)
	// Peek returns the value without consuming it.
	Peek(ctx context.Context, key string) ([]byte, error)
}

// Manager namespaces the four guard types over one store.
type Manager struct {
	Store GuardStore
}

func NewManager(store GuardStore) *Manager { return &Manager{Store: store} }

func challengeKey(userID, purpose, challenge string) string {
	return "challenge:" + userID + ":" + purpose + ":" + challenge
}

// NewChallenge issues a one-time challenge scoped to a user and ceremony
// purpose.
func (m *Manager) NewChallenge(ctx context.Context, userID, purpose string) (string, error) {
	challenge, err := randomToken(32)
	if err != nil {
		return "", err
	}
	if err := m.Store.Put(ctx, challengeKey(userID, purpose, challenge), []byte("1"), ChallengeTTL); err != nil {
		return "", err
	}
	return challenge, nil
}

// ConsumeChallenge accepts a presented challenge exactly once.
func (m *Manager) ConsumeChallenge(ctx context.Context, userID, purpose, challenge string) error {
	_, err := m.Store.Consume(ctx, challengeKey(userID, purpose, challenge))
	return err
}

// MarkNonce records an envelope nonce, rejecting reuse within the freshness
// window.
func (m *Manager) MarkNonce(ctx context.Context, sender, nonce string) error {
	return m.Store.Put(ctx, "nonce:"+sender+":"+nonce, []byte("1"), NonceTTL)
}

// MarkPresentationNonce records a selective-disclosure presentation nonce.
func (m *Manager) MarkPresentationNonce(ctx context.Context, nonce string) error {
	return m.Store.Put(ctx, "presentation-nonce:"+nonce, []byte("1"), NonceTTL)
}

// AgentToken bridges an authorized payment from the token issuer to the
// execution party.
type AgentToken struct {
	TokenID  string `json:"token_id"`
	PayerID  string `json:"payer_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// IssueAgentToken mints an opaque token carrying payer and amount metadata.
func (m *Manager) IssueAgentToken(ctx context.Context, payerID string, amount int64, currency string) (AgentToken, error) {
	id, err := randomToken(24)
	if err != nil {
		return AgentToken{}, err
	}
	tok := AgentToken{TokenID: id, PayerID: payerID, Amount: amount, Currency: currency}
	b, err := json.Marshal(tok)
	if err != nil {
		return AgentToken{}, err
	}
	if err := m.Store.Put(ctx, "agent-token:"+id, b, AgentTokenTTL); err != nil {
		return AgentToken{}, err
	}
	return tok, nil
}

// ConsumeAgentToken redeems a token exactly once and returns its metadata.
func (m *Manager) ConsumeAgentToken(ctx context.Context, tokenID string) (AgentToken, error) {
	b, err := m.Store.Consume(ctx, "agent-token:"+tokenID)
	if err != nil {
		return AgentToken{}, err
	}
	var tok AgentToken
	if err := json.Unmarshal(b, &tok); err != nil {
		return AgentToken{}, fmt.Errorf("corrupt agent token %s: %w", tokenID, err)
	}
	return tok, nil
}

// PaymentMethodToken bridges a stored credential to a one-time charge
// without exposing the credential itself.
type PaymentMethodToken struct {
	TokenID     string `json:"token_id"`
	PayerID     string `json:"payer_id"`
	MethodAlias string `json:"method_alias"`
}

// IssuePaymentMethodToken mints a short-lived reference to a stored payment
// credential.
func (m *Manager) IssuePaymentMethodToken(ctx context.Context, payerID, methodAlias string) (PaymentMethodToken, error) {
	id, err := randomToken(24)
	if err != nil {
		return PaymentMethodToken{}, err
	}
	tok := PaymentMethodToken{TokenID: id, PayerID: payerID, MethodAlias: methodAlias}
	b, err := json.Marshal(tok)
	if err != nil {
		return PaymentMethodToken{}, err
	}
	if err := m.Store.Put(ctx, "payment-token:"+id, b, PaymentTokenTTL); err != nil {
		return PaymentMethodToken{}, err
	}
	return tok, nil
}

// ConsumePaymentMethodToken redeems the credential reference exactly once.
func (m *Manager) ConsumePaymentMethodToken(ctx context.Context, tokenID string) (PaymentMethodToken, error) {
	b, err := m.Store.Consume(ctx, "payment-token:"+tokenID)
	if err != nil {
		return PaymentMethodToken{}, err
	}
	var tok PaymentMethodToken
	if err := json.Unmarshal(b, &tok); err != nil {
		return PaymentMethodToken{}, fmt.Errorf("corrupt payment token %s: %w", tokenID, err)
	}
	return tok, nil
}

// PeekAgentToken inspects a token without redeeming it.
func (m *Manager) PeekAgentToken(ctx context.Context, tokenID string) (AgentToken, error) {
	b, err := m.Store.Peek(ctx, "agent-token:"+tokenID)
	if err != nil {
		return AgentToken{}, err
	}
	var tok AgentToken
	if err := json.Unmarshal(b, &tok); err != nil {
		return AgentToken{}, fmt.Errorf("corrupt agent token %s: %w", tokenID, err)
	}
	return tok, nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
