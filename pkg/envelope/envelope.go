// Package envelope wraps every inter-agent message with sender identity,
// freshness, and an Ed25519 signature over the canonical header+payload
// bytes. No payload is inspected before its envelope passes verification.
package envelope

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tubone24/AP2-demo-app-sub001/pkg/canonical"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/keyring"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/replay"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/signature"
)

const ProtocolVersion = "a2a-v1"

// Tolerance is the freshness window either side of receipt time.
const Tolerance = 300 * time.Second

var (
	ErrMalformed       = errors.New("malformed envelope")
	ErrStaleMessage    = errors.New("stale message")
	ErrReplayedMessage = errors.New("replayed message")
)

// Header identifies and freshness-stamps one message.
type Header struct {
	MessageID       string `json:"message_id"`
	Sender          string `json:"sender"`
	SenderKeyID     string `json:"sender_key_id"`
	Recipient       string `json:"recipient"`
	Timestamp       string `json:"timestamp"` // RFC3339 UTC
	Nonce           string `json:"nonce"`
	ProtocolVersion string `json:"protocol_version"`
	PayloadType     string `json:"payload_type"`
}

// Envelope is a signed inter-agent message.
type Envelope struct {
	Header    Header          `json:"header"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// Sign wraps payload for transport from the key pair's identity. The key
// must be Ed25519; mandate-grade ES256 keys stay out of the transport path.
func Sign(kp keyring.KeyPair, recipient, payloadType string, payload any) (Envelope, error) {
	priv, ok := kp.Private.(ed25519.PrivateKey)
	if !ok || kp.Algorithm != signature.AlgEd25519 {
		return Envelope{}, fmt.Errorf("%w: envelopes require an ed25519 key", signature.ErrInvalidKey)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	env := Envelope{
		Header: Header{
			MessageID:       uuid.NewString(),
			Sender:          kp.Identity,
			SenderKeyID:     kp.KeyID(),
			Recipient:       recipient,
			Timestamp:       time.Now().UTC().Format(time.RFC3339),
			Nonce:           uuid.NewString(),
			ProtocolVersion: ProtocolVersion,
			PayloadType:     payloadType,
		},
		Payload: raw,
	}
	bytesToSign, err := signingBytes(env)
	if err != nil {
		return Envelope{}, err
	}
	sig, err := signature.SignEd25519(priv, bytesToSign)
	if err != nil {
		return Envelope{}, err
	}
	env.Signature = sig
	return env, nil
}

// Verifier checks inbound envelopes.
type Verifier struct {
	Resolver keyring.Resolver
	Guards   *replay.Manager
	// Now is the receipt clock; nil means time.Now.
	Now func() time.Time
}

// Verify runs the outer acceptance sequence: structure, freshness within
// ±Tolerance, nonce single-use, sender key resolution, signature.
func (v *Verifier) Verify(ctx context.Context, env Envelope) error {
	h := env.Header
	switch {
	case strings.TrimSpace(h.MessageID) == "",
		strings.TrimSpace(h.Sender) == "",
		strings.TrimSpace(h.SenderKeyID) == "",
		strings.TrimSpace(h.Recipient) == "",
		strings.TrimSpace(h.Nonce) == "",
		len(env.Payload) == 0,
		strings.TrimSpace(env.Signature) == "":
		return fmt.Errorf("%w: missing required fields", ErrMalformed)
	}
	if h.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("%w: protocol version %q", ErrMalformed, h.ProtocolVersion)
	}
	if !strings.HasPrefix(h.SenderKeyID, h.Sender+"#") {
		return fmt.Errorf("%w: sender key id %q does not belong to sender %q", ErrMalformed, h.SenderKeyID, h.Sender)
	}

	ts, err := time.Parse(time.RFC3339, h.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
	}
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	if d := now.Sub(ts); d > Tolerance || d < -Tolerance {
		return fmt.Errorf("%w: timestamp %s outside ±%s of receipt", ErrStaleMessage, h.Timestamp, Tolerance)
	}

	if err := v.Guards.MarkNonce(ctx, h.Sender, h.Nonce); err != nil {
		if errors.Is(err, replay.ErrReplayRejected) {
			return fmt.Errorf("%w: nonce %s", ErrReplayedMessage, h.Nonce)
		}
		return err
	}

	pk, err := v.Resolver.ResolvePublic(h.SenderKeyID)
	if err != nil {
		return err
	}
	bytesToVerify, err := signingBytes(env)
	if err != nil {
		return err
	}
	return signature.Verify(pk.Algorithm, pk.Key, bytesToVerify, env.Signature)
}

// signingBytes is the canonical form of the envelope minus its signature.
func signingBytes(env Envelope) ([]byte, error) {
	return canonical.Marshal(env, "signature")
}
