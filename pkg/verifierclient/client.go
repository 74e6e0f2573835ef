// Package verifierclient is the typed HTTP client agents use to talk to the
// verifier service.
package verifierclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tubone24/AP2-demo-app-sub001/pkg/envelope"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/keyring"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/mandate"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/pending"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/webauthn"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{},
	}
}

// Error is a non-2xx verifier response.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("verifier error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

type ChainResult struct {
	RequestID   string `json:"request_id"`
	Valid       bool   `json:"valid"`
	CartHash    string `json:"cart_hash"`
	PaymentHash string `json:"payment_hash"`
}

type EnvelopeResult struct {
	RequestID   string `json:"request_id"`
	Valid       bool   `json:"valid"`
	Sender      string `json:"sender"`
	PayloadType string `json:"payload_type"`
}

type ChallengeResult struct {
	RequestID        string `json:"request_id"`
	Challenge        string `json:"challenge"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

type AttestationResult struct {
	RequestID string `json:"request_id"`
	Valid     bool   `json:"valid"`
	State     string `json:"state"`
	Counter   uint32 `json:"counter"`
	Algorithm string `json:"algorithm"`
}

// VerifyChain submits a payment mandate together with the exact cart it
// references.
func (c *Client) VerifyChain(ctx context.Context, payment mandate.PaymentMandate, cart mandate.CartMandate) (*ChainResult, error) {
	body := map[string]any{"cart": cart, "payment": payment}
	return post[ChainResult](c, ctx, "/verify/chain", body)
}

func (c *Client) VerifyEnvelope(ctx context.Context, env envelope.Envelope) (*EnvelopeResult, error) {
	return post[EnvelopeResult](c, ctx, "/verify/envelope", env)
}

// NewChallenge asks the verifier for a one-time attestation challenge.
func (c *Client) NewChallenge(ctx context.Context, userID, purpose string) (*ChallengeResult, error) {
	body := map[string]string{"user_id": userID, "purpose": purpose}
	return post[ChallengeResult](c, ctx, "/challenges", body)
}

func (c *Client) VerifyAttestation(ctx context.Context, userID, purpose, challenge string, a webauthn.Assertion) (*AttestationResult, error) {
	body := map[string]any{
		"user_id":   userID,
		"purpose":   purpose,
		"challenge": challenge,
		"assertion": a,
	}
	return post[AttestationResult](c, ctx, "/attestation/verify", body)
}

// PublishKeyDoc registers an identity's verification keys with the verifier.
func (c *Client) PublishKeyDoc(ctx context.Context, doc keyring.DirectoryDoc) error {
	_, err := post[map[string]any](c, ctx, "/keys", doc)
	return err
}

func (c *Client) GetKeyDoc(ctx context.Context, identity string) (keyring.DirectoryDoc, error) {
	var out struct {
		KeyDoc keyring.DirectoryDoc `json:"key_doc"`
	}
	u := c.BaseURL + "/keys/" + url.PathEscape(identity)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return keyring.DirectoryDoc{}, err
	}
	if err := c.doJSON(req, &out); err != nil {
		return keyring.DirectoryDoc{}, err
	}
	return out.KeyDoc, nil
}

// AwaitSignedCart polls fetch until the merchant's countersigned cart shows
// up, then verifies the chain it anchors. A cart that never arrives surfaces
// as pending.ErrTimeout; a cart that arrives but fails verification surfaces
// as that verification error.
func (c *Client) AwaitSignedCart(ctx context.Context, cfg pending.Config, payment mandate.PaymentMandate, fetch pending.Fetch[mandate.CartMandate]) (*ChainResult, error) {
	cart, err := pending.Await(ctx, cfg, fetch)
	if err != nil {
		return nil, err
	}
	return c.VerifyChain(ctx, payment, cart)
}

func post[T any](c *Client, ctx context.Context, path string, body any) (*T, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	var out T
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(req *http.Request, dst any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var errBody struct {
			RequestID string `json:"request_id"`
			Err       struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return &Error{
			StatusCode: resp.StatusCode,
			Code:       errBody.Err.Code,
			Message:    errBody.Err.Message,
			RequestID:  errBody.RequestID,
		}
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
