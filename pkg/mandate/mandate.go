// Package mandate defines the three purchase-authorization documents
// (Intent, Cart, Payment) exchanged between agents, and the hashing rules
// that bind them together. A mandate is immutable once signed; its hash is
// computed over the canonical form with its own authorization fields
// excluded, so the hash embedded in an authority assertion can always be
// recomputed from the unsigned document.
package mandate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tubone24/AP2-demo-app-sub001/pkg/canonical"
)

// Kind is the closed set of mandate variants.
type Kind string

const (
	KindIntent  Kind = "intent"
	KindCart    Kind = "cart"
	KindPayment Kind = "payment"
)

var ErrMalformed = errors.New("malformed mandate")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Constraints bounds what a purchasing agent may buy on the user's behalf.
// Amounts are integer minor units (cents) in the named currency.
type Constraints struct {
	MaxAmount         int64    `json:"max_amount" validate:"gt=0"`
	Currency          string   `json:"currency" validate:"required,len=3"`
	AllowedCategories []string `json:"allowed_categories,omitempty"`
	AllowedBrands     []string `json:"allowed_brands,omitempty"`
	ExpiresAt         string   `json:"expires_at,omitempty"`
}

// IntentMandate captures the user's natural-language shopping intent and the
// bounds they placed on it.
type IntentMandate struct {
	ID          string      `json:"id" validate:"required"`
	OwnerID     string      `json:"owner_id" validate:"required"`
	Description string      `json:"description" validate:"required"`
	Constraints Constraints `json:"constraints" validate:"required"`
	CreatedAt   string      `json:"created_at" validate:"required"`
	ExpiresAt   string      `json:"expires_at" validate:"required"`
}

// LineItem is one priced entry in a cart.
type LineItem struct {
	SKU       string `json:"sku" validate:"required"`
	Name      string `json:"name" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
	UnitPrice int64  `json:"unit_price" validate:"gte=0"`
	Total     int64  `json:"total" validate:"gte=0"`
}

// CartMandate is the merchant's concrete offer. MerchantAuthority and
// UserAuthorization are excluded from the mandate hash; everything else is
// covered by it.
type CartMandate struct {
	ID              string     `json:"id" validate:"required"`
	IntentMandateID string     `json:"intent_mandate_id,omitempty"`
	MerchantID      string     `json:"merchant_id" validate:"required"`
	Items           []LineItem `json:"items" validate:"required,min=1,dive"`
	Currency        string     `json:"currency" validate:"required,len=3"`
	Subtotal        int64      `json:"subtotal" validate:"gte=0"`
	Tax             int64      `json:"tax" validate:"gte=0"`
	Shipping        int64      `json:"shipping" validate:"gte=0"`
	Total           int64      `json:"total" validate:"gt=0"`
	ExpiresAt       string     `json:"expires_at" validate:"required"`

	// Assertions attached after signing; never part of the hash.
	MerchantAuthority string `json:"merchant_authority,omitempty"`
	UserAuthorization string `json:"user_authorization,omitempty"`
}

// PaymentMandate requests execution of a charge against an authorized cart.
type PaymentMandate struct {
	ID               string   `json:"id" validate:"required"`
	CartMandateID    string   `json:"cart_mandate_id" validate:"required"`
	IntentMandateID  string   `json:"intent_mandate_id,omitempty"`
	PayerID          string   `json:"payer_id" validate:"required"`
	PayeeID          string   `json:"payee_id" validate:"required"`
	Amount           int64    `json:"amount" validate:"gt=0"`
	Currency         string   `json:"currency" validate:"required,len=3"`
	PaymentMethodRef string   `json:"payment_method_ref" validate:"required"`
	RiskScore        float64  `json:"risk_score,omitempty"`
	FraudFlags       []string `json:"fraud_flags,omitempty"`
	CreatedAt        string   `json:"created_at" validate:"required"`

	// User-authorization presentation; never part of the hash.
	UserAuthorization string `json:"user_authorization,omitempty"`
}

// Hash field exclusions per variant. The hash must be recomputable from the
// unsigned document, so any field written at or after signing stays out.
var (
	cartHashExclusions    = []string{"merchant_authority", "user_authorization"}
	paymentHashExclusions = []string{"user_authorization"}
)

// HashIntent returns the hex SHA-256 of the intent's canonical form.
func HashIntent(m IntentMandate) (string, error) {
	h, _, err := canonical.SHA256(m)
	return h, err
}

// HashCart returns the hex SHA-256 of the cart's canonical form with both
// assertion fields excluded.
func HashCart(m CartMandate) (string, error) {
	h, _, err := canonical.SHA256(m, cartHashExclusions...)
	return h, err
}

// HashPayment returns the hex SHA-256 of the payment's canonical form with
// the user-authorization presentation excluded.
func HashPayment(m PaymentMandate) (string, error) {
	h, _, err := canonical.SHA256(m, paymentHashExclusions...)
	return h, err
}

// ParseIntent decodes and validates an intent mandate, rejecting unknown
// fields and missing required fields at parse time.
func ParseIntent(raw []byte) (IntentMandate, error) {
	var m IntentMandate
	if err := strictUnmarshal(raw, &m); err != nil {
		return IntentMandate{}, err
	}
	if err := validate.Struct(m); err != nil {
		return IntentMandate{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

// ParseCart decodes and validates a cart mandate.
func ParseCart(raw []byte) (CartMandate, error) {
	var m CartMandate
	if err := strictUnmarshal(raw, &m); err != nil {
		return CartMandate{}, err
	}
	if err := validate.Struct(m); err != nil {
		return CartMandate{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

// ParsePayment decodes and validates a payment mandate.
func ParsePayment(raw []byte) (PaymentMandate, error) {
	var m PaymentMandate
	if err := strictUnmarshal(raw, &m); err != nil {
		return PaymentMandate{}, err
	}
	if err := validate.Struct(m); err != nil {
		return PaymentMandate{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

// Expired reports whether the RFC3339 expiry has passed at now. A malformed
// timestamp counts as expired; a blank one never expires.
func Expired(expiresAt string, now time.Time) bool {
	if expiresAt == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return true
	}
	return !now.Before(t)
}

func strictUnmarshal(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
