// Package chain enforces referential and hash-binding integrity across the
// Intent/Cart/Payment mandate chain before any payment executes. Validation
// is fail-fast: a broken link invalidates every later check, so the first
// fatal mismatch is returned and nothing after it runs.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tubone24/AP2-demo-app-sub001/pkg/authority"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/keyring"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/mandate"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/presentation"
)

// ErrChain is the family root; every chain failure wraps it.
var ErrChain = errors.New("mandate chain invalid")

var (
	ErrCartRequired         = fmt.Errorf("%w: cart mandate must be provided", ErrChain)
	ErrReferenceMismatch    = fmt.Errorf("%w: payment does not reference this cart", ErrChain)
	ErrMissingAuthority     = fmt.Errorf("%w: cart carries no merchant authority", ErrChain)
	ErrAuthorityBinding     = fmt.Errorf("%w: merchant authority bound to a different cart hash", ErrChain)
	ErrMissingAuthorization = fmt.Errorf("%w: payment carries no user authorization", ErrChain)
	ErrIntentMismatch       = fmt.Errorf("%w: cart and payment disagree on intent mandate", ErrChain)
)

// Validator wires the verifiers a chain check depends on.
type Validator struct {
	Resolver keyring.Resolver
	// Presentations verifies the payment's user-authorization presentation.
	Presentations *presentation.Verifier
	// AuthorityAudience is the audience role the cart's merchant authority
	// token must name; PresentationAudience likewise for the user
	// presentation.
	AuthorityAudience    string
	PresentationAudience string
}

// Validate checks a payment mandate against the exact cart document it
// references. The cart must be passed in, never looked up by id, so a
// substituted cart can never satisfy the check.
func (v *Validator) Validate(ctx context.Context, payment mandate.PaymentMandate, cart mandate.CartMandate) error {
	if strings.TrimSpace(cart.ID) == "" {
		return ErrCartRequired
	}
	if payment.CartMandateID != cart.ID {
		return fmt.Errorf("%w: payment references %q, cart is %q", ErrReferenceMismatch, payment.CartMandateID, cart.ID)
	}

	cartHash, err := mandate.HashCart(cart)
	if err != nil {
		return err
	}
	paymentHash, err := mandate.HashPayment(payment)
	if err != nil {
		return err
	}

	if strings.TrimSpace(cart.MerchantAuthority) == "" {
		return ErrMissingAuthority
	}
	claims, err := authority.Verify(cart.MerchantAuthority, v.AuthorityAudience, v.Resolver)
	if err != nil {
		return err
	}
	if claims.MandateHash != cartHash {
		return fmt.Errorf("%w: token binds %s, recomputed %s", ErrAuthorityBinding, claims.MandateHash, cartHash)
	}

	if strings.TrimSpace(payment.UserAuthorization) == "" {
		return ErrMissingAuthorization
	}
	if _, err := v.Presentations.Verify(ctx, payment.UserAuthorization, cartHash, paymentHash, v.PresentationAudience); err != nil {
		return err
	}

	if cart.IntentMandateID != "" && payment.IntentMandateID != "" && cart.IntentMandateID != payment.IntentMandateID {
		return fmt.Errorf("%w: cart %q, payment %q", ErrIntentMismatch, cart.IntentMandateID, payment.IntentMandateID)
	}
	return nil
}
