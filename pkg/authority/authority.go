// Package authority issues and verifies the compact signed token by which
// one party asserts authorization over a specific mandate hash. The token is
// a trust anchor: every verification step is fatal on failure and the
// enclosing operation must abort.
package authority

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tubone24/AP2-demo-app-sub001/pkg/keyring"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/signature"
)

// DefaultTTL bounds how long an authority assertion stays valid. Production
// deployments should tighten this.
const DefaultTTL = time.Hour

var (
	ErrExpired       = errors.New("authority token expired")
	ErrNotVerifiable = errors.New("authority token verification failed")
)

// Claims are the payload of an authority token. MandateHash binds the
// assertion to the canonical hash of exactly one mandate.
type Claims struct {
	MandateHash string `json:"mandate_hash"`
	jwt.RegisteredClaims
}

// Issue signs an ES256 authority token binding mandateHash to the issuer's
// key. ttl <= 0 falls back to DefaultTTL.
func Issue(kp keyring.KeyPair, subject, audience, mandateHash string, ttl time.Duration) (string, error) {
	priv, ok := kp.Private.(*ecdsa.PrivateKey)
	if !ok || kp.Algorithm != signature.AlgES256 {
		return "", fmt.Errorf("%w: authority tokens require an ES256 key", signature.ErrInvalidKey)
	}
	if strings.TrimSpace(mandateHash) == "" {
		return "", fmt.Errorf("%w: empty mandate hash", ErrNotVerifiable)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now().UTC()
	claims := Claims{
		MandateHash: mandateHash,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    kp.Identity,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = kp.KeyID()
	return token.SignedString(priv)
}

// Verify runs the full acceptance sequence: structure, ES256 pinning,
// required claims, audience, expiry, key resolution via the header kid, and
// the ECDSA signature over header.payload.
func Verify(tokenStr, expectedAudience string, resolver keyring.Resolver) (Claims, error) {
	if strings.Count(tokenStr, ".") != 2 {
		return Claims{}, fmt.Errorf("%w: token must have exactly 3 segments", ErrNotVerifiable)
	}

	var claims Claims
	keyfunc := func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if strings.TrimSpace(kid) == "" {
			return nil, fmt.Errorf("%w: missing kid header", ErrNotVerifiable)
		}
		pk, err := resolver.ResolvePublic(kid)
		if err != nil {
			return nil, err
		}
		pub, ok := pk.Key.(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: kid %s does not resolve to a P-256 key", ErrNotVerifiable, kid)
		}
		return pub, nil
	}

	_, err := jwt.ParseWithClaims(tokenStr, &claims, keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithAudience(expectedAudience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return Claims{}, fmt.Errorf("%w: %v", ErrExpired, err)
		case errors.Is(err, keyring.ErrUnknownKey):
			return Claims{}, err
		default:
			return Claims{}, fmt.Errorf("%w: %v", ErrNotVerifiable, err)
		}
	}

	// The library enforces signature, audience, and expiry; the remaining
	// required claims are ours to check.
	switch {
	case strings.TrimSpace(claims.Issuer) == "":
		return Claims{}, fmt.Errorf("%w: missing iss", ErrNotVerifiable)
	case strings.TrimSpace(claims.Subject) == "":
		return Claims{}, fmt.Errorf("%w: missing sub", ErrNotVerifiable)
	case claims.IssuedAt == nil:
		return Claims{}, fmt.Errorf("%w: missing iat", ErrNotVerifiable)
	case strings.TrimSpace(claims.ID) == "":
		return Claims{}, fmt.Errorf("%w: missing jti", ErrNotVerifiable)
	case strings.TrimSpace(claims.MandateHash) == "":
		return Claims{}, fmt.Errorf("%w: missing mandate_hash", ErrNotVerifiable)
	}
	return claims, nil
}
