// Package httpx holds the JSON plumbing shared by the verifier's handlers:
// request ids, strict body decoding, and the error envelope that maps
// verification failures to stable wire codes.
package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/tubone24/AP2-demo-app-sub001/pkg/authority"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/canonical"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/chain"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/envelope"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/keyring"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/mandate"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/pending"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/presentation"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/replay"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/signature"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/webauthn"
)

const maxBodyBytes = 1 << 20

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	resp := map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}

// WriteVerificationError maps a verification failure to its wire code and
// status. Unrecognized errors surface as a 500 so a broken dependency is
// never mistaken for a rejected mandate.
func WriteVerificationError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	WriteError(w, status, code, err.Error(), nil)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, mandate.ErrMalformed),
		errors.Is(err, presentation.ErrMalformed),
		errors.Is(err, envelope.ErrMalformed),
		errors.Is(err, webauthn.ErrMalformedAssertion):
		return http.StatusBadRequest, "MALFORMED"
	case errors.Is(err, canonical.ErrCanonicalize):
		return http.StatusBadRequest, "CANONICALIZATION_ERROR"
	case errors.Is(err, replay.ErrReplayRejected),
		errors.Is(err, envelope.ErrReplayedMessage),
		errors.Is(err, webauthn.ErrReplayedCounter):
		return http.StatusConflict, "REPLAY_REJECTED"
	case errors.Is(err, authority.ErrExpired),
		errors.Is(err, replay.ErrExpired),
		errors.Is(err, presentation.ErrExpired),
		errors.Is(err, envelope.ErrStaleMessage):
		return http.StatusUnauthorized, "EXPIRED"
	case errors.Is(err, keyring.ErrNotFound),
		errors.Is(err, keyring.ErrUnknownKey),
		errors.Is(err, keyring.ErrDecryption),
		errors.Is(err, keyring.ErrBadKeyDoc):
		return http.StatusUnprocessableEntity, "KEY_ERROR"
	case errors.Is(err, signature.ErrInvalidSignature),
		errors.Is(err, signature.ErrInvalidEncoding),
		errors.Is(err, signature.ErrUnsupportedAlgorithm),
		errors.Is(err, signature.ErrInvalidKey):
		return http.StatusUnprocessableEntity, "INVALID_SIGNATURE"
	case errors.Is(err, chain.ErrChain):
		return http.StatusUnprocessableEntity, "CHAIN_ERROR"
	case errors.Is(err, presentation.ErrHashMismatch),
		errors.Is(err, presentation.ErrAudienceMismatch),
		errors.Is(err, presentation.ErrIssuerDigest):
		return http.StatusUnprocessableEntity, "PRESENTATION_ERROR"
	case errors.Is(err, authority.ErrNotVerifiable):
		return http.StatusUnprocessableEntity, "AUTHORITY_ERROR"
	case errors.Is(err, webauthn.ErrChallengeMismatch),
		errors.Is(err, webauthn.ErrCeremonyMismatch),
		errors.Is(err, webauthn.ErrRelyingPartyMismatch),
		errors.Is(err, webauthn.ErrUserNotPresent),
		errors.Is(err, webauthn.ErrUnsupportedKey):
		return http.StatusUnprocessableEntity, "ATTESTATION_ERROR"
	case errors.Is(err, pending.ErrTimeout):
		return http.StatusGatewayTimeout, "TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}
