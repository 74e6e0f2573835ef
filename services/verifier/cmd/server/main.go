package main

import (
	"encoding/base64"
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/tubone24/AP2-demo-app-sub001/pkg/chain"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/db"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/envelope"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/httpx"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/keyring"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/mandate"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/presentation"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/replay"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/webauthn"
	"github.com/tubone24/AP2-demo-app-sub001/services/verifier/internal/store"
)

func main() {
	pool := db.MustConnect()
	st := store.New(pool)

	rpID := os.Getenv("RELYING_PARTY_ID")
	if rpID == "" {
		panic("RELYING_PARTY_ID is required")
	}
	authorityAudience := envOr("AUTHORITY_AUDIENCE", "shopper-agent")
	presentationAudience := envOr("PRESENTATION_AUDIENCE", "payment-processor")
	port := envOr("SERVICE_PORT", "8084")

	var guardStore replay.GuardStore
	if rdb := db.ConnectRedis(); rdb != nil {
		guardStore = replay.NewRedisStore(rdb)
	} else {
		log.Println("REDIS_URL not set, replay guards are per-node only")
		guardStore = replay.NewMemoryStore()
	}
	guards := replay.NewManager(guardStore)

	attestations := webauthn.NewVerifier(rpID, st)
	presentations := &presentation.Verifier{RelyingPartyID: rpID, Guards: guards}
	chains := &chain.Validator{
		Resolver:             st,
		Presentations:        presentations,
		AuthorityAudience:    authorityAudience,
		PresentationAudience: presentationAudience,
	}
	envelopes := &envelope.Verifier{Resolver: st, Guards: guards}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Post("/challenges", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID  string `json:"user_id"`
			Purpose string `json:"purpose"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		if req.UserID == "" || req.Purpose == "" {
			httpx.WriteError(w, 400, "BAD_REQUEST", "user_id and purpose are required", nil)
			return
		}
		challenge, err := guards.NewChallenge(r.Context(), req.UserID, req.Purpose)
		if err != nil {
			httpx.WriteError(w, 500, "STORE_ERROR", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 201, map[string]any{
			"request_id":         httpx.NewRequestID(),
			"challenge":          challenge,
			"expires_in_seconds": int(replay.ChallengeTTL.Seconds()),
		})
	})

	r.Post("/credentials", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CredentialID  string `json:"credential_id"`
			UserID        string `json:"user_id"`
			PublicKeyCOSE string `json:"public_key_cose"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		cose, err := base64.RawURLEncoding.DecodeString(req.PublicKeyCOSE)
		if err != nil {
			httpx.WriteError(w, 400, "BAD_REQUEST", "public_key_cose must be base64url", nil)
			return
		}
		if _, _, err := webauthn.ParseCOSEPublicKey(cose); err != nil {
			httpx.WriteVerificationError(w, err)
			return
		}
		c := store.Credential{CredentialID: req.CredentialID, UserID: req.UserID, PublicKeyCOSE: cose}
		if err := st.RegisterCredential(r.Context(), c); err != nil {
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "credential_id": req.CredentialID})
	})

	r.Post("/attestation/verify", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID    string             `json:"user_id"`
			Purpose   string             `json:"purpose"`
			Challenge string             `json:"challenge"`
			Ceremony  string             `json:"ceremony"`
			Assertion webauthn.Assertion `json:"assertion"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		if req.Ceremony == "" {
			req.Ceremony = webauthn.CeremonyGet
		}
		if err := guards.ConsumeChallenge(r.Context(), req.UserID, req.Purpose, req.Challenge); err != nil {
			st.LogVerification(r.Context(), "attestation", req.UserID, "rejected", "challenge", map[string]any{
				"credential_id": req.Assertion.CredentialID,
			})
			httpx.WriteVerificationError(w, err)
			return
		}
		cred, err := st.GetCredential(r.Context(), req.Assertion.CredentialID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				httpx.WriteError(w, 404, "NOT_FOUND", "unknown credential", nil)
				return
			}
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		want := webauthn.Expectation{Challenge: req.Challenge, Ceremony: req.Ceremony, PublicKeyCOSE: cred.PublicKeyCOSE}
		res, err := attestations.Verify(r.Context(), req.Assertion, want)
		if err != nil {
			reason := "verification"
			if errors.Is(err, webauthn.ErrReplayedCounter) {
				reason = "replay"
			}
			st.LogVerification(r.Context(), "attestation", req.UserID, "rejected", reason, map[string]any{
				"credential_id": req.Assertion.CredentialID,
				"error":         err.Error(),
			})
			httpx.WriteVerificationError(w, err)
			return
		}
		st.LogVerification(r.Context(), "attestation", req.UserID, "accepted", "", map[string]any{
			"credential_id": req.Assertion.CredentialID,
			"counter":       res.Counter,
		})
		httpx.WriteJSON(w, 200, map[string]any{
			"request_id": httpx.NewRequestID(),
			"valid":      true,
			"state":      res.State,
			"counter":    res.Counter,
			"algorithm":  res.Algorithm,
		})
	})

	r.Post("/verify/chain", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Cart    mandate.CartMandate    `json:"cart"`
			Payment mandate.PaymentMandate `json:"payment"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		if err := chains.Validate(r.Context(), req.Payment, req.Cart); err != nil {
			reason := "chain"
			if errors.Is(err, replay.ErrReplayRejected) {
				reason = "replay"
			}
			st.LogVerification(r.Context(), "chain", req.Payment.ID, "rejected", reason, map[string]any{
				"cart_id": req.Cart.ID,
				"error":   err.Error(),
			})
			httpx.WriteVerificationError(w, err)
			return
		}
		cartHash, err := mandate.HashCart(req.Cart)
		if err != nil {
			httpx.WriteVerificationError(w, err)
			return
		}
		paymentHash, err := mandate.HashPayment(req.Payment)
		if err != nil {
			httpx.WriteVerificationError(w, err)
			return
		}
		st.LogVerification(r.Context(), "chain", req.Payment.ID, "accepted", "", map[string]any{
			"cart_id": req.Cart.ID,
		})
		httpx.WriteJSON(w, 200, map[string]any{
			"request_id":   httpx.NewRequestID(),
			"valid":        true,
			"cart_hash":    cartHash,
			"payment_hash": paymentHash,
		})
	})

	r.Post("/verify/envelope", func(w http.ResponseWriter, r *http.Request) {
		var env envelope.Envelope
		if err := httpx.ReadJSON(r, &env); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		if err := envelopes.Verify(r.Context(), env); err != nil {
			reason := "envelope"
			if errors.Is(err, envelope.ErrReplayedMessage) {
				reason = "replay"
			}
			st.LogVerification(r.Context(), "envelope", env.Header.Sender, "rejected", reason, map[string]any{
				"message_id": env.Header.MessageID,
				"error":      err.Error(),
			})
			httpx.WriteVerificationError(w, err)
			return
		}
		st.LogVerification(r.Context(), "envelope", env.Header.Sender, "accepted", "", map[string]any{
			"message_id": env.Header.MessageID,
		})
		httpx.WriteJSON(w, 200, map[string]any{
			"request_id":   httpx.NewRequestID(),
			"valid":        true,
			"sender":       env.Header.Sender,
			"payload_type": env.Header.PayloadType,
		})
	})

	r.Post("/keys", func(w http.ResponseWriter, r *http.Request) {
		var doc keyring.DirectoryDoc
		if err := httpx.ReadJSON(r, &doc); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
			return
		}
		if doc.ID == "" || len(doc.VerificationMethod) == 0 {
			httpx.WriteError(w, 400, "BAD_REQUEST", "id and verification_method are required", nil)
			return
		}
		for _, vm := range doc.VerificationMethod {
			if _, err := keyring.ResolveFromDoc(doc, vm.ID); err != nil {
				httpx.WriteVerificationError(w, err)
				return
			}
		}
		if err := st.UpsertKeyDoc(r.Context(), doc); err != nil {
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "identity": doc.ID})
	})

	r.Get("/keys/{identity}", func(w http.ResponseWriter, r *http.Request) {
		doc, err := st.GetKeyDoc(r.Context(), chi.URLParam(r, "identity"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				httpx.WriteError(w, 404, "NOT_FOUND", "unknown identity", nil)
				return
			}
			httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "key_doc": doc})
	})

	log.Printf("verifier listening on :%s (rp=%s)", port, rpID)
	http.ListenAndServe(":"+port, r)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
