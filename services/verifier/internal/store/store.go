package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tubone24/AP2-demo-app-sub001/pkg/keyring"
	"github.com/tubone24/AP2-demo-app-sub001/pkg/webauthn"
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

var ErrNotFound = errors.New("not found")

// Credential is one registered authenticator.
type Credential struct {
	CredentialID     string    `json:"credential_id"`
	UserID           string    `json:"user_id"`
	PublicKeyCOSE    []byte    `json:"-"`
	SignatureCounter uint32    `json:"signature_counter"`
	CreatedAt        time.Time `json:"created_at"`
}

func (s *Store) RegisterCredential(ctx context.Context, c Credential) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO credentials(credential_id,user_id,public_key_cose,signature_counter)
VALUES($1,$2,$3,$4)
`, c.CredentialID, c.UserID, c.PublicKeyCOSE, int64(c.SignatureCounter))
	return err
}

func (s *Store) GetCredential(ctx context.Context, credentialID string) (Credential, error) {
	var c Credential
	var counter int64
	err := s.DB.QueryRow(ctx, `
SELECT credential_id,user_id,public_key_cose,signature_counter,created_at
FROM credentials
WHERE credential_id=$1
`, credentialID).Scan(&c.CredentialID, &c.UserID, &c.PublicKeyCOSE, &counter, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, err
	}
	c.SignatureCounter = uint32(counter)
	return c, nil
}

// LastCounter implements webauthn.CounterStore. An unknown credential reads
// as zero so registration-time assertions with counter 1 pass.
func (s *Store) LastCounter(ctx context.Context, credentialID string) (uint32, error) {
	var counter int64
	err := s.DB.QueryRow(ctx, `SELECT signature_counter FROM credentials WHERE credential_id=$1`, credentialID).Scan(&counter)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint32(counter), nil
}

// StoreCounter implements webauthn.CounterStore. The guarded UPDATE keeps the
// counter strictly monotonic even when two assertions for the same credential
// land on different verifier nodes.
func (s *Store) StoreCounter(ctx context.Context, credentialID string, counter uint32) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE credentials
SET signature_counter=$2, updated_at=now()
WHERE credential_id=$1 AND signature_counter < $2
`, credentialID, int64(counter))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return webauthn.ErrReplayedCounter
	}
	return nil
}

// UpsertKeyDoc publishes an identity's directory document so its tokens and
// envelopes can be verified.
func (s *Store) UpsertKeyDoc(ctx context.Context, doc keyring.DirectoryDoc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO key_directory(identity,doc)
VALUES($1,$2::jsonb)
ON CONFLICT (identity) DO UPDATE SET doc=EXCLUDED.doc, updated_at=now()
`, doc.ID, string(raw))
	return err
}

func (s *Store) GetKeyDoc(ctx context.Context, identity string) (keyring.DirectoryDoc, error) {
	var raw []byte
	err := s.DB.QueryRow(ctx, `SELECT doc FROM key_directory WHERE identity=$1`, identity).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return keyring.DirectoryDoc{}, ErrNotFound
	}
	if err != nil {
		return keyring.DirectoryDoc{}, err
	}
	var doc keyring.DirectoryDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return keyring.DirectoryDoc{}, err
	}
	return doc, nil
}

// ResolvePublic implements keyring.Resolver against the key_directory table.
func (s *Store) ResolvePublic(keyID string) (keyring.PublicKey, error) {
	identity, _, ok := strings.Cut(keyID, "#")
	if !ok || identity == "" {
		return keyring.PublicKey{}, keyring.ErrUnknownKey
	}
	doc, err := s.GetKeyDoc(context.Background(), identity)
	if errors.Is(err, ErrNotFound) {
		return keyring.PublicKey{}, keyring.ErrUnknownKey
	}
	if err != nil {
		return keyring.PublicKey{}, err
	}
	return keyring.ResolveFromDoc(doc, keyID)
}

// LogVerification records one verification outcome. Replay rejections are
// written with their own reason so they can be alerted on separately from
// routine expiry.
func (s *Store) LogVerification(ctx context.Context, operation, subject, outcome, reason string, details map[string]any) {
	b, _ := json.Marshal(details)
	_, _ = s.DB.Exec(ctx, `
INSERT INTO verification_events(operation,subject,outcome,reason,details)
VALUES($1,$2,$3,$4,$5::jsonb)
`, operation, subject, outcome, reason, string(b))
}
