// Package canonical produces the deterministic byte form of a document used
// for hashing and signing. All services must agree on these bytes exactly;
// key ordering and number rendering follow RFC 8785 (JCS).
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
)

var ErrCanonicalize = errors.New("canonicalization failed")

// Marshal returns the RFC 8785 canonical JSON bytes of v with the named
// top-level fields removed. Removal happens before canonicalization so an
// excluded field can never influence the output.
func Marshal(v any, exclude ...string) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCanonicalize, err)
	}
	if len(exclude) > 0 {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: excluded fields require an object, got %v", ErrCanonicalize, err)
		}
		for _, k := range exclude {
			delete(m, k)
		}
		raw, err = json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCanonicalize, err)
		}
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCanonicalize, err)
	}
	return out, nil
}

// MarshalRaw canonicalizes already-serialized JSON.
func MarshalRaw(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCanonicalize, err)
	}
	return out, nil
}

// SHA256 hashes the canonical form of v, returning the lowercase hex digest
// alongside the canonical bytes that produced it.
func SHA256(v any, exclude ...string) (string, []byte, error) {
	b, err := Marshal(v, exclude...)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}
