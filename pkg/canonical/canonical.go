// Package canonical produces the deterministic encoding used for event
// hashing: RFC 8785 (JSON Canonicalization Scheme) serialization with the
// detached signature field excluded. The SHA-256 of that encoding is the
// content hash anchored on chain and used as the identifier everywhere in
// the pipeline.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// SigField is the top-level detached-signature key excluded from the
// canonical form.
const SigField = "sig"

// Canonicalize returns the RFC 8785 canonical JSON encoding of v.
//
// Key features:
// 1. Map keys are sorted lexicographically at every depth.
// 2. HTML escaping is disabled (unlike standard json.Marshal).
// 3. Numbers are serialized in ES6 shortest form.
func Canonicalize(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform failed: %w", err)
	}
	return out, nil
}

// CanonicalizeEvent returns the canonical encoding of evt with the top-level
// "sig" field removed. evt is not modified.
func CanonicalizeEvent(evt map[string]any) ([]byte, error) {
	if _, ok := evt[SigField]; !ok {
		return Canonicalize(evt)
	}
	stripped := make(map[string]any, len(evt)-1)
	for k, val := range evt {
		if k == SigField {
			continue
		}
		stripped[k] = val
	}
	return Canonicalize(stripped)
}

// EventHash returns the lowercase hex SHA-256 digest of the canonical
// encoding of evt minus its signature.
func EventHash(evt map[string]any) (string, error) {
	b, err := CanonicalizeEvent(evt)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns a lowercase
// hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalizeString returns the canonical form as a string.
func CanonicalizeString(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
