// Package signature verifies an event's detached signature against its
// declared author public key over the canonical payload digest.
package signature

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Arpeggio-Labs/chorus/pkg/canonical"
	"github.com/Arpeggio-Labs/chorus/pkg/event"
)

// Key and signature string envelopes. Raw hex is accepted as well.
const (
	PubKeyPrefix = "PUB_ED_"
	SigPrefix    = "SIG_ED_"
)

// Stable reasons reported on verification outcomes. Parse failures are
// deliberately distinct from cryptographic mismatches.
const (
	ReasonSignatureMissing  = "signature missing"
	ReasonPubkeyMissing     = "missing author public key"
	ReasonInvalidPublicKey  = "invalid public key"
	ReasonInvalidSignature  = "invalid signature encoding"
	ReasonVerifyFailed      = "Signature verification failed"
	ReasonUnsignedBypassed  = "unsigned event allowed"
	ReasonCanonicalizeError = "canonicalization failed"
)

// Options controls verification strictness.
type Options struct {
	// RequireSignature rejects events without a signature. Default true.
	RequireSignature bool
	// AllowUnsigned passes events that carry neither signature nor author
	// key. Test and dev environments only.
	AllowUnsigned bool
}

// DefaultOptions is the production posture.
func DefaultOptions() Options {
	return Options{RequireSignature: true, AllowUnsigned: false}
}

// Result is the outcome of a verification.
type Result struct {
	OK       bool   `json:"ok"`
	Bypassed bool   `json:"bypassed,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Verifier checks detached Ed25519 signatures.
type Verifier struct {
	opts Options
}

// NewVerifier creates a verifier with the given options.
func NewVerifier(opts Options) *Verifier {
	return &Verifier{opts: opts}
}

// Verify checks evt's detached signature over the SHA-256 digest of its
// canonical form (signature excluded).
func (v *Verifier) Verify(evt event.Event) Result {
	sig := evt.Sig()
	pub := evt.AuthorPubkey()

	if sig == "" && pub == "" && (v.opts.AllowUnsigned || !v.opts.RequireSignature) {
		return Result{OK: true, Bypassed: true, Reason: ReasonUnsignedBypassed}
	}
	if sig == "" {
		return Result{Reason: ReasonSignatureMissing}
	}
	if pub == "" {
		return Result{Reason: ReasonPubkeyMissing}
	}

	pubKey, err := ParsePublicKey(pub)
	if err != nil {
		return Result{Reason: ReasonInvalidPublicKey}
	}
	sigBytes, err := ParseSignature(sig)
	if err != nil {
		return Result{Reason: ReasonInvalidSignature}
	}

	digest, err := eventDigest(evt)
	if err != nil {
		return Result{Reason: ReasonCanonicalizeError}
	}

	if !ed25519.Verify(pubKey, digest, sigBytes) {
		return Result{Reason: ReasonVerifyFailed}
	}
	return Result{OK: true}
}

// ParsePublicKey decodes a public key from raw hex or the PUB_ED_ envelope.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw := strings.TrimPrefix(s, PubKeyPrefix)
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: %d", len(b))
	}
	return ed25519.PublicKey(b), nil
}

// ParseSignature decodes a signature from raw hex or the SIG_ED_ envelope.
func ParseSignature(s string) ([]byte, error) {
	raw := strings.TrimPrefix(s, SigPrefix)
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(b) != ed25519.SignatureSize {
		return nil, fmt.Errorf("invalid signature size: %d", len(b))
	}
	return b, nil
}

func eventDigest(evt event.Event) ([]byte, error) {
	b, err := canonical.CanonicalizeEvent(map[string]any(evt))
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}
