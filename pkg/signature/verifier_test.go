package signature

import (
	"strings"
	"testing"

	"github.com/Arpeggio-Labs/chorus/pkg/event"
)

func signedFixture(t *testing.T) (*Signer, event.Event) {
	t.Helper()
	signer, err := NewSigner()
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	evt := event.Event{
		"v":          1,
		"type":       "VOTE",
		"created_at": 1700000000,
		"body":       map[string]any{"message": "hello"},
	}
	signed, err := signer.SignEvent(evt)
	if err != nil {
		t.Fatalf("SignEvent failed: %v", err)
	}
	return signer, signed
}

func TestVerify_HappyPath(t *testing.T) {
	_, signed := signedFixture(t)

	res := NewVerifier(DefaultOptions()).Verify(signed)
	if !res.OK {
		t.Fatalf("expected OK, got reason %q", res.Reason)
	}
	if res.Bypassed {
		t.Error("real verification must not be marked bypassed")
	}
}

func TestVerify_TamperedBody(t *testing.T) {
	_, signed := signedFixture(t)
	body := signed["body"].(map[string]any)
	body["message"] = "hello!"

	res := NewVerifier(DefaultOptions()).Verify(signed)
	if res.OK {
		t.Fatal("tampered body must not verify")
	}
	if res.Reason != ReasonVerifyFailed {
		t.Errorf("expected %q, got %q", ReasonVerifyFailed, res.Reason)
	}
}

func TestVerify_ReplayOntoModifiedEvent(t *testing.T) {
	signer, signed := signedFixture(t)

	other := event.Event{
		"v":             1,
		"type":          "LIKE",
		"author_pubkey": signer.PublicKey(),
		"created_at":    1700000001,
		"body":          map[string]any{"message": "other"},
		"sig":           signed["sig"],
	}

	res := NewVerifier(DefaultOptions()).Verify(other)
	if res.OK {
		t.Fatal("replayed signature must not verify")
	}
	if res.Reason != ReasonVerifyFailed {
		t.Errorf("expected %q, got %q", ReasonVerifyFailed, res.Reason)
	}
}

func TestVerify_MissingSignature(t *testing.T) {
	_, signed := signedFixture(t)
	delete(signed, "sig")

	res := NewVerifier(DefaultOptions()).Verify(signed)
	if res.OK || res.Reason != ReasonSignatureMissing {
		t.Errorf("expected %q, got ok=%v reason=%q", ReasonSignatureMissing, res.OK, res.Reason)
	}
}

func TestVerify_EmptySignatureString(t *testing.T) {
	_, signed := signedFixture(t)
	signed["sig"] = ""

	res := NewVerifier(DefaultOptions()).Verify(signed)
	if res.OK || res.Reason != ReasonSignatureMissing {
		t.Errorf("empty sig must read as missing, got ok=%v reason=%q", res.OK, res.Reason)
	}
}

func TestVerify_MissingPubkey(t *testing.T) {
	_, signed := signedFixture(t)
	delete(signed, "author_pubkey")

	res := NewVerifier(DefaultOptions()).Verify(signed)
	if res.OK || res.Reason != ReasonPubkeyMissing {
		t.Errorf("expected %q, got ok=%v reason=%q", ReasonPubkeyMissing, res.OK, res.Reason)
	}
}

func TestVerify_ParseErrorsAreDistinct(t *testing.T) {
	_, signed := signedFixture(t)

	bad := signed.Clone()
	bad["author_pubkey"] = "PUB_ED_zznothex"
	res := NewVerifier(DefaultOptions()).Verify(bad)
	if res.Reason != ReasonInvalidPublicKey {
		t.Errorf("bad pubkey: expected %q, got %q", ReasonInvalidPublicKey, res.Reason)
	}

	bad = signed.Clone()
	bad["sig"] = "SIG_ED_"
	res = NewVerifier(DefaultOptions()).Verify(bad)
	if res.Reason != ReasonInvalidSignature {
		t.Errorf("zero-byte sig: expected %q, got %q", ReasonInvalidSignature, res.Reason)
	}

	bad = signed.Clone()
	bad["sig"] = signed["sig"].(string) + "abcd"
	res = NewVerifier(DefaultOptions()).Verify(bad)
	if res.Reason != ReasonInvalidSignature {
		t.Errorf("oversized sig: expected %q, got %q", ReasonInvalidSignature, res.Reason)
	}
}

func TestVerify_WrongKey(t *testing.T) {
	_, signed := signedFixture(t)
	stranger, err := NewSigner()
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	signed["author_pubkey"] = stranger.PublicKey()

	res := NewVerifier(DefaultOptions()).Verify(signed)
	if res.OK || res.Reason != ReasonVerifyFailed {
		t.Errorf("expected %q, got ok=%v reason=%q", ReasonVerifyFailed, res.OK, res.Reason)
	}
}

func TestVerify_RawHexForms(t *testing.T) {
	signer, signed := signedFixture(t)

	// Strip the envelopes; bare hex must verify identically.
	signed["author_pubkey"] = signer.PublicKeyHex()
	signed["sig"] = strings.TrimPrefix(signed["sig"].(string), SigPrefix)

	res := NewVerifier(DefaultOptions()).Verify(signed)
	if !res.OK {
		t.Fatalf("raw hex forms failed: %q", res.Reason)
	}
}

func TestVerify_UnsignedBypass(t *testing.T) {
	evt := event.Event{
		"v":          1,
		"type":       "VOTE",
		"created_at": 1700000000,
		"body":       map[string]any{},
	}

	res := NewVerifier(Options{RequireSignature: true, AllowUnsigned: true}).Verify(evt)
	if !res.OK || !res.Bypassed {
		t.Errorf("expected bypassed pass, got ok=%v bypassed=%v reason=%q", res.OK, res.Bypassed, res.Reason)
	}

	res = NewVerifier(DefaultOptions()).Verify(evt)
	if res.OK {
		t.Error("strict options must reject unsigned events")
	}
}

// The bypass escape requires both fields absent; an author key without a
// signature is still a missing signature.
func TestVerify_BypassNeedsBothMissing(t *testing.T) {
	signer, _ := signedFixture(t)
	evt := event.Event{
		"v":             1,
		"type":          "VOTE",
		"author_pubkey": signer.PublicKey(),
		"created_at":    1700000000,
		"body":          map[string]any{},
	}

	res := NewVerifier(Options{RequireSignature: false, AllowUnsigned: true}).Verify(evt)
	if res.OK {
		t.Errorf("expected failure, got pass (reason %q)", res.Reason)
	}
}
