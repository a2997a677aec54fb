package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/Arpeggio-Labs/chorus/pkg/event"
)

// Signer produces detached Ed25519 signatures over canonical event digests.
// The pipeline itself only verifies; signing lives here for local tooling
// and test fixtures.
type Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
}

// NewSigner generates a fresh keypair.
func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Signer{privKey: priv, pubKey: pub}, nil
}

// NewSignerFromKey wraps an existing private key.
func NewSignerFromKey(priv ed25519.PrivateKey) *Signer {
	return &Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
	}
}

// PublicKey returns the enveloped public key string (PUB_ED_<hex>).
func (s *Signer) PublicKey() string {
	return PubKeyPrefix + hex.EncodeToString(s.pubKey)
}

// PublicKeyHex returns the bare hex public key.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pubKey)
}

// Sign returns the enveloped signature (SIG_ED_<hex>) over data.
func (s *Signer) Sign(data []byte) string {
	return SigPrefix + hex.EncodeToString(ed25519.Sign(s.privKey, data))
}

// SignEvent computes the canonical digest of evt (signature excluded),
// signs it, and returns a copy carrying author_pubkey and sig.
func (s *Signer) SignEvent(evt event.Event) (event.Event, error) {
	out := evt.Clone()
	out["author_pubkey"] = s.PublicKey()
	delete(out, "sig")

	digest, err := eventDigest(out)
	if err != nil {
		return nil, fmt.Errorf("signing digest failed: %w", err)
	}
	out["sig"] = s.Sign(digest)
	return out, nil
}
