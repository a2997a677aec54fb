package hashcodec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// CIDFromHex derives the content identifier for an already-computed SHA-256
// digest supplied as hex. See CIDFromDigest.
func CIDFromHex(hexDigest string) (cid.Cid, error) {
	norm, err := Normalize(hexDigest)
	if err != nil {
		return cid.Undef, err
	}
	digest, err := hex.DecodeString(norm)
	if err != nil {
		return cid.Undef, ErrNotHex
	}
	return CIDFromDigest(digest)
}

// CIDFromDigest wraps an existing SHA-256 digest as a multihash (sha2-256
// tag plus length) and returns it as a CIDv1 with the raw-block codec.
// The digest is wrapped, never hashed again: the multihash digest bytes of
// the returned CID are exactly the input bytes.
func CIDFromDigest(digest []byte) (cid.Cid, error) {
	if len(digest) != sha256.Size {
		return cid.Undef, fmt.Errorf("hashcodec: digest must be %d bytes, got %d", sha256.Size, len(digest))
	}
	encoded, err := mh.Encode(digest, mh.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("hashcodec: multihash encode: %w", err)
	}
	return cid.NewCidV1(cid.Raw, encoded), nil
}

// DigestFromCID recovers the raw SHA-256 digest carried inside a derived CID.
// CIDs with any other codec or multihash function are rejected.
func DigestFromCID(c cid.Cid) ([]byte, error) {
	if c.Prefix().Codec != cid.Raw {
		return nil, fmt.Errorf("hashcodec: unexpected CID codec %#x", c.Prefix().Codec)
	}
	dec, err := mh.Decode(c.Hash())
	if err != nil {
		return nil, fmt.Errorf("hashcodec: multihash decode: %w", err)
	}
	if dec.Code != mh.SHA2_256 {
		return nil, fmt.Errorf("hashcodec: unexpected multihash code %#x", dec.Code)
	}
	return dec.Digest, nil
}

// ParseCID decodes a CID from its string form.
func ParseCID(s string) (cid.Cid, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("hashcodec: invalid CID %q: %w", s, err)
	}
	return c, nil
}

// HexFromCID recovers the lowercase hex content hash from a derived CID.
func HexFromCID(c cid.Cid) (string, error) {
	digest, err := DigestFromCID(c)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(digest), nil
}
