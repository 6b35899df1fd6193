package models

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// DigestSize is the number of SHA-256 bytes kept in a Digest.
const DigestSize = 8

// ErrInvalidDigest is returned when a string is not 16 lowercase-able hex chars.
var ErrInvalidDigest = errors.New("digest must be 16 hex characters")

// Digest is the truncated SHA-256 of a canonical identity. It is the only
// lookup key used by the filter, the table and both Kafka topics.
type Digest [DigestSize]byte

// HashIdentity returns the digest of the identity's canonical form.
func HashIdentity(id Identity) Digest {
	return HashKey(id.Canonical())
}

// HashKey hashes an already composed key verbatim. Same input, same digest,
// across restarts and implementations.
func HashKey(compositeKey string) Digest {
	sum := sha256.Sum256([]byte(compositeKey))
	var d Digest
	copy(d[:], sum[:DigestSize])
	return d
}

// ParseDigest decodes the 16 character hex form.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if len(s) != hex.EncodedLen(DigestSize) {
		return d, fmt.Errorf("%w: %q", ErrInvalidDigest, s)
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return d, fmt.Errorf("%w: %q", ErrInvalidDigest, s)
	}
	return d, nil
}

// String returns 16 lowercase hex characters.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Bytes returns the hex form as bytes, which is what Kafka keys carry.
func (d Digest) Bytes() []byte {
	return []byte(d.String())
}

func (d Digest) MarshalText() ([]byte, error) {
	return d.Bytes(), nil
}

func (d *Digest) UnmarshalText(b []byte) error {
	parsed, err := ParseDigest(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
