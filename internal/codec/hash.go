package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Domain prefixes for content keys. The version suffix leaves room for an
// algorithm change without colliding with existing keys.
const (
	DomainPayload = "durable/payload/v1"
	DomainReplay  = "durable/replay/v1"
)

// ContentKey computes SHA256(domain + 0x00 + data) as lowercase hex.
// The separator keeps the domain/data boundary unambiguous.
func ContentKey(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint returns the xxhash64 of v's canonical JSON form. Two values
// that are equal after decoding have the same fingerprint regardless of key
// order or Unicode normalization.
func Fingerprint(v any) (uint64, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return 0, fmt.Errorf("fingerprint: %w", err)
	}
	return xxhash.Sum64(canonical), nil
}

// FingerprintBytes hashes raw bytes without canonicalization.
func FingerprintBytes(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// Digest accumulates fingerprints of a sequence, such as every decoded value
// produced by one replay pass.
type Digest struct {
	h *xxhash.Digest
	n int
}

// NewDigest returns an empty digest.
func NewDigest() *Digest {
	return &Digest{h: xxhash.New()}
}

// Add folds v's canonical form into the digest.
func (d *Digest) Add(v any) error {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return fmt.Errorf("digest item %d: %w", d.n, err)
	}
	_, _ = d.h.Write(canonical)
	_, _ = d.h.Write([]byte{0x00})
	d.n++
	return nil
}

// Sum64 returns the digest of everything added so far.
func (d *Digest) Sum64() uint64 { return d.h.Sum64() }

// Len reports how many values were added.
func (d *Digest) Len() int { return d.n }
