package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed record ids.
// The version suffix leaves room for an encoding migration.
const (
	DomainRound      = "lockstep/round/v1"
	DomainDivergence = "lockstep/divergence/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// RoundID computes the content-addressed id of a round record.
// Two journals of the same deterministic run produce the same ids.
func RoundID(r Round) (string, error) {
	canonical, err := MarshalCanonical(r.Canonical())
	if err != nil {
		return "", fmt.Errorf("RoundID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainRound, canonical), nil
}

// DivergenceID computes the content-addressed id of a divergence record.
func DivergenceID(d Divergence) (string, error) {
	canonical, err := MarshalCanonical(d.Canonical())
	if err != nil {
		return "", fmt.Errorf("DivergenceID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainDivergence, canonical), nil
}

// Hex formats a 64-bit value the way every record encodes checksums and
// register contents.
func Hex(v uint64) string {
	return fmt.Sprintf("%#016x", v)
}
