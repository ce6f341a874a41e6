package geo

import (
	"strings"

	"github.com/mmcloughlin/geohash"
)

const (
	// DefaultPrecision is the number of characters stored on project records.
	DefaultPrecision = 9

	// MaxPrecision is the longest prefix a client may subscribe to.
	MaxPrecision = 12
)

const base32Alphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

// Encode returns the canonical base-32 geohash for a coordinate pair at the
// default precision. The result is fully determined by (lat, lng).
func Encode(lat, lng float64) string {
	return geohash.EncodeWithPrecision(lat, lng, DefaultPrecision)
}

// EncodeWithPrecision returns the geohash truncated or extended to the given
// number of characters, capped at MaxPrecision.
func EncodeWithPrecision(lat, lng float64, chars uint) string {
	if chars == 0 {
		chars = DefaultPrecision
	}
	if chars > MaxPrecision {
		chars = MaxPrecision
	}
	return geohash.EncodeWithPrecision(lat, lng, chars)
}

// Decode returns the center point of the geohash cell.
func Decode(hash string) (lat, lng float64) {
	return geohash.DecodeCenter(hash)
}

// Prefixes returns every prefix of the hash, longest first. A subscriber to
// any of these rooms covers the full hash.
func Prefixes(hash string) []string {
	prefixes := make([]string, 0, len(hash))
	for i := len(hash); i >= 1; i-- {
		prefixes = append(prefixes, hash[:i])
	}
	return prefixes
}

// IsPrefix reports whether p is a prefix of g.
func IsPrefix(p, g string) bool {
	return strings.HasPrefix(g, p)
}

// Valid reports whether the string is a well-formed geohash prefix.
func Valid(hash string) bool {
	if len(hash) == 0 || len(hash) > MaxPrecision {
		return false
	}
	for _, r := range hash {
		if !strings.ContainsRune(base32Alphabet, r) {
			return false
		}
	}
	return true
}
