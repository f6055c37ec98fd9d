package hashes

import (
	"fmt"
	"strings"

	digest "github.com/opencontainers/go-digest"
)

// Mismatch describes one disagreeing digest.
type Mismatch struct {
	Algorithm Algorithm
	Expected  string
	Actual    string
}

// MismatchError reports digests (or a size) that disagree with expectations.
// It matches ErrHashMismatch via errors.Is.
type MismatchError struct {
	Mismatches   []Mismatch
	ExpectedSize int64
	ActualSize   int64

	// Unverifiable is set when none of the expected algorithms were computed.
	Unverifiable bool
}

func (e *MismatchError) Error() string {
	if e.Unverifiable {
		return "hashes: hash mismatch: no expected algorithm was computed"
	}
	parts := make([]string, 0, len(e.Mismatches)+1)
	for _, m := range e.Mismatches {
		parts = append(parts, fmt.Sprintf("%s expected %s got %s", m.Algorithm, m.Expected, m.Actual))
	}
	if e.ExpectedSize != e.ActualSize {
		parts = append(parts, fmt.Sprintf("size expected %d got %d", e.ExpectedSize, e.ActualSize))
	}
	return "hashes: hash mismatch: " + strings.Join(parts, "; ")
}

// Unwrap returns ErrHashMismatch.
func (e *MismatchError) Unwrap() error {
	return ErrHashMismatch
}

// Compare checks actual digests against expected ones.
//
// Only algorithms present in both sets are compared; expected algorithms
// that were not computed are ignored, unless none overlap at all. An
// expectedSize of 0 skips the size check. A nil or empty expected set
// with no size always passes.
func Compare(expected, actual Set, expectedSize, actualSize int64) error {
	e := &MismatchError{ExpectedSize: expectedSize, ActualSize: actualSize}
	checked := 0
	for _, a := range expected.Algorithms() {
		got, ok := actual[a]
		if !ok {
			continue
		}
		checked++
		want := strings.ToLower(expected[a])
		if want != got {
			e.Mismatches = append(e.Mismatches, Mismatch{Algorithm: a, Expected: want, Actual: got})
		}
	}
	if len(expected) > 0 && checked == 0 {
		e.Unverifiable = true
		return e
	}
	if expectedSize == 0 {
		e.ExpectedSize = actualSize
	}
	if len(e.Mismatches) > 0 || e.ExpectedSize != e.ActualSize {
		return e
	}
	return nil
}

// ParseDigest parses an "alg:hex" string.
//
// OCI-registered algorithms (sha256, sha512) are validated with go-digest;
// the rest are checked for hex length.
func ParseDigest(s string) (Algorithm, string, error) {
	algName, encoded, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidDigest, s)
	}
	alg, err := ParseAlgorithm(algName)
	if err != nil {
		return "", "", err
	}
	encoded = strings.ToLower(encoded)
	switch alg {
	case SHA256, SHA512:
		d := digest.NewDigestFromEncoded(digest.Algorithm(alg), encoded)
		if err := d.Validate(); err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrInvalidDigest, err)
		}
	default:
		if len(encoded) != alg.HexLen() || !IsHex(encoded) {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidDigest, s)
		}
	}
	return alg, encoded, nil
}

// ParseSet parses a list of "alg:hex" strings into a Set.
func ParseSet(digests ...string) (Set, error) {
	out := make(Set, len(digests))
	for _, s := range digests {
		alg, hexDigest, err := ParseDigest(s)
		if err != nil {
			return nil, err
		}
		out[alg] = hexDigest
	}
	return out, nil
}

// OCIDigest returns the canonical digest in OCI form ("sha512:<hex>").
func (s Set) OCIDigest() (digest.Digest, error) {
	d := digest.NewDigestFromEncoded(digest.SHA512, s.Canonical())
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	return d, nil
}
