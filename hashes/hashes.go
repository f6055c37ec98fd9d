// Package hashes computes and compares the digest sets used to identify
// distfiles.
//
// A [Set] maps an [Algorithm] to a lowercase hex digest. SHA-512 is the
// canonical content hash: it is always computed, and it is the key under
// which blobs are stored.
package hashes

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// Algorithm names a supported hash function.
type Algorithm string

// Supported algorithms.
const (
	SHA512  Algorithm = "sha512"
	SHA256  Algorithm = "sha256"
	BLAKE2B Algorithm = "blake2b"
	BLAKE3  Algorithm = "blake3"
)

// Canonical is the algorithm used for content addressing.
const Canonical = SHA512

// Sentinel errors.
var (
	// ErrHashMismatch is returned when computed digests disagree with expected digests.
	ErrHashMismatch = errors.New("hashes: hash mismatch")

	// ErrUnknownAlgorithm is returned for algorithm names this package does not implement.
	ErrUnknownAlgorithm = errors.New("hashes: unknown algorithm")

	// ErrInvalidDigest is returned when a digest string is malformed.
	ErrInvalidDigest = errors.New("hashes: invalid digest")
)

var hexLen = map[Algorithm]int{
	SHA512:  sha512.Size * 2,
	SHA256:  sha256.Size * 2,
	BLAKE2B: blake2b.Size * 2,
	BLAKE3:  64,
}

// Default returns the algorithms computed when none are configured.
func Default() []Algorithm {
	return []Algorithm{SHA512, SHA256, BLAKE2B}
}

// ParseAlgorithm validates an algorithm name.
func ParseAlgorithm(name string) (Algorithm, error) {
	a := Algorithm(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := hexLen[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
	return a, nil
}

// HexLen returns the length of a hex digest for the algorithm, or 0 if unknown.
func (a Algorithm) HexLen() int {
	return hexLen[a]
}

// New returns a fresh hash.Hash for the algorithm.
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case SHA512:
		return sha512.New(), nil
	case SHA256:
		return sha256.New(), nil
	case BLAKE2B:
		return blake2b.New512(nil)
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(a))
	}
}

// Normalize returns the algorithm list with SHA-512 first, duplicates removed.
func Normalize(algs []Algorithm) []Algorithm {
	out := []Algorithm{SHA512}
	for _, a := range algs {
		if !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}

// Set maps algorithm to lowercase hex digest.
type Set map[Algorithm]string

// Canonical returns the SHA-512 digest, or "" if absent.
func (s Set) Canonical() string {
	return s[SHA512]
}

// Clone returns a copy of the set.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Algorithms returns the algorithms in the set in sorted order.
func (s Set) Algorithms() []Algorithm {
	algs := make([]Algorithm, 0, len(s))
	for a := range s {
		algs = append(algs, a)
	}
	slices.Sort(algs)
	return algs
}

// Validate checks that every digest is well formed hex of the right length.
func (s Set) Validate() error {
	for a, d := range s {
		n := a.HexLen()
		if n == 0 {
			return fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(a))
		}
		if len(d) != n || !IsHex(d) {
			return fmt.Errorf("%w: %s digest %q", ErrInvalidDigest, a, d)
		}
	}
	return nil
}

// String renders the set as "alg:hex" pairs in algorithm order.
func (s Set) String() string {
	parts := make([]string, 0, len(s))
	for _, a := range s.Algorithms() {
		parts = append(parts, string(a)+":"+s[a])
	}
	return strings.Join(parts, ",")
}

// IsHex reports whether s is non-empty and made only of lowercase hex characters.
func IsHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return false
		}
	}
	return true
}

// Hasher computes several digests over one stream. It implements io.Writer.
type Hasher struct {
	algs   []Algorithm
	hashes []hash.Hash
	size   int64
}

// NewHasher returns a Hasher for the given algorithms. SHA-512 is always included.
func NewHasher(algs ...Algorithm) (*Hasher, error) {
	algs = Normalize(algs)
	h := &Hasher{algs: algs, hashes: make([]hash.Hash, len(algs))}
	for i, a := range algs {
		hh, err := a.New()
		if err != nil {
			return nil, err
		}
		h.hashes[i] = hh
	}
	return h, nil
}

// Write feeds p to every hash.
func (h *Hasher) Write(p []byte) (int, error) {
	for _, hh := range h.hashes {
		hh.Write(p) //nolint:errcheck // hash.Hash.Write never returns an error
	}
	h.size += int64(len(p))
	return len(p), nil
}

// Size returns the number of bytes written.
func (h *Hasher) Size() int64 {
	return h.size
}

// Sum returns the digests of everything written so far.
func (h *Hasher) Sum() Set {
	out := make(Set, len(h.algs))
	for i, a := range h.algs {
		out[a] = hex.EncodeToString(h.hashes[i].Sum(nil))
	}
	return out
}

// Reader hashes r to EOF.
func Reader(r io.Reader, algs ...Algorithm) (Set, int64, error) {
	h, err := NewHasher(algs...)
	if err != nil {
		return nil, 0, err
	}
	buf := make([]byte, 1<<20)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return nil, 0, err
	}
	return h.Sum(), h.Size(), nil
}

// File hashes the file at path.
func File(path string, algs ...Algorithm) (Set, int64, error) {
	f, err := os.Open(path) //nolint:gosec // caller-controlled path
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	return Reader(f, algs...)
}
