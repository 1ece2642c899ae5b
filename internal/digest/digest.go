// Package digest computes block digests used for checksum-based resync and
// online verify.
package digest

import (
	"bytes"
	"crypto/md5"  //nolint:gosec // block fingerprint, not a security boundary
	"crypto/sha1" //nolint:gosec // block fingerprint, not a security boundary
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"
)

// Algorithm names a digest algorithm as configured and negotiated with the peer.
type Algorithm string

const (
	CRC32C  Algorithm = "crc32c"
	MD5     Algorithm = "md5"
	SHA1    Algorithm = "sha1"
	SHA256  Algorithm = "sha256"
	BLAKE2b Algorithm = "blake2b-256"
	XXH64   Algorithm = "xxh64"
)

// ErrUnknownAlgorithm is returned for algorithm names this build does not know.
var ErrUnknownAlgorithm = errors.New("unknown digest algorithm")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Supported returns every algorithm, strongest first.
func Supported() []Algorithm {
	return []Algorithm{BLAKE2b, SHA256, SHA1, MD5, XXH64, CRC32C}
}

// Valid reports whether alg is a known algorithm.
func (alg Algorithm) Valid() bool {
	_, err := New(alg)
	return err == nil
}

// New returns a fresh hash for alg.
func New(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case CRC32C:
		return crc32.New(castagnoli), nil
	case MD5:
		return md5.New(), nil //nolint:gosec
	case SHA1:
		return sha1.New(), nil //nolint:gosec
	case SHA256:
		return sha256.New(), nil
	case BLAKE2b:
		return blake2b.New256(nil)
	case XXH64:
		return xxhash.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(alg))
	}
}

// Size returns the digest length of alg in bytes, or 0 if alg is unknown.
func Size(alg Algorithm) int {
	h, err := New(alg)
	if err != nil {
		return 0
	}
	return h.Size()
}

// Sum returns the digest of data under alg.
func Sum(alg Algorithm, data []byte) ([]byte, error) {
	h, err := New(alg)
	if err != nil {
		return nil, err
	}
	_, _ = h.Write(data)
	return h.Sum(nil), nil
}

// Equal reports whether two digests match. Empty digests never match.
func Equal(a, b []byte) bool {
	return len(a) > 0 && bytes.Equal(a, b)
}

// Negotiate returns the first algorithm in local that remote also offers.
func Negotiate(local, remote []Algorithm) (Algorithm, bool) {
	offered := make(map[Algorithm]struct{}, len(remote))
	for _, a := range remote {
		offered[a] = struct{}{}
	}
	for _, a := range local {
		if _, ok := offered[a]; ok && a.Valid() {
			return a, true
		}
	}
	return "", false
}
