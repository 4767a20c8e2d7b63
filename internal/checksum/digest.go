package checksum

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// Algorithm names a checksum algorithm.
type Algorithm string

// Supported algorithms.
const (
	SHA256 Algorithm = "sha256"
	MD5    Algorithm = "md5"
)

// DefaultChunkSize is the read size used when streaming files through a Digest.
const DefaultChunkSize = 1024 * 1024

// ErrUnsupportedAlgorithm is returned for algorithm names other than sha256 and md5.
var ErrUnsupportedAlgorithm = errors.New("checksum: unsupported algorithm")

// Supported reports whether algo can be used with NewDigest.
func Supported(algo Algorithm) bool {
	return algo == SHA256 || algo == MD5
}

// Digest is a streaming hash. It implements io.Writer.
type Digest struct {
	algo Algorithm
	hash hash.Hash
}

// NewDigest returns an empty Digest for algo.
func NewDigest(algo Algorithm) (*Digest, error) {
	var h hash.Hash
	switch algo {
	case SHA256:
		h = sha256.New()
	case MD5:
		h = md5.New()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algo)
	}
	return &Digest{algo: algo, hash: h}, nil
}

// Write feeds p into the hash. It never returns an error.
func (d *Digest) Write(p []byte) (int, error) {
	return d.hash.Write(p)
}

// Sum returns the lower-case hex digest of everything written so far.
func (d *Digest) Sum() string {
	return hex.EncodeToString(d.hash.Sum(nil))
}

// Algorithm returns the digest's algorithm.
func (d *Digest) Algorithm() Algorithm {
	return d.algo
}

// FileDigest streams the file at path through a new Digest in chunkSize reads.
func FileDigest(path string, algo Algorithm, chunkSize int) (string, error) {
	d, err := NewDigest(algo)
	if err != nil {
		return "", err
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.CopyBuffer(d, f, make([]byte, chunkSize)); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return d.Sum(), nil
}

// Equal compares two hex digests, ignoring case and surrounding whitespace.
func Equal(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
