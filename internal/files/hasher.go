package files

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/hearth/backend/internal/apperr"
)

// ContentHasher accumulates a SHA-256 digest over everything written to it.
type ContentHasher struct {
	h    hash.Hash
	size int64
}

// NewContentHasher returns an empty hasher.
func NewContentHasher() *ContentHasher {
	return &ContentHasher{h: sha256.New()}
}

func (c *ContentHasher) Write(p []byte) (int, error) {
	n, err := c.h.Write(p)
	c.size += int64(n)
	return n, err
}

// Sum returns the lowercase hex digest of the bytes written so far.
func (c *ContentHasher) Sum() string {
	return hex.EncodeToString(c.h.Sum(nil))
}

// Size returns the number of bytes written.
func (c *ContentHasher) Size() int64 {
	return c.size
}

// HashReader streams r to completion and returns its digest and length.
func HashReader(r io.Reader) (string, int64, error) {
	h := NewContentHasher()
	if _, err := io.Copy(h, r); err != nil {
		return "", 0, apperr.Wrap(apperr.KindStorage, "hash content", err)
	}
	return h.Sum(), h.Size(), nil
}

// HashFile computes the digest of the file at path.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, apperr.WrapMsg(apperr.KindNotFound, "hash file", "stored file is missing", err)
		}
		return "", 0, apperr.Wrap(apperr.KindStorage, "hash file", err)
	}
	defer f.Close()

	sum, size, err := HashReader(f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return sum, size, nil
}
