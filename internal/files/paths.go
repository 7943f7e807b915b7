package files

import (
	"path"
	"strings"

	"github.com/hearth/backend/internal/apperr"
)

const (
	hashLength    = 64
	shardWidth    = 2
	maxNameLength = 255
)

// ErrInvalidHash indicates a digest that is not 64 lowercase hex characters.
var ErrInvalidHash = apperr.New(apperr.KindValidation, "invalid content hash")

// ErrInvalidFilename indicates a filename that cannot be used as a path leaf.
var ErrInvalidFilename = apperr.New(apperr.KindValidation, "invalid filename")

// ResolvePath maps a digest and original filename onto the slash-separated
// storage-relative location "<shard>/<hash>/<filename>".
func ResolvePath(hash, filename string) (string, error) {
	if err := ValidateHash(hash); err != nil {
		return "", err
	}
	if err := ValidateFilename(filename); err != nil {
		return "", err
	}
	return path.Join(hash[:shardWidth], hash, filename), nil
}

// ValidateHash checks the digest format.
func ValidateHash(hash string) error {
	if len(hash) != hashLength {
		return ErrInvalidHash
	}
	for _, c := range hash {
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'f') {
			return ErrInvalidHash
		}
	}
	return nil
}

// ValidateFilename rejects names that would escape or alias a directory.
func ValidateFilename(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return ErrInvalidFilename
	case len(name) > maxNameLength:
		return ErrInvalidFilename
	case strings.ContainsAny(name, "/\\\x00"):
		return ErrInvalidFilename
	}
	return nil
}
