// Package blob implements a content-addressed filesystem blob store.
// A blob is stored under the SHA-256 hex digest of its bytes, so
// identical content occupies exactly one file no matter how many URLs
// reference it.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Store writes blobs below a single base directory.
type Store struct {
	baseDir string
}

// New creates the base directory if needed and verifies it is usable.
func New(baseDir string) (*Store, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("blob store: base directory is required")
	}
	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("blob store: create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("blob store: stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("blob store: %s is not a directory", baseDir)
	}
	return &Store{baseDir: baseDir}, nil
}

// PutBlob stores data under its content hash and returns the hash. A
// blob that already exists is left untouched and reported via existed.
// The write goes through a temp file plus rename so readers never
// observe partial content.
func (s *Store) PutBlob(data []byte) (string, bool, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	path := filepath.Join(s.baseDir, hash)

	if _, err := os.Stat(path); err == nil {
		return hash, true, nil
	}

	tmp, err := os.CreateTemp(s.baseDir, ".blob-*")
	if err != nil {
		return "", false, fmt.Errorf("blob store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", false, fmt.Errorf("blob store: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", false, fmt.Errorf("blob store: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", false, fmt.Errorf("blob store: rename into place: %w", err)
	}
	return hash, false, nil
}

// GetBlob returns the bytes for hash, or archive.ErrNotFound via the
// caller's translation when the file is absent.
func (s *Store) GetBlob(hash string) ([]byte, error) {
	if !validHash(hash) {
		return nil, fmt.Errorf("blob store: invalid hash %q", hash)
	}
	data, err := os.ReadFile(filepath.Join(s.baseDir, hash))
	if err != nil {
		return nil, fmt.Errorf("blob store: read %s: %w", hash, err)
	}
	return data, nil
}

// HasBlob reports whether a blob with the given hash exists.
func (s *Store) HasBlob(hash string) bool {
	if !validHash(hash) {
		return false
	}
	_, err := os.Stat(filepath.Join(s.baseDir, hash))
	return err == nil
}

// validHash guards against path traversal through a crafted hash.
func validHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
