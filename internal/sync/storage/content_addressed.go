// Package storage keeps queued image payloads on disk, addressed by content hash.
// Identical photos queued twice are stored once.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when no payload exists for a hash.
var ErrNotFound = errors.New("content not found")

// ContentAddressedStorage stores payloads at baseDir/{hash[0:2]}/{hash[2:4]}/{hash}.
type ContentAddressedStorage struct {
	baseDir string
}

// NewContentAddressedStorage creates a new ContentAddressedStorage.
func NewContentAddressedStorage(baseDir string) *ContentAddressedStorage {
	return &ContentAddressedStorage{baseDir: baseDir}
}

// CalculateHash returns the hex SHA-256 of data.
func CalculateHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidHash reports whether hash looks like a hex SHA-256 digest.
func ValidHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

// Store writes data and returns its content hash. The write goes through a
// temp file and rename so a crash never leaves a truncated payload behind.
func (s *ContentAddressedStorage) Store(data []byte) (string, error) {
	hash := CalculateHash(data)
	filePath := s.path(hash)

	if _, err := os.Stat(filePath); err == nil {
		return hash, nil
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, hash+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write payload: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to sync payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close payload: %w", err)
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to commit payload: %w", err)
	}

	return hash, nil
}

// Retrieve reads a payload and verifies it still matches its hash.
func (s *ContentAddressedStorage) Retrieve(hash string) ([]byte, error) {
	if !ValidHash(hash) {
		return nil, fmt.Errorf("invalid content hash %q", hash)
	}

	data, err := os.ReadFile(s.path(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	if got := CalculateHash(data); got != hash {
		return nil, fmt.Errorf("hash mismatch: expected %s, got %s", hash, got)
	}
	return data, nil
}

// Delete removes a payload. Deleting an absent payload is not an error.
func (s *ContentAddressedStorage) Delete(hash string) error {
	if !ValidHash(hash) {
		return fmt.Errorf("invalid content hash %q", hash)
	}

	filePath := s.path(hash)
	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete payload: %w", err)
	}

	// Best effort: only succeeds on empty directories.
	dir := filepath.Dir(filePath)
	os.Remove(dir)
	os.Remove(filepath.Dir(dir))
	return nil
}

// Exists reports whether a payload is stored for hash.
func (s *ContentAddressedStorage) Exists(hash string) bool {
	if !ValidHash(hash) {
		return false
	}
	_, err := os.Stat(s.path(hash))
	return err == nil
}

// ListAll returns every stored hash. Temp files from interrupted writes are skipped.
func (s *ContentAddressedStorage) ListAll() ([]string, error) {
	var hashes []string

	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == s.baseDir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if name := d.Name(); ValidHash(name) {
			hashes = append(hashes, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk storage: %w", err)
	}
	return hashes, nil
}

func (s *ContentAddressedStorage) path(hash string) string {
	return filepath.Join(s.baseDir, hash[0:2], hash[2:4], hash)
}
