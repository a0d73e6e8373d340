// Package archive packages signed records and exports into self-contained
// evidence bundles and stores them content-addressed, so an auditor can
// verify a bundle offline with nothing but the public key it carries.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when no bundle exists under a content hash.
var ErrNotFound = errors.New("archive: bundle not found")

// Store is content-addressed storage for evidence bundles. Put is
// idempotent: storing the same bytes twice yields the same reference.
type Store interface {
	// Put persists data and returns its "sha256:<hex>" reference.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by reference.
	Get(ctx context.Context, ref string) ([]byte, error)
	// Exists reports whether a reference is stored.
	Exists(ctx context.Context, ref string) (bool, error)
}

func contentRef(data []byte) (ref, hexHash string) {
	digest := sha256.Sum256(data)
	hexHash = hex.EncodeToString(digest[:])
	return "sha256:" + hexHash, hexHash
}

func hexFromRef(ref string) (string, error) {
	hexHash := strings.TrimPrefix(ref, "sha256:")
	if len(hexHash) != sha256.Size*2 {
		return "", fmt.Errorf("archive: malformed reference %q", ref)
	}
	if _, err := hex.DecodeString(hexHash); err != nil {
		return "", fmt.Errorf("archive: malformed reference %q: %w", ref, err)
	}
	return hexHash, nil
}

// FileStore is a filesystem-backed Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: ensure bundle dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(hexHash string) string {
	return filepath.Join(s.baseDir, hexHash+".zip")
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, hexHash := contentRef(data)
	path := s.path(hexHash)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("archive: write bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("archive: commit bundle: %w", err)
	}
	return ref, nil
}

func (s *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hexHash, err := hexFromRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(hexHash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: read bundle: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, ref string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hexHash, err := hexFromRef(ref)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(s.path(hexHash)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("archive: stat bundle: %w", err)
	}
	return true, nil
}
