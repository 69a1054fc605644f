// Package contentstore keeps report bodies in content-addressed storage.
// References have the form "sha256:<hex>" and become a workflow's ipfs_hash.
package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"creditline/internal/domain"
)

const refPrefix = "sha256:"

// Store is a content-addressed blob store. Put is idempotent.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
}

// Ref returns the content reference of data.
func Ref(data []byte) string {
	sum := sha256.Sum256(data)
	return refPrefix + hex.EncodeToString(sum[:])
}

func parseRef(ref string) (string, error) {
	raw, ok := strings.CutPrefix(ref, refPrefix)
	if !ok {
		return "", domain.Invalidf("content reference %q must start with %s", ref, refPrefix)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != sha256.Size {
		return "", domain.Invalidf("content reference %q is not a sha256 digest", ref)
	}
	return raw, nil
}

// FileStore keeps blobs as <hex>.blob files under a directory.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create content dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	ref := Ref(data)
	raw := strings.TrimPrefix(ref, refPrefix)
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dir, raw+".blob")
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return ref, nil
}

func (s *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	raw, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, err := os.Open(filepath.Join(s.dir, raw+".blob"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: content %s", domain.ErrNotFound, ref)
		}
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *FileStore) Exists(_ context.Context, ref string) (bool, error) {
	raw, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err = os.Stat(filepath.Join(s.dir, raw+".blob"))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
