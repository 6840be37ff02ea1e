// Package keyring persists the public-key material used to verify signed
// catalog indexes.
package keyring

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
)

// Store writes verification keyrings below a single directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string {
	return s.dir
}

// NameFor derives a filesystem-safe keyring filename from a catalog source
// URL. The name is a hash of the URL so equal URLs always reuse the same
// file across runs.
func NameFor(sourceURL string) string {
	return digest.SHA256.FromString(sourceURL).Encoded()[:32] + ".gpg"
}

// Write stores key material at path without ever leaving a partial file
// under the final name: content goes to a temporary file which is fsynced
// and renamed into place.
func (s *Store) Write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create tmp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write keyring: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Resolve decides which keyring file a source should verify against.
// Inline data wins: it is written under the URL-derived name and that path
// is returned. A bare path is returned untouched. When both are supplied
// the path is ignored with a warning and the inline data is authoritative.
func (s *Store) Resolve(ctx context.Context, sourceURL, keyringPath string, keyringData []byte) (string, error) {
	log := logr.FromContextOrDiscard(ctx)
	if len(keyringData) == 0 {
		return keyringPath, nil
	}
	if keyringPath != "" {
		log.Info("source has both keyring path and inline keyring data, using data",
			"url", sourceURL, "ignoredPath", keyringPath)
	}
	path := filepath.Join(s.dir, NameFor(sourceURL))
	if err := s.Write(path, keyringData); err != nil {
		return "", fmt.Errorf("resolve keyring for %s: %w", sourceURL, err)
	}
	return path, nil
}
