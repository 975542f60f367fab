// Package objstore stores replay binaries. The primary backend is a
// Supabase storage bucket; a local-directory store serves as the
// fallback when the bucket is unreachable.
package objstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store uploads a blob under a key and returns a stable URL for it.
// Uploads are idempotent: re-uploading an existing key replaces it.
type Store interface {
	Upload(ctx context.Context, key string, blob []byte) (url string, err error)
}

// Key builds the canonical replay object key.
func Key(matchID int64, playerID uint64, ext string) string {
	return fmt.Sprintf("%d/player_%d%s", matchID, playerID, strings.ToLower(ext))
}

// LocalStore writes blobs under a base directory and returns file:// URLs.
type LocalStore struct {
	Dir string
}

func NewLocalStore(dir string) *LocalStore { return &LocalStore{Dir: dir} }

func (s *LocalStore) Upload(_ context.Context, key string, blob []byte) (string, error) {
	path := filepath.Join(s.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("mkdir for %s: %w", key, err)
	}
	if err := os.WriteFile(path, blob, 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	return "file://" + path, nil
}
