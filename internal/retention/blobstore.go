package retention

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// BlobStore is the content-addressed blob store (C1). Blobs are written
// under <mediaRoot>/<url-safe-base64(sha256(key))>; when compatFileLink is
// set, a symlink under the legacy (untransformed) key path is also created
// so tooling written against the old layout keeps working. See spec.md
// §4.1 and original_source/src/service/media/mod.rs's path helpers.
type BlobStore struct {
	root           string
	compatFileLink bool
}

// NewBlobStore returns a BlobStore rooted at <databasePath>/media, creating
// the directory if needed.
func NewBlobStore(databasePath string, compatFileLink bool) (*BlobStore, error) {
	root := filepath.Join(databasePath, "media")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob root %q: %w", root, err)
	}
	return &BlobStore{root: root, compatFileLink: compatFileLink}, nil
}

func (b *BlobStore) hashedPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(b.root, base64.URLEncoding.EncodeToString(sum[:]))
}

func (b *BlobStore) legacyPath(key string) string {
	return filepath.Join(b.root, key)
}

// Put writes data under the hashed path for key, and — if compatFileLink is
// enabled — a symlink at the legacy path pointing to it.
func (b *BlobStore) Put(key string, data []byte) error {
	hashed := b.hashedPath(key)
	if err := os.WriteFile(hashed, data, 0o644); err != nil {
		return fmt.Errorf("writing blob %q: %w", key, err)
	}
	if b.compatFileLink {
		legacy := b.legacyPath(key)
		if err := os.MkdirAll(filepath.Dir(legacy), 0o755); err != nil {
			return fmt.Errorf("creating legacy blob dir for %q: %w", key, err)
		}
		_ = os.Remove(legacy)
		if err := os.Symlink(hashed, legacy); err != nil {
			return fmt.Errorf("linking legacy blob path %q: %w", key, err)
		}
	}
	return nil
}

// Open returns a reader for the blob stored under key, or ErrNotFound if
// neither the hashed nor the legacy path exists.
func (b *BlobStore) Open(key string) (io.ReadCloser, error) {
	f, err := os.Open(b.hashedPath(key))
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("opening blob %q: %w", key, err)
	}
	f, err = os.Open(b.legacyPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening blob %q: %w", key, err)
	}
	return f, nil
}

// Delete removes both the hashed and legacy paths for key. Missing files
// are not an error (spec.md §3 invariant 4). Returns the sum of bytes freed
// by files that were actually removed.
func (b *BlobStore) Delete(key string) (int64, error) {
	var freed int64

	for _, path := range []string{b.hashedPath(key), b.legacyPath(key)} {
		info, statErr := os.Lstat(path)
		if statErr != nil {
			if errors.Is(statErr, os.ErrNotExist) {
				continue
			}
			return freed, fmt.Errorf("stat blob %q: %w", path, statErr)
		}
		if err := os.Remove(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return freed, fmt.Errorf("removing blob %q: %w", path, err)
		}
		if info.Mode()&os.ModeSymlink == 0 {
			freed += info.Size()
		}
	}

	return freed, nil
}
