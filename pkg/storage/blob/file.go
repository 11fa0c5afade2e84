package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// FileStore implements Store against the local filesystem, for development
// without an S3-compatible endpoint.
type FileStore struct {
	root string
}

// NewFileStore roots all keys under dir, creating it if necessary.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("blob: create root dir: %w", err)
	}
	return &FileStore{root: dir}, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(sanitizeKey(key)))
}

// Put writes body to disk, creating parent directories as needed.
func (f *FileStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	dst := f.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("blob: mkdir: %w", err)
	}
	file, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("blob: create %s: %w", key, err)
	}
	defer file.Close()

	if _, err := io.Copy(file, body); err != nil {
		return fmt.Errorf("blob: write %s: %w", key, err)
	}
	return nil
}

// Get opens the object for reading.
func (f *FileStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	file, err := os.Open(f.path(key))
	if err != nil {
		return nil, fmt.Errorf("blob: open %s: %w", key, err)
	}
	return file, nil
}

// Delete removes the object.
func (f *FileStore) Delete(ctx context.Context, key string) error {
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: remove %s: %w", key, err)
	}
	return nil
}

// Head stats the object.
func (f *FileStore) Head(ctx context.Context, key string) (ObjectMeta, error) {
	info, err := os.Stat(f.path(key))
	if err != nil {
		return ObjectMeta{}, fmt.Errorf("blob: stat %s: %w", key, err)
	}
	return ObjectMeta{Key: key, Size: info.Size(), LastModified: info.ModTime()}, nil
}

// List walks the tree under prefix, emulating list_objects_v2 pagination with
// an offset encoded as the continuation token (sufficient for local dev; the
// real S3-compatible backend is used in production).
func (f *FileStore) List(ctx context.Context, prefix, continuationToken string, maxKeys int) (ListPage, error) {
	root := f.path(prefix)
	var keys []string

	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return ListPage{}, fmt.Errorf("blob: list %s: %w", prefix, err)
	}
	sort.Strings(keys)

	start := 0
	if continuationToken != "" {
		parsed, convErr := strconv.Atoi(continuationToken)
		if convErr != nil {
			return ListPage{}, fmt.Errorf("blob: invalid continuation token: %w", convErr)
		}
		start = parsed
	}
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	page := ListPage{}
	end := start + maxKeys
	if end > len(keys) {
		end = len(keys)
	}
	for _, key := range keys[start:end] {
		meta, err := f.Head(ctx, key)
		if err != nil {
			continue
		}
		page.Objects = append(page.Objects, meta)
	}
	if end < len(keys) {
		page.IsTruncated = true
		page.NextContinuationToken = strconv.Itoa(end)
	}
	return page, nil
}
