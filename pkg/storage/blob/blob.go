// Package blob provides S3-compatible object storage with a local-filesystem
// backend for development behind the same interface.
package blob

import (
	"context"
	"io"
	"path"
	"strings"
	"time"
)

// ObjectMeta describes a stored object without fetching its body.
type ObjectMeta struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ListPage is one page of a List call, with an opaque continuation token
// mirroring S3's ListObjectsV2 semantics.
type ListPage struct {
	Objects               []ObjectMeta
	NextContinuationToken string
	IsTruncated           bool
}

// Store is the blob storage contract both backends implement: put, get,
// delete, head, and paginated list with continuation tokens.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Head(ctx context.Context, key string) (ObjectMeta, error)
	List(ctx context.Context, prefix, continuationToken string, maxKeys int) (ListPage, error)
}

// sanitizeKey prevents directory traversal and normalizes the key.
func sanitizeKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	key = path.Clean(key)
	key = strings.ReplaceAll(key, "..", "_")
	return key
}

// ObjectKey builds the canonical archive object key layout:
// <prefix>/<provider>/<sourceID>/<stream>/date=YYYY-MM-DD/<objectID>.jsonl.enc
func ObjectKey(prefix, provider, sourceID, stream string, date time.Time, objectID string) string {
	parts := []string{provider, sourceID, stream, "date=" + date.UTC().Format("2006-01-02"), objectID + ".jsonl.enc"}
	if prefix != "" {
		parts = append([]string{strings.Trim(prefix, "/")}, parts...)
	}
	return sanitizeKey(path.Join(parts...))
}
