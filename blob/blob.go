// Package blob stores original document files and generated test sets in
// S3-compatible object storage. Uploaded documents live under
// "{kb_id}/{uuid}_{filename}" so concurrent uploads of the same filename
// never collide; test sets live under "testsets/{id}.csv".
package blob

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store is the object storage surface the rest of the platform sees.
type Store interface {
	// Put streams an object into storage.
	Put(ctx context.Context, key string, body io.Reader, contentType string) error

	// Get opens an object for reading. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Download writes an object to a local file path.
	Download(ctx context.Context, key, dst string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}

// ObjectKey builds the storage key for an uploaded document.
func ObjectKey(kbID uint, filename string) string {
	name := filepath.Base(filename)
	name = strings.ReplaceAll(name, " ", "_")
	return fmt.Sprintf("%d/%s_%s", kbID, uuid.NewString(), name)
}

// TestSetKey builds the storage key for a generated test set.
func TestSetKey(id uint) string {
	return fmt.Sprintf("testsets/%d.csv", id)
}
