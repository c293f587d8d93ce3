// Package evidence stores uploaded proof files and hands back stable
// references. The engine reads and deletes evidence only through those
// references, never through raw paths.
package evidence

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a reference does not resolve to a stored
// object.
var ErrNotFound = errors.New("evidence not found")

// Store is the boundary the verification engine needs: save an upload, read
// it back for normalization or serving, and delete it when an attempt fails
// before a completion row is written.
type Store interface {
	Save(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error)
	Read(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}
