// Package storage abstracts where package bytes live. The engine writes the
// archive through the final packaging step, streams it through the download
// gateway and reclaims it from the retention sweep; none of them assume a
// particular backend.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotExist is returned when the key holds no object.
var ErrNotExist = errors.New("object does not exist")

// Storage is an opaque byte store keyed by path.
type Storage interface {
	// Write stores the full contents of r under key and returns its size.
	Write(ctx context.Context, key string, r io.Reader) (int64, error)
	// Size returns the stored object's length or ErrNotExist.
	Size(ctx context.Context, key string) (int64, error)
	// Open returns a reader over [offset, offset+length). A negative length
	// reads to the end of the object.
	Open(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}
