// Package storage persists session archives. A [Sink] is a file-oriented
// store; [Local] writes under a root directory and [S3] writes to any
// S3-compatible object store.
//
// The archive layout, rooted at the sink:
//
//	transcripts/{entity}/{session}.jsonl   one committed transcript entry per line
//	cards/{entity}/{session}.jsonl         one analysis result per line
//
// Both files are written once, when the session stops.
package storage

import (
	"context"
	"io"
)

// Sink is a minimal interface for file-oriented archive storage.
//
// Paths are forward-slash separated and relative to the sink root.
// Implementations must be safe for concurrent use.
type Sink interface {
	// Read opens the named file for reading.
	// The caller must close the returned ReadCloser when done.
	// If the file does not exist, an error wrapping os.ErrNotExist is returned.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write opens the named file for writing.
	// If the file already exists it is truncated.
	// Parent directories are created automatically.
	// The caller must close the returned WriteCloser to flush data.
	Write(ctx context.Context, path string) (io.WriteCloser, error)

	// Delete removes the named file.
	// If the file does not exist, Delete returns nil (idempotent).
	Delete(ctx context.Context, path string) error

	// Exists reports whether the named file exists.
	Exists(ctx context.Context, path string) (bool, error)
}
