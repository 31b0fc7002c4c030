package dc

import (
	"context"
	"io"
)

// SourceFile is a regular file found by a walk.
type SourceFile struct {
	// Path is the OS path used to open the file.
	Path  string
	Size  uint64
	Mtime uint64 // nanoseconds since the Unix epoch
}

// FilesystemManager abstracts access to the tree being backed up so tests can
// observe exactly which files are opened.
type FilesystemManager interface {
	// Walk calls fn for every regular file under root, descending into
	// subdirectories only when recursive is set. Directories that cannot be
	// read are skipped. Returning an error from fn stops the walk.
	Walk(ctx context.Context, root string, recursive bool, fn func(SourceFile) error) error

	// Stat describes a single regular file.
	Stat(path string) (SourceFile, error)

	// Open opens a file for reading.
	Open(path string) (io.ReadCloser, error)
}
