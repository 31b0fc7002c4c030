package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"dircopy-go/internal/dc"
)

// OSFilesystemManager is the real filesystem implementation of dc.FilesystemManager.
type OSFilesystemManager struct {
	logger dc.Logger
}

// NewOSFilesystemManager creates a filesystem manager that operates on the real filesystem.
func NewOSFilesystemManager(logger dc.Logger) *OSFilesystemManager {
	return &OSFilesystemManager{logger: logger}
}

func sourceFile(p string, info fs.FileInfo) dc.SourceFile {
	return dc.SourceFile{
		Path:  p,
		Size:  uint64(info.Size()),
		Mtime: uint64(info.ModTime().UnixNano()),
	}
}

// Stat describes a regular file. Other file types are rejected.
func (m *OSFilesystemManager) Stat(p string) (dc.SourceFile, error) {
	info, err := os.Stat(p)
	if err != nil {
		return dc.SourceFile{}, fmt.Errorf("stat path: %w", err)
	}
	if !info.Mode().IsRegular() {
		return dc.SourceFile{}, fmt.Errorf("not a regular file: %s", p)
	}
	return sourceFile(p, info), nil
}

// Open opens a file for reading.
func (m *OSFilesystemManager) Open(p string) (io.ReadCloser, error) {
	return os.Open(p)
}

// Walk visits regular files under root in lexical order. Symlinks, devices,
// pipes and sockets are skipped. Directories that cannot be read are logged
// and skipped.
func (m *OSFilesystemManager) Walk(ctx context.Context, root string, recursive bool, fn func(dc.SourceFile) error) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", root)
	}

	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) && p != root {
				m.logger.Warn("skipping unreadable path", "path", p, "error", err)
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Removed between listing and stat.
				return nil
			}
			return fmt.Errorf("stat %s: %w", p, err)
		}
		return fn(sourceFile(p, info))
	})
}

var _ dc.FilesystemManager = (*OSFilesystemManager)(nil)
