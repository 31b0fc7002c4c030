package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio"

	"dircopy-go/internal/codec"
	"dircopy-go/internal/dc"
	"dircopy-go/internal/digest"
)

// FileSystemStore keeps blocks as files in a directory image:
//
//	<root>/
//	  blocks/
//	    <hh>/<id hex>   (hh is the first byte of the id)
//
// Blocks are written atomically, so a crash never leaves a torn block under
// its final name.
type FileSystemStore struct {
	name      string
	root      string
	blocksDir string
}

// NewFileSystemStore creates a store rooted at root, creating the directory
// structure if needed.
func NewFileSystemStore(name, root string) (*FileSystemStore, error) {
	blocksDir := filepath.Join(root, "blocks")
	if err := os.MkdirAll(blocksDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blocks directory: %w", err)
	}
	return &FileSystemStore{name: name, root: root, blocksDir: blocksDir}, nil
}

// Name returns the configured name of the store.
func (s *FileSystemStore) Name() string { return s.name }

func (s *FileSystemStore) blockPath(id digest.Key) string {
	hex := id.String()
	return filepath.Join(s.blocksDir, hex[:2], hex)
}

func (s *FileSystemStore) Is(ctx context.Context, id digest.Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.blockPath(id))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat block %s: %w", id, err)
	}
}

func (s *FileSystemStore) Read(ctx context.Context, id digest.Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.blockPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", dc.ErrNotFound, id)
		}
		return nil, fmt.Errorf("reading block %s: %w", id, err)
	}
	return data, nil
}

// Write stores data under id. Existing blocks are left untouched.
func (s *FileSystemStore) Write(ctx context.Context, id digest.Key, data []byte) error {
	ok, err := s.Is(ctx, id)
	if err != nil || ok {
		return err
	}
	dest := s.blockPath(id)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("creating block directory: %w", err)
	}
	if err := renameio.WriteFile(dest, data, 0644); err != nil {
		return fmt.Errorf("writing block %s: %w", id, err)
	}
	return nil
}

func (s *FileSystemStore) Many(ctx context.Context, ids []digest.Key) (uint64, error) {
	if err := checkBatch(ids); err != nil {
		return 0, err
	}
	var bitmap uint64
	for i, id := range ids {
		ok, err := s.Is(ctx, id)
		if err != nil {
			return 0, err
		}
		if ok {
			bitmap |= 1 << uint(i)
		}
	}
	return bitmap, nil
}

// Validate checks that the block file exists and is well-formed.
func (s *FileSystemStore) Validate(ctx context.Context, id digest.Key) (bool, error) {
	data, err := s.Read(ctx, id)
	if err != nil {
		if errors.Is(err, dc.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return codec.Wellformed(data), nil
}

// ValidateSetup verifies that the store directories are accessible.
func (s *FileSystemStore) ValidateSetup() error {
	for _, dir := range []string{s.root, s.blocksDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("store directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("store path is not a directory: %s", dir)
		}
	}
	return nil
}

var _ dc.Store = (*FileSystemStore)(nil)
