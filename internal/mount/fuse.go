package mount

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"dircopy-go/internal/bundle"
	"dircopy-go/internal/dc"
)

// ServeOptions configures the FUSE view of a Path.
type ServeOptions struct {
	// Parallel is the number of blocks fetched at once when a file is
	// opened. Zero uses the engine setting.
	Parallel int

	// AllowOther permits other users to read the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	Logger dc.Logger
}

// Serve mounts p read-only at mountpoint. Directories come from the entry
// names; a file's content is restored into memory when it is opened and
// dropped when the last handle closes. The caller must Unmount the returned
// server.
func Serve(mountpoint string, p *Path, opts ServeOptions) (*fuse.Server, error) {
	if mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if opts.Logger == nil {
		opts.Logger = dc.NewNopLogger()
	}
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", mountpoint, err)
	}

	tree := buildTree(p, opts.Logger)
	root := &rootNode{tree: tree, path: p, opts: opts}

	timeout := time.Minute
	server, err := gofuse.Mount(mountpoint, root, &gofuse.Options{
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		MountOptions: fuse.MountOptions{
			FsName:     "dircopy",
			Name:       "dircopy",
			AllowOther: opts.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", mountpoint, err)
	}

	opts.Logger.Info("folder record mounted", "mountpoint", mountpoint, "root", p.Root().String())
	return server, nil
}

// treeDir is the directory structure implied by entry names.
type treeDir struct {
	dirs  map[string]*treeDir
	files map[string]bundle.Bundle
}

func newTreeDir() *treeDir {
	return &treeDir{dirs: map[string]*treeDir{}, files: map[string]bundle.Bundle{}}
}

// buildTree places every entry of p. Names that cannot form a path, or that
// collide with a directory, are left out with a warning.
func buildTree(p *Path, logger dc.Logger) *treeDir {
	root := newTreeDir()
	p.index.Iterate(func(e bundle.Entry) bool {
		if e.IsStatistics() {
			return true
		}
		if !filepath.IsLocal(filepath.FromSlash(e.Name)) || strings.Contains(e.Name, "//") {
			logger.Warn("not mounting entry with unusable name", "name", e.Name)
			return true
		}

		parts := strings.Split(e.Name, "/")
		dir := root
		for _, part := range parts[:len(parts)-1] {
			if _, clash := dir.files[part]; clash {
				logger.Warn("not mounting entry below a file", "name", e.Name)
				return true
			}
			next, ok := dir.dirs[part]
			if !ok {
				next = newTreeDir()
				dir.dirs[part] = next
			}
			dir = next
		}

		base := parts[len(parts)-1]
		if _, clash := dir.dirs[base]; clash {
			logger.Warn("not mounting entry that shadows a directory", "name", e.Name)
			return true
		}
		if _, dup := dir.files[base]; !dup {
			dir.files[base] = e.Bundle
		}
		return true
	})
	return root
}

type rootNode struct {
	gofuse.Inode
	tree *treeDir
	path *Path
	opts ServeOptions
}

var _ gofuse.InodeEmbedder = (*rootNode)(nil)
var _ gofuse.NodeOnAdder = (*rootNode)(nil)

func (r *rootNode) OnAdd(ctx context.Context) {
	r.addDir(ctx, &r.Inode, r.tree)
}

func (r *rootNode) addDir(ctx context.Context, parent *gofuse.Inode, dir *treeDir) {
	for name, sub := range dir.dirs {
		child := parent.NewPersistentInode(ctx, &gofuse.Inode{}, gofuse.StableAttr{Mode: syscall.S_IFDIR})
		parent.AddChild(name, child, true)
		r.addDir(ctx, child, sub)
	}
	for name, b := range dir.files {
		node := &fileNode{entry: b, root: r}
		child := parent.NewPersistentInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG})
		parent.AddChild(name, child, true)
	}
}

// fileNode is one folder entry.
type fileNode struct {
	gofuse.Inode
	entry bundle.Bundle
	root  *rootNode
}

var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)

func (f *fileNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFREG | 0o444
	out.Size = f.entry.Size
	out.Blocks = (out.Size + 511) / 512
	mtime := time.Unix(0, int64(f.entry.Mtime))
	out.SetTimes(nil, &mtime, &mtime)
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	data, err := f.root.path.read(ctx, f.entry, f.root.opts.Parallel)
	if err != nil {
		f.root.opts.Logger.Error("restoring mounted file failed", "name", f.entry.Name, "error", err)
		return nil, 0, syscall.EIO
	}
	// Content is immutable, so the kernel page cache stays valid.
	return &fileHandle{data: data}, fuse.FOPEN_KEEP_CACHE, 0
}

// fileHandle holds the restored content of one open file.
type fileHandle struct {
	data []byte
}

var _ gofuse.FileReader = (*fileHandle)(nil)

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off >= int64(len(h.data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := min(off+int64(len(dest)), int64(len(h.data)))
	return fuse.ReadResultData(h.data[off:end]), 0
}
