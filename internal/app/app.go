package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/term"

	"dircopy-go/internal/codec"
	"dircopy-go/internal/config"
	"dircopy-go/internal/database"
	"dircopy-go/internal/dc"
	"dircopy-go/internal/delta"
	"dircopy-go/internal/digest"
	"dircopy-go/internal/encryption"
	"dircopy-go/internal/fs"
	"dircopy-go/internal/mount"
	"dircopy-go/internal/store"
)

// RunPrefix marks a key argument that names a recorded run instead of a
// hex root key.
const RunPrefix = "run:"

// maxBlockSize bounds the plaintext a stored block may claim to expand to.
const maxBlockSize = 256 << 20

// PassphraseFunc asks the user for a passphrase.
type PassphraseFunc func(prompt string) (string, error)

// deps are the collaborators NewDCApp builds from configuration. Tests
// supply their own.
type deps struct {
	store    dc.Store
	fsmgr    dc.FilesystemManager
	sealer   dc.Sealer
	logger   dc.Logger
	clock    dc.Clock
	ids      dc.IDGenerator
	progress io.Writer
}

// DCApp is the application layer between the CLI and the engine. It
// constructs all dependencies from config and exposes high-level
// operations that accept raw string paths and key arguments.
type DCApp struct {
	cfg    *config.Config
	engine *dc.Engine
	deps
	logFile *os.File
}

// NewDCApp creates a fully wired DCApp from the given config. operation
// identifies the CLI command being run and tags every log line. The caller
// must call Close when done.
func NewDCApp(ctx context.Context, cfg *config.Config, operation string) (*DCApp, error) {
	opID := time.Now().UTC().Format("20060102T150405Z") + "-" + operation
	logger, logFile, err := newLogger(cfg.LogDir, opID, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	log := &slogAdapter{l: logger}

	st, err := store.NewStoreFromConfig(ctx, cfg.Store)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating store: %w", err)
	}

	sealer, err := encryption.NewSealerFromConfig(cfg.Encryption)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating sealer: %w", err)
	}

	var progress io.Writer
	if term.IsTerminal(int(os.Stderr.Fd())) {
		progress = os.Stderr
	}

	a, err := newDCApp(cfg, deps{
		store:    st,
		fsmgr:    fs.NewOSFilesystemManager(log),
		sealer:   sealer,
		logger:   log,
		clock:    dc.RealClock{},
		ids:      dc.UUIDGenerator{},
		progress: progress,
	})
	if err != nil {
		logFile.Close()
		return nil, err
	}
	a.logFile = logFile
	return a, nil
}

func newDCApp(cfg *config.Config, d deps) (*DCApp, error) {
	params, err := cfg.Engine.Params()
	if err != nil {
		return nil, err
	}
	c, err := codec.New(cfg.Engine.Compression, cfg.Engine.CompressionLevel, maxBlockSize)
	if err != nil {
		return nil, fmt.Errorf("creating codec: %w", err)
	}
	hasher, err := digest.NewHasher(cfg.Algorithm, []byte(cfg.Domain))
	if err != nil {
		return nil, fmt.Errorf("creating hasher: %w", err)
	}
	engine, err := dc.NewEngine(d.store, c, hasher, d.fsmgr, d.logger, params)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	return &DCApp{cfg: cfg, engine: engine, deps: d}, nil
}

// Close releases the log file.
func (a *DCApp) Close() error {
	if a.logFile != nil {
		return a.logFile.Close()
	}
	return nil
}

// Params returns the resolved engine parameters.
func (a *DCApp) Params() dc.Params {
	return a.engine.Params()
}

// track runs fn while reporting progress for stats.
func (a *DCApp) track(stats *dc.Stats, fn func() error) error {
	p := StartProgress(a.progress, stats, ProgressInterval)
	defer p.Stop()
	return fn()
}

// BackupFile stores a single file and returns the key of its file record.
func (a *DCApp) BackupFile(ctx context.Context, rawPath string) (digest.Key, dc.Direct, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return digest.Key{}, dc.Direct{}, fmt.Errorf("resolving path: %w", err)
	}

	var stats dc.Stats
	var key digest.Key
	err = a.track(&stats, func() error {
		var err error
		key, err = a.engine.File(ctx, &stats, absPath)
		return err
	})
	return key, stats.Snapshot(), err
}

// FolderOptions select the snapshot and naming of a folder backup.
type FolderOptions struct {
	// Snapshot names the change tracking directory. Empty derives a name
	// from the folder path.
	Snapshot  string
	Recursive bool
	// Strip drops leading path components before Label is applied.
	Strip int
	Label string
}

// BackupResult is the outcome of a folder backup.
type BackupResult struct {
	Key digest.Key
	Run *dc.Run
}

// snapshot holds the open state of one snapshot directory.
type snapshot struct {
	name string
	dir  string
	db   dc.Database
}

// ValidateSnapshotName rejects names that are not a single path element.
func ValidateSnapshotName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid snapshot name %q", name)
	}
	return nil
}

// SnapshotName returns the snapshot name used for root when none is given:
// the folder's base name followed by a short digest of its absolute path.
func (a *DCApp) SnapshotName(root string) string {
	sum := a.engine.Hasher().Sum([]byte(root)).String()
	base := filepath.Base(root)
	if base == string(filepath.Separator) || base == "." {
		base = "root"
	}
	return base + "-" + sum[:12]
}

func (a *DCApp) snapshotDir(name string) string {
	return filepath.Join(a.cfg.Snapshot.Dir, name)
}

func (a *DCApp) openSnapshot(name string) (*snapshot, error) {
	if err := ValidateSnapshotName(name); err != nil {
		return nil, err
	}
	dir := a.snapshotDir(name)
	db, err := database.OpenSnapshot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot %s: %w", name, err)
	}
	return &snapshot{name: name, dir: dir, db: db}, nil
}

// resolveFolder returns the absolute folder path and its snapshot name.
func (a *DCApp) resolveFolder(rawPath, name string) (string, string, error) {
	root, err := filepath.Abs(rawPath)
	if err != nil {
		return "", "", fmt.Errorf("resolving path: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", "", err
	}
	if !info.IsDir() {
		return "", "", fmt.Errorf("%s is not a directory", root)
	}
	if name == "" {
		name = a.SnapshotName(root)
	}
	return root, name, nil
}

// exclusions combines the configured rules with the tree's own exclude file.
func (a *DCApp) exclusions(root string) (*fs.Exclusions, error) {
	ex := fs.NewExclusions(a.cfg.Exclude.Files, a.cfg.Exclude.Paths, a.cfg.Exclude.Patterns)
	patterns, err := fs.ParseExcludeFile(filepath.Join(root, fs.ExcludeFileName))
	if err != nil {
		return nil, err
	}
	ex.AddPatterns(patterns)
	return ex, nil
}

func (a *DCApp) openDelta(root string, snap *snapshot) (*delta.Path, error) {
	ex, err := a.exclusions(root)
	if err != nil {
		return nil, err
	}
	return delta.Open(snap.dir, snap.db, ex, a.logger)
}

// BackupFolder backs up the tree under rawPath into its snapshot and records
// the run. Only files changed since the snapshot's last committed backup
// are read.
func (a *DCApp) BackupFolder(ctx context.Context, rawPath string, opts FolderOptions) (*BackupResult, error) {
	if !a.sealer.IsConfigured() {
		return nil, fmt.Errorf("%s keys are not initialized: run `dircopy keys init`", a.sealer.Type())
	}
	root, name, err := a.resolveFolder(rawPath, opts.Snapshot)
	if err != nil {
		return nil, err
	}
	snap, err := a.openSnapshot(name)
	if err != nil {
		return nil, err
	}
	defer snap.db.Close()

	d, err := a.openDelta(root, snap)
	if err != nil {
		return nil, err
	}

	op, err := StartOperation(snap.db, a.sealer, a.clock, a.ids, root, name)
	if err != nil {
		return nil, err
	}
	a.logger.Info("backup started", "run", op.Run.ID, "snapshot", name, "root", root)

	var stats dc.Stats
	var key digest.Key
	err = a.track(&stats, func() error {
		var err error
		key, err = a.engine.Folder(ctx, &stats, d, root, dc.FolderOptions{
			Recursive: opts.Recursive,
			Strip:     opts.Strip,
			Label:     opts.Label,
		})
		return err
	})
	if err != nil {
		return nil, errors.Join(err, op.Fail(stats.Snapshot()))
	}
	if err := op.Succeed(key, stats.Snapshot()); err != nil {
		return nil, err
	}
	a.logger.Info("backup completed", "run", op.Run.ID, "key", key.String())
	return &BackupResult{Key: key, Run: op.Run}, nil
}

// Change is a file that differs from the last committed backup.
type Change struct {
	Name  string
	Size  uint64
	Mtime time.Time
}

// Changes lists the files under rawPath that the next backup into its
// snapshot would read. Nothing is read or stored.
func (a *DCApp) Changes(ctx context.Context, rawPath string, opts FolderOptions, fn func(Change) bool) error {
	root, name, err := a.resolveFolder(rawPath, opts.Snapshot)
	if err != nil {
		return err
	}
	snap, err := a.openSnapshot(name)
	if err != nil {
		return err
	}
	defer snap.db.Close()

	d, err := a.openDelta(root, snap)
	if err != nil {
		return err
	}
	return a.engine.ScanChanges(ctx, d, root, dc.FolderOptions{Recursive: opts.Recursive, Strip: opts.Strip, Label: opts.Label},
		func(entry string, size, mtime uint64) bool {
			return fn(Change{Name: entry, Size: size, Mtime: time.Unix(0, int64(mtime))})
		})
}

// ValidateOptions select what Validate checks.
type ValidateOptions struct {
	// File treats the key as a single file record instead of a folder.
	File bool
	Deep bool
}

// Validate checks that everything reachable from key is present and, in
// deep mode, intact.
func (a *DCApp) Validate(ctx context.Context, key digest.Key, opts ValidateOptions) (bool, dc.Direct) {
	params := a.engine.Params()
	vopts := dc.ValidateOptions{Deep: opts.Deep, Parallel: params.Threads, Files: params.Files}

	var stats dc.Stats
	var ok bool
	var direct dc.Direct
	a.track(&stats, func() error {
		if opts.File {
			ok, direct = a.engine.ValidateFile(ctx, &stats, key, vopts)
		} else {
			ok, direct = a.engine.ValidateFolder(ctx, &stats, key, vopts)
		}
		return nil
	})
	return ok, direct
}

// Restore writes the file or folder addressed by key to dest.
func (a *DCApp) Restore(ctx context.Context, key digest.Key, dest string, file bool) (dc.Direct, error) {
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return dc.Direct{}, fmt.Errorf("resolving path: %w", err)
	}
	opts := a.engine.Params().RestoreOptions()

	var stats dc.Stats
	err = a.track(&stats, func() error {
		if file {
			return a.engine.RestoreFile(ctx, &stats, absDest, key, opts)
		}
		return a.engine.RestoreFolder(ctx, &stats, absDest, key, opts)
	})
	return stats.Snapshot(), err
}

// OpenMount loads the folder record addressed by key for enumeration,
// search and single file retrieval.
func (a *DCApp) OpenMount(ctx context.Context, key digest.Key) (*mount.Path, error) {
	return mount.Open(ctx, a.engine, key, a.engine.Params().Validate)
}

// Fetch restores one entry of the folder record addressed by key to dest.
func (a *DCApp) Fetch(ctx context.Context, key digest.Key, name, dest string) (dc.Direct, error) {
	p, err := a.OpenMount(ctx, key)
	if err != nil {
		return dc.Direct{}, err
	}
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return dc.Direct{}, fmt.Errorf("resolving path: %w", err)
	}
	var stats dc.Stats
	err = a.track(&stats, func() error {
		return p.Fetch(ctx, &stats, name, absDest, 0)
	})
	return stats.Snapshot(), err
}

// Mount exposes the folder record addressed by key read-only at
// mountpoint. The caller must Unmount the returned server.
func (a *DCApp) Mount(ctx context.Context, key digest.Key, mountpoint string, allowOther bool) (*fuse.Server, error) {
	p, err := a.OpenMount(ctx, key)
	if err != nil {
		return nil, err
	}
	return mount.Serve(mountpoint, p, mount.ServeOptions{AllowOther: allowOther, Logger: a.logger})
}

// Snapshots lists the names of snapshot directories holding a database.
func (a *DCApp) Snapshots() ([]string, error) {
	entries, err := os.ReadDir(a.cfg.Snapshot.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading snapshot directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(database.SnapshotPath(a.snapshotDir(e.Name()))); err == nil {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Runs returns the most recent runs of one snapshot, or of every snapshot
// when name is empty, newest first.
func (a *DCApp) Runs(name string, limit int) ([]*dc.Run, error) {
	names := []string{name}
	if name == "" {
		var err error
		if names, err = a.Snapshots(); err != nil {
			return nil, err
		}
	}

	var runs []*dc.Run
	for _, n := range names {
		snap, err := a.openSnapshot(n)
		if err != nil {
			return nil, err
		}
		rs, err := snap.db.ListRuns(limit)
		snap.db.Close()
		if err != nil {
			return nil, fmt.Errorf("listing runs of %s: %w", n, err)
		}
		runs = append(runs, rs...)
	}

	slices.SortStableFunc(runs, func(x, y *dc.Run) int {
		return y.StartedAt.Compare(x.StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// findRun searches every snapshot for the run with the given id.
func (a *DCApp) findRun(id string) (*dc.Run, error) {
	names, err := a.Snapshots()
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		snap, err := a.openSnapshot(n)
		if err != nil {
			return nil, err
		}
		run, err := snap.db.FindRun(id)
		snap.db.Close()
		if err != nil {
			return nil, fmt.Errorf("searching %s: %w", n, err)
		}
		if run != nil {
			return run, nil
		}
	}
	return nil, fmt.Errorf("%w: run %s", dc.ErrNotFound, id)
}

// ResolveKey parses a key argument: 64 hex characters, or run:<id> naming
// a successful run whose sealed root key is opened, prompting through ask
// when the sealer needs a passphrase.
func (a *DCApp) ResolveKey(arg string, ask PassphraseFunc) (digest.Key, error) {
	id, isRun := strings.CutPrefix(arg, RunPrefix)
	if !isRun {
		return digest.ParseKey(arg)
	}

	run, err := a.findRun(id)
	if err != nil {
		return digest.Key{}, err
	}
	if run.Status != dc.RunSuccess || len(run.Root) == 0 {
		return digest.Key{}, fmt.Errorf("run %s has status %s and no root key", id, run.Status)
	}

	sealer := a.sealer
	if run.Sealer != sealer.Type() {
		if sealer, err = encryption.SealerForType(a.cfg.Encryption, run.Sealer); err != nil {
			return digest.Key{}, err
		}
	}

	var pass string
	if sealer.NeedsPassphrase() {
		if ask == nil {
			return digest.Key{}, fmt.Errorf("run %s is sealed with %s and needs a passphrase", id, run.Sealer)
		}
		if pass, err = ask("Passphrase: "); err != nil {
			return digest.Key{}, fmt.Errorf("reading passphrase: %w", err)
		}
	}
	opener, err := sealer.Unlock(pass)
	if err != nil {
		return digest.Key{}, fmt.Errorf("unlocking %s keys: %w", run.Sealer, err)
	}
	key, err := opener.Open(run.Root)
	if err != nil {
		return digest.Key{}, fmt.Errorf("opening root key of run %s: %w", id, err)
	}
	return key, nil
}

// ClearSnapshot removes the lock left by a failed or interrupted backup and
// marks its running records as failed. The next backup rebuilds the folder
// record from the committed state.
func (a *DCApp) ClearSnapshot(name string) error {
	if err := ValidateSnapshotName(name); err != nil {
		return err
	}
	dir := a.snapshotDir(name)
	if _, err := os.Stat(database.SnapshotPath(dir)); err != nil {
		return fmt.Errorf("%w: snapshot %s", dc.ErrNotFound, name)
	}
	if err := delta.Clear(dir); err != nil {
		return err
	}

	snap, err := a.openSnapshot(name)
	if err != nil {
		return err
	}
	defer snap.db.Close()

	runs, err := snap.db.ListRuns(0)
	if err != nil {
		return err
	}
	for _, r := range runs {
		if r.Status != dc.RunRunning {
			continue
		}
		r.Status = dc.RunError
		r.FinishedAt = a.clock.Now().UTC()
		if err := snap.db.FinishRun(r); err != nil {
			return err
		}
		a.logger.Warn("marked interrupted run as failed", "run", r.ID, "snapshot", name)
	}
	return nil
}

// KeysNeedPassphrase reports whether InitKeys uses its passphrase.
func (a *DCApp) KeysNeedPassphrase() bool {
	return a.sealer.NeedsPassphrase()
}

// InitKeys generates the key pair used to seal root keys.
func (a *DCApp) InitKeys(passphrase string) error {
	if a.sealer.IsConfigured() {
		return fmt.Errorf("%s keys are already initialized", a.sealer.Type())
	}
	return a.sealer.Setup(passphrase)
}
