// Package sandbox owns the on-disk footprint of the embedded service: a
// per-user data root with database, temp and asset directories.
package sandbox

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
)

const (
	DefaultDatabaseFile = "service.db"
	PIDFileName         = "service.pid"
)

// Paths is the resolved layout handed to the service.
type Paths struct {
	Root        string `json:"root"`
	DatabaseDir string `json:"database_dir"`
	Database    string `json:"database"`
	TempDir     string `json:"temp_dir"`
	AssetsDir   string `json:"assets_dir"`
	PIDFile     string `json:"pid_file"`
}

// StorageError reports a sandbox directory or file that could not be
// created, read or written.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Options configures a Sandbox. The zero value uses the OS filesystem and
// the platform data root.
type Options struct {
	Root         string // overrides the platform data root
	DatabaseFile string // file name under db/, defaults to service.db
	Assets       fs.FS  // copied into assets/ when it is empty
	Seed         fs.FS  // holds the seed database
	SeedFile     string // path of the seed database inside Seed
	Fs           afero.Fs
}

type Sandbox struct {
	fs   afero.Fs
	opts Options
	plat platform
}

func New(opts Options) *Sandbox {
	fsys := opts.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if opts.DatabaseFile == "" {
		opts.DatabaseFile = DefaultDatabaseFile
	}
	return &Sandbox{fs: fsys, opts: opts, plat: hostPlatform()}
}

// Resolve computes the layout without touching the filesystem.
func (s *Sandbox) Resolve(appName string) (Paths, error) {
	root := s.opts.Root
	if root == "" {
		r, err := s.plat.dataRoot(appName)
		if err != nil {
			return Paths{}, &StorageError{Op: "resolve", Path: appName, Err: err}
		}
		root = r
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Paths{}, &StorageError{Op: "resolve", Path: root, Err: err}
	}
	if filepath.Base(s.opts.DatabaseFile) != s.opts.DatabaseFile {
		return Paths{}, &StorageError{Op: "resolve", Path: s.opts.DatabaseFile, Err: errors.New("database file must be a plain file name")}
	}
	dbDir := filepath.Join(abs, "db")
	return Paths{
		Root:        abs,
		DatabaseDir: dbDir,
		Database:    filepath.Join(dbDir, s.opts.DatabaseFile),
		TempDir:     filepath.Join(abs, "tmp"),
		AssetsDir:   filepath.Join(abs, "assets"),
		PIDFile:     filepath.Join(abs, PIDFileName),
	}, nil
}

// Prepare creates the layout and guarantees every directory is writable.
// It is idempotent: existing data is preserved and only the temp dir is reset.
func (s *Sandbox) Prepare(appName string) (Paths, error) {
	p, err := s.Resolve(appName)
	if err != nil {
		return Paths{}, err
	}
	for _, d := range []string{p.Root, p.DatabaseDir, p.AssetsDir} {
		if err := s.fs.MkdirAll(d, 0o755); err != nil {
			return Paths{}, &StorageError{Op: "mkdir", Path: d, Err: err}
		}
	}
	if err := s.ClearTemp(p); err != nil {
		return Paths{}, err
	}
	for _, d := range []string{p.Root, p.DatabaseDir, p.TempDir, p.AssetsDir} {
		if err := s.probeWritable(d); err != nil {
			return Paths{}, err
		}
	}
	if err := s.ensureDatabase(p.Database); err != nil {
		return Paths{}, err
	}
	if err := s.installAssets(p.AssetsDir); err != nil {
		return Paths{}, err
	}
	return p, nil
}

// ClearTemp removes and recreates the temp dir empty.
func (s *Sandbox) ClearTemp(p Paths) error {
	if p.TempDir == "" {
		return nil
	}
	if err := s.fs.RemoveAll(p.TempDir); err != nil {
		return &StorageError{Op: "clear", Path: p.TempDir, Err: err}
	}
	if err := s.fs.MkdirAll(p.TempDir, 0o700); err != nil {
		return &StorageError{Op: "mkdir", Path: p.TempDir, Err: err}
	}
	return nil
}

func (s *Sandbox) probeWritable(dir string) error {
	f, err := afero.TempFile(s.fs, dir, ".probe-*")
	if err != nil {
		return &StorageError{Op: "probe", Path: dir, Err: err}
	}
	name := f.Name()
	_ = f.Close()
	if err := s.fs.Remove(name); err != nil {
		return &StorageError{Op: "probe", Path: dir, Err: err}
	}
	return nil
}

// ensureDatabase checks an existing database is a writable regular file, or
// installs the seed when none exists. It never truncates.
func (s *Sandbox) ensureDatabase(dbPath string) error {
	st, err := s.fs.Stat(dbPath)
	switch {
	case err == nil:
		if !st.Mode().IsRegular() {
			return &StorageError{Op: "check", Path: dbPath, Err: errors.New("not a regular file")}
		}
		f, err := s.fs.OpenFile(dbPath, os.O_WRONLY, 0)
		if err != nil {
			return &StorageError{Op: "check", Path: dbPath, Err: err}
		}
		_ = f.Close()
		return nil
	case !errors.Is(err, fs.ErrNotExist):
		return &StorageError{Op: "stat", Path: dbPath, Err: err}
	}
	if s.opts.Seed == nil || s.opts.SeedFile == "" {
		return nil
	}
	src, err := s.opts.Seed.Open(s.opts.SeedFile)
	if err != nil {
		return &StorageError{Op: "seed", Path: s.opts.SeedFile, Err: err}
	}
	defer func() { _ = src.Close() }()
	if err := s.copyNew(dbPath, src, 0o644); err != nil {
		return &StorageError{Op: "seed", Path: dbPath, Err: err}
	}
	return nil
}

// installAssets copies the bundled assets into dir only when dir is empty.
func (s *Sandbox) installAssets(dir string) error {
	if s.opts.Assets == nil {
		return nil
	}
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return &StorageError{Op: "read", Path: dir, Err: err}
	}
	if len(entries) > 0 {
		return nil
	}
	err = fs.WalkDir(s.opts.Assets, ".", func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if name == "." {
			return nil
		}
		dst := filepath.Join(dir, filepath.FromSlash(path.Clean(name)))
		if d.IsDir() {
			return s.fs.MkdirAll(dst, 0o755)
		}
		src, err := s.opts.Assets.Open(name)
		if err != nil {
			return err
		}
		defer func() { _ = src.Close() }()
		return s.copyNew(dst, src, 0o644)
	})
	if err != nil {
		return &StorageError{Op: "install assets", Path: dir, Err: err}
	}
	return nil
}

// copyNew writes src to a file that must not exist yet; partial files are removed.
func (s *Sandbox) copyNew(dst string, src io.Reader, perm os.FileMode) error {
	f, err := s.fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(dst)
		return err
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(dst)
		return err
	}
	return nil
}
