package fs

import (
	"io"
	"math/rand/v2"
	"os"
	"sync"
	"syscall"
)

// ChaosConfig controls fault injection probabilities.
//
// Each rate is a float64 from 0.0 (never) to 1.0 (always). The zero value
// disables all fault injection.
type ChaosConfig struct {
	// OpenFailRate controls how often Open/Create/OpenFile fail.
	OpenFailRate float64

	// WriteFailRate controls how often File.Write fails entirely.
	WriteFailRate float64

	// SyncFailRate controls how often File.Sync fails.
	SyncFailRate float64

	// RenameFailRate controls how often Rename fails.
	RenameFailRate float64

	// MkdirFailRate controls how often MkdirAll fails.
	MkdirFailRate float64

	// Rand is the source of randomness. If nil, NewChaos gives the [Chaos]
	// instance its own source with a fixed seed.
	Rand *rand.Rand
}

// Chaos wraps an [FS] and injects faults according to [ChaosConfig]. It is
// used to exercise the Fatal I/O paths of packages that write durable
// artefacts (queue entries, crash/hang files, the fuzz bitmap) without
// relying on real disk failures.
type Chaos struct {
	fs   FS
	cfg  ChaosConfig
	mu   sync.Mutex
	rand *rand.Rand
}

// NewChaos wraps fs with fault injection governed by cfg.
func NewChaos(fs FS, cfg ChaosConfig) *Chaos {
	r := cfg.Rand
	if r == nil {
		r = rand.New(rand.NewPCG(1, 2))
	}

	return &Chaos{fs: fs, cfg: cfg, rand: r}
}

func (c *Chaos) roll(rate float64) bool {
	if rate <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rand.Float64() < rate
}

func (c *Chaos) Open(path string) (File, error) {
	if c.roll(c.cfg.OpenFailRate) {
		return nil, &os.PathError{Op: "open", Path: path, Err: syscall.EIO}
	}

	f, err := c.fs.Open(path)
	if err != nil {
		return nil, err
	}

	return &chaosFile{File: f, c: c, path: path}, nil
}

func (c *Chaos) Create(path string) (File, error) {
	if c.roll(c.cfg.OpenFailRate) {
		return nil, &os.PathError{Op: "create", Path: path, Err: syscall.ENOSPC}
	}

	f, err := c.fs.Create(path)
	if err != nil {
		return nil, err
	}

	return &chaosFile{File: f, c: c, path: path}, nil
}

func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if c.roll(c.cfg.OpenFailRate) {
		return nil, &os.PathError{Op: "open", Path: path, Err: syscall.EIO}
	}

	f, err := c.fs.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &chaosFile{File: f, c: c, path: path}, nil
}

func (c *Chaos) ReadFile(path string) ([]byte, error) { return c.fs.ReadFile(path) }

func (c *Chaos) WriteFile(path string, data []byte, perm os.FileMode) error {
	if c.roll(c.cfg.WriteFailRate) {
		return &os.PathError{Op: "write", Path: path, Err: syscall.EIO}
	}

	return c.fs.WriteFile(path, data, perm)
}

func (c *Chaos) ReadDir(path string) ([]os.DirEntry, error) { return c.fs.ReadDir(path) }
func (c *Chaos) MkdirAll(path string, perm os.FileMode) error {
	if c.roll(c.cfg.MkdirFailRate) {
		return &os.PathError{Op: "mkdir", Path: path, Err: syscall.ENOSPC}
	}

	return c.fs.MkdirAll(path, perm)
}
func (c *Chaos) Stat(path string) (os.FileInfo, error) { return c.fs.Stat(path) }
func (c *Chaos) Exists(path string) (bool, error)       { return c.fs.Exists(path) }
func (c *Chaos) Remove(path string) error               { return c.fs.Remove(path) }
func (c *Chaos) RemoveAll(path string) error             { return c.fs.RemoveAll(path) }

func (c *Chaos) Rename(oldpath, newpath string) error {
	if c.roll(c.cfg.RenameFailRate) {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EIO}
	}

	return c.fs.Rename(oldpath, newpath)
}

var _ FS = (*Chaos)(nil)

// chaosFile decorates a [File] so write/sync faults can be injected after
// the open has already succeeded.
type chaosFile struct {
	File

	c    *Chaos
	path string
}

func (f *chaosFile) Write(p []byte) (int, error) {
	if f.c.roll(f.c.cfg.WriteFailRate) {
		return 0, &os.PathError{Op: "write", Path: f.path, Err: syscall.EIO}
	}

	return f.File.Write(p)
}

func (f *chaosFile) Sync() error {
	if f.c.roll(f.c.cfg.SyncFailRate) {
		return &os.PathError{Op: "fsync", Path: f.path, Err: syscall.EIO}
	}

	return f.File.Sync()
}

var _ io.Writer = (*chaosFile)(nil)
