package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

const (
	backupTimeFormat = "20060102-150405.000"
	megabyte         = 1024 * 1024
)

// RotationConfig describes a size-rotated log file
type RotationConfig struct {
	Filename   string
	MaxSizeMB  int // 0 disables rotation
	MaxAgeDays int // 0 keeps backups regardless of age
	MaxBackups int // 0 keeps every backup
	Compress   bool

	// Fs defaults to the OS filesystem
	Fs afero.Fs
}

// RotatingWriter appends to a log file and moves it aside as a timestamped
// backup once it would grow past the size limit. Writes are serialized.
type RotatingWriter struct {
	cfg RotationConfig
	fs  afero.Fs
	now func() time.Time

	mu   sync.Mutex
	file afero.File
	size int64

	// pending tracks backups being compressed
	pending sync.WaitGroup
}

// NewRotatingWriter opens cfg.Filename for appending and prunes old backups
func NewRotatingWriter(cfg RotationConfig) (*RotatingWriter, error) {
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	w := &RotatingWriter{cfg: cfg, fs: fs, now: time.Now}

	if err := fs.MkdirAll(filepath.Dir(cfg.Filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	w.prune()
	return w, nil
}

func (w *RotatingWriter) open() error {
	file, err := w.fs.OpenFile(w.cfg.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would overflow a non-empty file
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	limit := int64(w.cfg.MaxSizeMB) * megabyte
	if limit > 0 && w.size > 0 && w.size+int64(len(p)) > limit {
		if err := w.rotateLocked(); err != nil {
			return 0, fmt.Errorf("failed to rotate log file: %w", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Rotate moves the current file aside now
func (w *RotatingWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return os.ErrClosed
	}
	return w.rotateLocked()
}

// Close closes the file and waits for backups still being compressed.
// It is safe to call more than once.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	file := w.file
	w.file = nil
	w.mu.Unlock()

	w.pending.Wait()
	if file == nil {
		return nil
	}
	return file.Close()
}

func (w *RotatingWriter) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	backup := w.cfg.Filename + "." + w.now().Format(backupTimeFormat)
	if err := w.fs.Rename(w.cfg.Filename, backup); err != nil {
		return err
	}
	if err := w.open(); err != nil {
		return err
	}

	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		if w.cfg.Compress {
			_ = gzipFile(w.fs, backup)
		}
		w.prune()
	}()
	return nil
}

// backups lists rotated files, newest first
func (w *RotatingWriter) backups() []string {
	dir := filepath.Dir(w.cfg.Filename)
	prefix := filepath.Base(w.cfg.Filename) + "."

	entries, err := afero.ReadDir(w.fs, dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || strings.HasSuffix(name, ".tmp") {
			continue
		}
		names = append(names, filepath.Join(dir, name))
	}
	// the timestamp suffix sorts lexically
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names
}

// prune drops backups beyond MaxBackups or older than MaxAgeDays
func (w *RotatingWriter) prune() {
	var cutoff time.Time
	if w.cfg.MaxAgeDays > 0 {
		cutoff = w.now().AddDate(0, 0, -w.cfg.MaxAgeDays)
	}

	for i, name := range w.backups() {
		if w.cfg.MaxBackups > 0 && i >= w.cfg.MaxBackups {
			_ = w.fs.Remove(name)
			continue
		}
		if cutoff.IsZero() {
			continue
		}
		if info, err := w.fs.Stat(name); err == nil && info.ModTime().Before(cutoff) {
			_ = w.fs.Remove(name)
		}
	}
}

// gzipFile replaces name with name.gz
func gzipFile(fs afero.Fs, name string) error {
	src, err := fs.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := name + ".gz.tmp"
	dst, err := fs.Create(tmp)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	_, err = io.Copy(zw, src)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = fs.Remove(tmp)
		return err
	}

	if err := fs.Rename(tmp, name+".gz"); err != nil {
		return err
	}
	return fs.Remove(name)
}
