package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const defaultMaxBytes = 100 << 20

// RotatingWriter appends to a dated log file next to BasePath and rolls over
// at each UTC day boundary or when the file would exceed MaxBytes.
//
//	logs/creditsd.log -> logs/creditsd-2026-03-01.log, logs/creditsd-2026-03-01-2.log
//
// BasePath itself is kept as a symlink to the file currently written.
type RotatingWriter struct {
	BasePath string
	MaxBytes int64

	mu    sync.Mutex
	now   func() time.Time
	day   string
	seq   int
	file  *os.File
	size  int64
	lastP string
}

// NewRotatingWriter opens the file for today.
func NewRotatingWriter(basePath string, maxBytes int64) (*RotatingWriter, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("log path required")
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	w := &RotatingWriter{BasePath: basePath, MaxBytes: maxBytes, now: time.Now}
	if err := w.roll(0); err != nil {
		return nil, err
	}
	return w, nil
}

// Write implements io.Writer.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.roll(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Sync flushes the current file, so the writer can back a zapcore.WriteSyncer.
func (w *RotatingWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// Close closes the current file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// CurrentPath returns the file being written.
func (w *RotatingWriter) CurrentPath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastP
}

func (w *RotatingWriter) roll(incoming int64) error {
	day := w.now().UTC().Format("2006-01-02")
	switch {
	case w.file == nil || w.day != day:
		w.day = day
		w.seq = 1
	case w.size > 0 && w.size+incoming > w.MaxBytes:
		w.seq++
	default:
		return nil
	}
	return w.open()
}

func (w *RotatingWriter) open() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	dir := filepath.Dir(w.BasePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	name := filepath.Base(w.BasePath)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	filename := fmt.Sprintf("%s-%s%s", stem, w.day, ext)
	if w.seq > 1 {
		filename = fmt.Sprintf("%s-%s-%d%s", stem, w.day, w.seq, ext)
	}
	path := filepath.Join(dir, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	w.file, w.size, w.lastP = f, size, path
	w.link(path)
	return nil
}

// link points BasePath at target, best effort.
func (w *RotatingWriter) link(target string) {
	if dest, err := os.Readlink(w.BasePath); err == nil && dest == target {
		return
	}
	if _, err := os.Lstat(w.BasePath); err == nil {
		_ = os.Remove(w.BasePath)
	}
	if err := os.Symlink(target, w.BasePath); err == nil {
		return
	}
	_ = os.Link(target, w.BasePath)
}
