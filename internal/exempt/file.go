package exempt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const reloadDebounce = 100 * time.Millisecond

type fileDocument struct {
	Accounts []string `yaml:"accounts"`
}

// FileSource serves the accounts listed in a YAML file:
//
//	accounts:
//	  - admin@example.com
//	  - user-42
//
// The file is read on construction and again on Reload. A missing file
// yields an empty list.
type FileSource struct {
	path string

	mu       sync.RWMutex
	accounts []string
}

// NewFileSource loads path once.
func NewFileSource(path string) (*FileSource, error) {
	f := &FileSource{path: path}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the watched file.
func (f *FileSource) Path() string { return f.path }

// Reload re-reads the file. On error the previous snapshot is kept.
func (f *FileSource) Reload() error {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.store(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read exempt accounts file: %w", err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse exempt accounts file %s: %w", f.path, err)
	}
	f.store(doc.Accounts)
	return nil
}

func (f *FileSource) store(accounts []string) {
	f.mu.Lock()
	f.accounts = accounts
	f.mu.Unlock()
}

// Accounts implements Source.
func (f *FileSource) Accounts(context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]string(nil), f.accounts...), nil
}

// Watch reloads the file whenever it is written, created, renamed or removed,
// until ctx is cancelled. The parent directory is watched so editors that
// replace the file atomically are picked up.
func (f *FileSource) Watch(ctx context.Context, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filepath.Base(f.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
					!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, func() {
					if err := f.Reload(); err != nil {
						logger.Warn("exempt accounts reload failed", zap.String("path", f.path), zap.Error(err))
						return
					}
					logger.Info("exempt accounts reloaded", zap.String("path", f.path))
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("exempt accounts watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
