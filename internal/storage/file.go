package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// FileEngine keeps one sealed file per key under a directory
type FileEngine struct {
	dir    string
	logger *logrus.Logger
	mu     sync.Mutex
}

// NewFileEngine creates dir if needed and returns an engine rooted there
func NewFileEngine(dir string, logger *logrus.Logger) (*FileEngine, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileEngine{dir: dir, logger: logger}, nil
}

func (f *FileEngine) path(key Key) string {
	return filepath.Join(f.dir, fmt.Sprintf("%04x.rec", uint16(key)))
}

func (f *FileEngine) Store(key Key, data []byte) *Pending {
	f.mu.Lock()
	defer f.mu.Unlock()

	tmp := f.path(key) + ".tmp"
	if err := os.WriteFile(tmp, seal(data), 0o600); err != nil {
		return Completed(fmt.Errorf("failed to write slot %04x: %w", uint16(key), err))
	}
	if err := os.Rename(tmp, f.path(key)); err != nil {
		_ = os.Remove(tmp)
		return Completed(fmt.Errorf("failed to commit slot %04x: %w", uint16(key), err))
	}

	f.logger.WithFields(logrus.Fields{
		"key":   fmt.Sprintf("%04x", uint16(key)),
		"bytes": len(data),
	}).Debug("Stored slot")
	return Completed(nil)
}

func (f *FileEngine) Restore(key Key) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read slot %04x: %w", uint16(key), err)
	}
	return unseal(blob)
}

func (f *FileEngine) IsRestorable(key Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, err := os.Stat(f.path(key))
	return err == nil
}

func (f *FileEngine) Delete(key Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete slot %04x: %w", uint16(key), err)
	}
	return nil
}
