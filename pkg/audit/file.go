package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	defaultMaxFileBytes = 50 * 1024 * 1024
	defaultFileBackups  = 10
)

var _ Backend = (*FileBackend)(nil)

// FileBackend appends events as JSON lines to a file, rotating by size.
// Rotation shifts audit.log -> audit.log.1 -> ... -> audit.log.N, dropping
// the oldest backup.
type FileBackend struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	backups  int
	file     *os.File
	size     int64
}

// NewFileBackend opens (or creates) the audit file at path. maxBytes <= 0
// selects 50MB; backups <= 0 selects 10.
func NewFileBackend(path string, maxBytes int64, backups int) (*FileBackend, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxFileBytes
	}
	if backups <= 0 {
		backups = defaultFileBackups
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	b := &FileBackend{path: path, maxBytes: maxBytes, backups: backups}
	if err := b.open(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *FileBackend) Name() string { return "jsonl" }

func (b *FileBackend) Append(event Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event %s: %w", event.EventID, err)
	}
	line = append(line, '\n')

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size+int64(len(line)) > b.maxBytes {
		if err := b.rotateLocked(); err != nil {
			return err
		}
	}
	n, err := b.file.Write(line)
	b.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit event %s: %w", event.EventID, err)
	}
	return nil
}

func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file == nil {
		return nil
	}
	err := b.file.Close()
	b.file = nil
	return err
}

func (b *FileBackend) open() error {
	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log %s: %w", b.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat audit log %s: %w", b.path, err)
	}
	b.file = f
	b.size = info.Size()
	return nil
}

func (b *FileBackend) rotateLocked() error {
	if err := b.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log for rotation: %w", err)
	}
	b.file = nil

	oldest := fmt.Sprintf("%s.%d", b.path, b.backups)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to drop oldest audit backup: %w", err)
	}
	for i := b.backups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", b.path, i)
		to := fmt.Sprintf("%s.%d", b.path, i+1)
		if err := os.Rename(from, to); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to shift audit backup %s: %w", from, err)
		}
	}
	if err := os.Rename(b.path, b.path+".1"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}
	return b.open()
}
