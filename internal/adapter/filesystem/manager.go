package filesystem

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vertextoedge/resumable-downloader/internal/port"
)

// PartialSuffix is appended to a destination while its download is in progress
const PartialSuffix = ".downloading"

// Manager handles local destination file operations
type Manager struct {
	syncWrites bool
}

// Ensure Manager implements port.FileSystem
var _ port.FileSystem = (*Manager)(nil)

// NewManager creates a new filesystem manager.
// When syncWrites is set, every chunk write is flushed to stable storage
// before the write call returns.
func NewManager(syncWrites bool) *Manager {
	return &Manager{syncWrites: syncWrites}
}

// PartialPath returns the in-progress path for a destination
func (m *Manager) PartialPath(destination string) string {
	return destination + PartialSuffix
}

// EnsureDir ensures the directory for a file path exists
func (m *Manager) EnsureDir(filePath string) error {
	dir := filepath.Dir(filePath)
	return os.MkdirAll(dir, 0755)
}

// OpenPartial opens the partial file for a destination truncated to offset
func (m *Manager) OpenPartial(destination string, offset int64) (port.PartialFile, error) {
	if offset < 0 {
		return nil, fmt.Errorf("negative offset %d", offset)
	}

	partialPath := m.PartialPath(destination)

	// Ensure parent directory exists
	if err := m.EnsureDir(partialPath); err != nil {
		return nil, fmt.Errorf("failed to create parent dir: %w", err)
	}

	f, err := os.OpenFile(partialPath, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open partial file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat partial file: %w", err)
	}

	// Resuming past the bytes actually on disk would leave a hole
	if info.Size() < offset {
		f.Close()
		return nil, fmt.Errorf("partial file has %d bytes, cannot resume at %d", info.Size(), offset)
	}

	// Bytes past the confirmed offset were never recorded; drop them
	if info.Size() > offset {
		if err := f.Truncate(offset); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to truncate partial file: %w", err)
		}
	}

	return &partialFile{File: f, syncWrites: m.syncWrites}, nil
}

// PartialInfo returns size and modification time of the partial file
func (m *Manager) PartialInfo(destination string) (*port.PartialInfo, error) {
	partialPath := m.PartialPath(destination)
	info, err := os.Stat(partialPath)
	if err != nil {
		return nil, err // Return error for non-existent files too
	}
	return &port.PartialInfo{
		Path:    partialPath,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// Finalize atomically moves the partial file onto the destination
func (m *Manager) Finalize(destination string) error {
	if err := os.Rename(m.PartialPath(destination), destination); err != nil {
		return fmt.Errorf("failed to rename partial file: %w", err)
	}
	return nil
}

// RemovePartial deletes the partial file
func (m *Manager) RemovePartial(destination string) error {
	if err := os.Remove(m.PartialPath(destination)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete partial file: %w", err)
	}
	return nil
}

// FileExists checks if a file exists
func (m *Manager) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// partialFile flushes after every write when syncWrites is set
type partialFile struct {
	*os.File
	syncWrites bool
}

func (f *partialFile) WriteAt(p []byte, off int64) (int, error) {
	n, err := f.File.WriteAt(p, off)
	if err != nil {
		return n, err
	}
	if f.syncWrites {
		if err := f.File.Sync(); err != nil {
			return n, fmt.Errorf("failed to sync partial file: %w", err)
		}
	}
	return n, nil
}
