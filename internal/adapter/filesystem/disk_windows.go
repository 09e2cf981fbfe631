//go:build windows
// +build windows

package filesystem

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/windows"
)

// FreeSpace returns the bytes available to the calling user on the volume
// that will hold destination
func (m *Manager) FreeSpace(destination string) (int64, error) {
	dir := filepath.Dir(destination)
	if err := m.EnsureDir(destination); err != nil {
		return 0, fmt.Errorf("failed to create parent dir: %w", err)
	}

	path, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return 0, fmt.Errorf("invalid path: %w", err)
	}

	var available, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(path, &available, &total, &free); err != nil {
		return 0, fmt.Errorf("failed to get disk stats: %w", err)
	}

	return int64(available), nil
}
