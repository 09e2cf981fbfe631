//go:build !windows
// +build !windows

package filesystem

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// FreeSpace returns the bytes available to unprivileged users on the
// filesystem that will hold destination
func (m *Manager) FreeSpace(destination string) (int64, error) {
	dir := filepath.Dir(destination)
	if err := m.EnsureDir(destination); err != nil {
		return 0, fmt.Errorf("failed to create parent dir: %w", err)
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("failed to get disk stats: %w", err)
	}

	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
