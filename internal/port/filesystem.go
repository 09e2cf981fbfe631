package port

import (
	"time"
)

// PartialFile is an open partial download written at explicit offsets
type PartialFile interface {
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
	Close() error
}

// PartialInfo describes a partial download on disk
type PartialInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// FileSystem defines the interface for destination file operations
type FileSystem interface {
	// PartialPath returns the in-progress path for a destination
	PartialPath(destination string) string

	// OpenPartial opens (creating parent dirs and the file) the partial file
	// for a destination and truncates it to offset, discarding unconfirmed bytes
	OpenPartial(destination string, offset int64) (PartialFile, error)

	// PartialInfo returns size and modification time of the partial file
	// Returns an error if it does not exist
	PartialInfo(destination string) (*PartialInfo, error)

	// Finalize atomically moves the partial file onto the destination
	Finalize(destination string) error

	// RemovePartial deletes the partial file; missing files are not an error
	RemovePartial(destination string) error

	// FileExists checks if a file exists
	FileExists(path string) bool

	// FreeSpace returns available bytes on the destination's filesystem,
	// -1 if it cannot be measured
	FreeSpace(destination string) (int64, error)
}
