package repository

import (
	"time"

	"github.com/vertextoedge/resumable-downloader/internal/domain"
)

// SessionRepository defines the durable record of every download session.
// Every mutating call is committed before it returns.
type SessionRepository interface {
	// CreateSession inserts a new session record
	// Returns domain.ErrDuplicateDestination if a non-terminal session owns the destination
	CreateSession(session *domain.DownloadSession) error

	// GetSession retrieves a session by ID
	// Returns domain.ErrNotFound if absent
	GetSession(id string) (*domain.DownloadSession, error)

	// RecordProgress stores the cumulative confirmed byte count
	// Idempotent for an equal value, domain.ErrRegression if it decreases
	RecordProgress(id string, confirmedBytes int64) error

	// SetTotalBytes records the remote resource size once known
	SetTotalBytes(id string, totalBytes int64) error

	// UpdateStatus moves a session to a new status
	// Returns domain.ErrInvalidTransition if the state machine forbids it
	UpdateStatus(id string, status domain.Status) error

	// MarkFailed moves an active session to failed, recording the cause
	MarkFailed(id string, cause string) error

	// RecordRetry increments the retry counter and records the cause
	// Returns the new retry count
	RecordRetry(id string, cause string) (int, error)

	// ResumeOffset returns the confirmed byte count used for a ranged fetch
	ResumeOffset(id string) (int64, error)

	// FindResumable returns the most recent failed or cancelled session for the
	// same URL and destination with confirmed bytes, or domain.ErrNotFound
	FindResumable(url, destination string) (*domain.DownloadSession, error)

	// LatestSession returns the most recently created session for a destination
	// in any status, or domain.ErrNotFound
	LatestSession(destination string) (*domain.DownloadSession, error)

	// ListSessions returns sessions in any of the given statuses, all when empty
	ListSessions(statuses ...domain.Status) ([]*domain.DownloadSession, error)

	// AcknowledgeFailure flags a failed session as seen by a caller
	AcknowledgeFailure(id string) error

	// ListTerminalBefore returns terminal sessions last updated before cutoff
	ListTerminalBefore(cutoff time.Time) ([]*domain.DownloadSession, error)

	// DeleteSession removes a session record
	DeleteSession(id string) error

	// GetSessionStats returns session counts grouped by status
	GetSessionStats() (*domain.SessionStats, error)
}
