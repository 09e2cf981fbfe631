package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vertextoedge/resumable-downloader/internal/domain"
)

const sessionColumns = `id, url, destination, status, confirmed_bytes, total_bytes,
	last_error, retry_count, acknowledged, created_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// CreateSession inserts a new session record
func (s *Store) CreateSession(session *domain.DownloadSession) error {
	query := `
		INSERT INTO download_sessions (
			id, url, destination, status, confirmed_bytes, total_bytes,
			last_error, retry_count, acknowledged, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = domain.StatusPending
	}

	_, err := s.db.Exec(query,
		session.ID, session.URL, session.Destination, string(session.Status),
		session.ConfirmedBytes, session.TotalBytes, nullString(session.LastError),
		session.RetryCount, session.Acknowledged,
		session.CreatedAt.UnixNano(), session.UpdatedAt.UnixNano())
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "download_sessions.id") {
				return fmt.Errorf("session %s: %w", session.ID, domain.ErrInvalidInput)
			}
			return domain.ErrDuplicateDestination
		}
		return err
	}

	return nil
}

// GetSession retrieves a session by ID
func (s *Store) GetSession(id string) (*domain.DownloadSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM download_sessions WHERE id = ?`
	return scanSession(s.db.QueryRow(query, id))
}

// RecordProgress stores the cumulative confirmed byte count
func (s *Store) RecordProgress(id string, confirmedBytes int64) error {
	return s.withSession(id, func(tx *sql.Tx, session *domain.DownloadSession) error {
		if err := session.CheckProgress(confirmedBytes); err != nil {
			return fmt.Errorf("session %s at %d, got %d: %w", id, session.ConfirmedBytes, confirmedBytes, err)
		}
		if confirmedBytes == session.ConfirmedBytes {
			return nil
		}

		_, err := tx.Exec(`
			UPDATE download_sessions
			SET confirmed_bytes = ?, updated_at = ?
			WHERE id = ?
		`, confirmedBytes, time.Now().UnixNano(), id)
		return err
	})
}

// SetTotalBytes records the remote resource size once known
func (s *Store) SetTotalBytes(id string, totalBytes int64) error {
	return s.withSession(id, func(tx *sql.Tx, session *domain.DownloadSession) error {
		if totalBytes >= 0 && session.ConfirmedBytes > totalBytes {
			return fmt.Errorf("session %s total %d below confirmed %d: %w",
				id, totalBytes, session.ConfirmedBytes, domain.ErrProgressExceedsTotal)
		}

		_, err := tx.Exec(`
			UPDATE download_sessions
			SET total_bytes = ?, updated_at = ?
			WHERE id = ?
		`, totalBytes, time.Now().UnixNano(), id)
		return err
	})
}

// UpdateStatus moves a session to a new status
func (s *Store) UpdateStatus(id string, status domain.Status) error {
	return s.withSession(id, func(tx *sql.Tx, session *domain.DownloadSession) error {
		if err := session.Transition(status); err != nil {
			return err
		}

		_, err := tx.Exec(`
			UPDATE download_sessions
			SET status = ?, updated_at = ?
			WHERE id = ?
		`, string(status), time.Now().UnixNano(), id)
		return err
	})
}

// MarkFailed moves an active session to failed, recording the cause
func (s *Store) MarkFailed(id string, cause string) error {
	return s.withSession(id, func(tx *sql.Tx, session *domain.DownloadSession) error {
		if err := session.Transition(domain.StatusFailed); err != nil {
			return err
		}

		_, err := tx.Exec(`
			UPDATE download_sessions
			SET status = 'failed', last_error = ?, acknowledged = FALSE, updated_at = ?
			WHERE id = ?
		`, cause, time.Now().UnixNano(), id)
		return err
	})
}

// RecordRetry increments the retry counter and records the cause
func (s *Store) RecordRetry(id string, cause string) (int, error) {
	var count int
	err := s.withSession(id, func(tx *sql.Tx, session *domain.DownloadSession) error {
		count = session.RetryCount + 1
		_, err := tx.Exec(`
			UPDATE download_sessions
			SET retry_count = ?, last_error = ?, updated_at = ?
			WHERE id = ?
		`, count, cause, time.Now().UnixNano(), id)
		return err
	})
	return count, err
}

// ResumeOffset returns the confirmed byte count used for a ranged fetch
func (s *Store) ResumeOffset(id string) (int64, error) {
	var offset int64
	err := s.db.QueryRow("SELECT confirmed_bytes FROM download_sessions WHERE id = ?", id).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	return offset, err
}

// FindResumable returns the latest interrupted session for url and destination
func (s *Store) FindResumable(url, destination string) (*domain.DownloadSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM download_sessions
		WHERE url = ? AND destination = ?
		  AND status IN ('failed', 'cancelled')
		  AND confirmed_bytes > 0
		ORDER BY updated_at DESC
		LIMIT 1`

	return scanSession(s.db.QueryRow(query, url, destination))
}

// LatestSession returns the most recently created session for destination
func (s *Store) LatestSession(destination string) (*domain.DownloadSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM download_sessions
		WHERE destination = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`

	return scanSession(s.db.QueryRow(query, destination))
}

// ListSessions returns sessions in any of the given statuses, all when empty
func (s *Store) ListSessions(statuses ...domain.Status) ([]*domain.DownloadSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM download_sessions`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSessions(rows)
}

// AcknowledgeFailure flags a failed session as seen by a caller
func (s *Store) AcknowledgeFailure(id string) error {
	return s.withSession(id, func(tx *sql.Tx, session *domain.DownloadSession) error {
		if session.Status != domain.StatusFailed {
			return domain.NewTransitionError(session.Status, domain.StatusFailed)
		}
		_, err := tx.Exec(`
			UPDATE download_sessions
			SET acknowledged = TRUE, updated_at = ?
			WHERE id = ?
		`, time.Now().UnixNano(), id)
		return err
	})
}

// ListTerminalBefore returns terminal sessions last updated before cutoff
func (s *Store) ListTerminalBefore(cutoff time.Time) ([]*domain.DownloadSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM download_sessions
		WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < ?
		ORDER BY updated_at ASC`

	rows, err := s.db.Query(query, cutoff.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSessions(rows)
}

// DeleteSession removes a session record
func (s *Store) DeleteSession(id string) error {
	result, err := s.db.Exec("DELETE FROM download_sessions WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetSessionStats returns session counts grouped by status
func (s *Store) GetSessionStats() (*domain.SessionStats, error) {
	stats := &domain.SessionStats{}

	query := `
		SELECT status, COUNT(*), COALESCE(SUM(confirmed_bytes), 0),
			   COALESCE(SUM(CASE WHEN total_bytes > confirmed_bytes THEN total_bytes - confirmed_bytes ELSE 0 END), 0)
		FROM download_sessions
		GROUP BY status
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		var confirmed, outstanding int64

		if err := rows.Scan(&status, &count, &confirmed, &outstanding); err != nil {
			return nil, err
		}

		stats.ConfirmedBytes += confirmed
		switch domain.Status(status) {
		case domain.StatusPending:
			stats.PendingCount = count
			stats.OutstandingSize += outstanding
		case domain.StatusActive:
			stats.ActiveCount = count
			stats.OutstandingSize += outstanding
		case domain.StatusPaused:
			stats.PausedCount = count
			stats.OutstandingSize += outstanding
		case domain.StatusCompleted:
			stats.CompletedCount = count
		case domain.StatusFailed:
			stats.FailedCount = count
		case domain.StatusCancelled:
			stats.CancelledCount = count
		}
	}

	return stats, rows.Err()
}

// withSession loads a session inside a write transaction, runs fn and commits
func (s *Store) withSession(id string, fn func(tx *sql.Tx, session *domain.DownloadSession) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	session, err := scanSession(tx.QueryRow(`SELECT `+sessionColumns+` FROM download_sessions WHERE id = ?`, id))
	if err != nil {
		return err
	}

	if err := fn(tx, session); err != nil {
		return err
	}

	return tx.Commit()
}

// scanSession scans a single session row
func scanSession(row rowScanner) (*domain.DownloadSession, error) {
	session := &domain.DownloadSession{}
	var status string
	var lastError sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&session.ID, &session.URL, &session.Destination, &status,
		&session.ConfirmedBytes, &session.TotalBytes, &lastError,
		&session.RetryCount, &session.Acknowledged, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	session.Status, err = domain.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("session %s has status %q: %w", session.ID, status, err)
	}
	if lastError.Valid {
		session.LastError = lastError.String
	}
	session.CreatedAt = time.Unix(0, createdAt)
	session.UpdatedAt = time.Unix(0, updatedAt)

	return session, nil
}

// scanSessions scans multiple session rows
func scanSessions(rows *sql.Rows) ([]*domain.DownloadSession, error) {
	var sessions []*domain.DownloadSession

	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isUniqueConstraintError checks if the error is a unique constraint violation
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "duplicate key")
}
