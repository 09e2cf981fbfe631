package event

import (
	"time"

	"github.com/vertextoedge/resumable-downloader/internal/domain"
)

// Event names
const (
	NameStatusChanged = "session.status_changed"
	NameProgressed    = "session.progressed"
	NameRetrying      = "session.retrying"
)

// DomainEvent is the interface for all domain events
type DomainEvent interface {
	// EventName returns the name of the event
	EventName() string
	// OccurredAt returns when the event occurred
	OccurredAt() time.Time
	// SessionID returns the session the event belongs to
	SessionID() string
}

// BaseEvent provides common fields for all events
type BaseEvent struct {
	Timestamp time.Time
	Session   string
}

// OccurredAt returns when the event occurred
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// SessionID returns the session the event belongs to
func (e BaseEvent) SessionID() string {
	return e.Session
}

// StatusChanged is raised after a session status transition has been persisted
type StatusChanged struct {
	BaseEvent
	From           domain.Status
	To             domain.Status
	ConfirmedBytes int64
	TotalBytes     int64
	Error          string
}

// EventName returns the event name
func (e StatusChanged) EventName() string {
	return NameStatusChanged
}

// NewStatusChanged creates a new StatusChanged event
func NewStatusChanged(s *domain.DownloadSession, from domain.Status) StatusChanged {
	return StatusChanged{
		BaseEvent:      BaseEvent{Timestamp: time.Now(), Session: s.ID},
		From:           from,
		To:             s.Status,
		ConfirmedBytes: s.ConfirmedBytes,
		TotalBytes:     s.TotalBytes,
		Error:          s.LastError,
	}
}

// Progressed is raised when confirmed bytes advance
type Progressed struct {
	BaseEvent
	ConfirmedBytes int64
	TotalBytes     int64
}

// EventName returns the event name
func (e Progressed) EventName() string {
	return NameProgressed
}

// Percent returns the completion percentage, 0 while the total is unknown
func (e Progressed) Percent() float64 {
	if e.TotalBytes <= 0 {
		return 0
	}
	return float64(e.ConfirmedBytes) * 100 / float64(e.TotalBytes)
}

// NewProgressed creates a new Progressed event
func NewProgressed(sessionID string, confirmed, total int64) Progressed {
	return Progressed{
		BaseEvent:      BaseEvent{Timestamp: time.Now(), Session: sessionID},
		ConfirmedBytes: confirmed,
		TotalBytes:     total,
	}
}

// Retrying is raised before the fetch loop backs off after a transient failure
type Retrying struct {
	BaseEvent
	Attempt int
	Delay   time.Duration
	Error   string
}

// EventName returns the event name
func (e Retrying) EventName() string {
	return NameRetrying
}

// NewRetrying creates a new Retrying event
func NewRetrying(sessionID string, attempt int, delay time.Duration, err error) Retrying {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Retrying{
		BaseEvent: BaseEvent{Timestamp: time.Now(), Session: sessionID},
		Attempt:   attempt,
		Delay:     delay,
		Error:     msg,
	}
}
