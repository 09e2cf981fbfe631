package domain

import "time"

// Status is the lifecycle state of a download session
type Status string

// Session status constants
const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// UnknownTotal marks a session whose total size has not been reported yet
const UnknownTotal int64 = -1

// transitions lists the allowed target states for every state.
// Terminal states have no entry.
var transitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusCancelled},
	StatusActive:  {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusActive, StatusCancelled},
}

// ParseStatus converts a persisted status string into a Status
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusActive, StatusPaused, StatusCancelled, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", ErrInvalidInput
}

// IsTerminal returns true for states with no outgoing transition
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether the state machine allows s -> next
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// NonTerminalStatuses returns the states that own their destination
func NonTerminalStatuses() []Status {
	return []Status{StatusPending, StatusActive, StatusPaused}
}

// DownloadSession is one logical download from creation to a terminal outcome
type DownloadSession struct {
	ID          string
	URL         string
	Destination string

	// Progress
	TotalBytes     int64
	ConfirmedBytes int64

	// State
	Status       Status
	LastError    string
	RetryCount   int
	Acknowledged bool

	// Timestamps
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewDownloadSession creates a pending session with an unknown size
func NewDownloadSession(id, url, destination string) *DownloadSession {
	now := time.Now()
	return &DownloadSession{
		ID:          id,
		URL:         url,
		Destination: destination,
		TotalBytes:  UnknownTotal,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// TotalKnown returns true once the remote size has been recorded
func (s *DownloadSession) TotalKnown() bool {
	return s.TotalBytes >= 0
}

// Progress returns the completion percentage, 0 while the total is unknown
func (s *DownloadSession) Progress() float64 {
	if s.TotalBytes <= 0 {
		if s.Status == StatusCompleted {
			return 100
		}
		return 0
	}
	return float64(s.ConfirmedBytes) * 100 / float64(s.TotalBytes)
}

// CheckProgress validates a new cumulative byte count against the session
func (s *DownloadSession) CheckProgress(confirmed int64) error {
	if confirmed < s.ConfirmedBytes {
		return ErrRegression
	}
	if s.TotalKnown() && confirmed > s.TotalBytes {
		return ErrProgressExceedsTotal
	}
	return nil
}

// Transition moves the session to next if the state machine allows it
func (s *DownloadSession) Transition(next Status) error {
	if !s.Status.CanTransitionTo(next) {
		return NewTransitionError(s.Status, next)
	}
	s.Status = next
	s.UpdatedAt = time.Now()
	return nil
}

// InheritProgress seeds a fresh session with the confirmed prefix of a prior,
// interrupted session for the same URL and destination
func (s *DownloadSession) InheritProgress(prior *DownloadSession) {
	if prior == nil {
		return
	}
	s.ConfirmedBytes = prior.ConfirmedBytes
	s.TotalBytes = prior.TotalBytes
}

// Snapshot returns a copy safe to hand to other goroutines
func (s *DownloadSession) Snapshot() *DownloadSession {
	cp := *s
	return &cp
}

// SessionStats represents session counts grouped by status
type SessionStats struct {
	PendingCount    int   `json:"pending"`
	ActiveCount     int   `json:"active"`
	PausedCount     int   `json:"paused"`
	CompletedCount  int   `json:"completed"`
	FailedCount     int   `json:"failed"`
	CancelledCount  int   `json:"cancelled"`
	ConfirmedBytes  int64 `json:"confirmed_bytes"`
	OutstandingSize int64 `json:"outstanding_bytes"`
}
