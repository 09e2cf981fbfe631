package event

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/vertextoedge/resumable-downloader/internal/domain"
	"go.uber.org/zap"
)

// LoggingHandler logs all events
type LoggingHandler struct {
	logger *zap.Logger
}

// NewLoggingHandler creates a new LoggingHandler
func NewLoggingHandler(logger *zap.Logger) *LoggingHandler {
	return &LoggingHandler{logger: logger}
}

// Handle logs the event
func (h *LoggingHandler) Handle(event DomainEvent) error {
	switch e := event.(type) {
	case StatusChanged:
		fields := []zap.Field{
			zap.String("session_id", e.Session),
			zap.String("from", string(e.From)),
			zap.String("to", string(e.To)),
			zap.Int64("confirmed_bytes", e.ConfirmedBytes),
			zap.Int64("total_bytes", e.TotalBytes),
		}
		if e.To == domain.StatusCompleted {
			fields = append(fields, zap.String("size", humanize.IBytes(uint64(e.ConfirmedBytes))))
		}
		if e.To == domain.StatusFailed {
			h.logger.Warn("download session failed", append(fields, zap.String("error", e.Error))...)
			return nil
		}
		h.logger.Info("download session status changed", fields...)
	case Progressed:
		h.logger.Debug("download session progress",
			zap.String("session_id", e.Session),
			zap.Int64("confirmed_bytes", e.ConfirmedBytes),
			zap.Int64("total_bytes", e.TotalBytes),
			zap.Float64("percent", e.Percent()),
		)
	case Retrying:
		h.logger.Warn("download session retrying",
			zap.String("session_id", e.Session),
			zap.Int("attempt", e.Attempt),
			zap.Duration("delay", e.Delay),
			zap.String("error", e.Error),
		)
	default:
		h.logger.Debug("domain event",
			zap.String("event", event.EventName()),
			zap.Time("occurred_at", event.OccurredAt()),
		)
	}
	return nil
}

// HandledEvents returns the events this handler handles
func (h *LoggingHandler) HandledEvents() []string {
	return []string{"*"} // Handle all events
}

// MetricsHandler collects counters from events
type MetricsHandler struct {
	mu        sync.Mutex
	completed int64
	failed    int64
	cancelled int64
	paused    int64
	retries   int64
	bytes     int64

	// last confirmed offset per session, turns cumulative progress into deltas
	last map[string]int64
}

// NewMetricsHandler creates a new MetricsHandler
func NewMetricsHandler() *MetricsHandler {
	return &MetricsHandler{last: make(map[string]int64)}
}

// Handle updates metrics based on the event
func (h *MetricsHandler) Handle(event DomainEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch e := event.(type) {
	case StatusChanged:
		switch e.To {
		case domain.StatusCompleted:
			h.completed++
		case domain.StatusFailed:
			h.failed++
		case domain.StatusCancelled:
			h.cancelled++
		case domain.StatusPaused:
			h.paused++
		}
		// Progress events are throttled; count the bytes since the last one
		h.advance(e.Session, e.ConfirmedBytes)
		if e.To.IsTerminal() {
			delete(h.last, e.Session)
		}
	case Progressed:
		h.advance(e.Session, e.ConfirmedBytes)
	case Retrying:
		h.retries++
	}
	return nil
}

// advance adds the bytes confirmed since the last seen offset. Must hold mu.
func (h *MetricsHandler) advance(session string, confirmed int64) {
	prev, seen := h.last[session]
	if seen && confirmed > prev {
		h.bytes += confirmed - prev
	}
	h.last[session] = confirmed
}

// HandledEvents returns the events this handler handles
func (h *MetricsHandler) HandledEvents() []string {
	return []string{
		NameStatusChanged,
		NameProgressed,
		NameRetrying,
	}
}

// GetMetrics returns current metrics
func (h *MetricsHandler) GetMetrics() map[string]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	return map[string]int64{
		"sessions_completed": h.completed,
		"sessions_failed":    h.failed,
		"sessions_cancelled": h.cancelled,
		"sessions_paused":    h.paused,
		"retries":            h.retries,
		"bytes_transferred":  h.bytes,
	}
}
