package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/vertextoedge/resumable-downloader/internal/domain"
	"go.uber.org/zap"
)

// SessionViewer provides read access to download sessions
type SessionViewer interface {
	Load(id string) (*domain.DownloadSession, error)
	List(statuses ...domain.Status) ([]*domain.DownloadSession, error)
	Stats() (*domain.SessionStats, error)
}

// MetricsSource provides event counters
type MetricsSource interface {
	GetMetrics() map[string]int64
}

// sessionView is the JSON form of a session
type sessionView struct {
	ID             string    `json:"id"`
	URL            string    `json:"url"`
	Destination    string    `json:"destination"`
	Status         string    `json:"status"`
	ConfirmedBytes int64     `json:"confirmed_bytes"`
	TotalBytes     int64     `json:"total_bytes"`
	Progress       float64   `json:"progress"`
	RetryCount     int       `json:"retry_count"`
	LastError      string    `json:"last_error,omitempty"`
	Acknowledged   bool      `json:"acknowledged,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func newSessionView(s *domain.DownloadSession) sessionView {
	return sessionView{
		ID:             s.ID,
		URL:            s.URL,
		Destination:    s.Destination,
		Status:         string(s.Status),
		ConfirmedBytes: s.ConfirmedBytes,
		TotalBytes:     s.TotalBytes,
		Progress:       s.Progress(),
		RetryCount:     s.RetryCount,
		LastError:      s.LastError,
		Acknowledged:   s.Acknowledged,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

// DebugHandler handles debug endpoint requests
type DebugHandler struct {
	sessions SessionViewer
	metrics  MetricsSource
	logger   *zap.Logger
}

// NewDebugHandler creates a new DebugHandler
func NewDebugHandler(sessions SessionViewer, metrics MetricsSource, logger *zap.Logger) *DebugHandler {
	return &DebugHandler{
		sessions: sessions,
		metrics:  metrics,
		logger:   logger,
	}
}

// HandleStats handles debug statistics requests
func (h *DebugHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := h.sessions.Stats()
	if err != nil {
		h.logger.Error("failed to get session stats", zap.Error(err))
		http.Error(w, "Failed to get session stats", http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"sessions": stats,
	}
	if h.metrics != nil {
		response["events"] = h.metrics.GetMetrics()
	}

	writeJSON(w, response)
}

// HandleSessions lists sessions, optionally filtered by ?status=a,b
func (h *DebugHandler) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var statuses []domain.Status
	if filter := r.URL.Query().Get("status"); filter != "" {
		for _, part := range strings.Split(filter, ",") {
			status, err := domain.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				http.Error(w, "Invalid status: "+part, http.StatusBadRequest)
				return
			}
			statuses = append(statuses, status)
		}
	}

	sessions, err := h.sessions.List(statuses...)
	if err != nil {
		h.logger.Error("failed to list sessions", zap.Error(err))
		http.Error(w, "Failed to list sessions", http.StatusInternalServerError)
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, newSessionView(s))
	}

	writeJSON(w, map[string]interface{}{
		"count":    len(views),
		"sessions": views,
	})
}

// HandleSession returns one session by ID
func (h *DebugHandler) HandleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/debug/sessions/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	s, err := h.sessions.Load(id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to load session", zap.String("session", id), zap.Error(err))
		http.Error(w, "Failed to load session", http.StatusInternalServerError)
		return
	}

	writeJSON(w, newSessionView(s))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
