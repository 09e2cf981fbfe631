package event

import (
	"sync"
	"testing"
	"time"

	"github.com/vertextoedge/resumable-downloader/internal/domain"
)

type recordingHandler struct {
	mu     sync.Mutex
	names  []string
	events []DomainEvent
}

func (h *recordingHandler) Handle(event DomainEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return nil
}

func (h *recordingHandler) HandledEvents() []string { return h.names }

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func TestInMemoryDispatcher_SyncDelivery(t *testing.T) {
	d := NewInMemoryDispatcher()
	progress := &recordingHandler{names: []string{NameProgressed}}
	all := &recordingHandler{names: []string{"*"}}
	d.Subscribe(progress)
	d.Subscribe(all)

	d.Dispatch(NewProgressed("s1", 10, 100))
	d.Dispatch(NewRetrying("s1", 1, time.Second, nil))

	if got := progress.count(); got != 1 {
		t.Errorf("progress handler received %d events, want 1", got)
	}
	if got := all.count(); got != 2 {
		t.Errorf("wildcard handler received %d events, want 2", got)
	}

	d.Unsubscribe(progress)
	d.Dispatch(NewProgressed("s1", 20, 100))
	if got := progress.count(); got != 1 {
		t.Errorf("unsubscribed handler received %d events, want 1", got)
	}
}

func TestInMemoryDispatcher_AsyncPreservesOrder(t *testing.T) {
	d := NewAsyncDispatcher(64)
	h := &recordingHandler{names: []string{NameProgressed}}
	d.Subscribe(h)

	for i := int64(1); i <= 20; i++ {
		d.Dispatch(NewProgressed("s1", i*10, 200))
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.count() < 20 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	d.Close()

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) != 20 {
		t.Fatalf("received %d events, want 20", len(h.events))
	}
	for i, ev := range h.events {
		p := ev.(Progressed)
		if p.ConfirmedBytes != int64(i+1)*10 {
			t.Fatalf("event %d confirmed = %d, want %d", i, p.ConfirmedBytes, (i+1)*10)
		}
	}
}

func TestHandlerFunc(t *testing.T) {
	d := NewInMemoryDispatcher()
	var got []string
	d.Subscribe(HandlerFunc(func(e DomainEvent) error {
		got = append(got, e.SessionID())
		return nil
	}, NameStatusChanged))

	s := domain.NewDownloadSession("abc", "http://x/f", "/tmp/f")
	d.Dispatch(NewStatusChanged(s, domain.StatusPending))
	d.Dispatch(NewProgressed("abc", 1, 2))

	if len(got) != 1 || got[0] != "abc" {
		t.Errorf("HandlerFunc received %v, want [abc]", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	h := NewMetricsHandler()

	active := domain.NewDownloadSession("s1", "http://x/f", "/tmp/f")
	active.Status = domain.StatusActive
	active.ConfirmedBytes = 100
	h.Handle(NewStatusChanged(active, domain.StatusPaused))

	h.Handle(NewProgressed("s1", 150, 300))
	h.Handle(NewProgressed("s1", 280, 300))
	h.Handle(NewRetrying("s1", 1, time.Second, nil))

	// The last throttled progress event is behind the completion offset
	done := active.Snapshot()
	done.Status = domain.StatusCompleted
	done.ConfirmedBytes = 300
	h.Handle(NewStatusChanged(done, domain.StatusActive))

	m := h.GetMetrics()
	if m["bytes_transferred"] != 200 {
		t.Errorf("bytes_transferred = %d, want 200", m["bytes_transferred"])
	}
	if m["sessions_completed"] != 1 {
		t.Errorf("sessions_completed = %d, want 1", m["sessions_completed"])
	}
	if m["retries"] != 1 {
		t.Errorf("retries = %d, want 1", m["retries"])
	}
}

func TestMetricsHandler_CountsBytesBeforePause(t *testing.T) {
	h := NewMetricsHandler()

	s := domain.NewDownloadSession("s1", "http://x/f", "/tmp/f")
	s.Status = domain.StatusActive
	h.Handle(NewStatusChanged(s, domain.StatusPending))
	h.Handle(NewProgressed("s1", 50, 400))

	paused := s.Snapshot()
	paused.Status = domain.StatusPaused
	paused.ConfirmedBytes = 120
	h.Handle(NewStatusChanged(paused, domain.StatusActive))

	resumed := paused.Snapshot()
	resumed.Status = domain.StatusActive
	h.Handle(NewStatusChanged(resumed, domain.StatusPaused))

	cancelled := resumed.Snapshot()
	cancelled.Status = domain.StatusCancelled
	cancelled.ConfirmedBytes = 200
	h.Handle(NewStatusChanged(cancelled, domain.StatusActive))

	m := h.GetMetrics()
	if m["bytes_transferred"] != 200 {
		t.Errorf("bytes_transferred = %d, want 200", m["bytes_transferred"])
	}
	if m["sessions_paused"] != 1 || m["sessions_cancelled"] != 1 {
		t.Errorf("paused/cancelled = %d/%d, want 1/1", m["sessions_paused"], m["sessions_cancelled"])
	}
}
