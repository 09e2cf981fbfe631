package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vertextoedge/resumable-downloader/internal/adapter/filesystem"
	"github.com/vertextoedge/resumable-downloader/internal/adapter/sqlite"
	"github.com/vertextoedge/resumable-downloader/internal/domain"
	"github.com/vertextoedge/resumable-downloader/internal/service/session"
	"go.uber.org/zap"
)

type purgeEnv struct {
	store    *sqlite.Store
	fs       *filesystem.Manager
	registry *session.Registry
	service  *Service
	dest     string
}

func newPurgeEnv(t *testing.T) *purgeEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := sqlite.Open(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("sqlite.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	fs := filesystem.NewManager(false)
	registry := session.NewRegistry(nil, store, nil, fs, nil, zap.NewNop())
	t.Cleanup(func() { registry.Shutdown(context.Background()) })

	return &purgeEnv{
		store:    store,
		fs:       fs,
		registry: registry,
		service:  New(&Config{TerminalRetention: time.Hour}, registry, store, zap.NewNop()),
		dest:     filepath.Join(dir, "downloads", "file.bin"),
	}
}

// seed stores a session record in the given state
func (e *purgeEnv) seed(t *testing.T, id string, status domain.Status, confirmed int64, created time.Time) {
	t.Helper()
	s := domain.NewDownloadSession(id, "http://example.com/file.bin", e.dest)
	s.Status = status
	s.ConfirmedBytes = confirmed
	s.CreatedAt = created
	if status == domain.StatusFailed {
		s.LastError = "connection reset"
	}
	if err := e.store.CreateSession(s); err != nil {
		t.Fatalf("CreateSession(%s) error = %v", id, err)
	}
}

// writePartial leaves n bytes in the destination's partial file
func (e *purgeEnv) writePartial(t *testing.T, n int) {
	t.Helper()
	f, err := e.fs.OpenPartial(e.dest, 0)
	if err != nil {
		t.Fatalf("OpenPartial() error = %v", err)
	}
	if _, err := f.WriteAt(make([]byte, n), 0); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}
	f.Close()
}

func (e *purgeEnv) partialExists() bool {
	_, err := e.fs.PartialInfo(e.dest)
	return err == nil
}

func TestPurgeTerminal_KeepsPartialOfNewerFailedSession(t *testing.T) {
	env := newPurgeEnv(t)
	now := time.Now()

	env.seed(t, "old-cancelled", domain.StatusCancelled, 0, now.Add(-48*time.Hour))
	env.seed(t, "newer-failed", domain.StatusFailed, 500, now.Add(-time.Minute))
	env.writePartial(t, 500)

	purged := env.service.PurgeTerminal(now.Add(2 * time.Hour))
	if purged != 1 {
		t.Errorf("PurgeTerminal() = %d, want 1", purged)
	}
	if !env.partialExists() {
		t.Fatal("partial file of the unacknowledged failed session was removed")
	}
	if _, err := env.store.GetSession("newer-failed"); err != nil {
		t.Errorf("GetSession(newer-failed) error = %v", err)
	}

	// Once acknowledged, the newest record takes its partial file with it
	if err := env.store.AcknowledgeFailure("newer-failed"); err != nil {
		t.Fatalf("AcknowledgeFailure() error = %v", err)
	}
	if purged := env.service.PurgeTerminal(now.Add(2 * time.Hour)); purged != 1 {
		t.Errorf("second PurgeTerminal() = %d, want 1", purged)
	}
	if env.partialExists() {
		t.Error("partial file should be removed with the newest session")
	}
}

func TestPurgeTerminal_KeepsPartialOfLiveSession(t *testing.T) {
	env := newPurgeEnv(t)
	now := time.Now()

	env.seed(t, "old-cancelled", domain.StatusCancelled, 0, now.Add(-48*time.Hour))
	env.seed(t, "live", domain.StatusPaused, 300, now.Add(-time.Minute))
	env.writePartial(t, 300)

	if purged := env.service.PurgeTerminal(now.Add(2 * time.Hour)); purged != 1 {
		t.Errorf("PurgeTerminal() = %d, want 1", purged)
	}
	if !env.partialExists() {
		t.Error("partial file of the paused session was removed")
	}
}
