package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vertextoedge/resumable-downloader/internal/adapter/filesystem"
	"github.com/vertextoedge/resumable-downloader/internal/domain"
	"github.com/vertextoedge/resumable-downloader/internal/domain/event"
	"github.com/vertextoedge/resumable-downloader/internal/port"
	"go.uber.org/zap"
)

// lowSpaceFS reports a fixed amount of free space
type lowSpaceFS struct {
	*filesystem.Manager
	free int64
}

func (f *lowSpaceFS) FreeSpace(string) (int64, error) {
	return f.free, nil
}

// failingStore rejects MarkFailed a number of times before passing through
type failingStore struct {
	port.SessionRepository

	mu       sync.Mutex
	failures int // -1 fails forever
}

func (s *failingStore) MarkFailed(id, cause string) error {
	s.mu.Lock()
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		s.mu.Unlock()
		return errors.New("database is locked")
	}
	s.mu.Unlock()
	return s.SessionRepository.MarkFailed(id, cause)
}

// seedSession stores a session record as a previous run left it
func seedSession(t *testing.T, env *testEnv, id, dest string, status domain.Status, confirmed, total int64, created time.Time) {
	t.Helper()
	s := domain.NewDownloadSession(id, "http://example.com/file.bin", dest)
	s.Status = status
	s.ConfirmedBytes = confirmed
	s.TotalBytes = total
	s.CreatedAt = created
	if err := env.store.CreateSession(s); err != nil {
		t.Fatalf("CreateSession(%s) error = %v", id, err)
	}
}

func newRegistryWith(t *testing.T, env *testEnv, cfg *Config, store port.SessionRepository, fs port.FileSystem) *Registry {
	t.Helper()
	r := NewRegistry(cfg, store, env.fetcher, fs, event.NewInMemoryDispatcher(), zap.NewNop())
	t.Cleanup(func() { r.Shutdown(context.Background()) })
	return r
}

func TestRegistry_RecoverCompletesRenamedDownload(t *testing.T) {
	data := testContent(250)
	env := newTestEnv(t, newMockFetcher(data), nil)
	dest := env.dest("done.bin")

	// The previous run renamed the partial file but stopped before
	// recording completion
	seedSession(t, env, "renamed", dest, domain.StatusActive, 250, 250, time.Now())
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		t.Fatal(err)
	}

	recovered, err := env.registry.Recover()
	if err != nil || recovered != 1 {
		t.Fatalf("Recover() = %d, %v, want 1", recovered, err)
	}

	s := waitTerminal(t, env.registry, "renamed")
	if s.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed (last error %q)", s.Status, s.LastError)
	}
	if got := env.fetcher.fetchOffsets(); len(got) != 0 {
		t.Errorf("fetch offsets = %v, want none", got)
	}

	stored, _ := env.store.GetSession("renamed")
	if stored.Status != domain.StatusCompleted {
		t.Errorf("stored status = %s, want completed", stored.Status)
	}
	assertFile(t, dest, data)
}

func TestRegistry_SizeChangeFails(t *testing.T) {
	fetcher := newMockFetcher(testContent(300), 100)
	fetcher.setHold(100)
	env := newTestEnv(t, fetcher, nil)

	id := startSession(t, env.registry, "http://example.com/file.bin", env.dest("file.bin"))
	waitConfirmed(t, env.registry, id, 100)

	if res := await(t, env.registry.PauseDownload(id)); res.Err != nil {
		t.Fatalf("PauseDownload() error = %v", res.Err)
	}

	fetcher.setContent(testContent(400))
	fetcher.setHold(-1)
	if res := await(t, env.registry.ResumeDownload(id)); res.Err != nil {
		t.Fatalf("ResumeDownload() error = %v", res.Err)
	}

	s := waitTerminal(t, env.registry, id)
	if s.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", s.Status)
	}
	if !strings.Contains(s.LastError, ErrSizeChanged.Error()) {
		t.Errorf("last error = %q, want size change", s.LastError)
	}

	stored, _ := env.store.GetSession(id)
	if stored.Status != domain.StatusFailed || stored.ConfirmedBytes != 100 || stored.TotalBytes != 300 {
		t.Errorf("stored = %s %d/%d, want failed 100/300", stored.Status, stored.ConfirmedBytes, stored.TotalBytes)
	}
}

func TestRegistry_InsufficientSpaceFails(t *testing.T) {
	env := newTestEnv(t, newMockFetcher(testContent(250)), nil)

	cfg := testConfig()
	cfg.CheckFreeSpace = true
	r := newRegistryWith(t, env, cfg, env.store, &lowSpaceFS{Manager: env.fs, free: 10})

	id := startSession(t, r, "http://example.com/file.bin", env.dest("big.bin"))

	s := waitTerminal(t, r, id)
	if s.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", s.Status)
	}
	if !strings.Contains(s.LastError, domain.ErrInsufficientSpace.Error()) {
		t.Errorf("last error = %q, want insufficient space", s.LastError)
	}
	if s.ConfirmedBytes != 0 {
		t.Errorf("confirmed = %d, want 0", s.ConfirmedBytes)
	}

	stored, _ := env.store.GetSession(id)
	if stored.LastError != s.LastError {
		t.Errorf("stored last error = %q, want %q", stored.LastError, s.LastError)
	}
}

func TestRegistry_FailurePersistRetried(t *testing.T) {
	fetcher := newMockFetcher(testContent(250))
	fetcher.failNext(domain.NewPermanentError(errors.New("gone"), 410))
	env := newTestEnv(t, fetcher, nil)

	store := &failingStore{SessionRepository: env.store, failures: 1}
	r := newRegistryWith(t, env, testConfig(), store, env.fs)

	id := startSession(t, r, "http://example.com/file.bin", env.dest("file.bin"))

	s := waitTerminal(t, r, id)
	if s.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", s.Status)
	}
}

func TestRegistry_UnpersistableFailureStalls(t *testing.T) {
	fetcher := newMockFetcher(testContent(250))
	fetcher.failNext(domain.NewPermanentError(errors.New("gone"), 410))
	env := newTestEnv(t, fetcher, nil)

	store := &failingStore{SessionRepository: env.store, failures: -1}
	r := newRegistryWith(t, env, testConfig(), store, env.fs)

	id := startSession(t, r, "http://example.com/file.bin", env.dest("file.bin"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.Wait(ctx, id); !errors.Is(err, ErrStalled) {
		t.Fatalf("Wait() error = %v, want ErrStalled", err)
	}

	if res := await(t, r.CancelDownload(id)); !errors.Is(res.Err, ErrStalled) {
		t.Errorf("CancelDownload() error = %v, want ErrStalled", res.Err)
	}

	// The record keeps its last stored status for a later recovery
	stored, _ := env.store.GetSession(id)
	if stored.Status != domain.StatusActive {
		t.Errorf("stored status = %s, want active", stored.Status)
	}
}

func TestRegistry_ReleasePartial(t *testing.T) {
	fetcher := newMockFetcher(testContent(300), 100)
	fetcher.setHold(100)
	env := newTestEnv(t, fetcher, nil)
	dest := env.dest("shared.bin")
	partial := env.fs.PartialPath(dest)

	seedSession(t, env, "expired", dest, domain.StatusCancelled, 0, domain.UnknownTotal, time.Now().Add(-time.Hour))

	// A new session on the same destination owns the partial file now
	id := startSession(t, env.registry, "http://example.com/file.bin", dest)
	waitConfirmed(t, env.registry, id, 100)

	removed, err := env.registry.ReleasePartial("expired", dest)
	if err != nil || removed {
		t.Fatalf("ReleasePartial(expired) = %v, %v, want false", removed, err)
	}
	if !env.fs.FileExists(partial) {
		t.Fatal("partial file of the live session was removed")
	}

	if res := await(t, env.registry.CancelDownload(id)); res.Err != nil {
		t.Fatalf("CancelDownload() error = %v", res.Err)
	}

	// The newest session releases its own leftovers
	other := env.dest("other.bin")
	seedSession(t, env, "alone", other, domain.StatusCancelled, 50, domain.UnknownTotal, time.Now())
	f, err := env.fs.OpenPartial(other, 0)
	if err != nil {
		t.Fatalf("OpenPartial() error = %v", err)
	}
	f.WriteAt(make([]byte, 50), 0)
	f.Close()

	removed, err = env.registry.ReleasePartial("alone", other)
	if err != nil || !removed {
		t.Fatalf("ReleasePartial(alone) = %v, %v, want true", removed, err)
	}
	if env.fs.FileExists(env.fs.PartialPath(other)) {
		t.Error("partial file should be removed")
	}

	if removed, err := env.registry.ReleasePartial("missing", env.dest("none.bin")); err != nil || removed {
		t.Errorf("ReleasePartial(unknown destination) = %v, %v, want false", removed, err)
	}
}
