package session

import (
	"context"
	"iter"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vertextoedge/resumable-downloader/internal/adapter/filesystem"
	"github.com/vertextoedge/resumable-downloader/internal/adapter/sqlite"
	"github.com/vertextoedge/resumable-downloader/internal/domain"
	"github.com/vertextoedge/resumable-downloader/internal/domain/event"
	"github.com/vertextoedge/resumable-downloader/internal/port"
	"go.uber.org/zap"
)

// mockFetcher serves fixed content in chunks starting at the requested offset
type mockFetcher struct {
	mu         sync.Mutex
	content    []byte
	chunkSizes []int // sizes in order, the last one repeats
	hideTotal  bool
	holdAt     int64   // stream blocks before yielding a chunk at this offset; -1 disables
	failures   []error // returned by the next Fetch calls in order
	calls      []int64
}

func newMockFetcher(content []byte, chunkSizes ...int) *mockFetcher {
	if len(chunkSizes) == 0 {
		chunkSizes = []int{100}
	}
	return &mockFetcher{content: content, chunkSizes: chunkSizes, holdAt: -1}
}

func (f *mockFetcher) Fetch(ctx context.Context, url string, startOffset int64) (port.ChunkStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, startOffset)
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}

	total := int64(len(f.content))
	if f.hideTotal {
		total = domain.UnknownTotal
	}
	return &mockStream{ctx: ctx, fetcher: f, offset: startOffset, total: total}, nil
}

func (f *mockFetcher) setHold(offset int64) {
	f.mu.Lock()
	f.holdAt = offset
	f.mu.Unlock()
}

// setContent replaces the served resource, as when it changes upstream
func (f *mockFetcher) setContent(content []byte) {
	f.mu.Lock()
	f.content = content
	f.mu.Unlock()
}

func (f *mockFetcher) failNext(errs ...error) {
	f.mu.Lock()
	f.failures = append(f.failures, errs...)
	f.mu.Unlock()
}

func (f *mockFetcher) fetchOffsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.calls...)
}

// next returns the chunk at offset, or ok=false at the end of content
func (f *mockFetcher) next(offset int64, index int) (chunk domain.Chunk, hold bool, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if offset >= int64(len(f.content)) {
		return domain.Chunk{}, false, false
	}
	if f.holdAt >= 0 && offset >= f.holdAt {
		return domain.Chunk{}, true, true
	}
	size := f.chunkSizes[min(index, len(f.chunkSizes)-1)]
	end := min(offset+int64(size), int64(len(f.content)))
	return domain.Chunk{Offset: offset, Data: f.content[offset:end]}, false, true
}

type mockStream struct {
	ctx     context.Context
	fetcher *mockFetcher
	offset  int64
	total   int64
}

func (s *mockStream) TotalBytes() int64 { return s.total }
func (s *mockStream) Close() error      { return nil }

func (s *mockStream) Chunks() iter.Seq2[domain.Chunk, error] {
	return func(yield func(domain.Chunk, error) bool) {
		for index := 0; ; index++ {
			chunk, hold, ok := s.fetcher.next(s.offset, index)
			if !ok {
				return
			}
			if hold {
				<-s.ctx.Done()
				yield(domain.Chunk{}, s.ctx.Err())
				return
			}
			if !yield(chunk, nil) {
				return
			}
			s.offset = chunk.End()
		}
	}
}

// testEnv bundles a registry with real sqlite and filesystem adapters
type testEnv struct {
	store    *sqlite.Store
	fs       *filesystem.Manager
	fetcher  *mockFetcher
	registry *Registry
	dir      string
}

func testConfig() *Config {
	return &Config{
		MaxRetries:            3,
		RetryBackoff:          time.Millisecond,
		RetryMaxBackoff:       5 * time.Millisecond,
		DeletePartialOnCancel: true,
		ResumeInterrupted:     true,
		ProgressInterval:      time.Millisecond,
	}
}

func newTestEnv(t *testing.T, fetcher *mockFetcher, cfg *Config) *testEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := sqlite.Open(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("sqlite.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if cfg == nil {
		cfg = testConfig()
	}

	env := &testEnv{
		store:   store,
		fs:      filesystem.NewManager(false),
		fetcher: fetcher,
		dir:     dir,
	}
	env.registry = NewRegistry(cfg, store, fetcher, env.fs, event.NewInMemoryDispatcher(), zap.NewNop())
	t.Cleanup(func() { env.registry.Shutdown(context.Background()) })
	return env
}

// reopen builds a second registry on the same store, as after a restart
func (e *testEnv) reopen(t *testing.T, cfg *Config) *Registry {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	r := NewRegistry(cfg, e.store, e.fetcher, e.fs, event.NewInMemoryDispatcher(), zap.NewNop())
	t.Cleanup(func() { r.Shutdown(context.Background()) })
	return r
}

func (e *testEnv) dest(name string) string {
	return filepath.Join(e.dir, "downloads", name)
}

func await[T any](t *testing.T, ch <-chan Result[T]) Result[T] {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	return Result[T]{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitConfirmed(t *testing.T, r *Registry, id string, want int64) {
	t.Helper()
	waitFor(t, "confirmed bytes", func() bool {
		s, err := r.Load(id)
		return err == nil && s.ConfirmedBytes == want
	})
}

func waitTerminal(t *testing.T, r *Registry, id string) *domain.DownloadSession {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := r.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return s
}

func testContent(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}
