package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vertextoedge/resumable-downloader/internal/domain"
	"github.com/vertextoedge/resumable-downloader/internal/domain/event"
	"github.com/vertextoedge/resumable-downloader/internal/port"
	"github.com/vertextoedge/resumable-downloader/internal/util/ratelimiter"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config contains session registry configuration
type Config struct {
	// MaxRetries is the number of consecutive transient failures without
	// progress tolerated before a session fails
	MaxRetries int

	// RetryBackoff is the first retry delay, doubled per attempt
	RetryBackoff time.Duration

	// RetryMaxBackoff caps the retry delay
	RetryMaxBackoff time.Duration

	// DeletePartialOnCancel removes the partial file of a cancelled session
	DeletePartialOnCancel bool

	// ResumeInterrupted restarts sessions found Active at startup;
	// otherwise they are paused
	ResumeInterrupted bool

	// CheckFreeSpace fails a session whose remaining bytes exceed the free
	// space of the destination filesystem
	CheckFreeSpace bool

	// ProgressInterval is the minimum time between progress events per session
	ProgressInterval time.Duration
}

// DefaultConfig returns default registry configuration
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:            5,
		RetryBackoff:          time.Second,
		RetryMaxBackoff:       time.Minute,
		DeletePartialOnCancel: true,
		ResumeInterrupted:     true,
		CheckFreeSpace:        true,
		ProgressInterval:      5 * time.Second,
	}
}

// Registry maps session IDs to their controllers and routes operations
type Registry struct {
	config     *Config
	store      port.SessionRepository
	fetcher    port.ChunkFetcher
	fs         port.FileSystem
	dispatcher event.EventDispatcher
	limiter    *ratelimiter.Limiter
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	controllers map[string]*Controller
	closed      bool
}

// NewRegistry creates a new Registry
func NewRegistry(
	cfg *Config,
	store port.SessionRepository,
	fetcher port.ChunkFetcher,
	fs port.FileSystem,
	dispatcher event.EventDispatcher,
	logger *zap.Logger,
) *Registry {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryMaxBackoff < cfg.RetryBackoff {
		cfg.RetryMaxBackoff = cfg.RetryBackoff
	}
	if dispatcher == nil {
		dispatcher = event.NewNullDispatcher()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Registry{
		config:      cfg,
		store:       store,
		fetcher:     fetcher,
		fs:          fs,
		dispatcher:  dispatcher,
		limiter:     ratelimiter.New(cfg.ProgressInterval),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		controllers: make(map[string]*Controller),
	}
}

// StartDownload creates a session for url and destination and starts it.
// The result carries the new session ID.
func (r *Registry) StartDownload(rawURL, destination string) <-chan Result[string] {
	id, ctrl, err := r.create(rawURL, destination)
	if err != nil {
		return resolved(Result[string]{Err: err})
	}

	out := make(chan Result[string], 1)
	started := ctrl.submit(opStart)
	go func() {
		res := <-started
		out <- Result[string]{Value: id, Err: res.Err}
		close(out)
	}()
	return out
}

// create validates input, persists a pending session and spawns its controller
func (r *Registry) create(rawURL, destination string) (string, *Controller, error) {
	if err := validateURL(rawURL); err != nil {
		return "", nil, err
	}
	if destination == "" {
		return "", nil, fmt.Errorf("%w: empty destination", domain.ErrInvalidInput)
	}
	if abs, err := filepath.Abs(destination); err == nil {
		destination = abs
	} else {
		destination = filepath.Clean(destination)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", nil, domain.ErrShuttingDown
	}

	session := domain.NewDownloadSession(uuid.NewString(), rawURL, destination)
	r.inheritPartial(session)

	if err := r.store.CreateSession(session); err != nil {
		return "", nil, err
	}

	ctrl := r.spawnLocked(session)

	r.logger.Info("download session created",
		zap.String("session", session.ID),
		zap.String("url", rawURL),
		zap.String("destination", destination),
		zap.Int64("resume_from", session.ConfirmedBytes))

	return session.ID, ctrl, nil
}

// inheritPartial seeds a new session with the confirmed prefix of an earlier
// failed or cancelled session whose partial file is still on disk
func (r *Registry) inheritPartial(session *domain.DownloadSession) {
	prior, err := r.store.FindResumable(session.URL, session.Destination)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			r.logger.Warn("failed to look up resumable session", zap.Error(err))
		}
		return
	}

	info, err := r.fs.PartialInfo(session.Destination)
	if err != nil || info.Size < prior.ConfirmedBytes {
		return
	}
	session.InheritProgress(prior)
}

func (r *Registry) spawnLocked(session *domain.DownloadSession) *Controller {
	ctrl := newController(r.ctx, session, r.config, r.store, r.fetcher, r.fs, r.dispatcher, r.limiter, r.logger)
	r.controllers[session.ID] = ctrl
	go ctrl.run()
	return ctrl
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", domain.ErrInvalidInput, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", domain.ErrInvalidInput)
	}
	return nil
}

// PauseDownload stops an active session at the next chunk boundary
func (r *Registry) PauseDownload(id string) <-chan Result[domain.Status] {
	return r.route(id, opPause)
}

// ResumeDownload restarts a paused session from its confirmed offset
func (r *Registry) ResumeDownload(id string) <-chan Result[domain.Status] {
	return r.route(id, opResume)
}

// CancelDownload stops a session for good. Cancelling a finished session
// succeeds without changing it.
func (r *Registry) CancelDownload(id string) <-chan Result[domain.Status] {
	return r.route(id, opCancel)
}

func (r *Registry) route(id string, op operation) <-chan Result[domain.Status] {
	r.mu.RLock()
	ctrl, ok := r.controllers[id]
	r.mu.RUnlock()

	if ok {
		return ctrl.submit(op)
	}
	return resolved(r.answerFromStore(id, op))
}

// answerFromStore handles operations on sessions without a controller
func (r *Registry) answerFromStore(id string, op operation) Result[domain.Status] {
	session, err := r.store.GetSession(id)
	if err != nil {
		return Result[domain.Status]{Err: err}
	}
	if session.Status.IsTerminal() {
		return settledResult(session.Status, op)
	}

	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return Result[domain.Status]{Value: session.Status, Err: domain.ErrShuttingDown}
	}
	return Result[domain.Status]{Value: session.Status, Err: fmt.Errorf("session %s is not loaded: %w", id, domain.ErrNotFound)}
}

// Load returns the current state of a session
func (r *Registry) Load(id string) (*domain.DownloadSession, error) {
	r.mu.RLock()
	ctrl, ok := r.controllers[id]
	r.mu.RUnlock()

	if ok {
		return ctrl.Session(), nil
	}
	return r.store.GetSession(id)
}

// List returns every known session, with live state for loaded ones
func (r *Registry) List(statuses ...domain.Status) ([]*domain.DownloadSession, error) {
	sessions, err := r.store.ListSessions(statuses...)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, s := range sessions {
		if ctrl, ok := r.controllers[s.ID]; ok {
			sessions[i] = ctrl.Session()
		}
	}
	return sessions, nil
}

// Stats returns session counts grouped by status
func (r *Registry) Stats() (*domain.SessionStats, error) {
	return r.store.GetSessionStats()
}

// Loaded returns the number of sessions with a controller
func (r *Registry) Loaded() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.controllers)
}

// Wait blocks until the session reaches a terminal state or ctx is done
func (r *Registry) Wait(ctx context.Context, id string) (*domain.DownloadSession, error) {
	r.mu.RLock()
	ctrl, ok := r.controllers[id]
	r.mu.RUnlock()

	if !ok {
		session, err := r.store.GetSession(id)
		if err != nil {
			return nil, err
		}
		if session.Status.IsTerminal() {
			return session, nil
		}
		return session, domain.ErrShuttingDown
	}

	select {
	case <-ctx.Done():
		return ctrl.Session(), ctx.Err()
	case <-ctrl.Done():
	}
	return ctrl.Session(), ctrl.Err()
}

// AcknowledgeFailure marks a failed session as seen and releases its controller
func (r *Registry) AcknowledgeFailure(id string) error {
	if err := r.store.AcknowledgeFailure(id); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.controllers, id)
	r.mu.Unlock()
	return nil
}

// PauseAll pauses every active session and returns how many were paused
func (r *Registry) PauseAll(ctx context.Context) (int, error) {
	return r.broadcast(ctx, opPause, domain.StatusActive)
}

// ResumeAll resumes every paused session and returns how many were resumed
func (r *Registry) ResumeAll(ctx context.Context) (int, error) {
	return r.broadcast(ctx, opResume, domain.StatusPaused)
}

func (r *Registry) broadcast(ctx context.Context, op operation, from domain.Status) (int, error) {
	r.mu.RLock()
	var results []<-chan Result[domain.Status]
	for _, ctrl := range r.controllers {
		if ctrl.Session().Status == from {
			results = append(results, ctrl.submit(op))
		}
	}
	r.mu.RUnlock()

	count := 0
	var errs []error
	for _, ch := range results {
		select {
		case <-ctx.Done():
			return count, ctx.Err()
		case res := <-ch:
			switch {
			case res.Err == nil:
				count++
			case errors.Is(res.Err, domain.ErrInvalidTransition):
				// Reached another state in the meantime
			default:
				errs = append(errs, res.Err)
			}
		}
	}
	return count, multierr.Combine(errs...)
}

// ReleasePartial removes the partial file left by an expired session, but
// only while that session is still the newest one for its destination.
// Holding the registry lock keeps StartDownload from claiming the file in
// between. Reports whether the file was removed.
func (r *Registry) ReleasePartial(sessionID, destination string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	latest, err := r.store.LatestSession(destination)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("find latest session: %w", err)
	}
	if latest.ID != sessionID {
		return false, nil
	}

	if err := r.fs.RemovePartial(destination); err != nil {
		return false, err
	}
	return true, nil
}

// Subscribe registers a handler for session events
func (r *Registry) Subscribe(handler event.EventHandler) {
	r.dispatcher.Subscribe(handler)
}

// Reap drops controllers of completed and cancelled sessions.
// Failed sessions stay until acknowledged.
func (r *Registry) Reap() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	reaped := 0
	for id, ctrl := range r.controllers {
		select {
		case <-ctrl.Done():
		default:
			continue
		}
		if ctrl.Err() == nil && ctrl.Session().Status == domain.StatusFailed {
			continue
		}
		delete(r.controllers, id)
		reaped++
	}
	return reaped
}

// Recover re-adopts sessions left non-terminal by a previous run.
// Interrupted active sessions are resumed or paused per configuration.
func (r *Registry) Recover() (int, error) {
	sessions, err := r.store.ListSessions(domain.NonTerminalStatuses()...)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, domain.ErrShuttingDown
	}

	var kick []*Controller
	recovered := 0
	for _, s := range sessions {
		if _, loaded := r.controllers[s.ID]; loaded {
			continue
		}

		if s.Status == domain.StatusActive && !r.config.ResumeInterrupted {
			if err := r.store.UpdateStatus(s.ID, domain.StatusPaused); err != nil {
				r.logger.Warn("failed to pause interrupted session",
					zap.String("session", s.ID),
					zap.Error(err))
				continue
			}
			s.Status = domain.StatusPaused
		}

		ctrl := r.spawnLocked(s)
		if s.Status != domain.StatusPaused {
			kick = append(kick, ctrl)
		}
		recovered++

		r.logger.Info("recovered download session",
			zap.String("session", s.ID),
			zap.String("status", string(s.Status)),
			zap.Int64("confirmed_bytes", s.ConfirmedBytes))
	}
	r.mu.Unlock()

	for _, ctrl := range kick {
		ctrl.submit(opRecover)
	}
	return recovered, nil
}

// Shutdown stops every controller. Active sessions stay Active in the store
// with their offset persisted so a later Recover resumes them.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ctrls := make([]*Controller, 0, len(r.controllers))
	for _, ctrl := range r.controllers {
		ctrls = append(ctrls, ctrl)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, ctrl := range ctrls {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			c.Stop()
		}(ctrl)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		r.logger.Info("session registry stopped", zap.Int("sessions", len(ctrls)))
		return nil
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
}
