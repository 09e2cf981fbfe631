package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vertextoedge/resumable-downloader/internal/domain"
	"github.com/vertextoedge/resumable-downloader/internal/domain/event"
	"github.com/vertextoedge/resumable-downloader/internal/port"
	"github.com/vertextoedge/resumable-downloader/internal/util/ratelimiter"
	"go.uber.org/zap"
)

// ErrStalled is returned for a session whose outcome could not be persisted.
// Its record keeps the last stored status until the session is recovered.
var ErrStalled = errors.New("session outcome could not be persisted")

const (
	persistAttempts = 3
	persistBackoff  = 20 * time.Millisecond
)

// command is one mailbox entry
type command struct {
	op    operation
	reply chan Result[domain.Status]
}

// Controller owns a single session. Operations are queued in a FIFO
// mailbox and applied one at a time by the controller goroutine; the
// transfer runs in its own goroutine while the session is Active.
type Controller struct {
	cfg        *Config
	store      port.SessionRepository
	fetcher    port.ChunkFetcher
	fs         port.FileSystem
	dispatcher event.EventDispatcher
	limiter    *ratelimiter.Limiter
	logger     *zap.Logger

	// Guarded by mu: the live session view and the mailbox
	mu      sync.Mutex
	session *domain.DownloadSession
	queue   []command
	exited  bool
	stopErr error
	stalled error

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}

	stopOnce sync.Once

	// Owned by the controller goroutine
	baseCtx        context.Context
	cancelTransfer context.CancelFunc
	transferDone   chan error
}

// newController creates a controller for a persisted session.
// The caller starts it with go c.run().
func newController(
	ctx context.Context,
	session *domain.DownloadSession,
	cfg *Config,
	store port.SessionRepository,
	fetcher port.ChunkFetcher,
	fs port.FileSystem,
	dispatcher event.EventDispatcher,
	limiter *ratelimiter.Limiter,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		cfg:          cfg,
		store:        store,
		fetcher:      fetcher,
		fs:           fs,
		dispatcher:   dispatcher,
		limiter:      limiter,
		logger:       logger.With(zap.String("session", session.ID)),
		session:      session.Snapshot(),
		notify:       make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		baseCtx:      ctx,
		transferDone: make(chan error, 1),
	}
}

// ID returns the session ID
func (c *Controller) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.ID
}

// Session returns a snapshot of the live session state
func (c *Controller) Session() *domain.DownloadSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Snapshot()
}

// Done is closed once the controller goroutine has exited
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Err returns domain.ErrShuttingDown if the controller was stopped before
// its session reached a terminal state, or ErrStalled if its outcome could
// not be persisted
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopErr
}

// submit enqueues an operation and returns its result channel.
// After the controller has exited the answer is derived from the final state.
func (c *Controller) submit(op operation) <-chan Result[domain.Status] {
	reply := make(chan Result[domain.Status], 1)

	c.mu.Lock()
	if c.exited {
		reply <- c.exitedResultLocked(op)
		c.mu.Unlock()
		return reply
	}
	c.queue = append(c.queue, command{op: op, reply: reply})
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return reply
}

func (c *Controller) exitedResultLocked(op operation) Result[domain.Status] {
	if c.stopErr != nil {
		return Result[domain.Status]{Value: c.session.Status, Err: c.stopErr}
	}
	return settledResult(c.session.Status, op)
}

// Stop halts the transfer and the controller goroutine without changing the
// persisted status. Blocks until the goroutine exits.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// run is the controller goroutine
func (c *Controller) run() {
	defer close(c.done)

	for {
		select {
		case <-c.notify:
			for _, cmd := range c.takeQueue() {
				cmd.reply <- c.handle(cmd.op)
			}

		case err := <-c.transferDone:
			c.cancelTransfer()
			c.cancelTransfer = nil
			c.applyOutcome(err)

		case <-c.stop:
			c.stopTransfer()
			c.exit(domain.ErrShuttingDown)
			return
		}

		if stalled := c.stallErr(); stalled != nil {
			c.stopTransfer()
			c.exit(stalled)
			return
		}
		if c.Session().Status.IsTerminal() && c.cancelTransfer == nil {
			c.exit(nil)
			return
		}
	}
}

func (c *Controller) stallErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stalled
}

// stall gives up on a session whose outcome the store would not take
func (c *Controller) stall(err error) {
	c.logger.Error("session stalled", zap.Error(err))
	c.mu.Lock()
	c.stalled = fmt.Errorf("%w: %v", ErrStalled, err)
	c.mu.Unlock()
}

// persist runs a store write, retrying briefly before giving up.
// Rejected transitions are not retried.
func (c *Controller) persist(write func() error) error {
	var err error
	for attempt := range persistAttempts {
		if attempt > 0 {
			time.Sleep(persistBackoff << (attempt - 1))
		}
		if err = write(); err == nil || errors.Is(err, domain.ErrInvalidTransition) {
			return err
		}
	}
	return err
}

func (c *Controller) takeQueue() []command {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queue
	c.queue = nil
	return q
}

// exit marks the controller finished and answers whatever is still queued
func (c *Controller) exit(stopErr error) {
	c.mu.Lock()
	c.exited = true
	c.stopErr = stopErr
	pending := c.queue
	c.queue = nil
	for _, cmd := range pending {
		cmd.reply <- c.exitedResultLocked(cmd.op)
	}
	id := c.session.ID
	c.mu.Unlock()

	c.limiter.Forget(id)
}

// handle applies one operation. Runs on the controller goroutine.
func (c *Controller) handle(op operation) Result[domain.Status] {
	status := c.Session().Status

	switch op {
	case opStart:
		switch status {
		case domain.StatusPending:
			return c.activate()
		case domain.StatusActive:
			return Result[domain.Status]{Value: status, Err: domain.ErrAlreadyRunning}
		}

	case opRecover:
		// Active in the store but no transfer running: a restart after a crash
		if status == domain.StatusActive && c.cancelTransfer == nil {
			c.startTransfer()
			return Result[domain.Status]{Value: status}
		}
		if status == domain.StatusPending {
			return c.activate()
		}

	case opPause:
		switch status {
		case domain.StatusPaused:
			return Result[domain.Status]{Value: status}
		case domain.StatusActive:
			c.stopTransfer()
			if err := c.stallErr(); err != nil {
				return Result[domain.Status]{Value: c.Session().Status, Err: err}
			}
			if current := c.Session().Status; current != domain.StatusActive {
				// The transfer finished while being stopped
				return settledResult(current, op)
			}
			return c.transition(domain.StatusPaused)
		}

	case opResume:
		if status == domain.StatusPaused {
			return c.activate()
		}

	case opCancel:
		switch {
		case status.IsTerminal():
			return Result[domain.Status]{Value: status}
		case status == domain.StatusActive:
			c.stopTransfer()
			if err := c.stallErr(); err != nil {
				return Result[domain.Status]{Value: c.Session().Status, Err: err}
			}
			if current := c.Session().Status; current.IsTerminal() {
				return Result[domain.Status]{Value: current}
			}
		}
		res := c.transition(domain.StatusCancelled)
		if res.Err == nil && c.cfg.DeletePartialOnCancel {
			if err := c.fs.RemovePartial(c.Session().Destination); err != nil {
				c.logger.Warn("failed to remove partial file", zap.Error(err))
			}
		}
		return res
	}

	return Result[domain.Status]{Value: status, Err: domain.NewTransitionError(status, op.target())}
}

// activate moves the session to Active and starts the transfer
func (c *Controller) activate() Result[domain.Status] {
	res := c.transition(domain.StatusActive)
	if res.Err == nil {
		c.startTransfer()
	}
	return res
}

// transition persists a status change and publishes it
func (c *Controller) transition(next domain.Status) Result[domain.Status] {
	c.mu.Lock()
	from := c.session.Status
	if !from.CanTransitionTo(next) {
		c.mu.Unlock()
		return Result[domain.Status]{Value: from, Err: domain.NewTransitionError(from, next)}
	}
	id := c.session.ID
	c.mu.Unlock()

	if err := c.persist(func() error { return c.store.UpdateStatus(id, next) }); err != nil {
		c.logger.Error("failed to persist status",
			zap.String("from", string(from)),
			zap.String("to", string(next)),
			zap.Error(err))
		return Result[domain.Status]{Value: from, Err: err}
	}

	c.mu.Lock()
	c.session.Transition(next)
	snap := c.session.Snapshot()
	c.mu.Unlock()

	c.dispatcher.Dispatch(event.NewStatusChanged(snap, from))
	return Result[domain.Status]{Value: next}
}

// fail persists the Failed status with its cause
func (c *Controller) fail(cause error) {
	c.mu.Lock()
	from := c.session.Status
	id := c.session.ID
	c.mu.Unlock()

	if err := c.persist(func() error { return c.store.MarkFailed(id, cause.Error()) }); err != nil {
		c.logger.Error("failed to persist failure", zap.NamedError("cause", cause), zap.Error(err))
		c.stall(err)
		return
	}

	c.mu.Lock()
	c.session.Transition(domain.StatusFailed)
	c.session.LastError = cause.Error()
	snap := c.session.Snapshot()
	c.mu.Unlock()

	c.dispatcher.Dispatch(event.NewStatusChanged(snap, from))
}

// startTransfer launches the transfer goroutine
func (c *Controller) startTransfer() {
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.cancelTransfer = cancel
	snap := c.Session()

	go func() {
		c.transferDone <- c.transfer(ctx, snap)
	}()
}

// stopTransfer cancels a running transfer and applies its outcome.
// The chunk being written when the cancel lands is completed first.
func (c *Controller) stopTransfer() {
	if c.cancelTransfer == nil {
		return
	}
	c.cancelTransfer()
	err := <-c.transferDone
	c.cancelTransfer = nil
	c.applyOutcome(err)
}

// applyOutcome records how a transfer ended
func (c *Controller) applyOutcome(err error) {
	switch {
	case err == nil:
		if res := c.transition(domain.StatusCompleted); res.Err != nil {
			c.logger.Error("failed to complete session", zap.Error(res.Err))
			c.stall(res.Err)
		}
	case errors.Is(err, context.Canceled):
		// Stopped on request; the caller decides the next status
	default:
		c.fail(err)
	}
}
