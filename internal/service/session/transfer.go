package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/vertextoedge/resumable-downloader/internal/domain"
	"github.com/vertextoedge/resumable-downloader/internal/domain/event"
	"go.uber.org/zap"
)

// ErrChunkOutOfOrder is returned when a stream yields a chunk that does not
// start at the confirmed offset
var ErrChunkOutOfOrder = errors.New("chunk does not start at confirmed offset")

// ErrSizeChanged is returned when the remote resource size differs from the
// size recorded by an earlier attempt
var ErrSizeChanged = errors.New("remote resource size changed")

// transfer downloads from the confirmed offset until the resource is
// complete, the context is cancelled or a non-retryable error occurs.
// Returns nil once the destination file is in place.
func (c *Controller) transfer(ctx context.Context, s *domain.DownloadSession) error {
	if c.alreadyFinalized(s) {
		return nil
	}

	failures := 0
	for {
		progressed, err := c.fetchOnce(ctx, s)
		if err == nil {
			return c.finalize(s)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !domain.IsTransient(err) {
			return err
		}

		if progressed {
			failures = 0
		}
		failures++

		retries, rerr := c.store.RecordRetry(s.ID, err.Error())
		if rerr != nil {
			c.logger.Warn("failed to record retry", zap.Error(rerr))
		} else {
			c.mu.Lock()
			c.session.RetryCount = retries
			c.session.LastError = err.Error()
			c.mu.Unlock()
		}

		if failures > c.cfg.MaxRetries {
			return fmt.Errorf("giving up after %d consecutive failures: %w", failures, err)
		}

		delay := c.retryDelay(failures, err)
		c.dispatcher.Dispatch(event.NewRetrying(s.ID, failures, delay, err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// retryDelay returns an exponentially increasing delay with jitter, or the
// server-requested delay when that is longer
func (c *Controller) retryDelay(attempt int, err error) time.Duration {
	backoff := c.cfg.RetryBackoff * time.Duration(1<<uint(min(attempt-1, 30)))
	if backoff > c.cfg.RetryMaxBackoff || backoff <= 0 {
		backoff = c.cfg.RetryMaxBackoff
	}

	// Add jitter: 0.5 to 1.5 of backoff
	delay := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	if retryAfter, ok := domain.GetRetryAfter(err); ok && retryAfter > delay {
		delay = min(retryAfter, c.cfg.RetryMaxBackoff)
	}
	return delay
}

// fetchOnce runs one ranged request from the confirmed offset.
// progressed reports whether any chunk was confirmed.
func (c *Controller) fetchOnce(ctx context.Context, s *domain.DownloadSession) (progressed bool, err error) {
	c.mu.Lock()
	offset := c.session.ConfirmedBytes
	knownTotal := c.session.TotalBytes
	c.mu.Unlock()

	stream, err := c.fetcher.Fetch(ctx, s.URL, offset)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	total := stream.TotalBytes()
	if err := c.checkTotal(s, offset, knownTotal, total); err != nil {
		return false, err
	}
	if total == domain.UnknownTotal {
		total = knownTotal
	}

	file, err := c.fs.OpenPartial(s.Destination, offset)
	if err != nil {
		return false, domain.NewPermanentError(err, 0)
	}
	defer file.Close()

	for chunk, err := range stream.Chunks() {
		if err != nil {
			return progressed, err
		}

		// Pause and cancel are honoured between chunks
		if ctx.Err() != nil {
			return progressed, ctx.Err()
		}

		if chunk.Offset != offset {
			return progressed, domain.NewPermanentError(
				fmt.Errorf("%w: got %d, want %d", ErrChunkOutOfOrder, chunk.Offset, offset), 0)
		}
		if total >= 0 && chunk.End() > total {
			return progressed, domain.NewPermanentError(domain.ErrProgressExceedsTotal, 0)
		}

		if _, err := file.WriteAt(chunk.Data, chunk.Offset); err != nil {
			return progressed, domain.NewPermanentError(fmt.Errorf("write chunk: %w", err), 0)
		}
		if err := c.store.RecordProgress(s.ID, chunk.End()); err != nil {
			return progressed, domain.NewPermanentError(fmt.Errorf("record progress: %w", err), 0)
		}

		offset = chunk.End()
		progressed = progressed || chunk.Length() > 0

		c.mu.Lock()
		c.session.ConfirmedBytes = offset
		c.mu.Unlock()

		if ok, _ := c.limiter.Allow(s.ID); ok {
			c.dispatcher.Dispatch(event.NewProgressed(s.ID, offset, total))
		}
	}

	if ctx.Err() != nil {
		return progressed, ctx.Err()
	}
	if total >= 0 && offset < total {
		return progressed, domain.NewTransientError(
			fmt.Errorf("stream ended at %d of %d bytes", offset, total), 0)
	}

	if err := file.Sync(); err != nil {
		return progressed, domain.NewPermanentError(fmt.Errorf("sync partial file: %w", err), 0)
	}
	return progressed, nil
}

// checkTotal records a newly learned resource size and verifies it against
// the free space on the destination
func (c *Controller) checkTotal(s *domain.DownloadSession, offset, known, reported int64) error {
	if reported == domain.UnknownTotal {
		return nil
	}
	if known != domain.UnknownTotal && reported != known {
		return domain.NewPermanentError(fmt.Errorf("%w: %d -> %d bytes", ErrSizeChanged, known, reported), 0)
	}
	if reported < offset {
		return domain.NewPermanentError(domain.ErrProgressExceedsTotal, 0)
	}

	if c.cfg.CheckFreeSpace {
		free, err := c.fs.FreeSpace(s.Destination)
		if err != nil {
			c.logger.Warn("failed to measure free space", zap.Error(err))
		} else if free >= 0 && reported-offset > free {
			return domain.NewPermanentError(
				fmt.Errorf("%w: need %d bytes, %d available", domain.ErrInsufficientSpace, reported-offset, free), 0)
		}
	}

	if known == domain.UnknownTotal {
		if err := c.store.SetTotalBytes(s.ID, reported); err != nil {
			return domain.NewPermanentError(fmt.Errorf("record total: %w", err), 0)
		}
		c.mu.Lock()
		c.session.TotalBytes = reported
		c.mu.Unlock()
	}
	return nil
}

// finalize moves the completed partial file onto the destination
func (c *Controller) finalize(s *domain.DownloadSession) error {
	c.mu.Lock()
	confirmed := c.session.ConfirmedBytes
	total := c.session.TotalBytes
	c.mu.Unlock()

	// Streams without a size end the transfer; the size is what was received
	if total == domain.UnknownTotal {
		if err := c.store.SetTotalBytes(s.ID, confirmed); err != nil {
			return domain.NewPermanentError(fmt.Errorf("record total: %w", err), 0)
		}
		c.mu.Lock()
		c.session.TotalBytes = confirmed
		c.mu.Unlock()
	}

	if err := c.fs.Finalize(s.Destination); err != nil {
		return domain.NewPermanentError(err, 0)
	}

	c.logger.Info("download finished",
		zap.String("destination", s.Destination),
		zap.Int64("size", confirmed))
	return nil
}

// alreadyFinalized reports whether a previous run renamed the partial file
// but stopped before recording completion
func (c *Controller) alreadyFinalized(s *domain.DownloadSession) bool {
	if !s.TotalKnown() || s.ConfirmedBytes != s.TotalBytes {
		return false
	}
	if _, err := c.fs.PartialInfo(s.Destination); err == nil {
		return false
	}
	return c.fs.FileExists(s.Destination)
}
