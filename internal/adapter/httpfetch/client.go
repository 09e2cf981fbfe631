package httpfetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vertextoedge/resumable-downloader/internal/domain"
	"github.com/vertextoedge/resumable-downloader/internal/port"
)

// Common errors
var (
	ErrRangeNotSupported = errors.New("server does not support range requests")
	ErrRangeMismatch     = errors.New("server returned a different range than requested")
	ErrUnsupportedScheme = errors.New("unsupported URL scheme")
	ErrStreamConsumed    = errors.New("stream already consumed")
)

// Options configures the fetch client
type Options struct {
	// ChunkSize is the size of each yielded chunk.
	// Default: 256KB
	ChunkSize int

	// ResponseHeaderTimeout bounds the wait for response headers.
	// Default: 30s
	ResponseHeaderTimeout time.Duration

	// IdleTimeout bounds the wait for each body read; 0 disables it.
	// Default: 60s
	IdleTimeout time.Duration

	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 16
	MaxIdleConnsPerHost int

	// UserAgent is sent with every request
	UserAgent string

	// SkipTLSVerify disables certificate verification
	SkipTLSVerify bool
}

// DefaultOptions returns options with sensible defaults
func DefaultOptions() Options {
	return Options{
		ChunkSize:             256 * 1024,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleTimeout:           60 * time.Second,
		MaxIdleConnsPerHost:   16,
		UserAgent:             "resumable-downloader",
	}
}

// Client opens ranged streaming GET requests
type Client struct {
	client *http.Client
	opts   Options
}

// Ensure Client implements port.ChunkFetcher
var _ port.ChunkFetcher = (*Client)(nil)

// NewClient creates a new fetch client
func NewClient(opts Options) *Client {
	defaults := DefaultOptions()
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaults.ChunkSize
	}
	if opts.ResponseHeaderTimeout <= 0 {
		opts.ResponseHeaderTimeout = defaults.ResponseHeaderTimeout
	}
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = defaults.MaxIdleConnsPerHost
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaults.UserAgent
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.SkipTLSVerify,
		},
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,

		// Raw bytes are required for byte ranges
		DisableCompression: true,

		// Response header timeout (not total download timeout)
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   0, // No timeout for downloads
		},
		opts: opts,
	}
}

// Fetch requests bytes from startOffset onward and returns the open stream
func (c *Client) Fetch(ctx context.Context, rawURL string, startOffset int64) (port.ChunkStream, error) {
	if startOffset < 0 {
		return nil, domain.NewPermanentError(fmt.Errorf("negative offset %d", startOffset), 0)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, domain.NewPermanentError(fmt.Errorf("parse url: %w", err), 0)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, domain.NewPermanentError(fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme), 0)
	}

	// The stream outlives this call; its own cancel tears the connection down
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return nil, domain.NewPermanentError(fmt.Errorf("create request: %w", err), 0)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", startOffset))
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, classifyTransportError(ctx, err)
	}

	total, err := checkResponse(resp, startOffset)
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, err
	}

	s := &stream{
		parent:      ctx,
		ctx:         streamCtx,
		cancel:      cancel,
		body:        resp.Body,
		start:       startOffset,
		total:       total,
		chunkSize:   c.opts.ChunkSize,
		idleTimeout: c.opts.IdleTimeout,
	}

	// 416 for an offset equal to the size: nothing left to transfer
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		s.body = http.NoBody
	}

	return s, nil
}

// checkResponse validates the status and headers of a ranged response and
// returns the total resource size (domain.UnknownTotal if not reported)
func checkResponse(resp *http.Response, startOffset int64) (int64, error) {
	switch {
	case resp.StatusCode == http.StatusPartialContent:
		start, _, total, err := ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return 0, domain.NewPermanentError(err, resp.StatusCode)
		}
		if start != startOffset {
			return 0, domain.NewPermanentError(
				fmt.Errorf("%w: want %d, got %d", ErrRangeMismatch, startOffset, start), resp.StatusCode)
		}
		return total, nil

	case resp.StatusCode == http.StatusOK:
		// A full body is only acceptable when nothing was skipped
		if startOffset > 0 {
			return 0, domain.NewPermanentError(ErrRangeNotSupported, resp.StatusCode)
		}
		if resp.ContentLength < 0 {
			return domain.UnknownTotal, nil
		}
		return resp.ContentLength, nil

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		_, _, total, err := ParseContentRange(resp.Header.Get("Content-Range"))
		if err == nil && total == startOffset {
			return total, nil
		}
		return 0, domain.NewPermanentError(ErrRangeNotSupported, resp.StatusCode)

	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return 0, domain.NewTransientError(
			fmt.Errorf("server responded %s", resp.Status),
			parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))

	default:
		return 0, domain.NewPermanentError(fmt.Errorf("server responded %s", resp.Status), resp.StatusCode)
	}
}

// classifyTransportError maps a request or read error onto the error taxonomy.
// A cancelled caller context is returned as is.
func classifyTransportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return domain.NewPermanentError(err, 0)
	}

	// Connection resets, timeouts, DNS hiccups and truncated bodies
	return domain.NewTransientError(err, 0)
}

// parseRetryAfter parses a Retry-After header in seconds or HTTP-date form
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total is domain.UnknownTotal for "*",
// start and end are -1 for an unsatisfied range ("bytes */total").
func ParseContentRange(header string) (start, end, total int64, err error) {
	// Format: bytes start-end/total, bytes start-end/* or bytes */total
	if !strings.HasPrefix(header, "bytes ") {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}
	header = strings.TrimPrefix(header, "bytes ")

	rangePart, totalPart, ok := strings.Cut(header, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}

	if totalPart == "*" {
		total = domain.UnknownTotal
	} else {
		total, err = strconv.ParseInt(totalPart, 10, 64)
		if err != nil || total < 0 {
			return 0, 0, 0, fmt.Errorf("invalid total bytes: %q", totalPart)
		}
	}

	if rangePart == "*" {
		if total == domain.UnknownTotal {
			return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
		}
		return -1, -1, total, nil
	}

	startStr, endStr, ok := strings.Cut(rangePart, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %q", header)
	}

	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}

	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if end < start || (total >= 0 && end >= total) {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range bounds: %q", header)
	}

	return start, end, total, nil
}

// stream is one open ranged response
type stream struct {
	parent      context.Context
	ctx         context.Context
	cancel      context.CancelFunc
	body        io.ReadCloser
	start       int64
	total       int64
	chunkSize   int
	idleTimeout time.Duration

	mu        sync.Mutex
	consumed  bool
	closeOnce sync.Once
	closeErr  error
}

func (s *stream) TotalBytes() int64 {
	return s.total
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

func (s *stream) Chunks() iter.Seq2[domain.Chunk, error] {
	return func(yield func(domain.Chunk, error) bool) {
		s.mu.Lock()
		if s.consumed {
			s.mu.Unlock()
			yield(domain.Chunk{}, ErrStreamConsumed)
			return
		}
		s.consumed = true
		s.mu.Unlock()

		defer s.Close()

		buf := make([]byte, s.chunkSize)
		offset := s.start

		for {
			n, eof, err := s.fill(buf)
			if n > 0 {
				if !yield(domain.Chunk{Offset: offset, Data: buf[:n]}, nil) {
					return
				}
				offset += int64(n)
			}

			if err != nil {
				if !domain.IsTransient(err) {
					err = classifyTransportError(s.parent, err)
				}
				yield(domain.Chunk{}, err)
				return
			}

			if eof {
				if s.total >= 0 && offset < s.total {
					yield(domain.Chunk{}, domain.NewTransientError(
						fmt.Errorf("body ended at %d of %d: %w", offset, s.total, io.ErrUnexpectedEOF), 0))
				}
				return
			}
		}
	}
}

// fill reads until buf is full, the body ends or a read fails.
// Each read is bounded by the idle timeout.
func (s *stream) fill(buf []byte) (n int, eof bool, err error) {
	for n < len(buf) {
		var timer *time.Timer
		if s.idleTimeout > 0 {
			timer = time.AfterFunc(s.idleTimeout, s.cancel)
		}

		m, readErr := s.body.Read(buf[n:])

		if timer != nil && !timer.Stop() {
			// The idle timer fired and cancelled the request
			return n + m, false, domain.NewTransientError(
				fmt.Errorf("no data for %s: %w", s.idleTimeout, context.DeadlineExceeded), 0)
		}

		n += m
		if readErr == io.EOF {
			return n, true, nil
		}
		if readErr != nil {
			return n, false, readErr
		}
	}
	return n, false, nil
}
