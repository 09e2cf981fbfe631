package port

import (
	"context"
	"iter"

	"github.com/vertextoedge/resumable-downloader/internal/domain"
)

// ChunkStream is one open connection to a remote resource
type ChunkStream interface {
	// TotalBytes returns the full resource size, domain.UnknownTotal if the
	// server did not report it
	TotalBytes() int64

	// Chunks yields chunks in offset order until end of resource or error.
	// Breaking out of the loop tears down the connection. A chunk's Data is
	// only valid until the next iteration.
	Chunks() iter.Seq2[domain.Chunk, error]

	// Close releases the connection; safe to call more than once
	Close() error
}

// ChunkFetcher opens ranged streams. Streams are not restartable: resuming
// means calling Fetch again with the updated offset.
type ChunkFetcher interface {
	// Fetch requests bytes from startOffset onward
	// Errors are *domain.TransientError or *domain.PermanentError
	Fetch(ctx context.Context, url string, startOffset int64) (ChunkStream, error)
}
