package session

import (
	"github.com/vertextoedge/resumable-downloader/internal/domain"
)

// Result is the outcome of an asynchronous registry operation
type Result[T any] struct {
	Value T
	Err   error
}

// resolved returns a closed channel already holding r
func resolved[T any](r Result[T]) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	ch <- r
	close(ch)
	return ch
}

// operation is a command understood by a session controller
type operation int

const (
	opStart operation = iota
	opPause
	opResume
	opCancel
	opRecover
)

func (op operation) String() string {
	switch op {
	case opStart:
		return "start"
	case opPause:
		return "pause"
	case opResume:
		return "resume"
	case opCancel:
		return "cancel"
	case opRecover:
		return "recover"
	}
	return "unknown"
}

// target returns the status an operation moves a session to
func (op operation) target() domain.Status {
	switch op {
	case opPause:
		return domain.StatusPaused
	case opCancel:
		return domain.StatusCancelled
	}
	return domain.StatusActive
}

// settledResult answers an operation for a session that no longer has a
// running controller. Cancel on a terminal session succeeds unchanged.
func settledResult(status domain.Status, op operation) Result[domain.Status] {
	if op == opCancel && status.IsTerminal() {
		return Result[domain.Status]{Value: status}
	}
	return Result[domain.Status]{Value: status, Err: domain.NewTransitionError(status, op.target())}
}
