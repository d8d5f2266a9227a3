package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Masa712/DIVERGE-sub003/internal/pool"
	"github.com/Masa712/DIVERGE-sub003/internal/refs"
	"github.com/Masa712/DIVERGE-sub003/internal/store"
	"github.com/Masa712/DIVERGE-sub003/internal/tree"
)

// Code classifies a request failure for callers.
type Code string

const (
	// CodeNotFound: a node, session, or reference does not exist. The
	// caller may proceed with partial context. Not retryable.
	CodeNotFound Code = "not_found"

	// CodeAmbiguous: a suffix reference matched more than one node.
	// Surfaced, never auto-resolved. Not retryable.
	CodeAmbiguous Code = "ambiguous_reference"

	// CodeCorruptTree: a parent chain cycled or never reached a root.
	// Fatal for the request, logged; the service keeps running.
	CodeCorruptTree Code = "corrupt_tree"

	// CodePoolExhausted and CodeTimeout are backpressure signals; retry
	// with backoff.
	CodePoolExhausted Code = "pool_exhausted"
	CodeTimeout       Code = "timeout"

	// CodeInvalid: the request itself is malformed.
	CodeInvalid Code = "invalid_argument"

	// CodeInternal: anything else.
	CodeInternal Code = "internal"
)

// Error is the structured failure returned at the request boundary. It
// distinguishes retryable backpressure from non-retryable data errors.
type Error struct {
	Code      Code
	Retryable bool
	err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.err)
}

func (e *Error) Unwrap() error { return e.err }

func newError(code Code, retryable bool, err error) *Error {
	return &Error{Code: code, Retryable: retryable, err: err}
}

func invalidf(format string, args ...any) *Error {
	return newError(CodeInvalid, false, fmt.Errorf(format, args...))
}

func ambiguousError(m refs.Match) *Error {
	return newError(CodeAmbiguous, false,
		fmt.Errorf("reference %q matches %d nodes: %s",
			m.Raw, len(m.Candidates), strings.Join(m.Candidates, ", ")))
}

// classify wraps an arbitrary failure into the boundary taxonomy.
func classify(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return newError(CodeNotFound, false, err)
	case errors.Is(err, tree.ErrCorruptTree):
		return newError(CodeCorruptTree, false, err)
	case errors.Is(err, pool.ErrExhausted):
		return newError(CodePoolExhausted, true, err)
	case errors.Is(err, pool.ErrTimeout),
		errors.Is(err, pool.ErrClosed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return newError(CodeTimeout, true, err)
	}
	return newError(CodeInternal, false, err)
}
