// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package errs classifies pipeline failures so the controller can decide
// between retrying, downgrading to advisory metadata, or halting.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an Error.
type Kind string

const (
	// Transport covers network failures, timeouts, rate limiting and 5xx
	// responses. Retried with backoff inside the llm package.
	Transport Kind = "transport"

	// ContentShape covers empty, unparseable or wrongly sized model output.
	// Retried with a corrected prompt under a separate, smaller budget.
	ContentShape Kind = "content_shape"

	// Consistency covers contradictions between a draft and known state.
	Consistency Kind = "consistency"

	// Configuration covers missing or invalid project parameters. Never retried.
	Configuration Kind = "configuration"

	// Storage covers state or knowledge store failures.
	Storage Kind = "storage"
)

// Error is a classified error. Op names the operation that failed
// (e.g. "draft chapter", "commit finalize").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf formats a message and wraps it as an Error of the given kind.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err's chain carries an Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// FailsChapter reports whether an error of this kind, once its retry
// budget is spent, moves the chapter to failed. Other kinds halt the run
// and leave the chapter where it was.
func (k Kind) FailsChapter() bool {
	return k == Transport || k == ContentShape
}
