package processing

import (
	"context"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/tabflow/pkg/models"
)

// Error is a classified processing failure. Callers branch on Kind.
type Error struct {
	Kind models.ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func malformed(format string, args ...any) *Error {
	return &Error{Kind: models.ErrorKindMalformedInput, Msg: fmt.Sprintf(format, args...)}
}

func transient(msg string, err error) *Error {
	return &Error{Kind: models.ErrorKindTransient, Msg: msg, Err: err}
}

func transformFailed(msg string, err error) *Error {
	return &Error{Kind: models.ErrorKindTransformFailed, Msg: msg, Err: err}
}

// KindOf classifies err. Context errors are transient; anything unclassified
// is a transform failure.
func KindOf(err error) models.ErrorKind {
	var pe *Error
	switch {
	case errors.As(err, &pe):
		return pe.Kind
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return models.ErrorKindTransient
	default:
		return models.ErrorKindTransformFailed
	}
}

// classify wraps err as an *Error unless it already is one.
func classify(msg string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return transient(msg, err)
	}
	return transformFailed(msg, err)
}
