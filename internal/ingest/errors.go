package ingest

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/tabflow/internal/processing"
	"github.com/kiranshivaraju/tabflow/pkg/models"
)

// Error is a request-level failure returned by the Coordinator. The API maps
// Kind to an HTTP status.
type Error struct {
	Kind    models.ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Detail renders the error the way it is recorded on a FAILED file.
func (e *Error) Detail() models.ErrorDetail {
	return models.ErrorDetail{Kind: e.Kind, Message: e.Message, Hint: e.Kind.Hint()}
}

func newError(kind models.ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func invalidRequest(format string, args ...any) *Error {
	return &Error{Kind: models.ErrorKindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err: the Kind of an *Error or *processing.Error
// in its chain, INTERNAL for anything else.
func KindOf(err error) models.ErrorKind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	var pe *processing.Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return models.ErrorKindInternal
}

// detailFor converts a run failure into the detail stored on the record.
func detailFor(err error) models.ErrorDetail {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Detail()
	}
	kind := processing.KindOf(err)
	return models.ErrorDetail{Kind: kind, Message: err.Error(), Hint: kind.Hint()}
}
