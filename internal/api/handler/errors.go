package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/tabflow/internal/api/response"
	"github.com/kiranshivaraju/tabflow/internal/ingest"
	"github.com/kiranshivaraju/tabflow/pkg/models"
)

var kindStatus = map[models.ErrorKind]int{
	models.ErrorKindInvalidFormat:      http.StatusUnsupportedMediaType,
	models.ErrorKindSizeExceeded:       http.StatusRequestEntityTooLarge,
	models.ErrorKindInvalidRequest:     http.StatusBadRequest,
	models.ErrorKindNotFound:           http.StatusNotFound,
	models.ErrorKindNotReady:           http.StatusConflict,
	models.ErrorKindInvalidTransition:  http.StatusConflict,
	models.ErrorKindStorageWriteFailed: http.StatusInsufficientStorage,
	models.ErrorKindInternal:           http.StatusInternalServerError,
}

// StatusFor maps an error kind to its HTTP status. Kinds that only appear
// on FAILED records map to 500.
func StatusFor(kind models.ErrorKind) int {
	if s, ok := kindStatus[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	kind := ingest.KindOf(err)
	status := StatusFor(kind)

	detail := models.ErrorDetail{Kind: kind, Message: "An unexpected error occurred"}
	var ie *ingest.Error
	if errors.As(err, &ie) {
		detail = ie.Detail()
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	}
	response.Failure(w, status, detail)
}
