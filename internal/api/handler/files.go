package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/kiranshivaraju/tabflow/internal/api/middleware"
	"github.com/kiranshivaraju/tabflow/internal/api/response"
	"github.com/kiranshivaraju/tabflow/internal/ingest"
	"github.com/kiranshivaraju/tabflow/internal/store"
	"github.com/kiranshivaraju/tabflow/pkg/models"
)

// multipartMemory is how much of a multipart body is held in memory; the
// rest spills to temporary files.
const multipartMemory = 8 << 20

// FileService is what the file routes need from the ingestion pipeline.
// *ingest.Coordinator implements it.
type FileService interface {
	Upload(ctx context.Context, req ingest.UploadRequest) (*models.FileRecord, error)
	Get(ctx context.Context, ownerID, fileID uuid.UUID) (*models.FileRecord, error)
	List(ctx context.Context, filter store.FileFilter) ([]*models.FileRecord, int, error)
	Download(ctx context.Context, ownerID, fileID uuid.UUID) (*ingest.Download, error)
	Status(ctx context.Context, ownerID, fileID uuid.UUID) (models.FileStatus, error)
}

// Files serves the /files routes.
type Files struct {
	svc      FileService
	maxBytes int64
	overage  int64
}

// NewFiles creates the file handlers. Request bodies are capped at
// maxBytes plus the multipart overage.
func NewFiles(svc FileService, maxBytes, multipartOverage int64) *Files {
	return &Files{svc: svc, maxBytes: maxBytes, overage: multipartOverage}
}

type fileView struct {
	*models.FileRecord
	UploadDate  string `json:"upload_date"`
	DownloadURL string `json:"download_url,omitempty"`
}

func viewOf(rec *models.FileRecord) fileView {
	v := fileView{FileRecord: rec, UploadDate: rec.UploadDateString()}
	if rec.Status == models.FileStatusProcessed {
		v.DownloadURL = "/api/v1/files/" + rec.ID.String() + "/download"
	}
	return v
}

type statusView struct {
	FileID uuid.UUID         `json:"file_id"`
	Status models.FileStatus `json:"status"`
}

// Upload handles POST /api/v1/files. A terminal record (inline mode) is
// returned with 201; a queued one with 202.
func (h *Files) Upload(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := mw.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
		return
	}

	declared, err := h.declaredSize(r)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	if declared > h.maxBytes {
		writeFailure(w, r, h.sizeExceeded())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+h.overage)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeFailure(w, r, h.sizeExceeded())
		case isTimeout(err):
			slog.Warn("upload body read timed out", "error", err)
			response.Error(w, http.StatusRequestTimeout, "REQUEST_TIMEOUT",
				"The upload body was not received in time", nil)
		default:
			writeFailure(w, r, &ingest.Error{Kind: models.ErrorKindInvalidRequest,
				Message: "body must be multipart/form-data", Err: err})
		}
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			slog.Warn("failed to remove multipart temp files", "error", err)
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeFailure(w, r, &ingest.Error{Kind: models.ErrorKindInvalidRequest,
			Message: `multipart field "file" is required`})
		return
	}
	defer file.Close()

	rec, err := h.svc.Upload(r.Context(), ingest.UploadRequest{
		OwnerID:        ownerID,
		Filename:       header.Filename,
		DeclaredSize:   declared,
		Body:           file,
		EngagementName: r.FormValue("engagement_name"),
		UploadDate:     r.FormValue("upload_date"),
		ReferenceDates: r.MultipartForm.Value["reference_date"],
		ClientIP:       clientIP(r),
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	if rec.Status.Terminal() {
		response.Created(w, viewOf(rec))
		return
	}
	response.Accepted(w, statusView{FileID: rec.ID, Status: rec.Status})
}

func (h *Files) sizeExceeded() error {
	return &ingest.Error{Kind: models.ErrorKindSizeExceeded,
		Message: fmt.Sprintf("upload exceeds the %d byte limit", h.maxBytes)}
}

// isTimeout reports whether reading the body hit the connection deadline.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// declaredSize is X-Upload-Size when sent, otherwise Content-Length less the
// multipart overage. It is -1 when neither is known.
func (h *Files) declaredSize(r *http.Request) (int64, error) {
	if v := r.Header.Get("X-Upload-Size"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, &ingest.Error{Kind: models.ErrorKindInvalidRequest,
				Message: "X-Upload-Size must be a non-negative integer"}
		}
		return n, nil
	}
	if r.ContentLength < 0 {
		return -1, nil
	}
	return max(r.ContentLength-h.overage, 0), nil
}

// List handles GET /api/v1/files.
func (h *Files) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := mw.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
		return
	}

	filter, err := parseFileFilter(r)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	filter.OwnerID = ownerID

	files, total, err := h.svc.List(r.Context(), filter)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	views := make([]fileView, len(files))
	for i, f := range files {
		views[i] = viewOf(f)
	}
	response.Collection(w, views, response.NewPaginationMeta(filter.Page, filter.Limit, total))
}

func parseFileFilter(r *http.Request) (store.FileFilter, error) {
	q := r.URL.Query()
	f := store.FileFilter{
		EngagementName: strings.TrimSpace(q.Get("engagement")),
		Filename:       strings.TrimSpace(q.Get("filename")),
		Page:           1,
		Limit:          20,
	}

	if s := q.Get("status"); s != "" {
		f.Status = models.FileStatus(strings.ToUpper(s))
		if !f.Status.Valid() {
			return f, badQuery("status must be one of PENDING, PROCESSING, PROCESSED, FAILED")
		}
	}

	var err error
	if f.From, err = parseDateParam(q.Get("from")); err != nil {
		return f, badQuery("from must be a YYYY-MM-DD date")
	}
	if f.To, err = parseDateParam(q.Get("to")); err != nil {
		return f, badQuery("to must be a YYYY-MM-DD date")
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return f, badQuery("from must not be after to")
	}

	if s := q.Get("page"); s != "" {
		if f.Page, err = strconv.Atoi(s); err != nil || f.Page < 1 {
			return f, badQuery("page must be a positive integer")
		}
	}
	if s := q.Get("limit"); s != "" {
		if f.Limit, err = strconv.Atoi(s); err != nil || f.Limit < 1 || f.Limit > 100 {
			return f, badQuery("limit must be between 1 and 100")
		}
	}
	return f, nil
}

func parseDateParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(models.UploadDateLayout, s)
}

func badQuery(msg string) error {
	return &ingest.Error{Kind: models.ErrorKindInvalidRequest, Message: msg}
}

// Get handles GET /api/v1/files/{fileID}.
func (h *Files) Get(w http.ResponseWriter, r *http.Request) {
	ownerID, fileID, ok := fileParams(w, r)
	if !ok {
		return
	}
	rec, err := h.svc.Get(r.Context(), ownerID, fileID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	response.JSON(w, viewOf(rec))
}

// Status handles GET /api/v1/files/{fileID}/status.
func (h *Files) Status(w http.ResponseWriter, r *http.Request) {
	ownerID, fileID, ok := fileParams(w, r)
	if !ok {
		return
	}
	status, err := h.svc.Status(r.Context(), ownerID, fileID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	response.JSON(w, statusView{FileID: fileID, Status: status})
}

// Download handles GET /api/v1/files/{fileID}/download.
func (h *Files) Download(w http.ResponseWriter, r *http.Request) {
	ownerID, fileID, ok := fileParams(w, r)
	if !ok {
		return
	}
	dl, err := h.svc.Download(r.Context(), ownerID, fileID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	defer dl.Body.Close()

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dl.Filename))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, dl.Body); err != nil {
		slog.Warn("download interrupted", "file_id", fileID, "error", err)
	}
}

func fileParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	ownerID, ok := mw.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
		return uuid.Nil, uuid.Nil, false
	}
	fileID, err := uuid.Parse(chi.URLParam(r, "fileID"))
	if err != nil {
		writeFailure(w, r, &ingest.Error{Kind: models.ErrorKindInvalidRequest, Message: "invalid file ID"})
		return uuid.Nil, uuid.Nil, false
	}
	return ownerID, fileID, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
