// Package ingest runs the upload and processing protocol: validate, store the
// input, record it, process it and finalize the record. It also owns the
// worker pool and the reaper.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kiranshivaraju/tabflow/internal/cache"
	"github.com/kiranshivaraju/tabflow/internal/config"
	"github.com/kiranshivaraju/tabflow/internal/processing"
	"github.com/kiranshivaraju/tabflow/internal/storage"
	"github.com/kiranshivaraju/tabflow/internal/store"
	"github.com/kiranshivaraju/tabflow/internal/validate"
	"github.com/kiranshivaraju/tabflow/pkg/models"
)

const (
	maxEngagementNameLen = 255
	maxReferenceDates    = 4

	statusTTL       = 24 * time.Hour
	finalizeTimeout = 30 * time.Second
)

// Engine processes one input file.
type Engine interface {
	Process(ctx context.Context, in processing.Input) (*processing.Result, error)
}

// Dispatcher queues a file for asynchronous processing. Submit must not
// block and reports whether the file was queued.
type Dispatcher interface {
	Submit(id uuid.UUID) bool
}

// Options tune the run protocol.
type Options struct {
	Mode           string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// OptionsFrom maps the processing configuration onto Options.
func OptionsFrom(cfg config.ProcessingConfig) Options {
	return Options{
		Mode:           cfg.Mode,
		Timeout:        cfg.Timeout,
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}
}

// UploadRequest is one client upload. DeclaredSize is negative when unknown.
type UploadRequest struct {
	OwnerID        uuid.UUID
	Filename       string
	DeclaredSize   int64
	Body           io.Reader
	EngagementName string
	UploadDate     string
	ReferenceDates []string
	ClientIP       string
}

// Download is a processed output ready to stream. The caller closes Body.
type Download struct {
	Record   *models.FileRecord
	Body     io.ReadCloser
	Filename string
}

// Coordinator is the only writer of file records besides the reaper.
type Coordinator struct {
	store      store.FileStore
	storage    storage.Storage
	cache      cache.Cache
	validator  *validate.Validator
	engine     Engine
	dispatcher Dispatcher
	opts       Options
	tracer     trace.Tracer
	now        func() time.Time
}

// NewCoordinator creates a Coordinator. In async mode, call SetDispatcher
// before the first upload.
func NewCoordinator(st store.FileStore, sg storage.Storage, ca cache.Cache, v *validate.Validator, engine Engine, opts Options) *Coordinator {
	return &Coordinator{
		store:     st,
		storage:   sg,
		cache:     ca,
		validator: v,
		engine:    engine,
		opts:      opts,
		tracer:    otel.Tracer("github.com/kiranshivaraju/tabflow/internal/ingest"),
		now:       time.Now,
	}
}

// SetDispatcher wires the worker pool used in async mode.
func (c *Coordinator) SetDispatcher(d Dispatcher) {
	c.dispatcher = d
}

// Upload validates and stores the file, records it as PENDING and dispatches
// processing. In inline mode the returned record is terminal; a processing
// failure is reported through the record, not the error.
func (c *Coordinator) Upload(ctx context.Context, req UploadRequest) (*models.FileRecord, error) {
	ctx, span := c.tracer.Start(ctx, "ingest.Upload", trace.WithAttributes(
		attribute.String("owner_id", req.OwnerID.String()),
		attribute.String("filename", req.Filename),
	))
	defer span.End()

	rec, err := c.upload(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
		return nil, err
	}
	span.SetAttributes(attribute.String("file_id", rec.ID.String()), attribute.String("status", string(rec.Status)))
	return rec, nil
}

func (c *Coordinator) upload(ctx context.Context, req UploadRequest) (*models.FileRecord, error) {
	engagement, uploadDate, refs, err := c.checkRequest(req)
	if err != nil {
		return nil, err
	}

	body := bufio.NewReaderSize(req.Body, validate.SniffLen)
	sniff, err := body.Peek(validate.SniffLen)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, bodyError(err)
	}
	if res := c.validator.Validate(req.Filename, req.DeclaredSize, sniff); !res.OK() {
		return nil, newError(res.Reason, res.Detail, nil)
	}

	fileID := uuid.New()
	placement := storage.Placement{
		OwnerID:    req.OwnerID,
		UploadDate: uploadDate,
		FileID:     fileID,
		Filename:   req.Filename,
	}
	inputPath, size, err := c.storage.StoreInput(ctx, placement, body)
	if err != nil {
		return nil, storeError(err)
	}

	now := c.now().UTC()
	rec := &models.FileRecord{
		ID:               fileID,
		OwnerID:          req.OwnerID,
		EngagementName:   engagement,
		UploadDate:       uploadDate,
		OriginalFilename: req.Filename,
		StoredFilename:   filepath.Base(inputPath),
		InputPath:        inputPath,
		Status:           models.FileStatusPending,
		SizeBytes:        size,
		ReferenceDates:   refs,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if req.ClientIP != "" {
		ip := req.ClientIP
		rec.ClientIP = &ip
	}

	if err := c.store.CreatePendingFile(ctx, rec); err != nil {
		if rmErr := c.storage.Remove(context.WithoutCancel(ctx), inputPath); rmErr != nil {
			slog.Error("failed to remove input after record creation failed",
				"file_id", fileID, "path", inputPath, "error", rmErr)
		}
		return nil, newError(models.ErrorKindInternal, "could not record the upload", err)
	}
	c.mirror(ctx, rec.OwnerID, rec.ID, models.FileStatusPending)

	slog.Info("file uploaded",
		"file_id", rec.ID, "owner_id", rec.OwnerID, "path", inputPath, "size_bytes", size)

	if c.opts.Mode == config.ProcessingModeInline || c.dispatcher == nil {
		// A client that disconnects must not fail a file that was stored.
		if err := c.Process(context.WithoutCancel(ctx), rec.ID); err != nil {
			slog.Error("inline processing failed", "file_id", rec.ID, "error", err)
		}
		final, err := c.store.GetFileByID(context.WithoutCancel(ctx), rec.ID)
		if err != nil {
			return nil, newError(models.ErrorKindInternal, "could not read the file record", err)
		}
		return final, nil
	}

	if !c.dispatcher.Submit(rec.ID) {
		slog.Warn("processing queue full, leaving file for recovery", "file_id", rec.ID)
	}
	return rec, nil
}

// checkRequest validates the metadata fields and returns their normalized
// values.
func (c *Coordinator) checkRequest(req UploadRequest) (string, time.Time, []string, error) {
	engagement := strings.TrimSpace(req.EngagementName)
	if engagement == "" {
		return "", time.Time{}, nil, invalidRequest("engagement_name is required")
	}
	if utf8.RuneCountInString(engagement) > maxEngagementNameLen {
		return "", time.Time{}, nil, invalidRequest("engagement_name must be at most %d characters", maxEngagementNameLen)
	}

	today := c.now().UTC().Truncate(24 * time.Hour)
	uploadDate := today
	if s := strings.TrimSpace(req.UploadDate); s != "" {
		d, err := time.Parse(models.UploadDateLayout, s)
		if err != nil {
			return "", time.Time{}, nil, invalidRequest("upload_date must be YYYY-MM-DD")
		}
		if d.After(today.AddDate(0, 0, 1)) {
			return "", time.Time{}, nil, invalidRequest("upload_date must not be in the future")
		}
		uploadDate = d
	}

	if len(req.ReferenceDates) > maxReferenceDates {
		return "", time.Time{}, nil, invalidRequest("at most %d reference dates are allowed", maxReferenceDates)
	}
	refs := make([]string, 0, len(req.ReferenceDates))
	for _, r := range req.ReferenceDates {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, err := time.Parse(models.UploadDateLayout, r); err != nil {
			return "", time.Time{}, nil, invalidRequest("reference date %q must be YYYY-MM-DD", r)
		}
		refs = append(refs, r)
	}
	return engagement, uploadDate, refs, nil
}

func bodyError(err error) *Error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return newError(models.ErrorKindSizeExceeded, "file exceeds maximum upload size", err)
	}
	return newError(models.ErrorKindInvalidRequest, "could not read the upload body", err)
}

func storeError(err error) *Error {
	var tooLarge *http.MaxBytesError
	if errors.Is(err, storage.ErrSizeExceeded) || errors.As(err, &tooLarge) {
		return newError(models.ErrorKindSizeExceeded, "file exceeds maximum upload size", err)
	}
	return newError(models.ErrorKindStorageWriteFailed, "could not store the file", err)
}

// Process runs one claimed file to a terminal state. A file that cannot be
// claimed (already claimed or terminal) is skipped without error. Processing
// failures are recorded on the file; the returned error covers only failures
// to read or write the record itself.
func (c *Coordinator) Process(ctx context.Context, fileID uuid.UUID) (err error) {
	ctx, span := c.tracer.Start(ctx, "ingest.Process", trace.WithAttributes(
		attribute.String("file_id", fileID.String()),
	))
	defer span.End()

	rec, err := c.store.MarkFileProcessing(ctx, fileID)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			slog.Info("file not claimable, skipping", "file_id", fileID, "reason", err)
			span.SetAttributes(attribute.Bool("skipped", true))
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("claim file: %w", err)
	}
	c.mirror(ctx, rec.OwnerID, rec.ID, models.FileStatusProcessing)
	start := c.now()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while processing file", "file_id", fileID, "panic", r)
			detail := newError(models.ErrorKindInternal, fmt.Sprintf("panic: %v", r), nil).Detail()
			err = c.fail(ctx, rec, detail, rec.Attempts, c.now().Sub(start))
			span.SetStatus(codes.Error, "panic")
		}
	}()

	result, attempts, runErr := c.run(ctx, rec)
	elapsed := c.now().Sub(start)
	span.SetAttributes(attribute.Int("attempts", attempts))

	if runErr != nil {
		detail := detailFor(runErr)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, string(detail.Kind))
		return c.fail(ctx, rec, detail, attempts, elapsed)
	}

	return c.finish(ctx, rec, result, attempts, elapsed)
}

// run executes the engine, retrying transient failures with exponential
// backoff.
func (c *Coordinator) run(ctx context.Context, rec *models.FileRecord) (*processing.Result, int, error) {
	var (
		result   *processing.Result
		attempts int
		lastErr  error
	)
	op := func() error {
		attempts++
		res, err := c.attempt(ctx, rec)
		if err == nil {
			result = res
			return nil
		}
		lastErr = err
		if KindOf(err) != models.ErrorKindTransient || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(c.opts.MaxRetries, 0))), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		slog.Warn("transient processing failure, retrying",
			"file_id", rec.ID, "attempt", attempts, "retry_in", wait, "error", err)
	})
	if err != nil && lastErr != nil {
		// a context error from the policy hides the engine's own failure
		err = lastErr
	}
	return result, attempts, err
}

// attempt runs the engine once under the per-attempt timeout.
func (c *Coordinator) attempt(ctx context.Context, rec *models.FileRecord) (*processing.Result, error) {
	actx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	in, err := c.storage.OpenInput(actx, rec.InputPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, newError(models.ErrorKindInternal, "input file is missing", err)
		}
		return nil, newError(models.ErrorKindTransient, "could not open input file", err)
	}
	defer in.Close()

	res, err := c.engine.Process(actx, processing.Input{
		Name:           rec.OriginalFilename,
		Reader:         in,
		EngagementName: rec.EngagementName,
		ReferenceDates: rec.ReferenceDates,
	})
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, newError(models.ErrorKindTransient,
			fmt.Sprintf("processing timed out after %s", c.opts.Timeout), err)
	}
	return res, err
}

// finish writes the output and marks the file PROCESSED.
func (c *Coordinator) finish(ctx context.Context, rec *models.FileRecord, result *processing.Result, attempts int, elapsed time.Duration) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	outputPath := c.storage.AllocateOutputPath(storage.PlacementFor(rec))
	if err := c.storage.WriteOutput(fctx, outputPath, result.Output); err != nil {
		detail := newError(models.ErrorKindStorageWriteFailed, "could not store the processed output", err).Detail()
		return c.fail(ctx, rec, detail, attempts, elapsed)
	}

	done, err := c.store.MarkFileProcessed(fctx, rec.ID, outputPath, result.LineCount,
		store.WithAttempts(attempts), store.WithProcessingTime(elapsed))
	if err != nil {
		slog.Error("failed to mark file processed", "file_id", rec.ID, "error", err)
		detail := newError(models.ErrorKindInternal, "could not record the processed output", err).Detail()
		return c.fail(ctx, rec, detail, attempts, elapsed)
	}
	c.mirror(fctx, done.OwnerID, done.ID, models.FileStatusProcessed)

	slog.Info("file processed",
		"file_id", rec.ID, "lines", result.LineCount, "attempts", attempts, "duration_ms", elapsed.Milliseconds())
	return nil
}

// fail removes any output at the file's output path and marks it FAILED.
func (c *Coordinator) fail(ctx context.Context, rec *models.FileRecord, detail models.ErrorDetail, attempts int, elapsed time.Duration) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	outputPath := c.storage.AllocateOutputPath(storage.PlacementFor(rec))
	if err := c.storage.Remove(fctx, outputPath); err != nil {
		slog.Error("failed to remove output of failed file", "file_id", rec.ID, "path", outputPath, "error", err)
	}

	failed, err := c.store.MarkFileFailed(fctx, rec.ID, detail,
		store.WithAttempts(attempts), store.WithProcessingTime(elapsed))
	if err != nil {
		return fmt.Errorf("mark file failed: %w", err)
	}
	c.mirror(fctx, failed.OwnerID, failed.ID, models.FileStatusFailed)

	slog.Warn("file processing failed",
		"file_id", rec.ID, "kind", detail.Kind, "message", detail.Message, "attempts", attempts)
	return nil
}

// mirror copies a status into the cache. The store stays authoritative, so
// cache errors are only logged.
func (c *Coordinator) mirror(ctx context.Context, ownerID, fileID uuid.UUID, status models.FileStatus) {
	if c.cache == nil {
		return
	}
	if err := c.cache.SetFileStatus(ctx, ownerID, fileID, status, statusTTL); err != nil {
		slog.Warn("failed to cache file status", "file_id", fileID, "status", status, "error", err)
	}
}

// Get returns the owner's file.
func (c *Coordinator) Get(ctx context.Context, ownerID, fileID uuid.UUID) (*models.FileRecord, error) {
	rec, err := c.store.GetFile(ctx, fileID, ownerID)
	if err != nil {
		return nil, lookupError(err)
	}
	return rec, nil
}

// List returns one page of the owner's files and the total match count.
func (c *Coordinator) List(ctx context.Context, filter store.FileFilter) ([]*models.FileRecord, int, error) {
	files, total, err := c.store.ListFiles(ctx, filter)
	if err != nil {
		return nil, 0, newError(models.ErrorKindInternal, "could not list files", err)
	}
	return files, total, nil
}

// Download opens the processed output of a PROCESSED file.
func (c *Coordinator) Download(ctx context.Context, ownerID, fileID uuid.UUID) (*Download, error) {
	rec, err := c.Get(ctx, ownerID, fileID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.FileStatusProcessed || rec.OutputPath == nil {
		return nil, newError(models.ErrorKindNotReady,
			fmt.Sprintf("file is %s, not %s", rec.Status, models.FileStatusProcessed), nil)
	}

	body, err := c.storage.ReadOutput(ctx, *rec.OutputPath)
	if err != nil {
		return nil, newError(models.ErrorKindInternal, "could not open the processed output", err)
	}

	stem, _ := storage.SplitName(storage.SanitizeFilename(rec.OriginalFilename))
	return &Download{
		Record:   rec,
		Body:     body,
		Filename: "processed_" + stem + ".xlsx",
	}, nil
}

// Status returns the file's status. Only terminal statuses are served from or
// written back to the cache; a non-terminal read may already be stale.
func (c *Coordinator) Status(ctx context.Context, ownerID, fileID uuid.UUID) (models.FileStatus, error) {
	if c.cache != nil {
		status, ok, err := c.cache.GetFileStatus(ctx, ownerID, fileID)
		if err != nil {
			slog.Warn("status cache read failed", "file_id", fileID, "error", err)
		}
		if ok && status.Terminal() {
			return status, nil
		}
	}

	rec, err := c.Get(ctx, ownerID, fileID)
	if err != nil {
		return "", err
	}
	if rec.Status.Terminal() {
		c.mirror(ctx, ownerID, fileID, rec.Status)
	}
	return rec.Status, nil
}

func lookupError(err error) *Error {
	if errors.Is(err, store.ErrNotFound) {
		return newError(models.ErrorKindNotFound, "file not found", nil)
	}
	return newError(models.ErrorKindInternal, "could not read the file record", err)
}
