package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tabflow/pkg/models"
)

var (
	ErrNotFound     = errors.New("stored file not found")
	ErrPathTaken    = errors.New("storage path already taken")
	ErrSizeExceeded = errors.New("file exceeds maximum upload size")
	ErrWriteFailed  = errors.New("storage write failed")
)

const (
	inputDirName  = "input"
	outputDirName = "output"
	outputExt     = ".xlsx"

	// stagingPrefix marks in-flight artifacts that SweepStaging may delete.
	stagingPrefix = ".tmp-"

	// maxCandidates bounds the numbered suffixes tried before giving up.
	maxCandidates = 100
)

// Storage owns the file layout. Input paths are
// {root}/{owner}/{date}/input/{name} and output paths are
// {root}/{owner}/{date}/output/{stem}_{file_id}.xlsx. Implementations must be
// safe for concurrent use.
type Storage interface {
	AllocateInputPath(ctx context.Context, p Placement) (string, error)
	WriteInput(ctx context.Context, path string, r io.Reader) (int64, error)
	StoreInput(ctx context.Context, p Placement, r io.Reader) (string, int64, error)
	AllocateOutputPath(p Placement) string
	WriteOutput(ctx context.Context, path string, data []byte) error
	OpenInput(ctx context.Context, path string) (io.ReadCloser, error)
	ReadOutput(ctx context.Context, path string) (io.ReadCloser, error)
	Remove(ctx context.Context, path string) error
	SweepStaging(ctx context.Context, olderThan time.Time) (int, error)
	ListFiles(ctx context.Context, olderThan time.Time) ([]string, error)
	Close() error
}

// Placement identifies where a file belongs.
type Placement struct {
	OwnerID    uuid.UUID
	UploadDate time.Time
	FileID     uuid.UUID
	Filename   string
}

// PlacementFor derives the placement of an existing record.
func PlacementFor(f *models.FileRecord) Placement {
	return Placement{
		OwnerID:    f.OwnerID,
		UploadDate: f.UploadDate,
		FileID:     f.ID,
		Filename:   f.OriginalFilename,
	}
}

func (p Placement) dateDir() string {
	return p.UploadDate.UTC().Format(models.UploadDateLayout)
}

// candidateName returns the i-th name to try for an input file.
func candidateName(sanitized string, fileID uuid.UUID, i int) string {
	stem, ext := SplitName(sanitized)
	id := fileID.String()
	switch i {
	case 0:
		return sanitized
	case 1:
		return fitName(stem, "_"+id[:8], ext)
	case 2:
		return fitName(stem, "_"+id, ext)
	default:
		return fitName(stem, fmt.Sprintf("_%s-%d", id[:8], i-1), ext)
	}
}

// outputName is deterministic in the file id so that a rerun or a reaper can
// find the output without consulting the record.
func outputName(p Placement) string {
	stem, _ := SplitName(SanitizeFilename(p.Filename))
	return fitName(stem, "_"+p.FileID.String(), outputExt)
}

// guardedReader enforces the byte limit and stops on context cancellation.
type guardedReader struct {
	ctx context.Context
	r   io.Reader
	max int64
	n   int64
}

func (g *guardedReader) Read(p []byte) (int, error) {
	if err := g.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := g.r.Read(p)
	g.n += int64(n)
	if g.max > 0 && g.n > g.max {
		return n, ErrSizeExceeded
	}
	return n, err
}

// writeError keeps ErrSizeExceeded distinct and files everything else under
// ErrWriteFailed.
func writeError(op string, err error) error {
	if errors.Is(err, ErrSizeExceeded) {
		return ErrSizeExceeded
	}
	return fmt.Errorf("%w: %s: %w", ErrWriteFailed, op, err)
}
