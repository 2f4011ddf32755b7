package models

import (
	"time"

	"github.com/google/uuid"
)

// FileStatus is the lifecycle state of an uploaded file.
type FileStatus string

const (
	FileStatusPending    FileStatus = "PENDING"
	FileStatusProcessing FileStatus = "PROCESSING"
	FileStatusProcessed  FileStatus = "PROCESSED"
	FileStatusFailed     FileStatus = "FAILED"
)

// Valid reports whether s is one of the known statuses.
func (s FileStatus) Valid() bool {
	switch s {
	case FileStatusPending, FileStatusProcessing, FileStatusProcessed, FileStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition can happen from s.
func (s FileStatus) Terminal() bool {
	return s == FileStatusProcessed || s == FileStatusFailed
}

// UploadDateLayout is the format of upload_date in storage paths and the API.
const UploadDateLayout = "2006-01-02"

// FileRecord tracks one uploaded file from upload to its terminal state.
// OutputPath is set only when Status is PROCESSED; ErrorDetail only when FAILED.
type FileRecord struct {
	ID               uuid.UUID    `db:"id"                json:"file_id"`
	OwnerID          uuid.UUID    `db:"owner_id"          json:"owner_id"`
	EngagementName   string       `db:"engagement_name"   json:"engagement_name"`
	UploadDate       time.Time    `db:"upload_date"       json:"-"`
	OriginalFilename string       `db:"original_filename" json:"original_filename"`
	StoredFilename   string       `db:"stored_filename"   json:"stored_filename"`
	InputPath        string       `db:"input_path"        json:"-"`
	OutputPath       *string      `db:"output_path"       json:"-"`
	LineCount        *int         `db:"line_count"        json:"line_count,omitempty"`
	Status           FileStatus   `db:"status"            json:"status"`
	ErrorDetail      *ErrorDetail `db:"-"                 json:"error_detail,omitempty"`
	SizeBytes        int64        `db:"size_bytes"        json:"size_bytes"`
	ReferenceDates   []string     `db:"reference_dates"   json:"reference_dates"`
	ClientIP         *string      `db:"client_ip"         json:"-"`
	Attempts         int          `db:"attempts"          json:"attempts"`
	ProcessingMS     *int64       `db:"processing_ms"     json:"processing_ms,omitempty"`
	StartedAt        *time.Time   `db:"started_at"        json:"started_at,omitempty"`
	CompletedAt      *time.Time   `db:"completed_at"      json:"completed_at,omitempty"`
	CreatedAt        time.Time    `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"        json:"updated_at"`
}

// UploadDateString returns the upload date bucket as YYYY-MM-DD.
func (f *FileRecord) UploadDateString() string {
	return f.UploadDate.Format(UploadDateLayout)
}
