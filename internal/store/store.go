package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tabflow/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInvalidTransition is returned when a status change is not allowed from
// the record's current status.
var ErrInvalidTransition = errors.New("invalid status transition")

// DefaultTenantName is the tenant seeded by the first migration.
const DefaultTenantName = "default"

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	GetTenantByName(ctx context.Context, name string) (*models.Tenant, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error

	FileStore
}

// FileStore is the metadata store for uploaded files. Each mutating call is
// a single-row conditional write.
type FileStore interface {
	CreatePendingFile(ctx context.Context, file *models.FileRecord) error
	MarkFileProcessing(ctx context.Context, id uuid.UUID) (*models.FileRecord, error)
	MarkFileProcessed(ctx context.Context, id uuid.UUID, outputPath string, lineCount int, opts ...FileUpdateOption) (*models.FileRecord, error)
	MarkFileFailed(ctx context.Context, id uuid.UUID, detail models.ErrorDetail, opts ...FileUpdateOption) (*models.FileRecord, error)
	GetFile(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.FileRecord, error)
	GetFileByID(ctx context.Context, id uuid.UUID) (*models.FileRecord, error)
	ListFiles(ctx context.Context, filter FileFilter) ([]*models.FileRecord, int, error)
	ListPendingFiles(ctx context.Context, createdBefore time.Time, limit int) ([]*models.FileRecord, error)
	ReapStuckFiles(ctx context.Context, updatedBefore time.Time, detail models.ErrorDetail) ([]*models.FileRecord, error)
	ReferencedPaths(ctx context.Context, paths []string) (map[string]bool, error)
}

type FileFilter struct {
	OwnerID        uuid.UUID
	Status         models.FileStatus
	EngagementName string
	Filename       string
	From           time.Time
	To             time.Time
	Page           int
	Limit          int
}

// FileUpdate holds the optional fields of a terminal transition.
type FileUpdate struct {
	Attempts     *int
	ProcessingMS *int64
}

type FileUpdateOption func(*FileUpdate)

// CollectFileUpdate applies opts to an empty FileUpdate.
func CollectFileUpdate(opts ...FileUpdateOption) FileUpdate {
	var u FileUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

// WithAttempts records how many engine attempts the run took.
func WithAttempts(n int) FileUpdateOption {
	return func(p *FileUpdate) {
		p.Attempts = &n
	}
}

func WithProcessingTime(d time.Duration) FileUpdateOption {
	return func(p *FileUpdate) {
		ms := d.Milliseconds()
		p.ProcessingMS = &ms
	}
}

// validFileTransitions mirrors the files_status_transition trigger.
var validFileTransitions = map[models.FileStatus][]models.FileStatus{
	models.FileStatusPending:    {models.FileStatusProcessing, models.FileStatusFailed},
	models.FileStatusProcessing: {models.FileStatusProcessed, models.FileStatusFailed},
}

// CanTransition reports whether a file may move from one status to another.
func CanTransition(from, to models.FileStatus) bool {
	for _, s := range validFileTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesFor lists the statuses from which a record may enter to.
func sourcesFor(to models.FileStatus) []string {
	var out []string
	for from, targets := range validFileTransitions {
		for _, t := range targets {
			if t == to {
				out = append(out, string(from))
			}
		}
	}
	return out
}
