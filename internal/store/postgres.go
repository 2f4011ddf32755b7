package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/tabflow/pkg/models"
)

const maxErrorMessageLen = 4000

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

func (s *PostgresStore) GetDefaultTenant(ctx context.Context) (*models.Tenant, error) {
	return s.GetTenantByName(ctx, DefaultTenantName)
}

func (s *PostgresStore) GetTenantByName(ctx context.Context, name string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM tenants WHERE name = $1`, name,
	).Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		tenant.ID, tenant.Name, tenant.CreatedAt, tenant.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Files ---

const fileColumns = `id, owner_id, engagement_name, upload_date, original_filename, stored_filename,
	input_path, output_path, line_count, status, error_kind, error_message, size_bytes,
	reference_dates, client_ip, attempts, processing_ms, started_at, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*models.FileRecord, error) {
	var (
		f       models.FileRecord
		status  string
		errKind *string
		errMsg  *string
	)
	if err := row.Scan(&f.ID, &f.OwnerID, &f.EngagementName, &f.UploadDate, &f.OriginalFilename,
		&f.StoredFilename, &f.InputPath, &f.OutputPath, &f.LineCount, &status, &errKind, &errMsg,
		&f.SizeBytes, &f.ReferenceDates, &f.ClientIP, &f.Attempts, &f.ProcessingMS,
		&f.StartedAt, &f.CompletedAt, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.Status = models.FileStatus(status)
	if errKind != nil {
		kind := models.ErrorKind(*errKind)
		detail := &models.ErrorDetail{Kind: kind, Hint: kind.Hint()}
		if errMsg != nil {
			detail.Message = *errMsg
		}
		f.ErrorDetail = detail
	}
	return &f, nil
}

func (s *PostgresStore) CreatePendingFile(ctx context.Context, file *models.FileRecord) error {
	if file.ReferenceDates == nil {
		file.ReferenceDates = []string{}
	}
	file.Status = models.FileStatusPending

	_, err := s.pool.Exec(ctx,
		`INSERT INTO files (id, owner_id, engagement_name, upload_date, original_filename, stored_filename,
		   input_path, status, size_bytes, reference_dates, client_ip, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		file.ID, file.OwnerID, file.EngagementName, file.UploadDate, file.OriginalFilename,
		file.StoredFilename, file.InputPath, string(file.Status), file.SizeBytes, file.ReferenceDates,
		file.ClientIP, file.CreatedAt, file.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create file: %w", err)
	}
	return nil
}

// MarkFileProcessing claims a PENDING file. It is the only way into PROCESSING,
// so of two concurrent claims exactly one succeeds.
func (s *PostgresStore) MarkFileProcessing(ctx context.Context, id uuid.UUID) (*models.FileRecord, error) {
	now := time.Now().UTC()
	f, err := scanFile(s.pool.QueryRow(ctx,
		`UPDATE files SET status = $2, started_at = $3, updated_at = $3
		 WHERE id = $1 AND status = ANY($4)
		 RETURNING `+fileColumns,
		id, string(models.FileStatusProcessing), now, sourcesFor(models.FileStatusProcessing)))
	if errors.Is(err, pgx.ErrNoRows) {
		return s.resolveConflict(ctx, id, models.FileStatusProcessing, false)
	}
	if err != nil {
		return nil, fmt.Errorf("mark file processing: %w", err)
	}
	return f, nil
}

// MarkFileProcessed finalizes a run. Calling it on an already PROCESSED file
// returns the stored record unchanged.
func (s *PostgresStore) MarkFileProcessed(ctx context.Context, id uuid.UUID, outputPath string, lineCount int, opts ...FileUpdateOption) (*models.FileRecord, error) {
	params := CollectFileUpdate(opts...)

	now := time.Now().UTC()
	f, err := scanFile(s.pool.QueryRow(ctx,
		`UPDATE files SET status = $2, output_path = $3, line_count = $4,
		   error_kind = NULL, error_message = NULL,
		   attempts = COALESCE($5, attempts), processing_ms = COALESCE($6, processing_ms),
		   completed_at = $7, updated_at = $7
		 WHERE id = $1 AND status = ANY($8)
		 RETURNING `+fileColumns,
		id, string(models.FileStatusProcessed), outputPath, lineCount,
		params.Attempts, params.ProcessingMS, now, sourcesFor(models.FileStatusProcessed)))
	if errors.Is(err, pgx.ErrNoRows) {
		return s.resolveConflict(ctx, id, models.FileStatusProcessed, true)
	}
	if err != nil {
		return nil, fmt.Errorf("mark file processed: %w", err)
	}
	return f, nil
}

// MarkFileFailed records a terminal failure. Calling it on an already FAILED
// file returns the stored record unchanged.
func (s *PostgresStore) MarkFileFailed(ctx context.Context, id uuid.UUID, detail models.ErrorDetail, opts ...FileUpdateOption) (*models.FileRecord, error) {
	params := CollectFileUpdate(opts...)

	now := time.Now().UTC()
	f, err := scanFile(s.pool.QueryRow(ctx,
		`UPDATE files SET status = $2, output_path = NULL, error_kind = $3, error_message = $4,
		   attempts = COALESCE($5, attempts), processing_ms = COALESCE($6, processing_ms),
		   completed_at = $7, updated_at = $7
		 WHERE id = $1 AND status = ANY($8)
		 RETURNING `+fileColumns,
		id, string(models.FileStatusFailed), string(detail.Kind), truncate(detail.Message, maxErrorMessageLen),
		params.Attempts, params.ProcessingMS, now, sourcesFor(models.FileStatusFailed)))
	if errors.Is(err, pgx.ErrNoRows) {
		return s.resolveConflict(ctx, id, models.FileStatusFailed, true)
	}
	if err != nil {
		return nil, fmt.Errorf("mark file failed: %w", err)
	}
	return f, nil
}

// resolveConflict explains why a conditional transition matched no row.
func (s *PostgresStore) resolveConflict(ctx context.Context, id uuid.UUID, to models.FileStatus, idempotent bool) (*models.FileRecord, error) {
	current, err := s.GetFileByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if idempotent && current.Status == to {
		return current, nil
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
}

func (s *PostgresStore) GetFile(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.FileRecord, error) {
	f, err := scanFile(s.pool.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = $1 AND owner_id = $2`, id, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) GetFileByID(ctx context.Context, id uuid.UUID) (*models.FileRecord, error) {
	f, err := scanFile(s.pool.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file by id: %w", err)
	}
	return f, nil
}

func (s *PostgresStore) ListFiles(ctx context.Context, filter FileFilter) ([]*models.FileRecord, int, error) {
	// Build WHERE clause dynamically
	conditions := []string{"owner_id = $1"}
	args := []any{filter.OwnerID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.EngagementName != "" {
		conditions = append(conditions, fmt.Sprintf(`engagement_name ILIKE $%d ESCAPE '\'`, argIdx))
		args = append(args, "%"+escapeLike(filter.EngagementName)+"%")
		argIdx++
	}
	if filter.Filename != "" {
		conditions = append(conditions, fmt.Sprintf(`original_filename ILIKE $%d ESCAPE '\'`, argIdx))
		args = append(args, "%"+escapeLike(filter.Filename)+"%")
		argIdx++
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, fmt.Sprintf("upload_date >= $%d", argIdx))
		args = append(args, filter.From)
		argIdx++
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, fmt.Sprintf("upload_date <= $%d", argIdx))
		args = append(args, filter.To)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	// Count query
	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM files WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count files: %w", err)
	}

	limit, offset := normalizePage(filter.Page, filter.Limit)

	dataQuery := fmt.Sprintf(
		`SELECT `+fileColumns+` FROM files WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	files, err := collectFiles(rows)
	if err != nil {
		return nil, 0, err
	}
	return files, total, nil
}

func (s *PostgresStore) ListPendingFiles(ctx context.Context, createdBefore time.Time, limit int) ([]*models.FileRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+fileColumns+` FROM files
		 WHERE status = $1 AND created_at < $2
		 ORDER BY created_at LIMIT $3`,
		string(models.FileStatusPending), createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending files: %w", err)
	}
	defer rows.Close()
	return collectFiles(rows)
}

// ReapStuckFiles fails every PROCESSING file not updated since updatedBefore
// in one statement and returns the affected records.
func (s *PostgresStore) ReapStuckFiles(ctx context.Context, updatedBefore time.Time, detail models.ErrorDetail) ([]*models.FileRecord, error) {
	now := time.Now().UTC()
	rows, err := s.pool.Query(ctx,
		`UPDATE files SET status = $2, output_path = NULL, error_kind = $3, error_message = $4,
		   completed_at = $5, updated_at = $5
		 WHERE status = $6 AND updated_at < $1
		 RETURNING `+fileColumns,
		updatedBefore, string(models.FileStatusFailed), string(detail.Kind),
		truncate(detail.Message, maxErrorMessageLen), now, string(models.FileStatusProcessing))
	if err != nil {
		return nil, fmt.Errorf("reap stuck files: %w", err)
	}
	defer rows.Close()
	return collectFiles(rows)
}

// ReferencedPaths reports which of paths are referenced by any record.
func (s *PostgresStore) ReferencedPaths(ctx context.Context, paths []string) (map[string]bool, error) {
	refs := make(map[string]bool, len(paths))
	if len(paths) == 0 {
		return refs, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT input_path, output_path FROM files
		 WHERE input_path = ANY($1) OR output_path = ANY($1)`, paths)
	if err != nil {
		return nil, fmt.Errorf("referenced paths: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var in string
		var out *string
		if err := rows.Scan(&in, &out); err != nil {
			return nil, fmt.Errorf("scan referenced path: %w", err)
		}
		refs[in] = true
		if out != nil {
			refs[*out] = true
		}
	}
	return refs, rows.Err()
}

func collectFiles(rows pgx.Rows) ([]*models.FileRecord, error) {
	var files []*models.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// --- helpers ---

func normalizePage(page, limit int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
