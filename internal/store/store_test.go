package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/tabflow/internal/store"
	"github.com/kiranshivaraju/tabflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool + cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("tabflow_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Run migrations
	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

// defaultTenantID returns the UUID of the seeded default tenant.
func defaultTenantID(t *testing.T, s store.Store) uuid.UUID {
	t.Helper()
	tenant, err := s.GetDefaultTenant(context.Background())
	require.NoError(t, err)
	return tenant.ID
}

func newPendingFile(ownerID uuid.UUID, name string) *models.FileRecord {
	now := time.Now().UTC().Truncate(time.Microsecond)
	id := uuid.New()
	return &models.FileRecord{
		ID:               id,
		OwnerID:          ownerID,
		EngagementName:   "Q1 Audit",
		UploadDate:       time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
		OriginalFilename: name,
		StoredFilename:   name,
		InputPath:        "/data/" + ownerID.String() + "/2025-01-15/input/" + id.String() + "_" + name,
		SizeBytes:        128,
		ReferenceDates:   []string{"2025-01-01"},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// --- Tenant Tests ---

func TestGetDefaultTenant(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	tenant, err := s.GetDefaultTenant(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "default", tenant.Name)
	assert.NotEqual(t, uuid.Nil, tenant.ID)
}

func TestTenant_CreateAndDuplicate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	tenant := &models.Tenant{ID: uuid.New(), Name: "acme", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateTenant(ctx, tenant))

	got, err := s.GetTenantByName(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, got.ID)

	err = s.CreateTenant(ctx, &models.Tenant{ID: uuid.New(), Name: "acme", CreatedAt: now, UpdatedAt: now})
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	_, err = s.GetTenantByName(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- API Key Tests ---

func TestAPIKey_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)

	now := time.Now().UTC().Truncate(time.Microsecond)
	key := &models.APIKey{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      "test-key",
		KeyHash:   "bcrypt-hash-here",
		KeyPrefix: "tf_abcde",
		Scopes:    []string{"read", "write"},
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.CreateAPIKey(ctx, key)
	require.NoError(t, err)

	keys, err := s.GetAPIKeyByPrefix(ctx, "tf_abcde")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.ID, keys[0].ID)
	assert.Equal(t, []string{"read", "write"}, keys[0].Scopes)
}

func TestAPIKey_Revoke(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	tenantID := defaultTenantID(t, s)
	now := time.Now().UTC().Truncate(time.Microsecond)

	key := &models.APIKey{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Name:      "revoke-me",
		KeyHash:   "hash",
		KeyPrefix: "tf_revok",
		Scopes:    []string{"read"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	require.NoError(t, s.RevokeAPIKey(ctx, key.ID, tenantID))

	keys, err := s.ListAPIKeys(ctx, tenantID)
	require.NoError(t, err)
	assert.Empty(t, keys)

	err = s.RevokeAPIKey(ctx, key.ID, tenantID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- File Tests ---

func TestFile_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := defaultTenantID(t, s)

	f := newPendingFile(owner, "sales.csv")
	require.NoError(t, s.CreatePendingFile(ctx, f))

	got, err := s.GetFile(ctx, f.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusPending, got.Status)
	assert.Equal(t, "sales.csv", got.OriginalFilename)
	assert.Equal(t, "2025-01-15", got.UploadDateString())
	assert.Equal(t, []string{"2025-01-01"}, got.ReferenceDates)
	assert.Nil(t, got.OutputPath)
	assert.Nil(t, got.LineCount)
	assert.Nil(t, got.ErrorDetail)

	// Another owner cannot see it
	_, err = s.GetFile(ctx, f.ID, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFile_DuplicateInputPath(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := defaultTenantID(t, s)

	first := newPendingFile(owner, "sales.csv")
	require.NoError(t, s.CreatePendingFile(ctx, first))

	second := newPendingFile(owner, "sales.csv")
	second.InputPath = first.InputPath
	err := s.CreatePendingFile(ctx, second)
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func TestFile_FullLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := defaultTenantID(t, s)

	f := newPendingFile(owner, "sales.csv")
	require.NoError(t, s.CreatePendingFile(ctx, f))

	claimed, err := s.MarkFileProcessing(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusProcessing, claimed.Status)
	assert.NotNil(t, claimed.StartedAt)

	done, err := s.MarkFileProcessed(ctx, f.ID, "/data/out.xlsx", 3,
		store.WithAttempts(1), store.WithProcessingTime(1500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusProcessed, done.Status)
	require.NotNil(t, done.OutputPath)
	assert.Equal(t, "/data/out.xlsx", *done.OutputPath)
	require.NotNil(t, done.LineCount)
	assert.Equal(t, 3, *done.LineCount)
	assert.Equal(t, 1, done.Attempts)
	require.NotNil(t, done.ProcessingMS)
	assert.Equal(t, int64(1500), *done.ProcessingMS)
	assert.NotNil(t, done.CompletedAt)
}

func TestFile_MarkProcessedIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := defaultTenantID(t, s)

	f := newPendingFile(owner, "sales.csv")
	require.NoError(t, s.CreatePendingFile(ctx, f))
	_, err := s.MarkFileProcessing(ctx, f.ID)
	require.NoError(t, err)

	first, err := s.MarkFileProcessed(ctx, f.ID, "/data/out.xlsx", 3)
	require.NoError(t, err)

	second, err := s.MarkFileProcessed(ctx, f.ID, "/data/out.xlsx", 3)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, *first.OutputPath, *second.OutputPath)
	assert.Equal(t, *first.LineCount, *second.LineCount)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
}

func TestFile_MarkFailedIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := defaultTenantID(t, s)

	f := newPendingFile(owner, "sales.csv")
	require.NoError(t, s.CreatePendingFile(ctx, f))
	_, err := s.MarkFileProcessing(ctx, f.ID)
	require.NoError(t, err)

	detail := models.ErrorDetail{Kind: models.ErrorKindMalformedInput, Message: `missing required column "amount"`}
	failed, err := s.MarkFileFailed(ctx, f.ID, detail)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorDetail)
	assert.Equal(t, models.ErrorKindMalformedInput, failed.ErrorDetail.Kind)
	assert.Contains(t, failed.ErrorDetail.Message, "amount")
	assert.NotEmpty(t, failed.ErrorDetail.Hint)
	assert.Nil(t, failed.OutputPath)

	again, err := s.MarkFileFailed(ctx, f.ID, detail)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusFailed, again.Status)
}

func TestFile_TerminalStatesRejectTransitions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := defaultTenantID(t, s)

	f := newPendingFile(owner, "sales.csv")
	require.NoError(t, s.CreatePendingFile(ctx, f))
	_, err := s.MarkFileProcessing(ctx, f.ID)
	require.NoError(t, err)
	_, err = s.MarkFileProcessed(ctx, f.ID, "/data/out.xlsx", 3)
	require.NoError(t, err)

	_, err = s.MarkFileFailed(ctx, f.ID, models.ErrorDetail{Kind: models.ErrorKindTransient})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = s.MarkFileProcessing(ctx, f.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	got, err := s.GetFile(ctx, f.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusProcessed, got.Status)
}

func TestFile_MarkProcessedRequiresProcessing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := defaultTenantID(t, s)

	f := newPendingFile(owner, "sales.csv")
	require.NoError(t, s.CreatePendingFile(ctx, f))

	_, err := s.MarkFileProcessed(ctx, f.ID, "/data/out.xlsx", 3)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestFile_MarkUnknownFile(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.MarkFileProcessing(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFile_ConcurrentClaimExactlyOneWins(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := defaultTenantID(t, s)

	f := newPendingFile(owner, "sales.csv")
	require.NoError(t, s.CreatePendingFile(ctx, f))

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.MarkFileProcessing(ctx, f.ID)
		}(i)
	}
	wg.Wait()

	var won, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, store.ErrInvalidTransition):
			conflicts++
		default:
			t.Errorf("unexpected claim error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, attempts-1, conflicts)
}

func TestFile_List(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := defaultTenantID(t, s)

	for _, name := range []string{"sales.csv", "sales.csv", "costs.xlsx"} {
		require.NoError(t, s.CreatePendingFile(ctx, newPendingFile(owner, name)))
	}
	other := newPendingFile(owner, "q2_report.csv")
	other.EngagementName = "Q2 Review"
	other.UploadDate = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreatePendingFile(ctx, other))

	files, total, err := s.ListFiles(ctx, store.FileFilter{OwnerID: owner})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, files, 4)

	files, total, err = s.ListFiles(ctx, store.FileFilter{OwnerID: owner, Filename: "SALES"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, files, 2)

	files, _, err = s.ListFiles(ctx, store.FileFilter{OwnerID: owner, EngagementName: "q2"})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, other.ID, files[0].ID)

	_, total, err = s.ListFiles(ctx, store.FileFilter{
		OwnerID: owner,
		From:    time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	_, total, err = s.ListFiles(ctx, store.FileFilter{OwnerID: owner, Status: models.FileStatusProcessed})
	require.NoError(t, err)
	assert.Equal(t, 0, total)

	files, total, err = s.ListFiles(ctx, store.FileFilter{OwnerID: owner, Page: 2, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, files, 1)

	_, total, err = s.ListFiles(ctx, store.FileFilter{OwnerID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestFile_LikeWildcardsAreLiteral(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := defaultTenantID(t, s)

	require.NoError(t, s.CreatePendingFile(ctx, newPendingFile(owner, "sales.csv")))

	_, total, err := s.ListFiles(ctx, store.FileFilter{OwnerID: owner, Filename: "%"})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestFile_ReapStuckFiles(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := defaultTenantID(t, s)

	stuck := newPendingFile(owner, "stuck.csv")
	require.NoError(t, s.CreatePendingFile(ctx, stuck))
	_, err := s.MarkFileProcessing(ctx, stuck.ID)
	require.NoError(t, err)

	pending := newPendingFile(owner, "waiting.csv")
	require.NoError(t, s.CreatePendingFile(ctx, pending))

	// Nothing is old enough yet
	reaped, err := s.ReapStuckFiles(ctx, time.Now().Add(-time.Hour),
		models.ErrorDetail{Kind: models.ErrorKindTimeout, Message: "stuck"})
	require.NoError(t, err)
	assert.Empty(t, reaped)

	reaped, err = s.ReapStuckFiles(ctx, time.Now().Add(time.Minute),
		models.ErrorDetail{Kind: models.ErrorKindTimeout, Message: "stuck"})
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, stuck.ID, reaped[0].ID)
	assert.Equal(t, models.FileStatusFailed, reaped[0].Status)
	assert.Equal(t, models.ErrorKindTimeout, reaped[0].ErrorDetail.Kind)

	got, err := s.GetFile(ctx, pending.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusPending, got.Status)
}

func TestFile_ListPendingFiles(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := defaultTenantID(t, s)

	old := newPendingFile(owner, "old.csv")
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.CreatePendingFile(ctx, old))
	require.NoError(t, s.CreatePendingFile(ctx, newPendingFile(owner, "fresh.csv")))

	files, err := s.ListPendingFiles(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, old.ID, files[0].ID)
}

func TestFile_ReferencedPaths(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	owner := defaultTenantID(t, s)

	f := newPendingFile(owner, "sales.csv")
	require.NoError(t, s.CreatePendingFile(ctx, f))
	_, err := s.MarkFileProcessing(ctx, f.ID)
	require.NoError(t, err)
	_, err = s.MarkFileProcessed(ctx, f.ID, "/data/out.xlsx", 1)
	require.NoError(t, err)

	refs, err := s.ReferencedPaths(ctx, []string{f.InputPath, "/data/out.xlsx", "/data/orphan.csv"})
	require.NoError(t, err)
	assert.True(t, refs[f.InputPath])
	assert.True(t, refs["/data/out.xlsx"])
	assert.False(t, refs["/data/orphan.csv"])
}
