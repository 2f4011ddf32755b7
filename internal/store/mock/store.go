// Package mock provides an in-memory store.Store for tests. It applies the
// same transition rules as PostgresStore. Any *Func field, when set, replaces
// the in-memory behavior of that method.
package mock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tabflow/internal/store"
	"github.com/kiranshivaraju/tabflow/pkg/models"
)

type Store struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]*models.Tenant
	keys    map[uuid.UUID]*models.APIKey
	files   map[uuid.UUID]*models.FileRecord

	PingFunc              func(ctx context.Context) error
	GetAPIKeyByPrefixFunc func(ctx context.Context, prefix string) ([]*models.APIKey, error)
	CreatePendingFileFunc func(ctx context.Context, file *models.FileRecord) error
	MarkFileProcessedFunc func(ctx context.Context, id uuid.UUID, outputPath string, lineCount int) (*models.FileRecord, error)
	MarkFileFailedFunc    func(ctx context.Context, id uuid.UUID, detail models.ErrorDetail) (*models.FileRecord, error)
	ListPendingFilesFunc  func(ctx context.Context, createdBefore time.Time, limit int) ([]*models.FileRecord, error)
	GetFileFunc           func(ctx context.Context, id, ownerID uuid.UUID) (*models.FileRecord, error)
	GetDefaultTenantFunc  func(ctx context.Context) (*models.Tenant, error)
}

var _ store.Store = (*Store)(nil)

// NewStore returns an empty store seeded with a "default" tenant.
func NewStore() *Store {
	s := &Store{
		tenants: map[uuid.UUID]*models.Tenant{},
		keys:    map[uuid.UUID]*models.APIKey{},
		files:   map[uuid.UUID]*models.FileRecord{},
	}
	now := time.Now().UTC()
	def := &models.Tenant{ID: uuid.New(), Name: store.DefaultTenantName, CreatedAt: now, UpdatedAt: now}
	s.tenants[def.ID] = def
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	if s.PingFunc != nil {
		return s.PingFunc(ctx)
	}
	return nil
}

// --- tenants and keys ---

func (s *Store) GetDefaultTenant(ctx context.Context) (*models.Tenant, error) {
	if s.GetDefaultTenantFunc != nil {
		return s.GetDefaultTenantFunc(ctx)
	}
	return s.GetTenantByName(ctx, store.DefaultTenantName)
}

func (s *Store) GetTenantByName(_ context.Context, name string) (*models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.Name == name {
			c := *t
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateTenant(_ context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.Name == tenant.Name || t.ID == tenant.ID {
			return store.ErrDuplicateKey
		}
	}
	c := *tenant
	s.tenants[c.ID] = &c
	return nil
}

func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	if s.GetAPIKeyByPrefixFunc != nil {
		return s.GetAPIKeyByPrefixFunc(ctx, prefix)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *Store) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	c := *key
	s.keys[c.ID] = &c
	return nil
}

func (s *Store) ListAPIKeys(_ context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.TenantID == tenantID && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RevokeAPIKey(_ context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.TenantID != tenantID || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	return nil
}

// --- files ---

func (s *Store) CreatePendingFile(ctx context.Context, file *models.FileRecord) error {
	if s.CreatePendingFileFunc != nil {
		return s.CreatePendingFileFunc(ctx, file)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[file.ID]; ok {
		return store.ErrDuplicateKey
	}
	for _, f := range s.files {
		if f.InputPath == file.InputPath {
			return store.ErrDuplicateKey
		}
	}
	if file.ReferenceDates == nil {
		file.ReferenceDates = []string{}
	}
	file.Status = models.FileStatusPending
	c := *file
	s.files[c.ID] = &c
	return nil
}

func (s *Store) MarkFileProcessing(_ context.Context, id uuid.UUID) (*models.FileRecord, error) {
	return s.transition(id, models.FileStatusProcessing, false, func(f *models.FileRecord, now time.Time) {
		f.StartedAt = &now
	})
}

func (s *Store) MarkFileProcessed(ctx context.Context, id uuid.UUID, outputPath string, lineCount int, opts ...store.FileUpdateOption) (*models.FileRecord, error) {
	if s.MarkFileProcessedFunc != nil {
		return s.MarkFileProcessedFunc(ctx, id, outputPath, lineCount)
	}
	return s.transition(id, models.FileStatusProcessed, true, func(f *models.FileRecord, now time.Time) {
		f.OutputPath = &outputPath
		f.LineCount = &lineCount
		f.ErrorDetail = nil
		f.CompletedAt = &now
		applyOptions(f, opts)
	})
}

func (s *Store) MarkFileFailed(ctx context.Context, id uuid.UUID, detail models.ErrorDetail, opts ...store.FileUpdateOption) (*models.FileRecord, error) {
	if s.MarkFileFailedFunc != nil {
		return s.MarkFileFailedFunc(ctx, id, detail)
	}
	return s.transition(id, models.FileStatusFailed, true, func(f *models.FileRecord, now time.Time) {
		d := detail
		if d.Hint == "" {
			d.Hint = d.Kind.Hint()
		}
		f.OutputPath = nil
		f.ErrorDetail = &d
		f.CompletedAt = &now
		applyOptions(f, opts)
	})
}

func (s *Store) transition(id uuid.UUID, to models.FileStatus, idempotent bool, apply func(*models.FileRecord, time.Time)) (*models.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !store.CanTransition(f.Status, to) {
		if idempotent && f.Status == to {
			c := *f
			return &c, nil
		}
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, f.Status, to)
	}
	now := time.Now().UTC()
	f.Status = to
	f.UpdatedAt = now
	apply(f, now)
	c := *f
	return &c, nil
}

func applyOptions(f *models.FileRecord, opts []store.FileUpdateOption) {
	u := store.CollectFileUpdate(opts...)
	if u.Attempts != nil {
		f.Attempts = *u.Attempts
	}
	if u.ProcessingMS != nil {
		ms := *u.ProcessingMS
		f.ProcessingMS = &ms
	}
}

func (s *Store) GetFile(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.FileRecord, error) {
	if s.GetFileFunc != nil {
		return s.GetFileFunc(ctx, id, ownerID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok || f.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	c := *f
	return &c, nil
}

func (s *Store) GetFileByID(_ context.Context, id uuid.UUID) (*models.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *f
	return &c, nil
}

func (s *Store) ListFiles(_ context.Context, filter store.FileFilter) ([]*models.FileRecord, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*models.FileRecord
	for _, f := range s.files {
		if f.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && f.Status != filter.Status {
			continue
		}
		if filter.EngagementName != "" && !containsFold(f.EngagementName, filter.EngagementName) {
			continue
		}
		if filter.Filename != "" && !containsFold(f.OriginalFilename, filter.Filename) {
			continue
		}
		if !filter.From.IsZero() && f.UploadDate.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && f.UploadDate.After(filter.To) {
			continue
		}
		c := *f
		matched = append(matched, &c)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	limit = min(limit, 100)
	page := max(filter.Page, 1)
	start := min((page-1)*limit, len(matched))
	end := min(start+limit, len(matched))
	return matched[start:end], len(matched), nil
}

func (s *Store) ListPendingFiles(ctx context.Context, createdBefore time.Time, limit int) ([]*models.FileRecord, error) {
	if s.ListPendingFilesFunc != nil {
		return s.ListPendingFilesFunc(ctx, createdBefore, limit)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.FileRecord
	for _, f := range s.files {
		if f.Status == models.FileStatusPending && f.CreatedAt.Before(createdBefore) {
			c := *f
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ReapStuckFiles(_ context.Context, updatedBefore time.Time, detail models.ErrorDetail) ([]*models.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var out []*models.FileRecord
	for _, f := range s.files {
		if f.Status != models.FileStatusProcessing || !f.UpdatedAt.Before(updatedBefore) {
			continue
		}
		d := detail
		d.Hint = d.Kind.Hint()
		f.Status = models.FileStatusFailed
		f.OutputPath = nil
		f.ErrorDetail = &d
		f.CompletedAt = &now
		f.UpdatedAt = now
		c := *f
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) ReferencedPaths(_ context.Context, paths []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(paths))
	for _, p := range paths {
		want[p] = true
	}
	refs := map[string]bool{}
	for _, f := range s.files {
		if want[f.InputPath] {
			refs[f.InputPath] = true
		}
		if f.OutputPath != nil && want[*f.OutputPath] {
			refs[*f.OutputPath] = true
		}
	}
	return refs, nil
}

// --- test helpers ---

// Put stores f as is, bypassing transition rules.
func (s *Store) Put(f *models.FileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *f
	s.files[c.ID] = &c
}

// File returns a copy of the record with id, or nil.
func (s *Store) File(id uuid.UUID) *models.FileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil
	}
	c := *f
	return &c
}

// Files returns copies of all records.
func (s *Store) Files() []*models.FileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.FileRecord, 0, len(s.files))
	for _, f := range s.files {
		c := *f
		out = append(out, &c)
	}
	return out
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
