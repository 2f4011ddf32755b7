package ingest_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachemock "github.com/kiranshivaraju/tabflow/internal/cache/mock"
	"github.com/kiranshivaraju/tabflow/internal/config"
	"github.com/kiranshivaraju/tabflow/internal/ingest"
	"github.com/kiranshivaraju/tabflow/internal/processing"
	"github.com/kiranshivaraju/tabflow/internal/storage"
	storemock "github.com/kiranshivaraju/tabflow/internal/store/mock"
	"github.com/kiranshivaraju/tabflow/internal/validate"
	"github.com/kiranshivaraju/tabflow/pkg/models"
)

const validCSV = "region,q1,q2\nnorth,10,20\nsouth,5,5\neast,0,30\n"

type engineFunc func(ctx context.Context, in processing.Input) (*processing.Result, error)

func (f engineFunc) Process(ctx context.Context, in processing.Input) (*processing.Result, error) {
	return f(ctx, in)
}

func okEngine() engineFunc {
	return func(_ context.Context, in processing.Input) (*processing.Result, error) {
		if _, err := io.ReadAll(in.Reader); err != nil {
			return nil, err
		}
		return &processing.Result{LineCount: 2, Output: []byte("xlsx")}, nil
	}
}

type harness struct {
	coord   *ingest.Coordinator
	store   *storemock.Store
	storage *storage.LocalStorage
	cache   *cachemock.Cache
	owner   uuid.UUID
}

func testOptions() ingest.Options {
	return ingest.Options{
		Mode:           config.ProcessingModeInline,
		Timeout:        2 * time.Second,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func newHarness(t *testing.T, engine ingest.Engine, opts ingest.Options) *harness {
	t.Helper()
	ls, err := storage.NewLocalStorage(t.TempDir(), 1<<20)
	require.NoError(t, err)
	return newHarnessWith(t, engine, opts, ls, ls)
}

// newHarnessWith lets a test wrap the storage the coordinator sees while
// still inspecting the underlying local tree.
func newHarnessWith(t *testing.T, engine ingest.Engine, opts ingest.Options, sg storage.Storage, ls *storage.LocalStorage) *harness {
	t.Helper()
	st := storemock.NewStore()
	ca := cachemock.NewCache()
	v := validate.New([]string{".csv", ".xlsx", ".xls"}, 1<<20)
	return &harness{
		coord:   ingest.NewCoordinator(st, sg, ca, v, engine, opts),
		store:   st,
		storage: ls,
		cache:   ca,
		owner:   uuid.New(),
	}
}

func (h *harness) upload(t *testing.T, name, body string) (*models.FileRecord, error) {
	t.Helper()
	return h.coord.Upload(context.Background(), ingest.UploadRequest{
		OwnerID:        h.owner,
		Filename:       name,
		DeclaredSize:   int64(len(body)),
		Body:           strings.NewReader(body),
		EngagementName: "Acme FY25",
		ReferenceDates: []string{"2025-01-01"},
		ClientIP:       "10.0.0.7",
	})
}

// committedFiles lists non-staging files under the storage root.
func (h *harness) committedFiles(t *testing.T) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(h.storage.Root(), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			out = append(out, path)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func requireKind(t *testing.T, err error, kind models.ErrorKind) {
	t.Helper()
	require.Error(t, err)
	var ie *ingest.Error
	require.True(t, errors.As(err, &ie), "expected *ingest.Error, got %T: %v", err, err)
	assert.Equal(t, kind, ie.Kind)
}

func TestUpload_ProcessesValidCSVEndToEnd(t *testing.T) {
	h := newHarness(t, processing.NewEngine(nil, nil, nil), testOptions())

	rec, err := h.upload(t, "Q1 Sales.csv", validCSV)
	require.NoError(t, err)

	assert.Equal(t, models.FileStatusProcessed, rec.Status)
	require.NotNil(t, rec.LineCount)
	assert.Equal(t, 3, *rec.LineCount)
	assert.Equal(t, 1, rec.Attempts)
	assert.Nil(t, rec.ErrorDetail)
	assert.Equal(t, "Q1_Sales.csv", rec.StoredFilename)
	assert.Equal(t, int64(len(validCSV)), rec.SizeBytes)
	require.NotNil(t, rec.ClientIP)
	assert.Equal(t, "10.0.0.7", *rec.ClientIP)

	today := time.Now().UTC().Format(models.UploadDateLayout)
	wantInput := filepath.Join(h.storage.Root(), h.owner.String(), today, "input", "Q1_Sales.csv")
	assert.Equal(t, wantInput, rec.InputPath)
	require.NotNil(t, rec.OutputPath)
	assert.FileExists(t, *rec.OutputPath)
	assert.Equal(t, filepath.Join(h.storage.Root(), h.owner.String(), today, "output"), filepath.Dir(*rec.OutputPath))

	status, ok, err := h.cache.GetFileStatus(context.Background(), h.owner, rec.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.FileStatusProcessed, status)

	dl, err := h.coord.Download(context.Background(), h.owner, rec.ID)
	require.NoError(t, err)
	defer dl.Body.Close()
	assert.Equal(t, "processed_Q1_Sales.xlsx", dl.Filename)
	data, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("PK"), data[:2])
}

func TestUpload_RejectsBadFormatWithoutSideEffects(t *testing.T) {
	var calls atomic.Int32
	engine := engineFunc(func(context.Context, processing.Input) (*processing.Result, error) {
		calls.Add(1)
		return nil, nil
	})
	h := newHarness(t, engine, testOptions())

	_, err := h.upload(t, "payload.exe", "MZ...")
	requireKind(t, err, models.ErrorKindInvalidFormat)

	_, err = h.upload(t, "notes.txt", "hello")
	requireKind(t, err, models.ErrorKindInvalidFormat)

	assert.Empty(t, h.store.Files())
	assert.Empty(t, h.committedFiles(t))
	assert.Zero(t, calls.Load())
}

func TestUpload_DeclaredSizeTooLarge(t *testing.T) {
	h := newHarness(t, okEngine(), testOptions())

	_, err := h.coord.Upload(context.Background(), ingest.UploadRequest{
		OwnerID:        h.owner,
		Filename:       "big.csv",
		DeclaredSize:   2 << 20,
		Body:           strings.NewReader(validCSV),
		EngagementName: "Acme",
	})
	requireKind(t, err, models.ErrorKindSizeExceeded)
	assert.Empty(t, h.store.Files())
}

func TestUpload_ActualSizeTooLargeLeavesNothing(t *testing.T) {
	h := newHarness(t, okEngine(), testOptions())
	body := "a,b\n" + strings.Repeat("1,2\n", (1<<20)/4+10)

	_, err := h.coord.Upload(context.Background(), ingest.UploadRequest{
		OwnerID:        h.owner,
		Filename:       "big.csv",
		DeclaredSize:   -1,
		Body:           strings.NewReader(body),
		EngagementName: "Acme",
	})
	requireKind(t, err, models.ErrorKindSizeExceeded)
	assert.Empty(t, h.store.Files())
	assert.Empty(t, h.committedFiles(t))
}

func TestUpload_InvalidRequest(t *testing.T) {
	h := newHarness(t, okEngine(), testOptions())
	future := time.Now().UTC().AddDate(0, 0, 3).Format(models.UploadDateLayout)

	tests := []struct {
		name string
		req  ingest.UploadRequest
	}{
		{"blank engagement", ingest.UploadRequest{EngagementName: "   "}},
		{"long engagement", ingest.UploadRequest{EngagementName: strings.Repeat("x", 256)}},
		{"bad upload date", ingest.UploadRequest{EngagementName: "a", UploadDate: "15/01/2025"}},
		{"future upload date", ingest.UploadRequest{EngagementName: "a", UploadDate: future}},
		{"bad reference date", ingest.UploadRequest{EngagementName: "a", ReferenceDates: []string{"2025-13-01"}}},
		{"too many reference dates", ingest.UploadRequest{EngagementName: "a",
			ReferenceDates: []string{"2025-01-01", "2025-01-02", "2025-01-03", "2025-01-04", "2025-01-05"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.OwnerID = h.owner
			req.Filename = "a.csv"
			req.DeclaredSize = int64(len(validCSV))
			req.Body = strings.NewReader(validCSV)
			_, err := h.coord.Upload(context.Background(), req)
			requireKind(t, err, models.ErrorKindInvalidRequest)
		})
	}
	assert.Empty(t, h.store.Files())
}

func TestUpload_ExplicitUploadDate(t *testing.T) {
	h := newHarness(t, okEngine(), testOptions())

	rec, err := h.coord.Upload(context.Background(), ingest.UploadRequest{
		OwnerID:        h.owner,
		Filename:       "a.csv",
		DeclaredSize:   -1,
		Body:           strings.NewReader(validCSV),
		EngagementName: "Acme",
		UploadDate:     "2025-01-15",
	})
	require.NoError(t, err)
	assert.Equal(t, "2025-01-15", rec.UploadDateString())
	assert.Contains(t, rec.InputPath, filepath.Join(h.owner.String(), "2025-01-15", "input"))
	assert.Empty(t, rec.ReferenceDates)
}

func TestUpload_MalformedInputIsRecordedNotReturned(t *testing.T) {
	h := newHarness(t, processing.NewEngine(nil, nil, nil), testOptions())

	rec, err := h.upload(t, "broken.csv", "a,b\n1,2\n3,4,5\n")
	require.NoError(t, err)

	assert.Equal(t, models.FileStatusFailed, rec.Status)
	require.NotNil(t, rec.ErrorDetail)
	assert.Equal(t, models.ErrorKindMalformedInput, rec.ErrorDetail.Kind)
	assert.Contains(t, rec.ErrorDetail.Message, "line 3")
	assert.NotEmpty(t, rec.ErrorDetail.Hint)
	assert.Nil(t, rec.OutputPath)
	assert.Equal(t, 1, rec.Attempts)

	// the input stays for inspection; no output exists
	files := h.committedFiles(t)
	assert.Equal(t, []string{rec.InputPath}, files)
}

func TestProcess_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	engine := engineFunc(func(ctx context.Context, in processing.Input) (*processing.Result, error) {
		if calls.Add(1) < 3 {
			return nil, &processing.Error{Kind: models.ErrorKindTransient, Msg: "disk hiccup"}
		}
		return okEngine()(ctx, in)
	})
	h := newHarness(t, engine, testOptions())

	rec, err := h.upload(t, "a.csv", validCSV)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusProcessed, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.EqualValues(t, 3, calls.Load())
}

func TestProcess_TransientExhausted(t *testing.T) {
	var calls atomic.Int32
	engine := engineFunc(func(context.Context, processing.Input) (*processing.Result, error) {
		calls.Add(1)
		return nil, &processing.Error{Kind: models.ErrorKindTransient, Msg: "disk hiccup"}
	})
	h := newHarness(t, engine, testOptions())

	rec, err := h.upload(t, "a.csv", validCSV)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusFailed, rec.Status)
	assert.Equal(t, models.ErrorKindTransient, rec.ErrorDetail.Kind)
	assert.Equal(t, 3, rec.Attempts)
	assert.EqualValues(t, 3, calls.Load())
}

func TestProcess_TerminalErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	engine := engineFunc(func(context.Context, processing.Input) (*processing.Result, error) {
		calls.Add(1)
		return nil, errors.New("divide by zero")
	})
	h := newHarness(t, engine, testOptions())

	rec, err := h.upload(t, "a.csv", validCSV)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusFailed, rec.Status)
	assert.Equal(t, models.ErrorKindTransformFailed, rec.ErrorDetail.Kind)
	assert.EqualValues(t, 1, calls.Load())
}

func TestProcess_Timeout(t *testing.T) {
	engine := engineFunc(func(ctx context.Context, _ processing.Input) (*processing.Result, error) {
		<-ctx.Done()
		return nil, &processing.Error{Kind: models.ErrorKindTransient, Msg: "processing interrupted", Err: ctx.Err()}
	})
	opts := testOptions()
	opts.Timeout = 20 * time.Millisecond
	opts.MaxRetries = 1
	h := newHarness(t, engine, opts)

	rec, err := h.upload(t, "a.csv", validCSV)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusFailed, rec.Status)
	assert.Equal(t, models.ErrorKindTransient, rec.ErrorDetail.Kind)
	assert.Contains(t, rec.ErrorDetail.Message, "timed out after 20ms")
	assert.Equal(t, 2, rec.Attempts)
}

func TestProcess_PanicIsRecorded(t *testing.T) {
	engine := engineFunc(func(context.Context, processing.Input) (*processing.Result, error) {
		panic("nil map write")
	})
	h := newHarness(t, engine, testOptions())

	rec, err := h.upload(t, "a.csv", validCSV)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusFailed, rec.Status)
	assert.Equal(t, models.ErrorKindInternal, rec.ErrorDetail.Kind)
	assert.Contains(t, rec.ErrorDetail.Message, "nil map write")
}

func TestUpload_RecordFailureRemovesInput(t *testing.T) {
	h := newHarness(t, okEngine(), testOptions())
	h.store.CreatePendingFileFunc = func(context.Context, *models.FileRecord) error {
		return errors.New("connection refused")
	}

	_, err := h.upload(t, "a.csv", validCSV)
	requireKind(t, err, models.ErrorKindInternal)
	assert.Empty(t, h.committedFiles(t))
}

func TestProcess_FinalizeFailureRemovesOutput(t *testing.T) {
	h := newHarness(t, okEngine(), testOptions())
	h.store.MarkFileProcessedFunc = func(context.Context, uuid.UUID, string, int) (*models.FileRecord, error) {
		return nil, errors.New("connection reset")
	}

	rec, err := h.upload(t, "a.csv", validCSV)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusFailed, rec.Status)
	assert.Equal(t, models.ErrorKindInternal, rec.ErrorDetail.Kind)
	assert.Equal(t, []string{rec.InputPath}, h.committedFiles(t))
}

type failingOutput struct {
	storage.Storage
}

func (failingOutput) WriteOutput(context.Context, string, []byte) error {
	return storage.ErrWriteFailed
}

func TestProcess_OutputWriteFailure(t *testing.T) {
	ls, err := storage.NewLocalStorage(t.TempDir(), 1<<20)
	require.NoError(t, err)
	h := newHarnessWith(t, okEngine(), testOptions(), failingOutput{ls}, ls)

	rec, err := h.upload(t, "a.csv", validCSV)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusFailed, rec.Status)
	assert.Equal(t, models.ErrorKindStorageWriteFailed, rec.ErrorDetail.Kind)
}

func TestProcess_SecondRunIsANoOp(t *testing.T) {
	var calls atomic.Int32
	engine := engineFunc(func(ctx context.Context, in processing.Input) (*processing.Result, error) {
		calls.Add(1)
		return okEngine()(ctx, in)
	})
	h := newHarness(t, engine, testOptions())

	rec, err := h.upload(t, "a.csv", validCSV)
	require.NoError(t, err)
	require.Equal(t, models.FileStatusProcessed, rec.Status)

	require.NoError(t, h.coord.Process(context.Background(), rec.ID))
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, models.FileStatusProcessed, h.store.File(rec.ID).Status)
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (d *recordingDispatcher) Submit(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	return true
}

func TestProcess_ConcurrentRunsClaimOnce(t *testing.T) {
	var calls atomic.Int32
	engine := engineFunc(func(ctx context.Context, in processing.Input) (*processing.Result, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return okEngine()(ctx, in)
	})
	opts := testOptions()
	opts.Mode = config.ProcessingModeAsync
	h := newHarness(t, engine, opts)
	d := &recordingDispatcher{}
	h.coord.SetDispatcher(d)

	rec, err := h.upload(t, "a.csv", validCSV)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusPending, rec.Status)
	assert.Equal(t, []uuid.UUID{rec.ID}, d.ids)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.coord.Process(context.Background(), rec.ID))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, models.FileStatusProcessed, h.store.File(rec.ID).Status)
}

func TestUpload_InlineSurvivesClientDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine := engineFunc(func(ectx context.Context, in processing.Input) (*processing.Result, error) {
		cancel()
		if err := ectx.Err(); err != nil {
			return nil, err
		}
		return okEngine()(ectx, in)
	})
	h := newHarness(t, engine, testOptions())

	rec, err := h.coord.Upload(ctx, ingest.UploadRequest{
		OwnerID:        h.owner,
		Filename:       "a.csv",
		DeclaredSize:   int64(len(validCSV)),
		Body:           strings.NewReader(validCSV),
		EngagementName: "Acme FY25",
	})
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusProcessed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
}

func TestUpload_SameNameTwiceGetsDistinctPaths(t *testing.T) {
	h := newHarness(t, processing.NewEngine(nil, nil, nil), testOptions())

	first, err := h.upload(t, "report.csv", validCSV)
	require.NoError(t, err)
	second, err := h.upload(t, "report.csv", validCSV)
	require.NoError(t, err)

	assert.NotEqual(t, first.InputPath, second.InputPath)
	assert.Equal(t, "report.csv", first.StoredFilename)
	assert.Equal(t, "report_"+second.ID.String()[:8]+".csv", second.StoredFilename)
	require.NotNil(t, first.OutputPath)
	require.NotNil(t, second.OutputPath)
	assert.NotEqual(t, *first.OutputPath, *second.OutputPath)
	assert.Len(t, h.committedFiles(t), 4)
}

func TestReadOperations(t *testing.T) {
	opts := testOptions()
	opts.Mode = config.ProcessingModeAsync
	h := newHarness(t, okEngine(), opts)
	h.coord.SetDispatcher(&recordingDispatcher{})
	ctx := context.Background()

	rec, err := h.upload(t, "a.csv", validCSV)
	require.NoError(t, err)

	got, err := h.coord.Get(ctx, h.owner, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	_, err = h.coord.Get(ctx, uuid.New(), rec.ID)
	requireKind(t, err, models.ErrorKindNotFound)

	_, err = h.coord.Download(ctx, h.owner, rec.ID)
	requireKind(t, err, models.ErrorKindNotReady)

	status, err := h.coord.Status(ctx, h.owner, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusPending, status)

	_, err = h.coord.Status(ctx, uuid.New(), rec.ID)
	requireKind(t, err, models.ErrorKindNotFound)

	require.NoError(t, h.coord.Process(ctx, rec.ID))
	status, err = h.coord.Status(ctx, h.owner, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusProcessed, status)
}

func TestStatus_FallsBackToStoreWhenCacheIsDown(t *testing.T) {
	opts := testOptions()
	opts.Mode = config.ProcessingModeAsync
	h := newHarness(t, okEngine(), opts)
	h.coord.SetDispatcher(&recordingDispatcher{})

	rec, err := h.upload(t, "a.csv", validCSV)
	require.NoError(t, err)

	h.cache.Err = errors.New("redis down")
	status, err := h.coord.Status(context.Background(), h.owner, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusPending, status)
}

func TestStatus_StaleReadDoesNotOverwriteTerminalStatus(t *testing.T) {
	opts := testOptions()
	opts.Mode = config.ProcessingModeAsync
	h := newHarness(t, okEngine(), opts)
	h.coord.SetDispatcher(&recordingDispatcher{})
	ctx := context.Background()

	rec, err := h.upload(t, "a.csv", validCSV)
	require.NoError(t, err)
	_, err = h.store.MarkFileProcessing(ctx, rec.ID)
	require.NoError(t, err)
	require.NoError(t, h.cache.SetFileStatus(ctx, h.owner, rec.ID, models.FileStatusProcessing, time.Hour))

	// A worker finishes between the store read and the cache write-back.
	var finished bool
	h.store.GetFileFunc = func(ctx context.Context, id, ownerID uuid.UUID) (*models.FileRecord, error) {
		snapshot := h.store.File(id)
		if !finished {
			finished = true
			_, err := h.store.MarkFileProcessed(ctx, id, "out.xlsx", 3)
			require.NoError(t, err)
			require.NoError(t, h.cache.SetFileStatus(ctx, ownerID, id, models.FileStatusProcessed, time.Hour))
		}
		return snapshot, nil
	}

	first, err := h.coord.Status(ctx, h.owner, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusProcessing, first)

	cached, ok, err := h.cache.GetFileStatus(ctx, h.owner, rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.FileStatusProcessed, cached)

	second, err := h.coord.Status(ctx, h.owner, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusProcessed, second)
}

func TestStatus_NonTerminalCacheEntryIsNotTrusted(t *testing.T) {
	opts := testOptions()
	opts.Mode = config.ProcessingModeAsync
	h := newHarness(t, okEngine(), opts)
	h.coord.SetDispatcher(&recordingDispatcher{})
	ctx := context.Background()

	rec, err := h.upload(t, "a.csv", validCSV)
	require.NoError(t, err)
	require.NoError(t, h.coord.Process(ctx, rec.ID))
	// The PROCESSED mirror was lost; PROCESSING is left behind.
	require.NoError(t, h.cache.SetFileStatus(ctx, h.owner, rec.ID, models.FileStatusProcessing, time.Hour))

	status, err := h.coord.Status(ctx, h.owner, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusProcessed, status)

	cached, _, err := h.cache.GetFileStatus(ctx, h.owner, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusProcessed, cached)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, models.ErrorKindNotReady, ingest.KindOf(&ingest.Error{Kind: models.ErrorKindNotReady}))
	assert.Equal(t, models.ErrorKindMalformedInput,
		ingest.KindOf(&processing.Error{Kind: models.ErrorKindMalformedInput}))
	assert.Equal(t, models.ErrorKindInternal, ingest.KindOf(errors.New("boom")))
}
