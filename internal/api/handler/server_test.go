package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/tabflow/internal/api"
	"github.com/kiranshivaraju/tabflow/internal/api/handler"
	mw "github.com/kiranshivaraju/tabflow/internal/api/middleware"
	"github.com/kiranshivaraju/tabflow/internal/apikey"
	cachemock "github.com/kiranshivaraju/tabflow/internal/cache/mock"
	"github.com/kiranshivaraju/tabflow/internal/config"
	"github.com/kiranshivaraju/tabflow/internal/ingest"
	"github.com/kiranshivaraju/tabflow/internal/processing"
	"github.com/kiranshivaraju/tabflow/internal/storage"
	storemock "github.com/kiranshivaraju/tabflow/internal/store/mock"
	"github.com/kiranshivaraju/tabflow/internal/validate"
	"github.com/kiranshivaraju/tabflow/pkg/models"
)

const (
	maxUpload = 64 << 10
	overage   = 16 << 10
)

type testServer struct {
	server *httptest.Server
	store  *storemock.Store
	cache  *cachemock.Cache
	tenant uuid.UUID
	keys   map[string]string // scope set name -> raw key
}

type serverOption func(*ingest.Options)

func asyncMode(o *ingest.Options) { o.Mode = config.ProcessingModeAsync }

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()

	st := storemock.NewStore()
	ca := cachemock.NewCache()
	ls, err := storage.NewLocalStorage(t.TempDir(), maxUpload)
	require.NoError(t, err)

	o := ingest.Options{
		Mode:           config.ProcessingModeInline,
		Timeout:        5 * time.Second,
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	coord := ingest.NewCoordinator(st, ls, ca,
		validate.New([]string{".csv", ".xlsx", ".xls"}, maxUpload),
		processing.NewEngine(nil, nil, nil), o)
	if o.Mode == config.ProcessingModeAsync {
		// a dispatcher that never runs anything leaves files PENDING
		coord.SetDispatcher(dispatcherFunc(func(uuid.UUID) bool { return true }))
	}

	files := handler.NewFiles(coord, maxUpload, overage)
	keys := handler.NewKeys(st, bcrypt.MinCost)

	router := api.NewRouter(api.Dependencies{
		Auth:             mw.NewAuth(st),
		RateLimit:        mw.NewRateLimit(ca, 1000),
		HealthHandler:    handler.NewHealthHandler(st, ca),
		UploadFile:       files.Upload,
		ListFiles:        files.List,
		GetFile:          files.Get,
		FileStatus:       files.Status,
		DownloadFile:     files.Download,
		CreateKeyHandler: keys.Create,
		ListKeysHandler:  keys.List,
		RevokeKeyHandler: keys.Revoke,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	tenant, err := st.GetDefaultTenant(context.Background())
	require.NoError(t, err)

	ts := &testServer{server: srv, store: st, cache: ca, tenant: tenant.ID, keys: map[string]string{}}
	ts.keys["all"] = ts.issueKey(t, tenant.ID, models.ScopeRead, models.ScopeWrite, models.ScopeAdmin)
	ts.keys["read"] = ts.issueKey(t, tenant.ID, models.ScopeRead)
	return ts
}

type dispatcherFunc func(uuid.UUID) bool

func (f dispatcherFunc) Submit(id uuid.UUID) bool { return f(id) }

func (ts *testServer) issueKey(t *testing.T, tenantID uuid.UUID, scopes ...string) string {
	t.Helper()
	k, err := apikey.Generate(bcrypt.MinCost)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, ts.store.CreateAPIKey(context.Background(), &models.APIKey{
		ID: uuid.New(), TenantID: tenantID, Name: "test", KeyHash: k.Hash, KeyPrefix: k.Prefix,
		Scopes: scopes, CreatedAt: now, UpdatedAt: now,
	}))
	return k.Raw
}

func (ts *testServer) do(t *testing.T, key, method, path string, body io.Reader, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.server.URL+path, body)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type uploadForm struct {
	filename   string
	content    string
	engagement string
	uploadDate string
	refs       []string
	omitFile   bool
}

func (f uploadForm) encode(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mpw := multipart.NewWriter(&buf)
	if f.engagement != "" {
		require.NoError(t, mpw.WriteField("engagement_name", f.engagement))
	}
	if f.uploadDate != "" {
		require.NoError(t, mpw.WriteField("upload_date", f.uploadDate))
	}
	for _, r := range f.refs {
		require.NoError(t, mpw.WriteField("reference_date", r))
	}
	if !f.omitFile {
		part, err := mpw.CreateFormFile("file", f.filename)
		require.NoError(t, err)
		_, err = io.WriteString(part, f.content)
		require.NoError(t, err)
	}
	require.NoError(t, mpw.Close())
	return &buf, mpw.FormDataContentType()
}

func (ts *testServer) upload(t *testing.T, key string, f uploadForm, header http.Header) *http.Response {
	t.Helper()
	body, contentType := f.encode(t)
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Type", contentType)
	return ts.do(t, key, http.MethodPost, "/api/v1/files", body, header)
}

func parseBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func data(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	return parseBody(t, resp)["data"].(map[string]any)
}

func errObj(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	return parseBody(t, resp)["error"].(map[string]any)
}
