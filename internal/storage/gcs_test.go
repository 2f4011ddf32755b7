package storage_test

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/tabflow/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"google.golang.org/api/option"
)

const testBucket = "tabflow-test"

// setupGCS starts fake-gcs-server and returns a GCSStorage bound to a fresh bucket.
func setupGCS(t *testing.T, maxBytes int64) *storage.GCSStorage {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "fsouza/fake-gcs-server:1.50",
		ExposedPorts: []string{"4443/tcp"},
		Cmd:          []string{"-scheme", "http", "-port", "4443", "-backend", "memory"},
		WaitingFor:   wait.ForListeningPort("4443/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4443")
	require.NoError(t, err)

	t.Setenv("STORAGE_EMULATOR_HOST", host+":"+port.Port())
	client, err := gcs.NewClient(ctx, option.WithoutAuthentication())
	require.NoError(t, err)
	require.NoError(t, client.Bucket(testBucket).Create(ctx, "tabflow", nil))

	s := storage.NewGCSStorage(client, testBucket, "uploads", maxBytes)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGCS_InputOutputLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := setupGCS(t, 1<<20)
	ctx := context.Background()
	owner := uuid.New()
	p := placement(owner, "Q1 Sales.csv")

	path, n, err := s.StoreInput(ctx, p, strings.NewReader("a,b\n1,2\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
	assert.Equal(t, "uploads/"+owner.String()+"/2025-01-15/input/Q1_Sales.csv", path)

	rc, err := s.OpenInput(ctx, path)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "a,b\n1,2\n", string(body))

	out := s.AllocateOutputPath(p)
	assert.Equal(t, "uploads/"+owner.String()+"/2025-01-15/output/Q1_Sales_"+p.FileID.String()+".xlsx", out)
	require.NoError(t, s.WriteOutput(ctx, out, []byte("xlsx-bytes")))

	files, err := s.ListFiles(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{path, out}, files)

	require.NoError(t, s.Remove(ctx, out))
	require.NoError(t, s.Remove(ctx, out))
	_, err = s.ReadOutput(ctx, out)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGCS_StoreInputSizeExceeded(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := setupGCS(t, 4)
	ctx := context.Background()

	_, _, err := s.StoreInput(ctx, placement(uuid.New(), "big.csv"), strings.NewReader("too large"))
	assert.ErrorIs(t, err, storage.ErrSizeExceeded)

	files, err := s.ListFiles(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, files)
}
