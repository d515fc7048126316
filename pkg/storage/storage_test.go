package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ingest/pkg/config"
)

func TestArtifactPath(t *testing.T) {
	assert.Equal(t, "/DataLake/sales/orders/orders.json", ArtifactPath("DataLake", "sales", "orders"))
	assert.Equal(t, "/DataLake/sales/orders/orders.json", ArtifactPath("/DataLake/", "sales", "orders"))
	assert.Equal(t, "/lake/raw/sales/customers/customers.json", ArtifactPath("lake/raw", "sales", "customers"))
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"":                  "/",
		"/":                 "/",
		"DataLake":          "/DataLake",
		"/DataLake/sales/":  "/DataLake/sales/",
		"/DataLake/../etc":  "/etc",
		"../../outside.txt": "/outside.txt",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalize(in), "normalize(%q)", in)
	}
}

func TestFileStore_PutAndList(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, nil, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	ordersPath := ArtifactPath("DataLake", "sales", "orders")
	require.NoError(t, store.Put(ctx, ordersPath, []byte("{\"value\":\"1\"}\n")))
	require.NoError(t, store.Put(ctx, ArtifactPath("DataLake", "sales", "customers"), []byte("{\"value\":\"2\"}\n")))
	require.NoError(t, store.Put(ctx, ArtifactPath("DataLake", "hr", "staff"), []byte("{}")))

	content, err := os.ReadFile(filepath.Join(dir, "DataLake", "sales", "orders", "orders.json"))
	require.NoError(t, err)
	assert.Equal(t, "{\"value\":\"1\"}\n", string(content))

	artifacts, err := store.List(ctx, "/DataLake/sales/")
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	assert.Equal(t, "/DataLake/sales/customers/customers.json", artifacts[0].Path)
	assert.Equal(t, ordersPath, artifacts[1].Path)
	assert.Equal(t, int64(14), artifacts[1].Size)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestFileStore_PutReplaces(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, nil, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	p := ArtifactPath("DataLake", "sales", "orders")
	require.NoError(t, store.Put(ctx, p, []byte("first run")))
	require.NoError(t, store.Put(ctx, p, []byte("second")))

	content, err := os.ReadFile(filepath.Join(dir, "DataLake", "sales", "orders", "orders.json"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(content))

	entries, err := os.ReadDir(filepath.Join(dir, "DataLake", "sales", "orders"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileStore_PutFailure(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, nil, zap.NewNop())
	require.NoError(t, err)

	// A regular file where a directory is needed.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "DataLake"), []byte("x"), 0o644))

	err = store.Put(context.Background(), ArtifactPath("DataLake", "sales", "orders"), []byte("data"))
	require.Error(t, err)
}

func TestFileStore_ListEmpty(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), nil, zap.NewNop())
	require.NoError(t, err)

	artifacts, err := store.List(context.Background(), "/DataLake")
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestNew_Backends(t *testing.T) {
	ctx := context.Background()

	store, err := New(ctx, &config.StorageConfig{Backend: BackendFilesystem, LocalPath: t.TempDir()}, nil, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, BackendFilesystem, store.Backend())

	_, err = New(ctx, &config.StorageConfig{Backend: BackendObjectStore, Bucket: "datalake"}, nil, nil, zap.NewNop())
	assert.ErrorContains(t, err, "requires a JetStream connection")

	_, err = New(ctx, &config.StorageConfig{Backend: "hdfs"}, nil, nil, zap.NewNop())
	assert.ErrorContains(t, err, "unknown storage backend")
}
