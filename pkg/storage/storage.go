// Package storage writes ingestion artifacts to durable storage.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ingest/pkg/config"
	"github.com/ekaya-inc/ekaya-ingest/pkg/metrics"
)

// Backend names accepted in configuration.
const (
	BackendObjectStore = "objectstore"
	BackendFilesystem  = "filesystem"
)

// Artifact describes a stored file.
type Artifact struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists artifacts under slash-separated absolute paths.
// Put replaces any existing artifact at the same path.
type Store interface {
	Put(ctx context.Context, artifactPath string, data []byte) error
	List(ctx context.Context, prefix string) ([]Artifact, error)
	Backend() string
}

// ArtifactPath returns the canonical location of a dataset's artifact:
// /<root>/<prefix>/<dataset>/<dataset>.json
func ArtifactPath(root, prefix, dataset string) string {
	return "/" + path.Join(strings.Trim(root, "/"), prefix, dataset, dataset+".json")
}

// New creates the store selected by cfg.Backend. js is required for the
// objectstore backend.
func New(ctx context.Context, cfg *config.StorageConfig, js jetstream.JetStream, m *metrics.Metrics, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case BackendObjectStore:
		if js == nil {
			return nil, fmt.Errorf("storage backend %q requires a JetStream connection", cfg.Backend)
		}
		return NewObjectStore(ctx, js, cfg.Bucket, m, logger)
	case BackendFilesystem:
		return NewFileStore(cfg.LocalPath, m, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// normalize turns a user-supplied path or prefix into the absolute form
// stored by every backend.
func normalize(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean("/" + p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}
