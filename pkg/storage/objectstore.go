package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ingest/pkg/metrics"
)

// ObjectStore keeps artifacts in a NATS JetStream object store bucket.
// The object name is the artifact path.
type ObjectStore struct {
	bucket  jetstream.ObjectStore
	name    string
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewObjectStore opens bucket, creating it if needed.
func NewObjectStore(ctx context.Context, js jetstream.JetStream, bucket string, m *metrics.Metrics, logger *zap.Logger) (*ObjectStore, error) {
	bucketStore, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "ekaya-ingest dataset artifacts",
	})
	if err != nil {
		return nil, fmt.Errorf("open object store %s: %w", bucket, err)
	}

	return &ObjectStore{
		bucket:  bucketStore,
		name:    bucket,
		metrics: m,
		logger:  logger.Named("storage").With(zap.String("bucket", bucket)),
	}, nil
}

func (s *ObjectStore) Backend() string {
	return BackendObjectStore
}

func (s *ObjectStore) Put(ctx context.Context, artifactPath string, data []byte) error {
	start := time.Now()
	name := normalize(artifactPath)

	_, err := s.bucket.PutBytes(ctx, name, data)
	s.metrics.RecordArtifactWrite(BackendObjectStore, len(data), time.Since(start), err)
	if err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}

	s.logger.Debug("Stored artifact", zap.String("path", name), zap.Int("bytes", len(data)))
	return nil
}

func (s *ObjectStore) List(ctx context.Context, prefix string) ([]Artifact, error) {
	infos, err := s.bucket.List(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoObjectsFound) {
			return []Artifact{}, nil
		}
		return nil, fmt.Errorf("list %s: %w", s.name, err)
	}

	prefix = normalize(prefix)
	artifacts := make([]Artifact, 0, len(infos))
	for _, info := range infos {
		if info.Deleted || !strings.HasPrefix(info.Name, prefix) {
			continue
		}
		artifacts = append(artifacts, Artifact{
			Path:      info.Name,
			Size:      int64(info.Size),
			UpdatedAt: info.ModTime,
		})
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Path < artifacts[j].Path })
	return artifacts, nil
}

var _ Store = (*ObjectStore)(nil)
