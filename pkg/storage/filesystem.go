package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ingest/pkg/metrics"
)

const tempPattern = ".artifact-*.tmp"

// FileStore keeps artifacts under a local directory. Writes go to a temporary
// file in the target directory that is then renamed to the canonical name.
type FileStore struct {
	dir     string
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string, m *metrics.Metrics, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("filesystem storage requires a local path")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &FileStore{
		dir:     dir,
		metrics: m,
		logger:  logger.Named("storage").With(zap.String("dir", dir)),
	}, nil
}

func (s *FileStore) Backend() string {
	return BackendFilesystem
}

func (s *FileStore) Put(ctx context.Context, artifactPath string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	err := s.write(normalize(artifactPath), data)
	s.metrics.RecordArtifactWrite(BackendFilesystem, len(data), time.Since(start), err)
	return err
}

func (s *FileStore) write(name string, data []byte) error {
	target := s.localPath(name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), tempPattern)
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", name, err)
	}

	s.logger.Debug("Stored artifact", zap.String("path", name), zap.Int("bytes", len(data)))
	return nil
}

func (s *FileStore) List(ctx context.Context, prefix string) ([]Artifact, error) {
	prefix = normalize(prefix)
	artifacts := make([]Artifact, 0)

	err := filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".artifact-") {
			return nil
		}

		rel, err := filepath.Rel(s.dir, p)
		if err != nil {
			return err
		}
		name := "/" + filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		artifacts = append(artifacts, Artifact{
			Path:      name,
			Size:      info.Size(),
			UpdatedAt: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Path < artifacts[j].Path })
	return artifacts, nil
}

// localPath maps a normalized artifact path to a file under dir.
func (s *FileStore) localPath(name string) string {
	return filepath.Join(s.dir, filepath.FromSlash(strings.TrimPrefix(name, "/")))
}

var _ Store = (*FileStore)(nil)
