// Package lease grants time-bounded exclusive ownership of a key, so that
// only one instance works on a given connection at a time.
package lease

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrHeld is returned by Acquire when another owner holds the key.
var ErrHeld = errors.New("lease held by another owner")

// ErrLost is returned by Renew when the lease expired or was taken over.
var ErrLost = errors.New("lease lost")

// Manager hands out leases.
type Manager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is an acquired key. Release is idempotent.
type Lease interface {
	Key() string
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// KeepAlive renews l every ttl/2 until ctx is done. If a renewal fails with
// ErrLost, onLost is called once and KeepAlive returns.
func KeepAlive(ctx context.Context, l Lease, ttl time.Duration, logger *zap.Logger, onLost func()) {
	interval := ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := l.Renew(ctx)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrLost) {
				logger.Warn("Lease lost", zap.String("key", l.Key()))
				if onLost != nil {
					onLost()
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Failed to renew lease", zap.String("key", l.Key()), zap.Error(err))
		}
	}
}
