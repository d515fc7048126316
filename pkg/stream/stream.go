// Package stream reads ingestion topics from the message broker.
package stream

import (
	"context"
	"errors"
)

// ErrTopicNotFound is returned by Open when no stream captures the topic.
var ErrTopicNotFound = errors.New("topic not found")

// Source opens topics for a one-shot read from the earliest retained message.
type Source interface {
	Open(ctx context.Context, topic string) (Topic, error)
}

// Topic is an open, bounded read of one topic. Only messages present when the
// topic was opened are returned; anything published afterwards is left for the
// next run.
type Topic interface {
	// Pending is the number of messages not yet returned by Fetch.
	Pending() uint64
	// Fetch returns up to max payloads. An empty result with a nil error means
	// the topic is exhausted.
	Fetch(ctx context.Context, max int) ([][]byte, error)
	Close()
}

// ReadAll drains t in batches of batchSize and returns every payload in order.
func ReadAll(ctx context.Context, t Topic, batchSize int) ([][]byte, error) {
	if batchSize <= 0 {
		batchSize = 1
	}

	payloads := make([][]byte, 0, int(min(t.Pending(), uint64(batchSize))))
	for t.Pending() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := t.Fetch(ctx, batchSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		payloads = append(payloads, batch...)
	}
	return payloads, nil
}
