package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// DefaultFetchWait bounds how long a single fetch waits for messages.
const DefaultFetchWait = 2 * time.Second

// JetStreamSource reads topics as subjects of existing JetStream streams.
type JetStreamSource struct {
	js        jetstream.JetStream
	fetchWait time.Duration
	logger    *zap.Logger
}

// NewJetStreamSource creates a Source over js.
func NewJetStreamSource(js jetstream.JetStream, fetchWait time.Duration, logger *zap.Logger) *JetStreamSource {
	if fetchWait <= 0 {
		fetchWait = DefaultFetchWait
	}
	return &JetStreamSource{
		js:        js,
		fetchWait: fetchWait,
		logger:    logger.Named("stream"),
	}
}

// Open locates the stream capturing topic, records how many messages it holds
// for that subject, and creates an ordered consumer from the first of them.
func (s *JetStreamSource) Open(ctx context.Context, topic string) (Topic, error) {
	name, err := s.js.StreamNameBySubject(ctx, topic)
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, topic)
		}
		return nil, fmt.Errorf("lookup stream for %s: %w", topic, err)
	}

	st, err := s.js.Stream(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", name, err)
	}

	info, err := st.Info(ctx, jetstream.WithSubjectFilter(topic))
	if err != nil {
		return nil, fmt.Errorf("get stream info %s: %w", name, err)
	}
	pending := info.State.Subjects[topic]

	cons, err := st.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{topic},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer on %s: %w", name, err)
	}

	s.logger.Debug("Opened topic",
		zap.String("topic", topic),
		zap.String("stream", name),
		zap.Uint64("pending", pending))

	return &jetStreamTopic{
		consumer:  cons,
		remaining: pending,
		fetchWait: s.fetchWait,
	}, nil
}

type jetStreamTopic struct {
	consumer  jetstream.Consumer
	remaining uint64
	fetchWait time.Duration
}

func (t *jetStreamTopic) Pending() uint64 {
	return t.remaining
}

func (t *jetStreamTopic) Fetch(ctx context.Context, max int) ([][]byte, error) {
	if t.remaining == 0 || max <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := max
	if uint64(n) > t.remaining {
		n = int(t.remaining)
	}

	batch, err := t.consumer.Fetch(n, jetstream.FetchMaxWait(t.fetchWait))
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	payloads := make([][]byte, 0, n)
	for msg := range batch.Messages() {
		payloads = append(payloads, msg.Data())
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	if uint64(len(payloads)) >= t.remaining {
		t.remaining = 0
	} else {
		t.remaining -= uint64(len(payloads))
	}
	return payloads, nil
}

// Close stops reading. The ordered consumer is ephemeral and is removed by
// the server once idle.
func (t *jetStreamTopic) Close() {
	t.remaining = 0
}

var _ Source = (*JetStreamSource)(nil)
