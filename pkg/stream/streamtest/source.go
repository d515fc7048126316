// Package streamtest provides an in-memory stream.Source for tests.
package streamtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ekaya-inc/ekaya-ingest/pkg/stream"
)

// Source serves topics from memory. Topics not added return stream.ErrTopicNotFound.
type Source struct {
	mu        sync.Mutex
	topics    map[string][][]byte
	openErrs  map[string]error
	fetchErrs map[string]error
	opened    []string
}

// NewSource creates an empty Source.
func NewSource() *Source {
	return &Source{
		topics:    make(map[string][][]byte),
		openErrs:  make(map[string]error),
		fetchErrs: make(map[string]error),
	}
}

// Publish appends string payloads to topic, creating it if needed.
func (s *Source) Publish(topic string, payloads ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[topic]; !ok {
		s.topics[topic] = [][]byte{}
	}
	for _, p := range payloads {
		s.topics[topic] = append(s.topics[topic], []byte(p))
	}
}

// FailOpen makes Open(topic) return err.
func (s *Source) FailOpen(topic string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErrs[topic] = err
}

// FailFetch makes Fetch on topic return err.
func (s *Source) FailFetch(topic string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchErrs[topic] = err
}

// Opened returns the topics opened so far, in order.
func (s *Source) Opened() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.opened...)
}

func (s *Source) Open(ctx context.Context, topic string) (stream.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opened = append(s.opened, topic)
	if err := s.openErrs[topic]; err != nil {
		return nil, err
	}
	msgs, ok := s.topics[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", stream.ErrTopicNotFound, topic)
	}
	return &memTopic{
		msgs:     append([][]byte(nil), msgs...),
		fetchErr: s.fetchErrs[topic],
	}, nil
}

type memTopic struct {
	msgs     [][]byte
	fetchErr error
}

func (t *memTopic) Pending() uint64 {
	return uint64(len(t.msgs))
}

func (t *memTopic) Fetch(ctx context.Context, max int) ([][]byte, error) {
	if t.fetchErr != nil {
		return nil, t.fetchErr
	}
	if max > len(t.msgs) {
		max = len(t.msgs)
	}
	batch := t.msgs[:max]
	t.msgs = t.msgs[max:]
	return batch, nil
}

func (t *memTopic) Close() {
	t.msgs = nil
}

var _ stream.Source = (*Source)(nil)
