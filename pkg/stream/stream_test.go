package stream_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-ingest/pkg/stream"
	"github.com/ekaya-inc/ekaya-ingest/pkg/stream/streamtest"
)

func TestReadAll(t *testing.T) {
	src := streamtest.NewSource()
	src.Publish("salesorders", "a", "b", "c", "d", "e")

	ctx := context.Background()
	topic, err := src.Open(ctx, "salesorders")
	require.NoError(t, err)
	defer topic.Close()

	assert.Equal(t, uint64(5), topic.Pending())

	payloads, err := stream.ReadAll(ctx, topic, 2)
	require.NoError(t, err)
	require.Len(t, payloads, 5)
	assert.Equal(t, "a", string(payloads[0]))
	assert.Equal(t, "e", string(payloads[4]))
	assert.Zero(t, topic.Pending())
}

func TestReadAll_EmptyTopic(t *testing.T) {
	src := streamtest.NewSource()
	src.Publish("salesorders")

	topic, err := src.Open(context.Background(), "salesorders")
	require.NoError(t, err)

	payloads, err := stream.ReadAll(context.Background(), topic, 10)
	require.NoError(t, err)
	assert.Empty(t, payloads)
}

func TestReadAll_FetchError(t *testing.T) {
	src := streamtest.NewSource()
	src.Publish("salesorders", "a")
	src.FailFetch("salesorders", errors.New("consumer deleted"))

	topic, err := src.Open(context.Background(), "salesorders")
	require.NoError(t, err)

	_, err = stream.ReadAll(context.Background(), topic, 10)
	assert.EqualError(t, err, "consumer deleted")
}

func TestReadAll_Cancelled(t *testing.T) {
	src := streamtest.NewSource()
	src.Publish("salesorders", "a")

	topic, err := src.Open(context.Background(), "salesorders")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = stream.ReadAll(ctx, topic, 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpen_UnknownTopic(t *testing.T) {
	_, err := streamtest.NewSource().Open(context.Background(), "nope")
	assert.ErrorIs(t, err, stream.ErrTopicNotFound)
}
