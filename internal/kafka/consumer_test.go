package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeReader serves queued messages, then blocks until ctx ends.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestConsumerKeepsPartitionOrder(t *testing.T) {
	r := &fakeReader{}
	for off := int64(0); off < 20; off++ {
		for part := 0; part < 3; part++ {
			r.queue = append(r.queue, kafka.Message{Partition: part, Offset: off})
		}
	}
	total := len(r.queue)
	c := &Consumer{r: r, workers: 4, logger: zap.NewNop()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen = map[int][]int64{}
		n    int
	)
	h := func(_ context.Context, m kafka.Message) error {
		// Give other workers a chance to overtake if routing were wrong.
		time.Sleep(time.Duration(m.Offset%3) * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		seen[m.Partition] = append(seen[m.Partition], m.Offset)
		n++
		if n == total {
			cancel()
		}
		if m.Partition == 1 && m.Offset == 5 {
			return errors.New("boom")
		}
		return nil
	}

	require.NoError(t, c.Start(ctx, h))

	for part := 0; part < 3; part++ {
		require.Len(t, seen[part], 20)
		for i, off := range seen[part] {
			assert.Equal(t, int64(i), off, "partition %d out of order", part)
		}
	}
	assert.True(t, r.closed)
	for _, m := range r.committed {
		assert.False(t, m.Partition == 1 && m.Offset == 5, "failed message must not be committed itself")
	}
}

func TestWorkerFor(t *testing.T) {
	assert.Equal(t, 0, workerFor(0, 1))
	assert.Equal(t, 2, workerFor(5, 3))
	assert.Equal(t, workerFor(7, 4), workerFor(7, 4))
	assert.Equal(t, 1, workerFor(-1, 4))
}
