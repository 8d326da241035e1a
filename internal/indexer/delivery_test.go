package indexer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/index"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/queue"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/testutil"
)

func lanes(msgs []queue.Message) []queue.Lane {
	out := make([]queue.Lane, len(msgs))
	for i, m := range msgs {
		out[i] = m.Lane
	}
	return out
}

func TestPollOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.queue.Send(ctx, queue.Secondary, queue.Message{UUID: labID(1), Strict: true}))
	require.NoError(t, e.queue.Send(ctx, queue.Primary, queue.Message{UUID: labID(2)}))
	require.NoError(t, e.queue.Send(ctx, queue.Deferred, queue.Message{UUID: labID(3)}))

	// The first poll of a pass starts with the deferred lane.
	msgs, err := e.indexer.poll(ctx, true, 10)
	require.NoError(t, err)
	assert.Equal(t, []queue.Lane{queue.Deferred, queue.Primary, queue.Secondary}, lanes(msgs))

	// Later polls skip deferred work while the secondary lane has a backlog.
	require.NoError(t, e.queue.Send(ctx, queue.Deferred, queue.Message{UUID: labID(4)}))
	require.NoError(t, e.queue.Send(ctx, queue.Secondary, queue.Message{UUID: labID(5), Strict: true}))
	require.NoError(t, e.queue.Send(ctx, queue.Primary, queue.Message{UUID: labID(6)}))
	msgs, err = e.indexer.poll(ctx, false, 10)
	require.NoError(t, err)
	assert.Equal(t, []queue.Lane{queue.Primary, queue.Secondary}, lanes(msgs))

	msgs, err = e.indexer.poll(ctx, false, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, labID(4), msgs[0].UUID)
}

func TestPollHonorsLimit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, e.queue.Send(ctx, queue.Primary, queue.Message{UUID: labID(i)}))
	}

	msgs, err := e.indexer.poll(ctx, true, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, labID(1), msgs[0].UUID)
	assert.Equal(t, labID(2), msgs[1].UUID)
}

func TestTransientErrorIsRetriedInPlace(t *testing.T) {
	var calls atomic.Int32
	host := hookHost{before: func(_ context.Context, id string) error {
		if calls.Add(1) <= 2 {
			return fmt.Errorf("%w: write race", index.ErrTransient)
		}
		return nil
	}}
	e := newEnvWith(t, host, Config{RetryInterval: time.Millisecond})
	e.put(t, labID(1), "Lab", ir.Properties{"name": "lab-one"}, nil)

	rec := e.drain(t)
	assert.Equal(t, 1, rec.Count)
	assert.Empty(t, rec.Errors)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, float64(2), promtest.ToFloat64(e.indexer.metrics.retries))
	assert.Equal(t, "lab-one", e.doc(t, labID(1)).Object["name"])
}

func TestPersistentTransientErrorIsRedeliveredWithBackoff(t *testing.T) {
	var calls atomic.Int32
	host := hookHost{before: func(_ context.Context, id string) error {
		calls.Add(1)
		return fmt.Errorf("%w: disk busy", index.ErrTransient)
	}}
	e := newEnvWith(t, host, Config{RetryInterval: time.Millisecond, RedeliveryInterval: 10 * time.Second})
	e.put(t, labID(1), "Lab", ir.Properties{"name": "lab-one"}, nil)

	rec := e.drain(t)
	require.Len(t, rec.Errors, 1)
	assert.Equal(t, string(ErrCodeTransient), rec.Errors[0].Code)
	assert.Equal(t, 1, rec.FinishedQueueStatus[queue.Primary].InFlight)
	assert.Equal(t, int32(3), calls.Load(), "one attempt plus two local retries")

	// Invisible for the first redelivery interval, then back.
	e.clock.Advance(10*time.Second - time.Millisecond)
	rec = e.drain(t)
	assert.Empty(t, rec.Errors)
	e.clock.Advance(time.Millisecond)
	rec = e.drain(t)
	require.Len(t, rec.Errors, 1)

	// The second redelivery waits twice as long.
	e.clock.Advance(20*time.Second - time.Millisecond)
	rec = e.drain(t)
	assert.Empty(t, rec.Errors)
	e.clock.Advance(time.Millisecond)
	rec = e.drain(t)
	require.Len(t, rec.Errors, 1)
	assert.Equal(t, int32(9), calls.Load())

	_, err := e.index.GetDirect(context.Background(), labID(1))
	assert.ErrorIs(t, err, index.ErrNotFound)
}

func TestRedeliveryDelayGrowsWithReceives(t *testing.T) {
	e := newEnvWith(t, nil, Config{RedeliveryInterval: 10 * time.Second, ErrorTimeout: 180 * time.Second})

	want := []time.Duration{
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		180 * time.Second,
		180 * time.Second,
	}
	for i, d := range want {
		assert.Equal(t, d, e.indexer.redeliveryDelay(queue.Message{ReceiveCount: i + 1}), "receive %d", i+1)
	}
}

func TestOverrunBuildIsRedeliveredNotIndexed(t *testing.T) {
	// The host ignores cancellation, so the build completes after its
	// deadline has passed.
	host := hookHost{before: func(_ context.Context, id string) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	}}
	e := newEnvWith(t, host, Config{BuildDeadline: 5 * time.Millisecond, RetryInterval: time.Millisecond})
	e.put(t, labID(1), "Lab", ir.Properties{"name": "lab-one"}, nil)

	rec := e.drain(t)
	assert.Zero(t, rec.Count)
	require.Len(t, rec.Errors, 1)
	assert.Equal(t, string(ErrCodeTimeout), rec.Errors[0].Code)
	assert.Equal(t, 1, rec.FinishedQueueStatus[queue.Primary].InFlight)

	_, err := e.index.GetDirect(context.Background(), labID(1))
	assert.ErrorIs(t, err, index.ErrNotFound)

	// Redelivered after the error timeout.
	e.clock.Advance(DefaultConfig().ErrorTimeout)
	rec = e.drain(t)
	require.Len(t, rec.Errors, 1)
	assert.Equal(t, string(ErrCodeTimeout), rec.Errors[0].Code)
}

func TestBlockedBuildTimesOut(t *testing.T) {
	host := hookHost{before: func(ctx context.Context, id string) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	e := newEnvWith(t, host, Config{BuildDeadline: 5 * time.Millisecond, RetryInterval: time.Millisecond})
	e.put(t, labID(1), "Lab", ir.Properties{"name": "lab-one"}, nil)

	rec := e.drain(t)
	require.Len(t, rec.Errors, 1)
	assert.Equal(t, string(ErrCodeTimeout), rec.Errors[0].Code)
	_, err := e.index.GetDirect(context.Background(), labID(1))
	assert.ErrorIs(t, err, index.ErrNotFound)
}

func TestPassRefillsFreedWorkers(t *testing.T) {
	// The first item's build is held until every other build has started.
	// With two workers that only happens if freed slots are refilled while
	// it is still running.
	release := make(chan struct{})
	var once sync.Once
	var others atomic.Int32
	host := hookHost{before: func(ctx context.Context, id string) error {
		if id == labID(1) {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if others.Add(1) == 3 {
			once.Do(func() { close(release) })
		}
		return nil
	}}
	e := newEnvWith(t, host, Config{Workers: 2, ReceiveBatch: 2, BuildDeadline: 5 * time.Second})
	for i := 1; i <= 4; i++ {
		e.put(t, labID(i), "Lab", ir.Properties{"name": fmt.Sprintf("lab-%d", i)}, nil)
	}

	rec := e.drain(t)
	assert.Empty(t, rec.Errors)
	assert.Equal(t, 4, rec.Count)
	for i := 1; i <= 4; i++ {
		assert.Equal(t, fmt.Sprintf("lab-%d", i), e.doc(t, labID(i)).Object["name"])
	}
}

func TestEnqueueOnCommitCountsFailures(t *testing.T) {
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	require.NoError(t, q.Close())

	before := promtest.ToFloat64(commitEnqueueFailures)
	EnqueueOnCommit(q)(context.Background(), store.Committed{RID: testutil.LabID, ItemType: "Lab", SID: 1})
	assert.Equal(t, before+1, promtest.ToFloat64(commitEnqueueFailures))
}
