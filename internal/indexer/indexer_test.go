package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/index"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/queue"
	"github.com/roach88/replica/internal/testutil"
)

func TestDrainIndexesEveryWrite(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	rec := e.drain(t)
	assert.Equal(t, RunQueue, rec.Type)
	assert.Equal(t, StatusDone, rec.Status)
	assert.Equal(t, 3, rec.Count)
	assert.Empty(t, rec.Errors)
	assert.Equal(t, 3, rec.InitialQueueStatus[queue.Primary].Waiting)

	for _, id := range []string{testutil.LabID, testutil.TargetID, testutil.SourceID} {
		d := e.doc(t, id)
		assert.False(t, d.Partial)
		assert.Equal(t, int64(3), d.MaxSID)
		v, err := e.index.Version(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, int64(3), v)
	}

	counts, err := e.queue.Counts(context.Background())
	require.NoError(t, err)
	for _, l := range queue.Lanes {
		assert.Equal(t, queue.LaneCount{}, counts[l], "lane %s", l)
	}
}

func TestFanOutReachesTransitiveEmbedders(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	e.drain(t)

	e.put(t, testutil.LabID, "Lab", ir.Properties{"name": "lab-renamed"}, nil)
	e.drain(t)

	source := e.doc(t, testutil.SourceID)
	lab := source.Embedded["target"].(map[string]any)["lab"].(map[string]any)
	assert.Equal(t, "lab-renamed", lab["name"])
	assert.Equal(t, int64(4), source.MaxSID)
	assert.Equal(t, int64(3), source.SID)

	target := e.doc(t, testutil.TargetID)
	assert.Equal(t, "lab-renamed", target.Embedded["lab"].(map[string]any)["name"])
}

func TestReverseLinkAppearsAfterSourceWrite(t *testing.T) {
	e := newEnv(t)
	e.put(t, testutil.LabID, "Lab", ir.Properties{"name": "lab-one"}, nil)
	e.put(t, testutil.TargetID, "Target",
		ir.Properties{"name": "target-one", "lab": testutil.LabID},
		map[string][]string{"lab": {testutil.LabID}})
	e.drain(t)
	assert.Equal(t, map[string][]string{"reverse": {}}, e.doc(t, testutil.TargetID).RevLinkNames)

	e.put(t, testutil.SourceID, "Source",
		ir.Properties{"target": testutil.TargetID},
		map[string][]string{"target": {testutil.TargetID}})
	e.drain(t)

	target := e.doc(t, testutil.TargetID)
	assert.Equal(t, []string{testutil.SourceID}, target.RevLinkNames["reverse"])
	assert.Equal(t, []any{"/sources/" + testutil.SourceID + "/"}, target.Object["reverse"])
}

func TestSecondaryMessagesAreStrict(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	e.drain(t)
	ctx := context.Background()

	_, err := e.queue.AddUUIDs(ctx, []string{testutil.LabID}, queue.AddOptions{Lane: queue.Primary, SID: 1})
	require.NoError(t, err)
	e.put(t, testutil.LabID, "Lab", ir.Properties{"name": "lab-renamed"}, nil)

	// Drop the write-time message so only the old one remains.
	m := e.receiveOne(t, queue.Primary)
	require.Equal(t, int64(1), m.SID)
	extra := e.receiveOne(t, queue.Primary)
	require.NoError(t, e.queue.Delete(ctx, extra))

	m.Strict = true
	out, err := e.indexer.Process(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, outcomeIndexed, out.Action)
	assert.Zero(t, out.FanOut)

	counts, err := e.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[queue.Secondary].Waiting)
}

func TestSupersededRequestIsDeferredToCurrentSID(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	e.drain(t)
	ctx := context.Background()

	e.put(t, testutil.LabID, "Lab", ir.Properties{"name": "lab-renamed"}, nil)
	latest := e.receiveOne(t, queue.Primary)
	require.NoError(t, e.queue.Delete(ctx, latest))

	require.NoError(t, e.queue.Send(ctx, queue.Primary, queue.Message{UUID: testutil.LabID, SID: 1}))
	m := e.receiveOne(t, queue.Primary)

	out, err := e.indexer.Process(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, outcomeDeferred, out.Action)
	assert.True(t, IsStale(out.Err))

	deferred := e.receiveOne(t, queue.Deferred)
	assert.Equal(t, int64(4), deferred.SID)
	assert.Equal(t, int64(3), deferred.Epoch)
	assert.False(t, deferred.Strict)

	// The current snapshot is past the epoch, so the deferral is served.
	out, err = e.indexer.Process(ctx, deferred)
	require.NoError(t, err)
	assert.Equal(t, outcomeIndexed, out.Action)
	assert.Equal(t, "lab-renamed", e.doc(t, testutil.LabID).Properties["name"])
}

func TestNotVisibleRequestWaitsForNewerSnapshot(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	e.drain(t)
	ctx := context.Background()

	require.NoError(t, e.queue.Send(ctx, queue.Primary, queue.Message{UUID: testutil.LabID, SID: 4}))
	out, err := e.indexer.Process(ctx, e.receiveOne(t, queue.Primary))
	require.NoError(t, err)
	assert.Equal(t, outcomeDeferred, out.Action)

	deferred := e.receiveOne(t, queue.Deferred)
	assert.Equal(t, int64(3), deferred.Epoch)
	assert.Equal(t, 1, deferred.ReceiveCount)

	// Same clock: re-deferred without spending a receive.
	out, err = e.indexer.Process(ctx, deferred)
	require.NoError(t, err)
	assert.Equal(t, outcomeRedefer, out.Action)
	again := e.receiveOne(t, queue.Deferred)
	assert.Equal(t, 1, again.ReceiveCount)

	// The write lands; a new snapshot serves the request.
	e.put(t, testutil.LabID, "Lab", ir.Properties{"name": "lab-renamed"}, nil)
	out, err = e.indexer.Process(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, outcomeIndexed, out.Action)
}

func TestDrainStopsWhenOnlyRedeferralsRemain(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	e.drain(t)
	ctx := context.Background()

	require.NoError(t, e.queue.Send(ctx, queue.Primary, queue.Message{UUID: testutil.LabID, SID: 10}))
	rec := e.drain(t)
	assert.Zero(t, rec.Count)
	assert.Equal(t, 1, rec.FinishedQueueStatus[queue.Deferred].Waiting)
}

func TestPurgedItemIsAcknowledged(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.queue.Send(ctx, queue.Primary, queue.Message{UUID: "ffffffff-0000-4000-8000-000000000000"}))
	out, err := e.indexer.Process(ctx, e.receiveOne(t, queue.Primary))
	require.NoError(t, err)
	assert.Equal(t, outcomePurged, out.Action)
	assert.True(t, IsMissingReferent(out.Err))

	counts, err := e.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.LaneCount{}, counts[queue.Primary])
}

func TestMissingReferentIsRedeliveredLater(t *testing.T) {
	e := newEnv(t)
	e.put(t, testutil.Source2ID, "Source", ir.Properties{"target": testutil.TargetID}, nil)

	rec := e.drain(t)
	assert.Zero(t, rec.Count)
	require.Len(t, rec.Errors, 1)
	assert.Equal(t, string(ErrCodeMissingReferent), rec.Errors[0].Code)
	assert.Equal(t, 1, rec.FinishedQueueStatus[queue.Primary].InFlight)

	// The referent appears before the error timeout runs out.
	e.put(t, testutil.LabID, "Lab", ir.Properties{"name": "lab-one"}, nil)
	e.put(t, testutil.TargetID, "Target",
		ir.Properties{"name": "target-one", "lab": testutil.LabID},
		map[string][]string{"lab": {testutil.LabID}})
	e.clock.Advance(DefaultConfig().ErrorTimeout)
	e.drain(t)

	source := e.doc(t, testutil.Source2ID)
	assert.Equal(t, "target-one", source.Embedded["target"].(map[string]any)["name"])
}

func TestPermanentFailureIsDeadLettered(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.put(t, "0d000000-0000-4000-8000-000000000001", "Ghost", ir.Properties{}, nil)

	for i := 0; i < queue.DefaultMaxReceives; i++ {
		rec := e.drain(t)
		require.Len(t, rec.Errors, 1, "receive %d", i+1)
		assert.Equal(t, string(ErrCodePermanent), rec.Errors[0].Code)
		e.clock.Advance(DefaultConfig().ErrorTimeout)
	}
	rec := e.drain(t)
	assert.Empty(t, rec.Errors)

	dead, err := e.queue.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, `unknown item type "Ghost"`)
}

func TestSyncIndexesExplicitIDs(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	ctx := context.Background()

	rec, err := e.indexer.Sync(ctx, []string{testutil.LabID, testutil.TargetID, "ffffffff-0000-4000-8000-000000000000"}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, RunSync, rec.Type)
	assert.Equal(t, 2, rec.Count)
	require.Len(t, rec.Errors, 1)
	assert.Equal(t, string(ErrCodeMissingReferent), rec.Errors[0].Code)

	_, err = e.index.GetDirect(ctx, testutil.SourceID)
	assert.ErrorIs(t, err, index.ErrNotFound)

	// The queue is untouched.
	assert.Equal(t, 3, rec.FinishedQueueStatus[queue.Primary].Waiting)
}

func TestRebuildIsIdempotent(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	e.drain(t)
	ctx := context.Background()

	before, err := e.doc(t, testutil.SourceID).CanonicalContent()
	require.NoError(t, err)

	rec, err := e.indexer.Sync(ctx, []string{testutil.SourceID}, RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, rec.Count, "same clock is a conflict, not a rewrite")
	assert.Empty(t, rec.Errors)

	after, err := e.doc(t, testutil.SourceID).CanonicalContent()
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestDryRunIndexesNothing(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	rec, err := e.indexer.Drain(context.Background(), RunOptions{DryRun: true, Record: true})
	require.NoError(t, err)
	assert.Equal(t, StatusDryRun, rec.Status)
	assert.Equal(t, 3, rec.FinishedQueueStatus[queue.Primary].Waiting)

	_, err = e.indexer.Record(context.Background(), "latest")
	assert.ErrorIs(t, err, index.ErrNotFound)
}

func TestRunRecordsArePersisted(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	ctx := context.Background()

	rec, err := e.indexer.Drain(ctx, RunOptions{Record: true})
	require.NoError(t, err)

	latest, err := e.indexer.Record(ctx, "latest")
	require.NoError(t, err)
	assert.Equal(t, rec.UUID, latest.UUID)
	assert.Equal(t, 3, latest.Count)

	byID, err := e.indexer.Record(ctx, rec.UUID)
	require.NoError(t, err)
	assert.Equal(t, rec.UUID, byID.UUID)

	// An empty queue run is not recorded.
	empty, err := e.indexer.Drain(ctx, RunOptions{Record: true})
	require.NoError(t, err)
	latest, err = e.indexer.Record(ctx, "latest")
	require.NoError(t, err)
	assert.NotEqual(t, empty.UUID, latest.UUID)
}

func TestAddCollections(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	ctx := context.Background()
	_, err := e.queue.Clear(ctx, queue.Primary)
	require.NoError(t, err)

	n, err := e.indexer.AddCollections(ctx, []string{"Target", "Source"}, queue.AddOptions{Lane: queue.Secondary, Strict: true})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	m := e.receiveOne(t, queue.Secondary)
	assert.Equal(t, testutil.TargetID, m.UUID)
	assert.Equal(t, int64(3), m.SID)
	assert.True(t, m.Strict)

	n, err = e.indexer.AddCollections(ctx, nil, queue.AddOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestInfo(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	ctx := context.Background()

	info, err := e.indexer.Info(ctx, testutil.TargetID, InfoOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.SIDDB)
	assert.Zero(t, info.SIDIndex)
	assert.True(t, info.RebuildWarranted)
	assert.Equal(t, []string{testutil.LabID, testutil.SourceID}, info.UUIDsInvalidated)
	assert.Nil(t, info.Document)

	e.drain(t)
	info, err = e.indexer.Info(ctx, testutil.TargetID, InfoOptions{Stats: true, Document: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.SIDIndex)
	assert.False(t, info.RebuildWarranted)
	assert.NotEmpty(t, info.IndexingStats)
	require.NotNil(t, info.Document)

	// An unrelated write moves the clock but leaves the document current.
	e.put(t, testutil.Target2ID, "Target", ir.Properties{"name": "other"}, nil)
	info, err = e.indexer.Info(ctx, testutil.TargetID, InfoOptions{})
	require.NoError(t, err)
	assert.False(t, info.RebuildWarranted)

	e.put(t, testutil.LabID, "Lab", ir.Properties{"name": "lab-renamed"}, nil)
	info, err = e.indexer.Info(ctx, testutil.TargetID, InfoOptions{})
	require.NoError(t, err)
	assert.True(t, info.RebuildWarranted)

	_, err = e.indexer.Info(ctx, "ffffffff-0000-4000-8000-000000000000", InfoOptions{})
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.indexer.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := e.index.GetDirect(context.Background(), testutil.SourceID)
		return err == nil
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not stop")
	}
}
