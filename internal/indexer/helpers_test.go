package indexer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/builder"
	"github.com/roach88/replica/internal/index"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/queue"
	"github.com/roach88/replica/internal/schema"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/testutil"
)

type env struct {
	store   *store.Store
	index   *index.Index
	queue   *queue.Queue
	indexer *Indexer
	clock   *testutil.DeterministicClock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, nil, Config{Workers: 4, RetryInterval: time.Millisecond})
}

// newEnvWith builds an env whose builder renders through host, which may be
// nil for the default views.
func newEnvWith(t *testing.T, host builder.Host, cfg Config) *env {
	t.Helper()
	dir := t.TempDir()
	clock := testutil.NewDeterministicClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	q, err := queue.Open(filepath.Join(dir, "queue.db"),
		queue.WithClock(clock.Now),
		queue.WithIDGenerator(testutil.NewSequentialGenerator("msg")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	s, err := store.Open(filepath.Join(dir, "replica.db"), store.WithCommitHook(EnqueueOnCommit(q)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	x, err := index.Open("", index.WithInMemory())
	require.NoError(t, err)
	t.Cleanup(func() { x.Close() })

	reg, err := schema.CompileString(testutil.TypesCUE)
	require.NoError(t, err)

	ix := New(s, x, q, builder.New(reg, host),
		WithConfig(cfg),
		WithClock(clock.Now),
		WithIDGenerator(testutil.NewSequentialGenerator("run")),
	)
	return &env{store: s, index: x, queue: q, indexer: ix, clock: clock}
}

func (e *env) put(t *testing.T, rid, itemType string, props ir.Properties, links map[string][]string) {
	t.Helper()
	_, err := e.store.Put(context.Background(), store.Write{
		RID:        rid,
		ItemType:   itemType,
		Properties: props,
		Links:      links,
	})
	require.NoError(t, err)
}

// seed writes Lab <- Target <- Source.
func (e *env) seed(t *testing.T) {
	t.Helper()
	e.put(t, testutil.LabID, "Lab", ir.Properties{"name": "lab-one"}, nil)
	e.put(t, testutil.TargetID, "Target",
		ir.Properties{"name": "target-one", "accession": "TGT001", "lab": testutil.LabID},
		map[string][]string{"lab": {testutil.LabID}})
	e.put(t, testutil.SourceID, "Source",
		ir.Properties{"target": testutil.TargetID},
		map[string][]string{"target": {testutil.TargetID}})
}

func (e *env) drain(t *testing.T) *RunRecord {
	t.Helper()
	rec, err := e.indexer.Drain(context.Background(), RunOptions{})
	require.NoError(t, err)
	return rec
}

func (e *env) doc(t *testing.T, id string) *ir.IndexDocument {
	t.Helper()
	d, err := e.index.GetDirect(context.Background(), id)
	require.NoError(t, err)
	return d
}

func (e *env) receiveOne(t *testing.T, lane queue.Lane) queue.Message {
	t.Helper()
	msgs, err := e.queue.Receive(context.Background(), lane, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

// hookHost renders like the default host after running before on the item
// being loaded. A test uses it to fail or stall chosen builds.
type hookHost struct {
	builder.DefaultHost
	before func(ctx context.Context, id string) error
}

func (h hookHost) CanonicalProperties(ctx context.Context, t *schema.Type, res *ir.Resource) (ir.Properties, error) {
	if err := h.before(ctx, res.RID); err != nil {
		return nil, err
	}
	return h.DefaultHost.CanonicalProperties(ctx, t, res)
}

// labID returns the n-th id of a batch of standalone Lab items.
func labID(n int) string {
	return fmt.Sprintf("1a000000-0000-4000-8000-%012d", n)
}
