package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/replica/internal/app"
	"github.com/roach88/replica/internal/config"
	"github.com/roach88/replica/internal/index"
	"github.com/roach88/replica/internal/indexer"
	"github.com/roach88/replica/internal/queue"
	"github.com/roach88/replica/internal/router"
	"github.com/roach88/replica/internal/schema"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/testutil"
)

// Error classes reported in the trace.
const (
	ErrUniquenessConflict = "uniqueness_conflict"
	ErrUnknownReference   = "unknown_reference"
	ErrStillReferenced    = "still_referenced"
	ErrNotFound           = "not_found"
	ErrRunErrors          = "run_errors"
	ErrOther              = "error"
)

// epoch is the frozen start time of every scenario.
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// ErrorClass maps an error onto the class names scenarios expect.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, store.ErrUniquenessConflict):
		return ErrUniquenessConflict
	case errors.Is(err, router.ErrUnknownReference):
		return ErrUnknownReference
	case errors.Is(err, store.ErrReferenced), errors.Is(err, index.ErrStillReferenced):
		return ErrStillReferenced
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	}
	return ErrOther
}

// Harness executes scenario steps against one wired pipeline.
type Harness struct {
	app    *app.App
	clock  *testutil.DeterministicClock
	logger *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against fresh stores in a temporary directory that is
// removed afterwards. The returned error is reserved for failures to set
// the scenario up; failing steps and assertions are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	reg, err := loadTypes(scenario.Types)
	if err != nil {
		return nil, fmt.Errorf("failed to load types: %w", err)
	}

	dir, err := os.MkdirTemp("", "replica-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(dir)

	cfg := config.Default()
	cfg.Database = filepath.Join(dir, "replica.db")
	cfg.Queue = filepath.Join(dir, "queue.db")
	cfg.Index = filepath.Join(dir, "index")

	ctx := context.Background()
	clock := testutil.NewDeterministicClock(epoch)
	a, err := app.Open(ctx, cfg,
		app.WithTypes(reg),
		app.WithIndexOptions(index.WithInMemory()),
		app.WithQueueOptions(
			queue.WithClock(clock.Now),
			queue.WithIDGenerator(testutil.NewSequentialGenerator("msg")),
		),
		app.WithIndexerOptions(
			indexer.WithConfig(indexer.Config{RetryInterval: time.Millisecond}),
			indexer.WithClock(clock.Now),
			indexer.WithIDGenerator(testutil.NewSequentialGenerator("run")),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open stores: %w", err)
	}
	defer a.Close()

	h := &Harness{app: a, clock: clock, logger: slog.Default().With("scenario", scenario.Name)}

	result := NewResult()
	for i, step := range scenario.Steps {
		h.execute(ctx, i, step, result)
	}

	actx := &AssertionContext{
		Ctx:     ctx,
		Index:   a.Index,
		Queue:   a.Queue,
		Indexer: a.Indexer,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// loadTypes compiles a CUE directory or a single CUE file.
func loadTypes(path string) (*schema.Registry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return schema.LoadDir(path)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return schema.CompileString(string(src))
}

// execute runs one step, traces it and checks its expect clause.
func (h *Harness) execute(ctx context.Context, i int, st Step, result *Result) {
	ev := TraceEvent{Op: st.Op, UUID: st.UUID}
	var err error

	switch st.Op {
	case OpPut:
		var item *router.Item
		item, err = h.app.Router.Write(ctx, router.WriteRequest{
			UUID:       st.UUID,
			ItemType:   st.Type,
			Properties: st.Properties,
		})
		if err == nil {
			ev.SID = item.SID
		}

	case OpPatch:
		var item *router.Item
		item, err = h.patch(ctx, st)
		if err == nil {
			ev.SID = item.SID
		}

	case OpPurge:
		err = h.app.Router.Purge(ctx, st.UUID)

	case OpDrain, OpSync:
		// Time passes between drains: redeliveries scheduled by an earlier
		// run are visible again.
		h.clock.Advance(h.app.Queue.VisibilityTimeout())
		var rec *indexer.RunRecord
		if st.Op == OpDrain {
			rec, err = h.app.Indexer.Drain(ctx, indexer.RunOptions{})
		} else {
			rec, err = h.app.Indexer.Sync(ctx, st.UUIDs, indexer.RunOptions{})
		}
		if err == nil {
			ev.Count = rec.Count
			if len(rec.Errors) > 0 {
				err = fmt.Errorf("%d items failed, first %s: %s", len(rec.Errors), rec.Errors[0].UUID, rec.Errors[0].Message)
				ev.Error = ErrRunErrors
			}
		}
	}

	if ev.Error == "" {
		ev.Error = ErrorClass(err)
	}
	result.AddTrace(ev)
	h.logger.Debug("step executed", "step", i, "op", st.Op, "uuid", st.UUID, "error", err)

	want := ""
	if st.Expect != nil {
		want = st.Expect.Error
	}
	switch {
	case ev.Error != want && want == "":
		result.AddError(fmt.Sprintf("steps[%d] %s %s: unexpected error: %v", i, st.Op, st.UUID, err))
	case ev.Error != want:
		result.AddError(fmt.Sprintf("steps[%d] %s %s: expected error %s, got %q", i, st.Op, st.UUID, want, ev.Error))
	}
	if st.Expect != nil && st.Expect.Count != nil && ev.Count != *st.Expect.Count {
		result.AddError(fmt.Sprintf("steps[%d] %s: expected %d indexed, got %d", i, st.Op, *st.Expect.Count, ev.Count))
	}
}

// patch merges the step's properties into the current default sheet.
// A null value removes the property.
func (h *Harness) patch(ctx context.Context, st Step) (*router.Item, error) {
	res, err := h.app.Store.Get(ctx, st.UUID)
	if err != nil {
		return nil, err
	}
	props := res.Properties().Clone()
	for k, v := range st.Properties {
		if v == nil {
			delete(props, k)
			continue
		}
		props[k] = v
	}
	return h.app.Router.Write(ctx, router.WriteRequest{UUID: st.UUID, Properties: props})
}
