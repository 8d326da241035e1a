// Package indexer keeps the search index consistent with the durable store.
//
// Workers receive messages from the queue, build the named item's document
// from a fresh snapshot session, upsert it at the snapshot clock and, for
// write-time messages, fan invalidation out to every document that depends
// on the item. Each message ends in exactly one queue action: ack, defer,
// or redelivery after a timeout.
package indexer

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/roach88/replica/internal/builder"
	"github.com/roach88/replica/internal/index"
	"github.com/roach88/replica/internal/queue"
	"github.com/roach88/replica/internal/store"
)

// Config tunes the worker pool.
type Config struct {
	// Workers is the target number of concurrent builds.
	Workers int
	// ReceiveBatch bounds the messages taken per poll.
	ReceiveBatch int
	// DeferredBatch bounds the deferred messages taken per poll.
	DeferredBatch int
	// BuildDeadline is the soft deadline of one build. An overrun build is
	// abandoned and its message redelivered.
	BuildDeadline time.Duration
	// ErrorTimeout is how long a failed message stays invisible.
	ErrorTimeout time.Duration
	// EmptyPollInterval paces polling while the queue is idle.
	EmptyPollInterval time.Duration
	// TransientRetries is how many times a build is retried in place after
	// a transient error.
	TransientRetries int
	// RetryInterval is the wait before the first local retry; it doubles
	// for each further one.
	RetryInterval time.Duration
	// RedeliveryInterval is how long a message that still fails
	// transiently stays invisible after its first receive. It doubles with
	// every receive, up to ErrorTimeout.
	RedeliveryInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:            4,
		ReceiveBatch:       10,
		DeferredBatch:      10,
		BuildDeadline:      time.Minute,
		ErrorTimeout:       queue.DefaultErrorTimeout,
		EmptyPollInterval:  500 * time.Millisecond,
		TransientRetries:   2,
		RetryInterval:      time.Second,
		RedeliveryInterval: 10 * time.Second,
	}
}

// Indexer runs builds against the queue or an explicit id list.
type Indexer struct {
	store   *store.Store
	index   *index.Index
	queue   *queue.Queue
	builder *builder.Builder

	cfg      Config
	registry *prometheus.Registry
	metrics  *metrics
	now      func() time.Time
	ids      queue.IDGenerator
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithConfig replaces the default pool configuration. Zero fields keep
// their defaults.
func WithConfig(cfg Config) Option {
	return func(ix *Indexer) {
		def := DefaultConfig()
		if cfg.Workers <= 0 {
			cfg.Workers = def.Workers
		}
		if cfg.ReceiveBatch <= 0 {
			cfg.ReceiveBatch = def.ReceiveBatch
		}
		if cfg.DeferredBatch <= 0 {
			cfg.DeferredBatch = def.DeferredBatch
		}
		if cfg.BuildDeadline <= 0 {
			cfg.BuildDeadline = def.BuildDeadline
		}
		if cfg.ErrorTimeout <= 0 {
			cfg.ErrorTimeout = def.ErrorTimeout
		}
		if cfg.EmptyPollInterval <= 0 {
			cfg.EmptyPollInterval = def.EmptyPollInterval
		}
		if cfg.TransientRetries <= 0 {
			cfg.TransientRetries = def.TransientRetries
		}
		if cfg.RetryInterval <= 0 {
			cfg.RetryInterval = def.RetryInterval
		}
		if cfg.RedeliveryInterval <= 0 {
			cfg.RedeliveryInterval = def.RedeliveryInterval
		}
		ix.cfg = cfg
	}
}

// WithRegistry registers the indexer's metrics on reg.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(ix *Indexer) { ix.registry = reg }
}

// WithClock replaces the wall clock used for run records.
func WithClock(now func() time.Time) Option {
	return func(ix *Indexer) { ix.now = now }
}

// WithIDGenerator replaces the run record id generator.
func WithIDGenerator(g queue.IDGenerator) Option {
	return func(ix *Indexer) { ix.ids = g }
}

// New wires an indexer.
func New(s *store.Store, x *index.Index, q *queue.Queue, b *builder.Builder, opts ...Option) *Indexer {
	ix := &Indexer{
		store:   s,
		index:   x,
		queue:   q,
		builder: b,
		cfg:     DefaultConfig(),
		now:     time.Now,
		ids:     queue.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(ix)
	}
	if ix.registry == nil {
		ix.registry = prometheus.NewRegistry()
	}
	ix.metrics = newMetrics(ix.registry)
	return ix
}

// Registry is the metrics registry the indexer reports to.
func (ix *Indexer) Registry() *prometheus.Registry {
	return ix.registry
}

// Queue returns the queue the indexer drains.
func (ix *Indexer) Queue() *queue.Queue {
	return ix.queue
}

// Outcome is what happened to one message.
type Outcome struct {
	UUID   string
	Action string
	// Err is the classified failure; nil when the document was indexed.
	Err *Error
	// FanOut is the number of invalidation messages sent.
	FanOut int
}

// Process handles one received message and settles it on the queue.
// The returned error is reserved for failures of the queue itself; build
// failures are reported in the Outcome.
func (ix *Indexer) Process(ctx context.Context, m queue.Message) (Outcome, error) {
	out := Outcome{UUID: m.UUID}
	log := slog.With("uuid", m.UUID, "sid", m.SID, "lane", string(m.Lane))

	sess, err := ix.store.Session(ctx)
	if err != nil {
		out.Err = classify(m.UUID, m.SID, err)
		out.Action = outcomeRetry
		return ix.settle(ctx, m, out, ix.cfg.ErrorTimeout)
	}
	defer sess.Close()
	clock := sess.Clock()

	if m.Lane == queue.Deferred && clock <= m.Epoch {
		// Nothing has been written since the deferral; a rebuild would be
		// refused again. Put it back without spending a receive.
		next := m
		next.ReceiveCount = max(m.ReceiveCount-1, 0)
		out.Action = outcomeRedefer
		ix.metrics.messages.WithLabelValues(string(m.Lane), out.Action).Inc()
		return out, ix.queue.Move(ctx, m, queue.Deferred, next)
	}

	opts := builder.Options{ExpectedSID: m.SID, OwnVersion: !m.Strict}
	res, ierr := ix.indexWithRetry(ctx, sess, m.UUID, m.SID, opts)
	if ctx.Err() != nil {
		// Shutting down: leave the message to its visibility timeout.
		return out, ctx.Err()
	}

	if ierr == nil {
		out.Action = outcomeIndexed
		if !m.Strict {
			n, err := ix.fanOut(ctx, m, res)
			if err != nil {
				out.Action = outcomeRetry
				out.Err = classify(m.UUID, m.SID, err)
				return ix.settle(ctx, m, out, ix.redeliveryDelay(m))
			}
			out.FanOut = n
		}
		log.Debug("indexed", "version", res.Document.MaxSID, "fanout", out.FanOut)
		return ix.settle(ctx, m, out, 0)
	}

	out.Err = ierr
	switch ierr.Code {
	case ErrCodeVersionConflict:
		out.Action = outcomeConflict
		log.Debug("index already newer", "error", ierr)
		return ix.settle(ctx, m, out, 0)

	case ErrCodeStaleRequest:
		out.Action = outcomeDeferred
		log.Info("deferring stale request", "clock", clock, "error", ierr)
		ix.metrics.messages.WithLabelValues(string(m.Lane), out.Action).Inc()
		return out, ix.queue.Move(ctx, m, queue.Deferred, deferral(m, ierr, clock))

	case ErrCodeMissingReferent:
		var missing *builder.MissingReferentError
		if errors.As(ierr, &missing) && missing.Purged() {
			out.Action = outcomePurged
			log.Info("item no longer exists, dropping message")
			return ix.settle(ctx, m, out, 0)
		}
		out.Action = outcomeRetry
		log.Warn("missing referent", "error", ierr)
		return ix.settle(ctx, m, out, ix.cfg.ErrorTimeout)

	case ErrCodeTransient:
		out.Action = outcomeRetry
		delay := ix.redeliveryDelay(m)
		log.Warn("transient error, redelivering", "error", ierr, "delay", delay)
		return ix.settle(ctx, m, out, delay)

	case ErrCodeTimeout:
		out.Action = outcomeRetry
		log.Warn("build overran its deadline", "deadline", ix.cfg.BuildDeadline)
		return ix.settle(ctx, m, out, ix.cfg.ErrorTimeout)

	default:
		out.Action = outcomeFailed
		log.Error("build failed", "error", ierr, "receives", m.ReceiveCount)
		return ix.settle(ctx, m, out, ix.cfg.ErrorTimeout)
	}
}

// settle acknowledges successful outcomes and makes the others visible
// again after delay.
func (ix *Indexer) settle(ctx context.Context, m queue.Message, out Outcome, delay time.Duration) (Outcome, error) {
	ix.metrics.messages.WithLabelValues(string(m.Lane), out.Action).Inc()
	switch out.Action {
	case outcomeIndexed, outcomeConflict, outcomePurged:
		return out, ix.queue.Delete(ctx, m)
	}
	return out, ix.queue.Replace(ctx, m, delay, out.Err.Error())
}

// deferral is the deferred-lane copy of a stale message. Epoch is the clock a
// later snapshot has to pass before the request can be served.
func deferral(m queue.Message, e *Error, clock int64) queue.Message {
	next := m
	next.ReceiveCount = 0
	next.LastError = e.Message
	next.Epoch = clock

	var stale *builder.StaleRequestError
	if errors.As(e, &stale) && stale.Reason == builder.Superseded {
		// Serve the newest version instead; it is already visible.
		next.SID = stale.Current
		next.Epoch = stale.Current - 1
	}
	return next
}

// exponential returns a doubling backoff without jitter from initial up to
// ceiling.
func exponential(initial, ceiling time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = ceiling
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// redeliveryDelay is how long m stays invisible after a transient failure.
// It grows with the number of times m has been received.
func (ix *Indexer) redeliveryDelay(m queue.Message) time.Duration {
	b := exponential(ix.cfg.RedeliveryInterval, ix.cfg.ErrorTimeout)
	d := b.NextBackOff()
	for i := 1; i < m.ReceiveCount; i++ {
		d = b.NextBackOff()
	}
	return d
}

// indexWithRetry builds and upserts id. A transient failure is retried in
// place up to TransientRetries times, first after RetryInterval and then
// after doubling waits.
func (ix *Indexer) indexWithRetry(ctx context.Context, sess *store.Session, id string, sid int64, opts builder.Options) (*builder.Result, *Error) {
	var res *builder.Result
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			ix.metrics.retries.Inc()
		}
		r, err := ix.indexOne(ctx, sess, id, opts)
		if err != nil {
			e := classify(id, sid, err)
			if e.Code != ErrCodeTransient {
				return backoff.Permanent(e)
			}
			slog.Debug("transient index error", "uuid", id, "attempt", attempt, "error", err)
			return e
		}
		res = r
		return nil
	}

	policy := backoff.WithMaxRetries(exponential(ix.cfg.RetryInterval, ix.cfg.ErrorTimeout), uint64(ix.cfg.TransientRetries))
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		var e *Error
		if errors.As(err, &e) {
			return nil, e
		}
		return nil, classify(id, sid, err)
	}
	return res, nil
}

// indexOne builds id under the soft deadline and upserts the result at the
// snapshot clock.
func (ix *Indexer) indexOne(ctx context.Context, sess *store.Session, id string, opts builder.Options) (*builder.Result, error) {
	bctx, cancel := context.WithTimeout(ctx, ix.cfg.BuildDeadline)
	defer cancel()

	start := time.Now()
	res, err := ix.builder.Build(bctx, sess, id, opts)
	ix.metrics.buildTime.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if err := bctx.Err(); err != nil {
		return nil, err
	}
	if err := ix.index.Upsert(ctx, id, res.Document, res.Document.MaxSID); err != nil {
		return nil, err
	}
	return res, nil
}

// invalidated lists the documents that depend on id: everything its build
// touched and every stored document that embeds it.
func (ix *Indexer) invalidated(ctx context.Context, id string, res *builder.Result) ([]string, error) {
	set := make(map[string]struct{}, len(res.Touched))
	for _, t := range res.Touched {
		set[t] = struct{}{}
	}
	embedding, err := ix.index.FindEmbeddingIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, e := range embedding {
		set[e] = struct{}{}
	}
	delete(set, id)

	out := make([]string, 0, len(set))
	for other := range set {
		out = append(out, other)
	}
	sort.Strings(out)
	return out, nil
}

// fanOut sends strict secondary messages for every invalidated document,
// carrying the sid of the triggering write.
func (ix *Indexer) fanOut(ctx context.Context, m queue.Message, res *builder.Result) (int, error) {
	ids, err := ix.invalidated(ctx, m.UUID, res)
	if err != nil {
		return 0, err
	}
	sid := m.SID
	if sid == 0 {
		sid = res.Document.SID
	}
	n, err := ix.queue.AddUUIDs(ctx, ids, queue.AddOptions{Lane: queue.Secondary, Strict: true, SID: sid})
	if err != nil {
		return 0, err
	}
	ix.metrics.fanOut.Add(float64(n))
	return n, nil
}

// passStats summarizes one worker pass.
type passStats struct {
	received int
	progress int
	indexed  int
	errors   []RunError
}

func (p *passStats) add(out Outcome) {
	p.received++
	if out.Action != outcomeRedefer {
		p.progress++
	}
	if out.Action == outcomeIndexed {
		p.indexed++
	}
	switch out.Action {
	case outcomeRetry, outcomeFailed:
		p.errors = append(p.errors, RunError{UUID: out.UUID, Code: string(out.Err.Code), Message: out.Err.Message})
	}
}

// poll receives up to limit messages. Deferred messages are taken on the
// first poll of a pass, and afterwards only while the secondary lane is
// empty; then primary, then secondary.
func (ix *Indexer) poll(ctx context.Context, first bool, limit int) ([]queue.Message, error) {
	batch := min(ix.cfg.ReceiveBatch, limit)
	takeDeferred := first
	if !first {
		counts, err := ix.queue.Counts(ctx)
		if err != nil {
			return nil, err
		}
		takeDeferred = counts[queue.Secondary].Waiting == 0
	}

	var msgs []queue.Message
	if takeDeferred {
		got, err := ix.queue.Receive(ctx, queue.Deferred, min(ix.cfg.DeferredBatch, batch))
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, got...)
	}
	for _, lane := range []queue.Lane{queue.Primary, queue.Secondary} {
		if len(msgs) >= batch {
			break
		}
		got, err := ix.queue.Receive(ctx, lane, batch-len(msgs))
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, got...)
	}
	return msgs, nil
}

// pass keeps up to Workers messages in flight, receiving the next ones as
// builds complete, until nothing is visible and nothing is in flight. A
// deferral stops receiving so the next pass starts from a snapshot that may
// serve it.
func (ix *Indexer) pass(ctx context.Context) (passStats, error) {
	var (
		mu       sync.Mutex
		st       passStats
		inflight int
		halt     bool
	)
	freed := make(chan struct{}, ix.cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)

	var pollErr error
	for first := true; ; first = false {
		mu.Lock()
		free, busy, stop := ix.cfg.Workers-inflight, inflight > 0, halt
		mu.Unlock()
		if stop || gctx.Err() != nil {
			break
		}
		if free == 0 {
			if !waitFreed(gctx, freed) {
				break
			}
			continue
		}

		msgs, err := ix.poll(gctx, first, free)
		if err != nil {
			pollErr = err
			break
		}
		if len(msgs) == 0 {
			if !busy || !waitFreed(gctx, freed) {
				break
			}
			continue
		}

		mu.Lock()
		inflight += len(msgs)
		mu.Unlock()
		for _, m := range msgs {
			g.Go(func() error {
				out, err := ix.Process(gctx, m)
				mu.Lock()
				inflight--
				if err == nil {
					st.add(out)
					if out.Action == outcomeDeferred || out.Action == outcomeRedefer {
						halt = true
					}
				}
				mu.Unlock()
				select {
				case freed <- struct{}{}:
				default:
				}
				return err
			})
		}
	}

	err := g.Wait()
	if pollErr != nil && err == nil {
		err = pollErr
	}
	return st, err
}

// waitFreed blocks until a worker slot frees or ctx ends.
func waitFreed(ctx context.Context, freed <-chan struct{}) bool {
	select {
	case <-freed:
		return true
	case <-ctx.Done():
		return false
	}
}

// Drain processes the queue until nothing visible is left or a pass makes
// no progress, and returns the run record.
func (ix *Indexer) Drain(ctx context.Context, opts RunOptions) (*RunRecord, error) {
	rec, err := ix.startRecord(ctx, RunQueue)
	if err != nil {
		return nil, err
	}
	if opts.DryRun {
		return ix.finishRecord(ctx, rec, opts)
	}

	for {
		st, err := ix.pass(ctx)
		rec.Count += st.indexed
		rec.Errors = append(rec.Errors, st.errors...)
		if err != nil {
			rec.Status = StatusError
			slog.Error("queue run failed", "run", rec.UUID, "error", err)
			if _, ferr := ix.finishRecord(ctx, rec, opts); ferr != nil {
				slog.Warn("could not record failed run", "run", rec.UUID, "error", ferr)
			}
			return rec, err
		}
		if st.received == 0 || st.progress == 0 {
			break
		}
	}
	return ix.finishRecord(ctx, rec, opts)
}

// Run drains the queue continuously until ctx is cancelled, pacing idle
// polls with a rate limiter.
func (ix *Indexer) Run(ctx context.Context) error {
	slog.Info("indexer starting", "workers", ix.cfg.Workers)
	idle := rate.NewLimiter(rate.Every(ix.cfg.EmptyPollInterval), 1)

	for {
		st, err := ix.pass(ctx)
		if ctx.Err() != nil {
			slog.Info("indexer stopping: context cancelled")
			return nil
		}
		if err != nil {
			slog.Error("indexer pass failed", "error", err)
		}
		if st.indexed > 0 || len(st.errors) > 0 {
			slog.Info("indexer pass", "received", st.received, "indexed", st.indexed, "errors", len(st.errors))
		}
		if counts, err := ix.queue.Counts(ctx); err == nil {
			ix.metrics.observeCounts(counts)
		}
		if err != nil || st.received == 0 || st.progress == 0 {
			if err := idle.Wait(ctx); err != nil {
				slog.Info("indexer stopping: context cancelled")
				return nil
			}
		}
	}
}

// Sync indexes an explicit id list over the worker pool without touching
// the queue. Per-id failures are returned in the record.
func (ix *Indexer) Sync(ctx context.Context, ids []string, opts RunOptions) (*RunRecord, error) {
	rec, err := ix.startRecord(ctx, RunSync)
	if err != nil {
		return nil, err
	}
	if opts.DryRun {
		return ix.finishRecord(ctx, rec, opts)
	}

	results := make([]*Error, len(ids))
	var g errgroup.Group
	g.SetLimit(ix.cfg.Workers)
	for i, id := range ids {
		g.Go(func() error {
			sess, err := ix.store.Session(ctx)
			if err != nil {
				results[i] = classify(id, 0, err)
				return nil
			}
			defer sess.Close()
			_, results[i] = ix.indexWithRetry(ctx, sess, id, 0, builder.Options{})
			return nil
		})
	}
	_ = g.Wait()

	for i, e := range results {
		switch {
		case e == nil:
			rec.Count++
		case e.Code == ErrCodeVersionConflict:
			slog.Debug("index already newer", "uuid", ids[i])
		default:
			rec.Errors = append(rec.Errors, RunError{UUID: ids[i], Code: string(e.Code), Message: e.Message})
		}
	}
	return ix.finishRecord(ctx, rec, opts)
}

// AddCollections enqueues every item of the given types (all types when
// empty) at the current clock.
func (ix *Indexer) AddCollections(ctx context.Context, types []string, opts queue.AddOptions) (int, error) {
	if len(types) == 0 {
		types = ix.builder.Registry().Names()
	}
	ids, err := ix.store.UUIDsOfTypes(ctx, types)
	if err != nil {
		return 0, err
	}
	if opts.SID == 0 {
		if opts.SID, err = ix.store.MaxSID(ctx); err != nil {
			return 0, err
		}
	}
	return ix.queue.AddUUIDs(ctx, ids, opts)
}

// EnqueueOnCommit returns a store hook that enqueues every committed write
// on the primary lane as a non-strict message at its new sid.
func EnqueueOnCommit(q *queue.Queue) store.CommitHook {
	return func(ctx context.Context, c store.Committed) {
		_, err := q.AddUUIDs(ctx, []string{c.RID}, queue.AddOptions{Lane: queue.Primary, SID: c.SID})
		if err != nil {
			commitEnqueueFailures.Inc()
			slog.Error("enqueue committed write", "uuid", c.RID, "sid", c.SID, "error", err)
		}
	}
}
