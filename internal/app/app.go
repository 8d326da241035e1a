// Package app opens every component of a replica process from one
// configuration and wires them together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/replica/internal/blob"
	"github.com/roach88/replica/internal/blob/minio"
	"github.com/roach88/replica/internal/builder"
	"github.com/roach88/replica/internal/config"
	"github.com/roach88/replica/internal/index"
	"github.com/roach88/replica/internal/indexer"
	"github.com/roach88/replica/internal/queue"
	"github.com/roach88/replica/internal/router"
	"github.com/roach88/replica/internal/schema"
	"github.com/roach88/replica/internal/store"
)

// App is a wired replica process.
type App struct {
	Config  *config.Config
	Store   *store.Store
	Queue   *queue.Queue
	Index   *index.Index
	Types   *schema.Registry
	Blobs   blob.Store
	Indexer *indexer.Indexer
	Router  *router.Router
	closers []func() error
}

// Option adjusts how Open builds the components.
type Option func(*options)

type options struct {
	types       *schema.Registry
	indexOpts   []index.Option
	queueOpts   []queue.Option
	indexerOpts []indexer.Option
}

// WithTypes uses reg instead of loading the configured types directory.
func WithTypes(reg *schema.Registry) Option {
	return func(o *options) { o.types = reg }
}

// WithIndexOptions appends options for index.Open.
func WithIndexOptions(opts ...index.Option) Option {
	return func(o *options) { o.indexOpts = append(o.indexOpts, opts...) }
}

// WithQueueOptions appends options for queue.Open, after the configured ones.
func WithQueueOptions(opts ...queue.Option) Option {
	return func(o *options) { o.queueOpts = append(o.queueOpts, opts...) }
}

// WithIndexerOptions appends options for indexer.New, after the configured ones.
func WithIndexerOptions(opts ...indexer.Option) Option {
	return func(o *options) { o.indexerOpts = append(o.indexerOpts, opts...) }
}

// Open opens the queue, the durable store, the index and the blob backend
// and wires the builder, indexer and router over them. Writes committed to
// the store are enqueued for indexing.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (a *App, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a = &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	a.Types = o.types
	if a.Types == nil {
		slog.Info("loading types", "dir", cfg.Types)
		if a.Types, err = schema.LoadDir(cfg.Types); err != nil {
			return a, fmt.Errorf("load types: %w", err)
		}
	}

	qopts := append(cfg.QueueOptions(), o.queueOpts...)
	if a.Queue, err = queue.Open(cfg.Queue, qopts...); err != nil {
		return a, err
	}
	a.closers = append(a.closers, a.Queue.Close)

	slog.Info("opening database", "path", cfg.Database)
	if a.Store, err = store.Open(cfg.Database, store.WithCommitHook(indexer.EnqueueOnCommit(a.Queue))); err != nil {
		return a, err
	}
	a.closers = append(a.closers, a.Store.Close)

	if a.Index, err = index.Open(cfg.Index, o.indexOpts...); err != nil {
		return a, err
	}
	a.closers = append(a.closers, a.Index.Close)

	switch cfg.Blobs.Backend {
	case config.BlobMinio:
		if a.Blobs, err = minio.New(ctx, cfg.Blobs.Minio); err != nil {
			return a, err
		}
	default:
		a.Blobs = a.Store.Blobs()
	}

	b := builder.New(a.Types, nil)
	ixopts := append([]indexer.Option{indexer.WithConfig(cfg.IndexerConfig())}, o.indexerOpts...)
	a.Indexer = indexer.New(a.Store, a.Index, a.Queue, b, ixopts...)
	a.Router = router.New(a.Store, a.Index, a.Queue, a.Types, a.Blobs)
	return a, nil
}

// Close closes every opened component in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
