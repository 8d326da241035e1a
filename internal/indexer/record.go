package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/replica/internal/queue"
)

// Run types.
const (
	RunSync  = "sync"
	RunQueue = "queue"
)

// Run statuses.
const (
	StatusDone   = "done"
	StatusDryRun = "dry_run"
	StatusError  = "error"
)

// Record names in the index.
const (
	recordPrefix = "indexing/"
	latestRecord = recordPrefix + "latest"
)

// RunOptions controls one index request.
type RunOptions struct {
	// DryRun reports the queue status without indexing anything.
	DryRun bool
	// Record persists the run record in the index.
	Record bool
}

// RunError is one failed item of a run.
type RunError struct {
	UUID    string `json:"uuid"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RunRecord summarizes one index request.
type RunRecord struct {
	UUID                string                           `json:"uuid"`
	Type                string                           `json:"type"`
	Status              string                           `json:"status"`
	Started             time.Time                        `json:"started"`
	Finished            time.Time                        `json:"finished"`
	Elapsed             float64                          `json:"elapsed"`
	Count               int                              `json:"count"`
	Errors              []RunError                       `json:"errors"`
	InitialQueueStatus  map[queue.Lane]queue.LaneCount `json:"initial_queue_status"`
	FinishedQueueStatus map[queue.Lane]queue.LaneCount `json:"finished_queue_status"`
}

func (ix *Indexer) startRecord(ctx context.Context, runType string) (*RunRecord, error) {
	counts, err := ix.queue.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue status: %w", err)
	}
	ix.metrics.observeCounts(counts)
	return &RunRecord{
		UUID:               ix.ids.Generate(),
		Type:               runType,
		Status:             StatusDone,
		Started:            ix.now().UTC(),
		Errors:             []RunError{},
		InitialQueueStatus: counts,
	}, nil
}

// finishRecord stamps the record and persists it when asked to. Queue runs
// that did nothing are not persisted.
func (ix *Indexer) finishRecord(ctx context.Context, rec *RunRecord, opts RunOptions) (*RunRecord, error) {
	if opts.DryRun {
		rec.Status = StatusDryRun
	}
	counts, err := ix.queue.Counts(ctx)
	if err != nil {
		return rec, fmt.Errorf("queue status: %w", err)
	}
	ix.metrics.observeCounts(counts)
	rec.FinishedQueueStatus = counts
	rec.Finished = ix.now().UTC()
	rec.Elapsed = rec.Finished.Sub(rec.Started).Seconds()

	slog.Info("index run finished",
		"run", rec.UUID,
		"type", rec.Type,
		"status", rec.Status,
		"count", rec.Count,
		"errors", len(rec.Errors),
		"elapsed", rec.Elapsed,
	)

	if !opts.Record || opts.DryRun {
		return rec, nil
	}
	if rec.Type == RunQueue && rec.Count == 0 && len(rec.Errors) == 0 {
		return rec, nil
	}
	if err := ix.index.PutRecord(ctx, recordPrefix+rec.UUID, rec); err != nil {
		return rec, err
	}
	if err := ix.index.PutRecord(ctx, latestRecord, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// Record loads a persisted run record. "latest" names the most recent one.
func (ix *Indexer) Record(ctx context.Context, id string) (*RunRecord, error) {
	var rec RunRecord
	if err := ix.index.GetRecord(ctx, recordPrefix+id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
