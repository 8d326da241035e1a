// Package queue is the durable indexing queue: four lanes of at-least-once
// messages in a SQLite file, with visibility timeouts and a dead-letter lane.
//
// A received message stays in its lane, invisible until its visibility
// deadline. Delete acknowledges it; otherwise it is redelivered. A message
// received more than MaxReceives times moves to the dlq lane instead.
package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/replica/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Lane names one message lane.
type Lane string

const (
	Primary    Lane = "primary"
	Secondary  Lane = "secondary"
	Deferred   Lane = "deferred"
	DeadLetter Lane = "dlq"
)

// Lanes lists every lane in reporting order.
var Lanes = []Lane{Primary, Secondary, Deferred, DeadLetter}

// ParseLane validates a lane name.
func ParseLane(s string) (Lane, error) {
	for _, l := range Lanes {
		if string(l) == s {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown lane %q", s)
}

// Defaults.
const (
	DefaultVisibilityTimeout = 600 * time.Second
	DefaultErrorTimeout      = 180 * time.Second
	DefaultMaxReceives       = 4
)

// ErrStaleReceipt is returned when a message was redelivered to someone else
// (or already deleted) since the caller received it.
var ErrStaleReceipt = errors.New("stale receipt")

// Message is one request to (re)build an item's document.
type Message struct {
	ID   string
	Lane Lane
	UUID string
	// SID is the durable clock the request was made at.
	SID int64
	// Strict messages rebuild only their item; non-strict ones also fan out.
	Strict bool
	// Epoch is the snapshot clock of the task that deferred the message.
	Epoch int64

	ReceiveCount int
	Receipt      string
	LastError    string
	EnqueuedAt   time.Time
}

// LaneCount reports the backlog of one lane.
type LaneCount struct {
	Waiting  int `json:"waiting" yaml:"waiting"`
	InFlight int `json:"inflight" yaml:"inflight"`
}

// Option configures a Queue.
type Option func(*Queue)

// WithVisibilityTimeout sets how long a received message stays invisible.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// WithMaxReceives sets the receive count after which a message is dead-lettered.
func WithMaxReceives(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxReceives = n
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithIDGenerator replaces the message id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(q *Queue) { q.ids = g }
}

// Queue is the durable indexing queue. It is safe for concurrent use.
type Queue struct {
	db          *sql.DB
	visibility  time.Duration
	maxReceives int
	now         func() time.Time
	ids         IDGenerator
}

// Open creates or opens the queue database at path.
func Open(path string, opts ...Option) (*Queue, error) {
	db, err := store.OpenDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", path, err)
	}
	// One connection: every receive is a read-modify-write, and SQLite
	// cannot upgrade concurrent read transactions to writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply queue schema: %w", err)
	}

	q := &Queue{
		db:          db,
		visibility:  DefaultVisibilityTimeout,
		maxReceives: DefaultMaxReceives,
		now:         time.Now,
		ids:         UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Close closes the queue database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// VisibilityTimeout is the configured visibility timeout.
func (q *Queue) VisibilityTimeout() time.Duration {
	return q.visibility
}

func (q *Queue) millis() int64 {
	return q.now().UnixMilli()
}

// Send enqueues msgs on lane, visible immediately. Message ids are assigned
// when empty.
func (q *Queue) Send(ctx context.Context, lane Lane, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("send: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := q.millis()
	for _, m := range msgs {
		if err := q.insert(ctx, tx, lane, m, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("send: commit: %w", err)
	}
	return nil
}

func (q *Queue) insert(ctx context.Context, tx *sql.Tx, lane Lane, m Message, now int64) error {
	if m.ID == "" {
		m.ID = q.ids.Generate()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, lane, uuid, sid, strict, epoch, visible_at, receive_count, last_error, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, string(lane), m.UUID, m.SID, m.Strict, m.Epoch, now, m.ReceiveCount, m.LastError, now)
	if err != nil {
		return fmt.Errorf("send %s to %s: %w", m.UUID, lane, err)
	}
	return nil
}

// Receive claims up to max visible messages from lane, oldest first.
//
// Each claimed message gets a fresh receipt and stays invisible for the
// visibility timeout. Messages whose receive count would exceed MaxReceives
// are moved to the dlq lane and not returned.
func (q *Queue) Receive(ctx context.Context, lane Lane, max int) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("receive: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := q.millis()
	rows, err := tx.QueryContext(ctx, `
		SELECT id, uuid, sid, strict, epoch, receive_count, last_error, enqueued_at
		FROM messages
		WHERE lane = ? AND visible_at <= ?
		ORDER BY visible_at ASC, seq ASC
		LIMIT ?
	`, string(lane), now, max)
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", lane, err)
	}
	var candidates []Message
	for rows.Next() {
		m := Message{Lane: lane}
		var enqueued int64
		if err := rows.Scan(&m.ID, &m.UUID, &m.SID, &m.Strict, &m.Epoch, &m.ReceiveCount, &m.LastError, &enqueued); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.EnqueuedAt = time.UnixMilli(enqueued).UTC()
		candidates = append(candidates, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	rows.Close()

	var out []Message
	visibleAt := now + q.visibility.Milliseconds()
	for _, m := range candidates {
		m.ReceiveCount++
		if m.ReceiveCount > q.maxReceives {
			if _, err := tx.ExecContext(ctx, `
				UPDATE messages SET lane = ?, visible_at = ?, receipt = ''
				WHERE id = ?
			`, string(DeadLetter), now, m.ID); err != nil {
				return nil, fmt.Errorf("dead-letter %s: %w", m.ID, err)
			}
			continue
		}
		m.Receipt = q.ids.Generate()
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET visible_at = ?, receive_count = ?, receipt = ?
			WHERE id = ?
		`, visibleAt, m.ReceiveCount, m.Receipt, m.ID); err != nil {
			return nil, fmt.Errorf("claim %s: %w", m.ID, err)
		}
		out = append(out, m)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("receive: commit: %w", err)
	}
	return out, nil
}

// Delete acknowledges a received message.
func (q *Queue) Delete(ctx context.Context, m Message) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND receipt = ?`, m.ID, m.Receipt)
	if err != nil {
		return fmt.Errorf("delete %s: %w", m.ID, err)
	}
	return checkReceipt(res, m)
}

// Replace makes a received message visible again after visibility and
// records lastErr on it.
func (q *Queue) Replace(ctx context.Context, m Message, visibility time.Duration, lastErr string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE messages SET visible_at = ?, last_error = ?, receipt = ''
		WHERE id = ? AND receipt = ?
	`, q.millis()+visibility.Milliseconds(), lastErr, m.ID, m.Receipt)
	if err != nil {
		return fmt.Errorf("replace %s: %w", m.ID, err)
	}
	return checkReceipt(res, m)
}

// Move sends next on lane and deletes the received message m in one
// transaction. next keeps the receive count it is given.
func (q *Queue) Move(ctx context.Context, m Message, lane Lane, next Message) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("move %s: begin tx: %w", m.ID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND receipt = ?`, m.ID, m.Receipt)
	if err != nil {
		return fmt.Errorf("move %s: %w", m.ID, err)
	}
	if err := checkReceipt(res, m); err != nil {
		return err
	}
	next.ID = ""
	if err := q.insert(ctx, tx, lane, next, q.millis()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("move %s: commit: %w", m.ID, err)
	}
	return nil
}

func checkReceipt(res sql.Result, m Message) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message %s: %w", m.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("message %s: %w", m.ID, ErrStaleReceipt)
	}
	return nil
}

// Counts reports waiting and in-flight messages per lane. Every lane is
// present in the result.
func (q *Queue) Counts(ctx context.Context) (map[Lane]LaneCount, error) {
	out := make(map[Lane]LaneCount, len(Lanes))
	for _, l := range Lanes {
		out[l] = LaneCount{}
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT lane,
		       SUM(CASE WHEN visible_at <= ? THEN 1 ELSE 0 END),
		       SUM(CASE WHEN visible_at > ? THEN 1 ELSE 0 END)
		FROM messages GROUP BY lane
	`, q.millis(), q.millis())
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var lane string
		var c LaneCount
		if err := rows.Scan(&lane, &c.Waiting, &c.InFlight); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[Lane(lane)] = c
	}
	return out, rows.Err()
}

// Clear removes every message from lane and returns how many were removed.
func (q *Queue) Clear(ctx context.Context, lane Lane) (int, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM messages WHERE lane = ?`, string(lane))
	if err != nil {
		return 0, fmt.Errorf("clear %s: %w", lane, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Redrive moves up to max dead-lettered messages back to the primary lane
// with their receive count reset. max <= 0 moves all of them.
func (q *Queue) Redrive(ctx context.Context, max int) (int, error) {
	if max <= 0 {
		max = -1
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE messages SET lane = ?, receive_count = 0, receipt = '', visible_at = ?
		WHERE seq IN (SELECT seq FROM messages WHERE lane = ? ORDER BY seq ASC LIMIT ?)
	`, string(Primary), q.millis(), string(DeadLetter), max)
	if err != nil {
		return 0, fmt.Errorf("redrive: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeadLetters lists the dead-lettered messages with their last errors.
func (q *Queue) DeadLetters(ctx context.Context) ([]Message, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, uuid, sid, strict, receive_count, last_error
		FROM messages WHERE lane = ? ORDER BY seq ASC
	`, string(DeadLetter))
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m := Message{Lane: DeadLetter}
		if err := rows.Scan(&m.ID, &m.UUID, &m.SID, &m.Strict, &m.ReceiveCount, &m.LastError); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddOptions describe the messages AddUUIDs enqueues.
type AddOptions struct {
	Lane   Lane
	Strict bool
	SID    int64
}

// AddUUIDs enqueues one message per id. An empty lane means primary.
func (q *Queue) AddUUIDs(ctx context.Context, ids []string, opts AddOptions) (int, error) {
	lane := opts.Lane
	if lane == "" {
		lane = Primary
	}
	msgs := make([]Message, len(ids))
	for i, id := range ids {
		msgs[i] = Message{UUID: id, SID: opts.SID, Strict: opts.Strict}
	}
	if err := q.Send(ctx, lane, msgs...); err != nil {
		return 0, err
	}
	return len(msgs), nil
}
