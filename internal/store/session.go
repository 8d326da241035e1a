package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Session is a read-only snapshot of the durable store.
//
// The snapshot is pinned when the session opens: every read through it sees
// the same committed state, and Clock reports that state's max sid. A session
// holds one reader connection until Close.
type Session struct {
	reader
	tx    *sql.Tx
	clock int64
}

// Session opens a read-only snapshot session.
func (s *Store) Session(ctx context.Context) (*Session, error) {
	tx, err := s.ro.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	sess := &Session{reader: reader{q: tx}, tx: tx}

	// The first read fixes the WAL snapshot for the rest of the transaction.
	clock, err := sess.reader.MaxSID(ctx)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("pin snapshot: %w", err)
	}
	sess.clock = clock
	return sess, nil
}

// Clock is the max sid visible in this snapshot.
func (s *Session) Clock() int64 {
	return s.clock
}

// Close releases the snapshot. It is safe to call more than once.
func (s *Session) Close() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}
