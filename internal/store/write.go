package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/replica/internal/ir"
)

// Write is one transactional resource write.
//
// Properties replaces the default sheet when non-nil; Sheets replaces the
// named auxiliary sheets. Keys and Links are the complete new sets and are
// applied as a set-diff; nil leaves the stored set untouched.
type Write struct {
	RID        string
	ItemType   string
	Properties ir.Properties
	Sheets     map[string]ir.Properties
	Keys       map[string][]string
	Links      map[string][]string
}

// Put creates or updates a resource in one transaction and returns the
// committed resource. Each written sheet receives a new sid.
//
// A key held by another resource aborts the whole write with a
// *UniquenessConflictError.
func (s *Store) Put(ctx context.Context, w Write) (*ir.Resource, error) {
	if w.RID == "" {
		return nil, fmt.Errorf("put: rid is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("put %s: begin tx: %w", w.RID, err)
	}
	defer tx.Rollback()

	created, itemType, err := ensureResource(ctx, tx, w)
	if err != nil {
		return nil, err
	}

	sheets := make(map[string]ir.Properties, len(w.Sheets)+1)
	for name, props := range w.Sheets {
		sheets[name] = props
	}
	if w.Properties != nil {
		sheets[ir.DefaultSheet] = w.Properties
	}
	if created {
		if _, ok := sheets[ir.DefaultSheet]; !ok {
			sheets[ir.DefaultSheet] = ir.Properties{}
		}
	}

	var lastSID int64
	for _, name := range sortedNames(sheets) {
		sid, err := insertSheet(ctx, tx, w.RID, name, sheets[name])
		if err != nil {
			return nil, err
		}
		lastSID = sid
	}

	if w.Keys != nil {
		if err := updateKeys(ctx, tx, w.RID, w.Keys); err != nil {
			return nil, err
		}
	}
	if w.Links != nil {
		if err := updateLinks(ctx, tx, w.RID, w.Links); err != nil {
			return nil, err
		}
	}

	res, err := reader{q: tx}.Get(ctx, w.RID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("put %s: commit: %w", w.RID, err)
	}

	if lastSID > 0 {
		c := Committed{RID: w.RID, ItemType: itemType, SID: res.SID(), Created: created}
		for _, hook := range s.hooks {
			hook(ctx, c)
		}
	}
	return res, nil
}

func ensureResource(ctx context.Context, tx *sql.Tx, w Write) (created bool, itemType string, err error) {
	err = tx.QueryRowContext(ctx, `SELECT item_type FROM resources WHERE rid = ?`, w.RID).Scan(&itemType)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if w.ItemType == "" {
			return false, "", fmt.Errorf("put %s: item type is required to create a resource", w.RID)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO resources (rid, item_type) VALUES (?, ?)`, w.RID, w.ItemType); err != nil {
			return false, "", fmt.Errorf("put %s: insert resource: %w", w.RID, err)
		}
		return true, w.ItemType, nil
	case err != nil:
		return false, "", fmt.Errorf("put %s: lookup resource: %w", w.RID, err)
	}
	if w.ItemType != "" && w.ItemType != itemType {
		return false, "", fmt.Errorf("put %s: item type %q does not match stored type %q", w.RID, w.ItemType, itemType)
	}
	return false, itemType, nil
}

func insertSheet(ctx context.Context, tx *sql.Tx, rid, name string, props ir.Properties) (int64, error) {
	if props == nil {
		props = ir.Properties{}
	}
	data, err := ir.MarshalCanonical(props)
	if err != nil {
		return 0, fmt.Errorf("put %s: marshal sheet %q: %w", rid, name, err)
	}
	result, err := tx.ExecContext(ctx, `
		INSERT INTO propsheets (rid, name, properties) VALUES (?, ?, ?)
	`, rid, name, string(data))
	if err != nil {
		return 0, fmt.Errorf("put %s: insert sheet %q: %w", rid, name, err)
	}
	sid, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("put %s: sheet sid: %w", rid, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO current_propsheets (rid, name, sid) VALUES (?, ?, ?)
		ON CONFLICT(rid, name) DO UPDATE SET sid = excluded.sid
	`, rid, name, sid)
	if err != nil {
		return 0, fmt.Errorf("put %s: point current sheet %q: %w", rid, name, err)
	}
	return sid, nil
}

type pair struct{ a, b string }

func pairs(m map[string][]string) map[pair]struct{} {
	out := make(map[pair]struct{})
	for k, values := range m {
		for _, v := range values {
			out[pair{k, v}] = struct{}{}
		}
	}
	return out
}

func sortedPairs(m map[pair]struct{}) []pair {
	out := make([]pair, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].a != out[j].a {
			return out[i].a < out[j].a
		}
		return out[i].b < out[j].b
	})
	return out
}

func updateKeys(ctx context.Context, tx *sql.Tx, rid string, keys map[string][]string) error {
	current, err := reader{q: tx}.Keys(ctx, rid)
	if err != nil {
		return err
	}
	have := make(map[pair]struct{}, len(current))
	for _, k := range current {
		have[pair{k.Name, k.Value}] = struct{}{}
	}
	want := pairs(keys)

	for _, p := range sortedPairs(have) {
		if _, keep := want[p]; keep {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM keys WHERE name = ? AND value = ?`, p.a, p.b); err != nil {
			return fmt.Errorf("put %s: delete key %s: %w", rid, p.a, err)
		}
	}
	for _, p := range sortedPairs(want) {
		if _, exists := have[p]; exists {
			continue
		}
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT rid FROM keys WHERE name = ? AND value = ?`, p.a, p.b).Scan(&owner)
		switch {
		case err == nil:
			return &UniquenessConflictError{Name: p.a, Value: p.b, RID: rid, Owner: owner}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("put %s: check key %s: %w", rid, p.a, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO keys (name, value, rid) VALUES (?, ?, ?)`, p.a, p.b, rid); err != nil {
			return fmt.Errorf("put %s: insert key %s: %w", rid, p.a, err)
		}
	}
	return nil
}

func updateLinks(ctx context.Context, tx *sql.Tx, rid string, links map[string][]string) error {
	current, err := reader{q: tx}.Links(ctx, rid)
	if err != nil {
		return err
	}
	have := make(map[pair]struct{}, len(current))
	for _, l := range current {
		have[pair{l.Rel, l.Target}] = struct{}{}
	}
	want := pairs(links)

	for _, p := range sortedPairs(have) {
		if _, keep := want[p]; keep {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM links WHERE source = ? AND rel = ? AND target = ?`, rid, p.a, p.b); err != nil {
			return fmt.Errorf("put %s: delete link %s: %w", rid, p.a, err)
		}
	}
	for _, p := range sortedPairs(want) {
		if _, exists := have[p]; exists {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO links (source, rel, target) VALUES (?, ?, ?)`, rid, p.a, p.b); err != nil {
			return fmt.Errorf("put %s: insert link %s: %w", rid, p.a, err)
		}
	}
	return nil
}

// Purge deletes a resource with its whole history, keys and outgoing links.
// It fails with a *ReferencedError while another resource links to it.
//
// A purge advances the clock by one, so documents rebuilt after it are
// versioned above every document built before it.
func (s *Store) Purge(ctx context.Context, rid string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("purge %s: begin tx: %w", rid, err)
	}
	defer tx.Rollback()

	r := reader{q: tx}
	if _, err := r.ItemType(ctx, rid); err != nil {
		return err
	}
	sources, err := r.Referencing(ctx, rid)
	if err != nil {
		return fmt.Errorf("purge %s: %w", rid, err)
	}
	if len(sources) > 0 {
		return &ReferencedError{RID: rid, By: sources}
	}

	for _, stmt := range []string{
		`DELETE FROM links WHERE source = ?`,
		`DELETE FROM keys WHERE rid = ?`,
		`DELETE FROM current_propsheets WHERE rid = ?`,
		`DELETE FROM propsheets WHERE rid = ?`,
		`DELETE FROM resources WHERE rid = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, rid); err != nil {
			return fmt.Errorf("purge %s: %w", rid, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sqlite_sequence SET seq = seq + 1 WHERE name = 'propsheets'`); err != nil {
		return fmt.Errorf("purge %s: advance clock: %w", rid, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("purge %s: commit: %w", rid, err)
	}
	return nil
}

func sortedNames(m map[string]ir.Properties) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
