package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/replica/internal/ir"
)

// Reader is the read surface shared by the store and snapshot sessions.
type Reader interface {
	Get(ctx context.Context, rid string) (*ir.Resource, error)
	ItemType(ctx context.Context, rid string) (string, error)
	GetByUniqueKey(ctx context.Context, name, value string) (*ir.Resource, error)
	Links(ctx context.Context, source string) ([]ir.Link, error)
	RevLinks(ctx context.Context, target, rel string) ([]string, error)
	Keys(ctx context.Context, rid string) ([]ir.Key, error)
	SIDs(ctx context.Context, rids []string) (map[string]int64, error)
	MaxSID(ctx context.Context) (int64, error)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// reader implements Reader over any querier.
type reader struct {
	q querier
}

const maxSIDQuery = `SELECT COALESCE((SELECT seq FROM sqlite_sequence WHERE name = 'propsheets'), 0)`

// MaxSID returns the logical clock: the highest sid ever assigned.
func (r reader) MaxSID(ctx context.Context) (int64, error) {
	var sid int64
	if err := r.q.QueryRowContext(ctx, maxSIDQuery).Scan(&sid); err != nil {
		return 0, fmt.Errorf("max sid: %w", err)
	}
	return sid, nil
}

// ItemType returns the type of a resource, or ErrNotFound.
func (r reader) ItemType(ctx context.Context, rid string) (string, error) {
	var itemType string
	err := r.q.QueryRowContext(ctx, `SELECT item_type FROM resources WHERE rid = ?`, rid).Scan(&itemType)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("resource %s: %w", rid, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("item type of %s: %w", rid, err)
	}
	return itemType, nil
}

// Get loads a resource with all of its current sheets.
func (r reader) Get(ctx context.Context, rid string) (*ir.Resource, error) {
	itemType, err := r.ItemType(ctx, rid)
	if err != nil {
		return nil, err
	}

	rows, err := r.q.QueryContext(ctx, `
		SELECT cp.name, p.sid, p.properties
		FROM current_propsheets cp
		JOIN propsheets p ON p.sid = cp.sid
		WHERE cp.rid = ?
		ORDER BY cp.name COLLATE BINARY ASC
	`, rid)
	if err != nil {
		return nil, fmt.Errorf("query sheets of %s: %w", rid, err)
	}
	defer rows.Close()

	res := &ir.Resource{RID: rid, ItemType: itemType, Sheets: make(map[string]*ir.PropertySheet)}
	for rows.Next() {
		sheet, err := scanSheet(rows, rid)
		if err != nil {
			return nil, err
		}
		res.Sheets[sheet.Name] = sheet
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sheets of %s: %w", rid, err)
	}
	return res, nil
}

// GetByUniqueKey resolves a key to its resource.
func (r reader) GetByUniqueKey(ctx context.Context, name, value string) (*ir.Resource, error) {
	var rid string
	err := r.q.QueryRowContext(ctx, `SELECT rid FROM keys WHERE name = ? AND value = ?`, name, value).Scan(&rid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("key %s=%q: %w", name, value, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup key %s: %w", name, err)
	}
	return r.Get(ctx, rid)
}

// Links returns the outgoing edges of source ordered by (rel, target).
func (r reader) Links(ctx context.Context, source string) ([]ir.Link, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT source, rel, target FROM links
		WHERE source = ?
		ORDER BY rel COLLATE BINARY ASC, target COLLATE BINARY ASC
	`, source)
	if err != nil {
		return nil, fmt.Errorf("query links of %s: %w", source, err)
	}
	defer rows.Close()

	links := []ir.Link{}
	for rows.Next() {
		var l ir.Link
		if err := rows.Scan(&l.Source, &l.Rel, &l.Target); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	return links, nil
}

// RevLinks returns the sources linking to target through rel, ordered by id.
// An empty rel matches every relation.
func (r reader) RevLinks(ctx context.Context, target, rel string) ([]string, error) {
	query := `SELECT DISTINCT source FROM links WHERE target = ?`
	args := []any{target}
	if rel != "" {
		query += ` AND rel = ?`
		args = append(args, rel)
	}
	query += ` ORDER BY source COLLATE BINARY ASC`
	return r.strings(ctx, query, args...)
}

// Referencing returns the other resources that link to rid, ordered by id.
// A non-empty result blocks a purge.
func (r reader) Referencing(ctx context.Context, rid string) ([]string, error) {
	return r.strings(ctx, `
		SELECT DISTINCT source FROM links
		WHERE target = ? AND source != ?
		ORDER BY source COLLATE BINARY ASC
	`, rid, rid)
}

// Keys returns the keys held by a resource.
func (r reader) Keys(ctx context.Context, rid string) ([]ir.Key, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT name, value, rid FROM keys
		WHERE rid = ?
		ORDER BY name COLLATE BINARY ASC, value COLLATE BINARY ASC
	`, rid)
	if err != nil {
		return nil, fmt.Errorf("query keys of %s: %w", rid, err)
	}
	defer rows.Close()

	keys := []ir.Key{}
	for rows.Next() {
		var k ir.Key
		if err := rows.Scan(&k.Name, &k.Value, &k.RID); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

// SIDs returns the current version of each existing resource in rids.
// Missing resources are absent from the result.
func (r reader) SIDs(ctx context.Context, rids []string) (map[string]int64, error) {
	out := make(map[string]int64, len(rids))
	if len(rids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(rids)), ",")
	args := make([]any, len(rids))
	for i, rid := range rids {
		args[i] = rid
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT rid, MAX(sid) FROM current_propsheets
		WHERE rid IN (`+placeholders+`)
		GROUP BY rid
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query sids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rid string
		var sid int64
		if err := rows.Scan(&rid, &sid); err != nil {
			return nil, fmt.Errorf("scan sid: %w", err)
		}
		out[rid] = sid
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sids: %w", err)
	}
	return out, nil
}

// History returns every revision of a sheet ordered by sid.
func (r reader) History(ctx context.Context, rid, name string) ([]ir.PropertySheet, error) {
	if _, err := r.ItemType(ctx, rid); err != nil {
		return nil, err
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT name, sid, properties FROM propsheets
		WHERE rid = ? AND name = ?
		ORDER BY sid ASC
	`, rid, name)
	if err != nil {
		return nil, fmt.Errorf("query history of %s: %w", rid, err)
	}
	defer rows.Close()

	history := []ir.PropertySheet{}
	for rows.Next() {
		sheet, err := scanSheet(rows, rid)
		if err != nil {
			return nil, err
		}
		history = append(history, *sheet)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return history, nil
}

// UUIDsOfTypes lists resource ids of the given types, all types when empty.
func (r reader) UUIDsOfTypes(ctx context.Context, types []string) ([]string, error) {
	if len(types) == 0 {
		return r.strings(ctx, `SELECT rid FROM resources ORDER BY rid COLLATE BINARY ASC`)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(types)), ",")
	args := make([]any, len(types))
	for i, t := range types {
		args[i] = t
	}
	return r.strings(ctx, `
		SELECT rid FROM resources
		WHERE item_type IN (`+placeholders+`)
		ORDER BY rid COLLATE BINARY ASC
	`, args...)
}

// Count returns the number of resources.
func (r reader) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM resources`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count resources: %w", err)
	}
	return n, nil
}

func (r reader) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	return out, nil
}

func scanSheet(rows *sql.Rows, rid string) (*ir.PropertySheet, error) {
	var (
		name  string
		sid   int64
		props string
	)
	if err := rows.Scan(&name, &sid, &props); err != nil {
		return nil, fmt.Errorf("scan sheet: %w", err)
	}
	decoded, err := ir.DecodeProperties([]byte(props))
	if err != nil {
		return nil, fmt.Errorf("sheet %d of %s: %w", sid, rid, err)
	}
	return &ir.PropertySheet{SID: sid, RID: rid, Name: name, Properties: decoded}, nil
}
