package journal

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Entry is one attempted symbol rename.
type Entry struct {
	ID         int64     `json:"id"`
	At         time.Time `json:"at"`
	File       string    `json:"file"`
	Symbol     string    `json:"symbol"`
	NewName    string    `json:"newName"`
	Status     string    `json:"status"`
	References int       `json:"references"`
	Error      string    `json:"error,omitempty"`
}

// Summary aggregates the journal by status.
type Summary struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"byStatus"`
	Files      int            `json:"files"`
	References int            `json:"references"`
	Last       time.Time      `json:"last,omitempty"`
}

// Filter narrows Recent. Zero values match everything.
type Filter struct {
	File   string
	Symbol string
	Status string
	Limit  int
}

// Record appends e. A zero At is stamped with the current time.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := j.conn.ExecContext(ctx,
		`INSERT INTO renames (at, file, symbol, new_name, status, refs, error) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.At.UnixNano(), e.File, e.Symbol, e.NewName, e.Status, e.References, e.Error)
	if err != nil {
		return fmt.Errorf("record rename: %w", err)
	}
	return nil
}

// Recent returns matching entries, newest first.
func (j *Journal) Recent(ctx context.Context, f Filter) ([]Entry, error) {
	var where []string
	var args []any
	if f.File != "" {
		where = append(where, "file = ?")
		args = append(args, f.File)
	}
	if f.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	query := `SELECT id, at, file, symbol, new_name, status, refs, error FROM renames`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := j.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query renames: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at int64
		if err := rows.Scan(&e.ID, &at, &e.File, &e.Symbol, &e.NewName, &e.Status, &e.References, &e.Error); err != nil {
			return nil, fmt.Errorf("scan rename: %w", err)
		}
		e.At = time.Unix(0, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summary aggregates every entry.
func (j *Journal) Summary(ctx context.Context) (Summary, error) {
	s := Summary{ByStatus: make(map[string]int)}

	rows, err := j.conn.QueryContext(ctx, `SELECT status, COUNT(*), COALESCE(SUM(refs), 0) FROM renames GROUP BY status`)
	if err != nil {
		return s, fmt.Errorf("summarize renames: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count, refs int
		if err := rows.Scan(&status, &count, &refs); err != nil {
			return s, err
		}
		s.ByStatus[status] = count
		s.Total += count
		s.References += refs
	}
	if err := rows.Err(); err != nil {
		return s, err
	}

	var last int64
	err = j.conn.QueryRowContext(ctx, `SELECT COUNT(DISTINCT file), COALESCE(MAX(at), 0) FROM renames`).Scan(&s.Files, &last)
	if err != nil {
		return s, err
	}
	if last > 0 {
		s.Last = time.Unix(0, last)
	}
	return s, nil
}

// Prune deletes entries older than before and returns how many were removed.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := j.conn.ExecContext(ctx, `DELETE FROM renames WHERE at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune renames: %w", err)
	}
	return res.RowsAffected()
}
