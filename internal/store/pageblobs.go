package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/papergrader/internal/pages"
)

// PutPages stores a document's pages under handle, replacing any previous set.
func (s *Store) PutPages(ctx context.Context, handle string, kind pages.Kind, ps []pages.Page) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM page_blobs WHERE handle = ?`, handle); err != nil {
		return err
	}
	for _, p := range ps {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO page_blobs (handle, page_index, kind, mime, data) VALUES (?, ?, ?, ?, ?)`,
			handle, p.Index, string(kind), p.MIME, p.Data,
		); err != nil {
			return fmt.Errorf("insert page %d: %w", p.Index, err)
		}
	}
	return tx.Commit()
}

// GetPages returns pages from..to (1-based, inclusive) in order.
func (s *Store) GetPages(ctx context.Context, handle string, from, to int) ([]pages.Page, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT page_index, mime, data FROM page_blobs
		 WHERE handle = ? AND page_index BETWEEN ? AND ? ORDER BY page_index`,
		handle, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pages.Page
	for rows.Next() {
		var p pages.Page
		if err := rows.Scan(&p.Index, &p.MIME, &p.Data); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountPages returns how many pages a handle holds.
func (s *Store) CountPages(ctx context.Context, handle string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM page_blobs WHERE handle = ?`, handle).Scan(&n)
	return n, err
}
