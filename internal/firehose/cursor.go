package firehose

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CursorStore persists the firehose resume position as an insert-only
// history of checkpoints, so a crash mid-write never corrupts the last
// known-good cursor.
type CursorStore struct {
	pool *pgxpool.Pool
}

// NewCursorStore creates a CursorStore backed by the given pool.
func NewCursorStore(pool *pgxpool.Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

// Load returns the most recently recorded cursor, or 0 if none exists
// yet (a fresh deployment starts from the live edge of the firehose).
func (c *CursorStore) Load(ctx context.Context) (int64, error) {
	var cursor int64
	err := c.pool.QueryRow(ctx,
		`SELECT cursor FROM cursor_history ORDER BY id DESC LIMIT 1`,
	).Scan(&cursor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("firehose: load cursor: %w", err)
	}
	return cursor, nil
}

// Update appends a new checkpoint row. Called after each commit is
// fully processed, not before, so a crash mid-commit replays that
// commit rather than skipping it.
func (c *CursorStore) Update(ctx context.Context, cursor int64) error {
	_, err := c.pool.Exec(ctx,
		`INSERT INTO cursor_history (cursor) VALUES ($1)`, cursor)
	if err != nil {
		return fmt.Errorf("firehose: update cursor: %w", err)
	}
	return nil
}
