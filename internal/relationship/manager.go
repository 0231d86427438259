// Package relationship tracks per-user mute/block relationships and
// exposes them to the classifier so muted or blocked actors never
// trigger a notification. Storage mode (plaintext or hashed) is chosen
// at startup and fixed for the process lifetime.
package relationship

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/primal-host/pushbridge/internal/config"
)

const cacheCapacity = 10_000

// Manager answers is-muted/is-blocked queries against a bounded,
// TTL-expiring cache backed by Postgres, and records every mutation to
// an append-only audit log.
type Manager struct {
	pool   *pgxpool.Pool
	log    *zap.SugaredLogger
	hashed bool
	secret string

	mutes  *lru.LRU[string, map[string]struct{}]
	blocks *lru.LRU[string, map[string]struct{}]
}

// NewManager creates a Manager. When hashed is true, relationship rows
// store SHA-256 digests of target DIDs instead of plaintext and secret
// must be non-empty.
func NewManager(pool *pgxpool.Pool, log *zap.SugaredLogger, hashed bool, secret string) *Manager {
	return &Manager{
		pool:   pool,
		log:    log,
		hashed: hashed,
		secret: secret,
		mutes:  lru.NewLRU[string, map[string]struct{}](cacheCapacity, nil, config.RelationshipCacheTTL),
		blocks: lru.NewLRU[string, map[string]struct{}](cacheCapacity, nil, config.RelationshipCacheTTL),
	}
}

// IsMuted reports whether user has muted target.
func (m *Manager) IsMuted(ctx context.Context, user, target string) (bool, error) {
	return m.check(ctx, m.mutes, "mutes", "mutes_hashed", user, target)
}

// IsBlocked reports whether user has blocked target (in either
// direction is the caller's responsibility — this checks user->target).
func (m *Manager) IsBlocked(ctx context.Context, user, target string) (bool, error) {
	return m.check(ctx, m.blocks, "blocks", "blocks_hashed", user, target)
}

func (m *Manager) check(ctx context.Context, cache *lru.LRU[string, map[string]struct{}], table, hashedTable, user, target string) (bool, error) {
	key := m.memberKey(target, user)

	if set, ok := cache.Get(user); ok {
		_, present := set[key]
		return present, nil
	}

	set, err := m.load(ctx, table, hashedTable, user)
	if err != nil {
		return false, err
	}
	cache.Add(user, set)

	_, present := set[key]
	return present, nil
}

// memberKey is the value stored in the per-user set: the plaintext
// target DID in plaintext mode, or the salted hash in hashed mode.
func (m *Manager) memberKey(target, user string) string {
	if m.hashed {
		return hashTarget(target, user, m.secret)
	}
	return target
}

func (m *Manager) load(ctx context.Context, table, hashedTable, user string) (map[string]struct{}, error) {
	col, tbl := "target_did", table
	if m.hashed {
		col, tbl = "target_hash", hashedTable
	}

	rows, err := m.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE user_did = $1`, col, tbl), user)
	if err != nil {
		return nil, fmt.Errorf("relationship: load %s for %s: %w", tbl, user, err)
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("relationship: scan %s row: %w", tbl, err)
		}
		set[v] = struct{}{}
	}
	return set, rows.Err()
}

// UpdateMutes replaces a user's complete mute list transactionally and
// refreshes the cache.
func (m *Manager) UpdateMutes(ctx context.Context, user string, targets []string) error {
	if err := m.replace(ctx, user, targets, "mutes", "mutes_hashed", "update_mutes"); err != nil {
		return err
	}
	m.mutes.Remove(user)
	return nil
}

// UpdateBlocks replaces a user's complete block list transactionally
// and refreshes the cache.
func (m *Manager) UpdateBlocks(ctx context.Context, user string, targets []string) error {
	if err := m.replace(ctx, user, targets, "blocks", "blocks_hashed", "update_blocks"); err != nil {
		return err
	}
	m.blocks.Remove(user)
	return nil
}

// replace performs a delete-then-reinsert transaction and writes an
// audit log row naming the full new target list.
func (m *Manager) replace(ctx context.Context, user string, targets []string, table, hashedTable, action string) error {
	tbl, col := table, "target_did"
	values := targets
	if m.hashed {
		tbl, col = hashedTable, "target_hash"
		values = make([]string, len(targets))
		for i, t := range targets {
			values[i] = hashTarget(t, user, m.secret)
		}
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("relationship: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE user_did = $1`, tbl), user); err != nil {
		return fmt.Errorf("relationship: delete existing %s: %w", tbl, err)
	}

	if len(values) > 0 {
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{tbl},
			[]string{"user_did", col},
			pgx.CopyFromSlice(len(values), func(i int) ([]any, error) {
				return []any{user, values[i]}, nil
			}),
		); err != nil {
			return fmt.Errorf("relationship: insert %s: %w", tbl, err)
		}
	}

	details, _ := json.Marshal(map[string]any{"targets": targets, "count": len(targets)})
	if _, err := tx.Exec(ctx,
		`INSERT INTO relationship_audit_log (user_did, action, details) VALUES ($1, $2, $3)`,
		user, action, details); err != nil {
		return fmt.Errorf("relationship: write audit log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("relationship: commit tx: %w", err)
	}
	return nil
}

// UpdateBatch replaces both mute and block lists in one transaction,
// used when a client syncs its full relationship state at once. The
// audit log entry records counts rather than the full target lists,
// matching the lighter-weight batch-sync call site.
func (m *Manager) UpdateBatch(ctx context.Context, user string, mutes, blocks []string) error {
	muteTbl, muteCol := "mutes", "target_did"
	blockTbl, blockCol := "blocks", "target_did"
	muteValues, blockValues := mutes, blocks
	if m.hashed {
		muteTbl, muteCol = "mutes_hashed", "target_hash"
		blockTbl, blockCol = "blocks_hashed", "target_hash"
		muteValues = hashAll(mutes, user, m.secret)
		blockValues = hashAll(blocks, user, m.secret)
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("relationship: begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := replaceSet(ctx, tx, muteTbl, muteCol, user, muteValues); err != nil {
		return err
	}
	if err := replaceSet(ctx, tx, blockTbl, blockCol, user, blockValues); err != nil {
		return err
	}

	details, _ := json.Marshal(map[string]any{
		"mutes_count":  len(mutes),
		"blocks_count": len(blocks),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
	if _, err := tx.Exec(ctx,
		`INSERT INTO relationship_audit_log (user_did, action, details) VALUES ($1, $2, $3)`,
		user, "batch_update", details); err != nil {
		return fmt.Errorf("relationship: write batch audit log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("relationship: commit batch tx: %w", err)
	}

	m.mutes.Remove(user)
	m.blocks.Remove(user)
	return nil
}

func replaceSet(ctx context.Context, tx pgx.Tx, tbl, col, user string, values []string) error {
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE user_did = $1`, tbl), user); err != nil {
		return fmt.Errorf("relationship: delete existing %s: %w", tbl, err)
	}
	if len(values) == 0 {
		return nil
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{tbl},
		[]string{"user_did", col},
		pgx.CopyFromSlice(len(values), func(i int) ([]any, error) {
			return []any{user, values[i]}, nil
		}),
	); err != nil {
		return fmt.Errorf("relationship: insert %s: %w", tbl, err)
	}
	return nil
}

func hashAll(targets []string, user, secret string) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = hashTarget(t, user, secret)
	}
	return out
}
