// Package postgres provides the Postgres-backed frontier store.
//
// The claim-with-lease pattern gives at-least-once processing with crash
// recovery: a worker that dies mid-batch times out and its entities become
// reclaimable. Optimistic versioning (a version column checked on every
// conditional write) protects completions racing the lease sweeper.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skyhive/skyhive/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for frontier rows.
type Config struct {
	DSN             string
	Table           string
	RetryBudget     int
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Store implements pipeline.Frontier on Postgres.
type Store struct {
	pool        querier
	table       string
	clock       pipeline.Clock
	retryBudget int
}

// NewStore creates a Postgres-backed Store using the provided config.
func NewStore(ctx context.Context, cfg Config, clock pipeline.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newStore(pool, cfg.Table, cfg.RetryBudget, clock)
}

// NewStoreWithPool constructs a Store from an existing pool (primarily for testing).
func NewStoreWithPool(pool querier, table string, retryBudget int, clock pipeline.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newStore(pool, table, retryBudget, clock)
}

func newStore(pool querier, table string, retryBudget int, clock pipeline.Clock) (*Store, error) {
	if table == "" {
		table = "entities"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if retryBudget <= 0 {
		retryBudget = 3
	}
	return &Store{pool: pool, table: table, clock: clock, retryBudget: retryBudget}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the frontier table and its claim index if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	handle TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	version BIGINT NOT NULL DEFAULT 1,
	claimed_by TEXT,
	claim_expires_at TIMESTAMPTZ,
	last_error TEXT,
	attempts JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS %[1]s_claim_idx ON %[1]s (status, updated_at)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// AddIfAbsent inserts an entity in discovered status. Uniqueness is enforced
// by the primary key, not a test-then-insert race.
func (s *Store) AddIfAbsent(ctx context.Context, id, handle string) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("entity id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, handle, status, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING`, s.table)
	tag, err := s.pool.Exec(ctx, query, id, handle, string(pipeline.StatusDiscovered), s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("insert entity: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimBatch leases up to limit claimable entities in status to owner,
// oldest updated first. SKIP LOCKED keeps overlapping claims disjoint.
func (s *Store) ClaimBatch(
	ctx context.Context,
	status pipeline.Status,
	limit int,
	owner string,
	lease time.Duration,
) ([]pipeline.Entity, error) {
	if owner == "" {
		return nil, fmt.Errorf("claim owner is required")
	}
	if limit <= 0 {
		return nil, nil
	}
	now := s.clock.Now()
	query := fmt.Sprintf(`
UPDATE %[1]s SET
	claimed_by = $1,
	claim_expires_at = $2,
	version = version + 1,
	updated_at = $3
WHERE id IN (
	SELECT id FROM %[1]s
	WHERE status = $4 AND (claimed_by IS NULL OR claim_expires_at <= $3)
	ORDER BY updated_at ASC
	LIMIT $5
	FOR UPDATE SKIP LOCKED
)
RETURNING id, handle, status, version, claimed_by, claim_expires_at, last_error, attempts, updated_at`, s.table)

	rows, err := s.pool.Query(ctx, query, owner, now.Add(lease), now, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var batch []pipeline.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim batch rows: %w", err)
	}
	return batch, nil
}

// Complete advances the entity to newStatus iff the version still matches.
func (s *Store) Complete(ctx context.Context, id string, expectedVersion int64, newStatus pipeline.Status) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	status = $1,
	version = version + 1,
	claimed_by = NULL,
	claim_expires_at = NULL,
	last_error = NULL,
	updated_at = $2
WHERE id = $3 AND version = $4`, s.table)
	tag, err := s.pool.Exec(ctx, query, string(newStatus), s.clock.Now(), id, expectedVersion)
	if err != nil {
		return fmt.Errorf("complete entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entity %s: %w", id, pipeline.ErrConflict)
	}
	return nil
}

// Fail charges one attempt against the stage budget, failing the entity
// terminally once the budget is exhausted and reverting it otherwise.
func (s *Store) Fail(ctx context.Context, id string, expectedVersion int64, stage pipeline.Stage, cause error) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	attempts = jsonb_set(attempts, ARRAY[$1], to_jsonb(COALESCE((attempts->>$1)::int, 0) + 1)),
	status = CASE WHEN COALESCE((attempts->>$1)::int, 0) + 1 >= $2 THEN $3 ELSE status END,
	last_error = $4,
	version = version + 1,
	claimed_by = NULL,
	claim_expires_at = NULL,
	updated_at = $5
WHERE id = $6 AND version = $7`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		string(stage),
		s.retryBudget,
		string(pipeline.FailedStatus(stage)),
		errText(stage, cause),
		s.clock.Now(),
		id,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("fail entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entity %s: %w", id, pipeline.ErrConflict)
	}
	return nil
}

// MarkFailed moves the entity straight to the stage's terminal failure.
func (s *Store) MarkFailed(ctx context.Context, id string, expectedVersion int64, stage pipeline.Stage, cause error) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	status = $1,
	last_error = $2,
	version = version + 1,
	claimed_by = NULL,
	claim_expires_at = NULL,
	updated_at = $3
WHERE id = $4 AND version = $5`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		string(pipeline.FailedStatus(stage)),
		errText(stage, cause),
		s.clock.Now(),
		id,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("mark entity failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entity %s: %w", id, pipeline.ErrConflict)
	}
	return nil
}

// Release clears the lease without charging an attempt.
func (s *Store) Release(ctx context.Context, id string, expectedVersion int64) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	version = version + 1,
	claimed_by = NULL,
	claim_expires_at = NULL,
	updated_at = $1
WHERE id = $2 AND version = $3`, s.table)
	tag, err := s.pool.Exec(ctx, query, s.clock.Now(), id, expectedVersion)
	if err != nil {
		return fmt.Errorf("release entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entity %s: %w", id, pipeline.ErrConflict)
	}
	return nil
}

// ReleaseExpiredLeases sweeps expired leases back to their stable status.
func (s *Store) ReleaseExpiredLeases(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`
UPDATE %s SET
	claimed_by = NULL,
	claim_expires_at = NULL,
	version = version + 1,
	updated_at = $1
WHERE claimed_by IS NOT NULL AND claim_expires_at <= $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("release expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// StatusCounts snapshots the status distribution, reporting entities with an
// expired lease as stale.
func (s *Store) StatusCounts(ctx context.Context) (map[pipeline.Status]int, error) {
	query := fmt.Sprintf(`
SELECT
	CASE WHEN claimed_by IS NOT NULL AND claim_expires_at <= $1 THEN 'stale' ELSE status END AS bucket,
	COUNT(*)
FROM %s
GROUP BY bucket`, s.table)
	rows, err := s.pool.Query(ctx, query, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[pipeline.Status]int)
	for rows.Next() {
		var bucket string
		var n int
		if err := rows.Scan(&bucket, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[pipeline.Status(bucket)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("status count rows: %w", err)
	}
	return counts, nil
}

func scanEntity(rows pgx.Rows) (pipeline.Entity, error) {
	var (
		e           pipeline.Entity
		claimedBy   *string
		expiresAt   *time.Time
		lastError   *string
		attemptsRaw []byte
	)
	if err := rows.Scan(&e.ID, &e.Handle, &e.Status, &e.Version, &claimedBy, &expiresAt, &lastError, &attemptsRaw, &e.UpdatedAt); err != nil {
		return pipeline.Entity{}, fmt.Errorf("scan entity: %w", err)
	}
	if claimedBy != nil {
		e.ClaimedBy = *claimedBy
	}
	if expiresAt != nil {
		e.ClaimExpiresAt = *expiresAt
	}
	if lastError != nil {
		e.LastError = *lastError
	}
	if len(attemptsRaw) > 0 {
		if err := json.Unmarshal(attemptsRaw, &e.Attempts); err != nil {
			return pipeline.Entity{}, fmt.Errorf("decode attempts: %w", err)
		}
	}
	return e, nil
}

func errText(stage pipeline.Stage, cause error) string {
	if cause == nil {
		return string(stage)
	}
	return fmt.Sprintf("%s: %v", stage, cause)
}
