package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/results"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("store: run not found")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store persists replay results in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS replay_runs (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL,
    script      TEXT NOT NULL,
    status      INTEGER NOT NULL,
    message     TEXT NOT NULL DEFAULT '',
    log_ref     TEXT NOT NULL DEFAULT '',
    events      INTEGER NOT NULL DEFAULT 0,
    failed      INTEGER NOT NULL DEFAULT 0,
    warnings    INTEGER NOT NULL DEFAULT 0,
    skipped     INTEGER NOT NULL DEFAULT 0,
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS replay_nodes (
    run_id       TEXT NOT NULL REFERENCES replay_runs(id) ON DELETE CASCADE,
    key          TEXT NOT NULL,
    parent_key   TEXT NOT NULL,
    node_type    TEXT NOT NULL,
    seq          INTEGER NOT NULL,
    subscript    INTEGER NOT NULL,
    label        TEXT NOT NULL,
    state        TEXT NOT NULL,
    status       INTEGER NOT NULL,
    message      TEXT NOT NULL,
    branch_taken BOOLEAN NOT NULL,
    attrs        JSONB NOT NULL,
    started_at   TIMESTAMPTZ,
    finished_at  TIMESTAMPTZ,
    PRIMARY KEY (run_id, key)
);
CREATE INDEX IF NOT EXISTS replay_runs_script_idx ON replay_runs (script, started_at DESC);
`

const sqlUpsertRun = `
        INSERT INTO replay_runs (id, session_id, script, status, message, log_ref, events, failed, warnings, skipped, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status,
            message = EXCLUDED.message,
            log_ref = EXCLUDED.log_ref,
            events = EXCLUDED.events,
            failed = EXCLUDED.failed,
            warnings = EXCLUDED.warnings,
            skipped = EXCLUDED.skipped,
            finished_at = EXCLUDED.finished_at;
    `

const sqlDeleteNodes = `DELETE FROM replay_nodes WHERE run_id = $1;`

const sqlSelectRuns = `
        SELECT id, session_id, script, status, message, log_ref, events, failed, warnings, skipped, started_at, finished_at
        FROM replay_runs
    `

var nodeColumns = []string{
	"run_id", "key", "parent_key", "node_type", "seq", "subscript", "label",
	"state", "status", "message", "branch_taken", "attrs", "started_at", "finished_at",
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate creates the tables if they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// PersistRun writes a finished result tree in one transaction. Re-persisting
// the same run replaces its nodes.
func (s *Store) PersistRun(ctx context.Context, tree *results.Tree) error {
	sum := tree.Summary()
	nodes := tree.Flatten()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	_, err = tx.Exec(ctx, sqlUpsertRun,
		sum.RunID, sum.SessionID, sum.Script, int(sum.Status), sum.Message, sum.LogRef,
		sum.Events, sum.Failed, sum.Warnings, sum.Skipped,
		sum.Started.UTC(), sum.Finished.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", sum.RunID, err)
	}
	if _, err := tx.Exec(ctx, sqlDeleteNodes, sum.RunID); err != nil {
		return fmt.Errorf("failed to clear nodes of run %s: %w", sum.RunID, err)
	}

	rows := make([][]any, len(nodes))
	for i, n := range nodes {
		attrs := []byte("{}")
		if len(n.Attrs) > 0 {
			if attrs, err = json.Marshal(n.Attrs); err != nil {
				return fmt.Errorf("failed to encode attrs of node %s: %w", n.Key, err)
			}
		}
		rows[i] = []any{
			sum.RunID, n.Key, n.ParentKey, string(n.Type), n.Seq, n.Subscript, n.Label,
			string(n.State), int(n.Status), n.Message, n.BranchTaken, attrs,
			nullTime(n.Started), nullTime(n.Finished),
		}
	}
	copied, err := tx.CopyFrom(ctx, pgx.Identifier{"replay_nodes"}, nodeColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy nodes: %w", err)
	}
	if int(copied) != len(nodes) {
		return fmt.Errorf("mismatch in copied node count: expected %d, got %d", len(nodes), copied)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Persisted run.", zap.String("run_id", sum.RunID), zap.Int("nodes", len(nodes)))
	return nil
}

// GetRun loads one run summary.
func (s *Store) GetRun(ctx context.Context, runID string) (results.Summary, error) {
	runs, err := s.queryRuns(ctx, sqlSelectRuns+" WHERE id = $1;", runID)
	if err != nil {
		return results.Summary{}, err
	}
	if len(runs) == 0 {
		return results.Summary{}, ErrNotFound
	}
	return runs[0], nil
}

// ListRuns returns the most recent runs of a script, newest first. An empty
// script lists every script.
func (s *Store) ListRuns(ctx context.Context, script string, limit int) ([]results.Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	if script == "" {
		return s.queryRuns(ctx, sqlSelectRuns+" ORDER BY started_at DESC LIMIT $1;", limit)
	}
	return s.queryRuns(ctx, sqlSelectRuns+" WHERE script = $1 ORDER BY started_at DESC LIMIT $2;", script, limit)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]results.Summary, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []results.Summary
	for rows.Next() {
		var r results.Summary
		var status int
		if err := rows.Scan(
			&r.RunID, &r.SessionID, &r.Script, &status, &r.Message, &r.LogRef,
			&r.Events, &r.Failed, &r.Warnings, &r.Skipped, &r.Started, &r.Finished,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		r.Status = statusCode(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func statusCode(v int) schemas.StatusCode { return schemas.StatusCode(v) }
