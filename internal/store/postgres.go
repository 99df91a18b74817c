package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/civicsense/reportgen/internal/model"
)

// Pool is the subset of pgxpool.Pool used by PostgresStore. pgxmock's
// PgxPoolIface satisfies it, which is how the unit tests substitute a fake.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	cp      *keyedMutex
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, cp: newKeyedMutex(), closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS pipeline_states (
	report_id  TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	doc        JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_logs (
	report_id  TEXT PRIMARY KEY,
	doc        JSONB NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS report_locks (
	report_id  TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pipeline_states_status ON pipeline_states(status);
CREATE INDEX IF NOT EXISTS idx_pipeline_states_updated_at ON pipeline_states(updated_at);
CREATE INDEX IF NOT EXISTS idx_audit_logs_expires_at ON audit_logs(expires_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- StateStore ---

func (s *PostgresStore) GetState(ctx context.Context, reportID string) (*model.PipelineState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT doc FROM pipeline_states WHERE report_id = $1`,
		reportID,
	)

	var doc []byte
	err := row.Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get state %s", reportID)
	}

	var state model.PipelineState
	if err := json.Unmarshal(doc, &state); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal state %s", reportID)
	}
	return &state, nil
}

func (s *PostgresStore) PutState(ctx context.Context, state *model.PipelineState) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal state")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO pipeline_states (report_id, status, doc, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (report_id) DO UPDATE SET status = EXCLUDED.status, doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`,
		state.ReportID, string(state.Status), doc, state.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: put state %s", state.ReportID)
}

func (s *PostgresStore) Checkpoint(ctx context.Context, reportID string, update model.StateUpdate) error {
	unlock := s.cp.lock(reportID)
	defer unlock()

	state, err := s.GetState(ctx, reportID)
	if err != nil {
		return err
	}
	if state == nil {
		return eris.Errorf("postgres: checkpoint on missing state %s", reportID)
	}

	state.Apply(update)
	state.UpdatedAt = checkpointTime(state.UpdatedAt)
	return s.PutState(ctx, state)
}

func (s *PostgresStore) ListStates(ctx context.Context, filter StateFilter) ([]model.PipelineState, error) {
	query := `SELECT doc FROM pipeline_states WHERE 1=1`
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $1`
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since.UTC())
		query += ` AND updated_at >= $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY updated_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list states")
	}
	defer rows.Close()

	var states []model.PipelineState
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "postgres: scan state")
		}
		var st model.PipelineState
		if err := json.Unmarshal(doc, &st); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal state")
		}
		states = append(states, st)
	}
	return states, eris.Wrap(rows.Err(), "postgres: list states iterate")
}

// --- AuditStore ---

func (s *PostgresStore) GetAudit(ctx context.Context, reportID string) (*model.AuditLog, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT doc FROM audit_logs WHERE report_id = $1 AND expires_at > now()`,
		reportID,
	)

	var doc []byte
	err := row.Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get audit %s", reportID)
	}

	var log model.AuditLog
	if err := json.Unmarshal(doc, &log); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal audit %s", reportID)
	}
	return &log, nil
}

func (s *PostgresStore) PutAudit(ctx context.Context, log *model.AuditLog) error {
	doc, err := json.Marshal(log)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal audit")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_logs (report_id, doc, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (report_id) DO UPDATE SET doc = EXCLUDED.doc, expires_at = EXCLUDED.expires_at`,
		log.ReportID, doc, log.ExpiresAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: put audit %s", log.ReportID)
}

func (s *PostgresStore) DeleteAudit(ctx context.Context, reportID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM audit_logs WHERE report_id = $1`,
		reportID,
	)
	return eris.Wrapf(err, "postgres: delete audit %s", reportID)
}

func (s *PostgresStore) DeleteExpiredAudits(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM audit_logs WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired audits")
	}
	return int(tag.RowsAffected()), nil
}

// --- LockStore ---

func (s *PostgresStore) AcquireLock(ctx context.Context, reportID, holderID string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO report_locks (report_id, holder, expires_at) VALUES ($1, $2, now() + $3)
		 ON CONFLICT (report_id) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		 WHERE report_locks.expires_at <= now()`,
		reportID, holderID, ttl,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: acquire lock %s", reportID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ExtendLock(ctx context.Context, reportID, holderID string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE report_locks SET expires_at = now() + $1 WHERE report_id = $2 AND holder = $3 AND expires_at > now()`,
		ttl, reportID, holderID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: extend lock %s", reportID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, reportID, holderID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM report_locks WHERE report_id = $1 AND holder = $2`,
		reportID, holderID,
	)
	return eris.Wrapf(err, "postgres: release lock %s", reportID)
}
