package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/civicsense/reportgen/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
	cp *keyedMutex
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, cp: newKeyedMutex()}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS pipeline_states (
	report_id  TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	doc        TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_logs (
	report_id  TEXT PRIMARY KEY,
	doc        TEXT NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS report_locks (
	report_id  TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pipeline_states_status ON pipeline_states(status);
CREATE INDEX IF NOT EXISTS idx_pipeline_states_updated_at ON pipeline_states(updated_at);
CREATE INDEX IF NOT EXISTS idx_audit_logs_expires_at ON audit_logs(expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- StateStore ---

func (s *SQLiteStore) GetState(ctx context.Context, reportID string) (*model.PipelineState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM pipeline_states WHERE report_id = ?`,
		reportID,
	)

	var doc string
	err := row.Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get state %s", reportID)
	}

	var state model.PipelineState
	if err := json.Unmarshal([]byte(doc), &state); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal state %s", reportID)
	}
	return &state, nil
}

func (s *SQLiteStore) PutState(ctx context.Context, state *model.PipelineState) error {
	doc, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal state")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_states (report_id, status, doc, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(report_id) DO UPDATE SET status = excluded.status, doc = excluded.doc, updated_at = excluded.updated_at`,
		state.ReportID, string(state.Status), string(doc), state.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: put state %s", state.ReportID)
}

func (s *SQLiteStore) Checkpoint(ctx context.Context, reportID string, update model.StateUpdate) error {
	unlock := s.cp.lock(reportID)
	defer unlock()

	state, err := s.GetState(ctx, reportID)
	if err != nil {
		return err
	}
	if state == nil {
		return eris.Errorf("sqlite: checkpoint on missing state %s", reportID)
	}

	state.Apply(update)
	state.UpdatedAt = checkpointTime(state.UpdatedAt)
	return s.PutState(ctx, state)
}

func (s *SQLiteStore) ListStates(ctx context.Context, filter StateFilter) ([]model.PipelineState, error) {
	query := `SELECT doc FROM pipeline_states WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += ` AND updated_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY updated_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list states")
	}
	defer rows.Close()

	var states []model.PipelineState
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan state")
		}
		var st model.PipelineState
		if err := json.Unmarshal([]byte(doc), &st); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal state")
		}
		states = append(states, st)
	}
	return states, eris.Wrap(rows.Err(), "sqlite: list states iterate")
}

// --- AuditStore ---

func (s *SQLiteStore) GetAudit(ctx context.Context, reportID string) (*model.AuditLog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc FROM audit_logs WHERE report_id = ? AND expires_at > ?`,
		reportID, time.Now().UTC(),
	)

	var doc string
	err := row.Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get audit %s", reportID)
	}

	var log model.AuditLog
	if err := json.Unmarshal([]byte(doc), &log); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal audit %s", reportID)
	}
	return &log, nil
}

func (s *SQLiteStore) PutAudit(ctx context.Context, log *model.AuditLog) error {
	doc, err := json.Marshal(log)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal audit")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (report_id, doc, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(report_id) DO UPDATE SET doc = excluded.doc, expires_at = excluded.expires_at`,
		log.ReportID, string(doc), log.ExpiresAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: put audit %s", log.ReportID)
}

func (s *SQLiteStore) DeleteAudit(ctx context.Context, reportID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_logs WHERE report_id = ?`,
		reportID,
	)
	return eris.Wrapf(err, "sqlite: delete audit %s", reportID)
}

func (s *SQLiteStore) DeleteExpiredAudits(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_logs WHERE expires_at <= ?`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired audits")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// --- LockStore ---

func (s *SQLiteStore) AcquireLock(ctx context.Context, reportID, holderID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO report_locks (report_id, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(report_id) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE report_locks.expires_at <= ?`,
		reportID, holderID, now.Add(ttl), now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: acquire lock %s", reportID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ExtendLock(ctx context.Context, reportID, holderID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE report_locks SET expires_at = ? WHERE report_id = ? AND holder = ? AND expires_at > ?`,
		now.Add(ttl), reportID, holderID, now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: extend lock %s", reportID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context, reportID, holderID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM report_locks WHERE report_id = ? AND holder = ?`,
		reportID, holderID,
	)
	return eris.Wrapf(err, "sqlite: release lock %s", reportID)
}
