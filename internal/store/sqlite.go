package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/postkeep/postkeep/internal/credit"
	"github.com/postkeep/postkeep/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
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
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	url        TEXT NOT NULL,
	options    TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	result     TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS archive_cache (
	id         TEXT PRIMARY KEY,
	url        TEXT NOT NULL,
	result     TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_log (
	id             TEXT PRIMARY KEY,
	type           TEXT NOT NULL,
	class          TEXT NOT NULL,
	amount         INTEGER NOT NULL,
	reference      TEXT,
	success        INTEGER NOT NULL,
	error          TEXT,
	balance_before INTEGER NOT NULL,
	balance_after  INTEGER NOT NULL,
	created_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_url ON runs(url);
CREATE INDEX IF NOT EXISTS idx_archive_cache_url ON archive_cache(url);
CREATE INDEX IF NOT EXISTS idx_archive_cache_expires_at ON archive_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_credit_log_created_at ON credit_log(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, url string, opts model.ArchiveOptions) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal options")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, url, options, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, url, string(optsJSON), string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		URL:       url,
		Options:   opts,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, result *model.ArchiveResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}

	status := model.RunStatusComplete
	if !result.Success {
		status = model.RunStatusFailed
		if result.Cancelled {
			status = model.RunStatusCancelled
		}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET result = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(resultJSON), string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, url, options, status, result, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, url, options, status, result, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.URL != "" {
		query += ` AND url = ?`
		args = append(args, filter.URL)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

func (s *SQLiteStore) GetCachedArchive(ctx context.Context, url string) (*model.ArchiveResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT result FROM archive_cache WHERE url = ? AND expires_at > ? ORDER BY created_at DESC LIMIT 1`,
		url, time.Now().UTC(),
	)

	var resultJSON string
	if err := row.Scan(&resultJSON); err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get cached archive")
	}

	var result model.ArchiveResult
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal cached archive")
	}
	return &result, nil
}

func (s *SQLiteStore) SetCachedArchive(ctx context.Context, url string, result *model.ArchiveResult, ttl time.Duration) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal cached archive")
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO archive_cache (id, url, result, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), url, string(resultJSON), now, now.Add(ttl),
	)
	return eris.Wrap(err, "sqlite: set cached archive")
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM archive_cache WHERE expires_at <= ?`, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) AppendCreditTransaction(ctx context.Context, tx credit.Transaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_log (id, type, class, amount, reference, success, error, balance_before, balance_after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, string(tx.Type), tx.Class, tx.Amount, tx.Reference, tx.Success, tx.Error,
		tx.BalanceBefore, tx.BalanceAfter, tx.Timestamp.UTC(),
	)
	return eris.Wrap(err, "sqlite: append credit transaction")
}

func (s *SQLiteStore) ListCreditTransactions(ctx context.Context, limit int) ([]credit.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, class, amount, reference, success, error, balance_before, balance_after, created_at
		 FROM credit_log ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list credit transactions")
	}
	defer rows.Close() //nolint:errcheck

	var txs []credit.Transaction
	for rows.Next() {
		var tx credit.Transaction
		var txType string
		if err := rows.Scan(&tx.ID, &txType, &tx.Class, &tx.Amount, &tx.Reference, &tx.Success,
			&tx.Error, &tx.BalanceBefore, &tx.BalanceAfter, &tx.Timestamp); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan credit transaction")
		}
		tx.Type = credit.TransactionType(txType)
		txs = append(txs, tx)
	}
	return txs, eris.Wrap(rows.Err(), "sqlite: iterate credit transactions")
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	var run model.Run
	var optsJSON, status string
	var resultJSON sql.NullString

	if err := row.Scan(&run.ID, &run.URL, &optsJSON, &status, &resultJSON, &run.CreatedAt, &run.UpdatedAt); err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrap(err, "store: get run")
		}
		return nil, eris.Wrap(err, "store: scan run")
	}

	run.Status = model.RunStatus(status)
	if err := json.Unmarshal([]byte(optsJSON), &run.Options); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal run options")
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var result model.ArchiveResult
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal run result")
		}
		run.Result = &result
	}
	return &run, nil
}

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

func checkRowsAffected(res rowsAffecter, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "store: rows affected for %s %s", kind, id)
	}
	if n == 0 {
		return eris.Errorf("store: %s %s not found", kind, id)
	}
	return nil
}
