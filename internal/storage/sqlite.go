package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "broadcastbot/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps seq assignment and the uniqueness check serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) CreateRun(ctx context.Context, r Run) error {
	if err := validRunID(r.ID); err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	if r.Status == "" {
		r.Status = RunSending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, operator_id, template, source, total, status, created_at, updated_at, finished_at)
		 VALUES(?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		r.ID, r.OperatorID, r.Template, nullStr(r.Source), r.Total, string(r.Status),
		fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt), nullTime(r.FinishedAt),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunExists, r.ID)
	}
	return nil
}

func (s *sqliteStore) UpdateRunStatus(ctx context.Context, runID string, status RunStatus, at time.Time) error {
	var finished any
	if status.Finished() {
		finished = fmtTime(at)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ?, finished_at = ? WHERE id = ?`,
		string(status), fmtTime(at), finished, runID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

const runColumns = `id, operator_id, template, source, total, status, created_at, updated_at, finished_at`

func scanRun(sc interface{ Scan(...any) error }) (Run, error) {
	var (
		r                            Run
		source, finished             sql.NullString
		status, createdAt, updatedAt string
	)
	if err := sc.Scan(&r.ID, &r.OperatorID, &r.Template, &source, &r.Total, &status, &createdAt, &updatedAt, &finished); err != nil {
		return Run{}, err
	}
	r.Source = source.String
	r.Status = RunStatus(status)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	if finished.Valid {
		r.FinishedAt = parseTime(finished.String)
	}
	return r, nil
}

func (s *sqliteStore) GetRun(ctx context.Context, runID string) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, err
}

func (s *sqliteStore) ListRuns(ctx context.Context, f ListFilter) ([]Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.OperatorID != 0 {
		q += ` AND operator_id = ?`
		args = append(args, f.OperatorID)
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecordAttempt(ctx context.Context, runID string, rec Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM runs WHERE id = ?`, runID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	var dup int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM records WHERE run_id = ? AND address = ?`, runID, rec.Address,
	).Scan(&dup); err != nil {
		return err
	}
	if dup > 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyRecorded, rec.Address)
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO records(run_id, seq, address, display_name, status, err, attempts, at)
		 VALUES(?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM records WHERE run_id = ?), ?, ?, ?, ?, ?, ?)`,
		runID, runID, rec.Address, nullStr(rec.DisplayName), string(rec.Status), nullStr(rec.Error),
		rec.AttemptCount, fmtTime(rec.At),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadCompleted(ctx context.Context, runID string) (map[string]Status, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT address, status FROM records WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]Status{}
	for rows.Next() {
		var addr, st string
		if err := rows.Scan(&addr, &st); err != nil {
			return nil, err
		}
		out[addr] = Status(st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Records(ctx context.Context, runID string) ([]Record, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, address, display_name, status, err, attempts, at FROM records WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			r             Record
			name, errText sql.NullString
			status, at    string
		)
		if err := rows.Scan(&r.Seq, &r.Address, &name, &status, &errText, &r.AttemptCount, &at); err != nil {
			return nil, err
		}
		r.RunID = runID
		r.DisplayName = name.String
		r.Status = Status(status)
		r.Error = errText.String
		r.At = parseTime(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ExportLog(ctx context.Context, runID string, w io.Writer) error {
	return exportRecords(ctx, s, runID, w)
}

// Fixed width keeps lexical order equal to time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(sqliteTimeLayout, s)
	return t
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
