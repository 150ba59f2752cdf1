package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sipeed/picoavatar/pkg/pipeline"
)

const schema = `CREATE TABLE IF NOT EXISTS error_records (
	id TEXT PRIMARY KEY,
	recorded_at TEXT NOT NULL,
	severity TEXT NOT NULL,
	code TEXT NOT NULL,
	cause TEXT NOT NULL,
	stage TEXT NOT NULL,
	retryable INTEGER NOT NULL,
	message TEXT,
	context JSON
);
CREATE INDEX IF NOT EXISTS error_records_recorded_at ON error_records (recorded_at);`

// SQLiteJournal appends records to the error_records table. Rows are never
// updated or deleted.
type SQLiteJournal struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteJournal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// one writer; concurrent artifacts queue on the pool
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) Record(ctx context.Context, rec pipeline.ErrorRecord) error {
	rctx, err := json.Marshal(rec.Context)
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx,
		"INSERT INTO error_records VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		rec.ID,
		rec.Time.UTC().Format(time.RFC3339Nano),
		string(rec.Severity),
		rec.Code,
		string(rec.Cause),
		string(rec.Step),
		rec.Retryable,
		rec.Message,
		string(rctx),
	)
	if err != nil {
		return fmt.Errorf("insert error record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]pipeline.ErrorRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, recorded_at, severity, code, cause, stage, retryable, message, context
		 FROM error_records ORDER BY recorded_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.ErrorRecord
	for rows.Next() {
		var (
			rec      pipeline.ErrorRecord
			at       string
			severity string
			cause    string
			stage    string
			message  sql.NullString
			rctx     sql.NullString
		)
		if err := rows.Scan(&rec.ID, &at, &severity, &rec.Code, &cause, &stage, &rec.Retryable, &message, &rctx); err != nil {
			return nil, err
		}
		rec.Time, _ = time.Parse(time.RFC3339Nano, at)
		rec.Severity = pipeline.Severity(severity)
		rec.Cause = pipeline.Cause(cause)
		rec.Step = pipeline.Step(stage)
		rec.Message = message.String
		if rctx.Valid && rctx.String != "" {
			if err := json.Unmarshal([]byte(rctx.String), &rec.Context); err != nil {
				return nil, fmt.Errorf("decode record %s context: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of stored records.
func (j *SQLiteJournal) Count(ctx context.Context) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM error_records").Scan(&n)
	return n, err
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
