// Package ledger keeps a local SQLite history of the runs a user submitted
// and the files they moved. It is a convenience record only: the gateway
// stays the source of truth, and callers log ledger failures instead of
// failing the operation that produced them.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/dphi-space/emctl/internal/volume"
)

// DefaultLimit is how many rows History returns when no limit is given.
const DefaultLimit = 20

// TransferKind is the operation a transfer row records.
type TransferKind string

const (
	KindUpload   TransferKind = "upload"
	KindDownload TransferKind = "download"
	KindDelete   TransferKind = "delete"
)

// Run is one submitted pod run.
type Run struct {
	ID            int64      `json:"id"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	Volume        volume.ID  `json:"pod_name"`
	Image         string     `json:"image"`
	Node          string     `json:"node"`
	MaxDuration   int        `json:"max_duration"`
	Command       string     `json:"command,omitempty"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
	// Response is the gateway's acceptance payload, verbatim.
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Transfer is one upload, download or delete of a remote path.
type Transfer struct {
	ID         int64        `json:"id"`
	RecordedAt time.Time    `json:"recorded_at"`
	Kind       TransferKind `json:"kind"`
	Volume     volume.ID    `json:"pod_name"`
	RemotePath string       `json:"remote_path"`
	LocalPath  string       `json:"local_path,omitempty"`
	SizeBytes  int64        `json:"size_bytes"`
	Error      string       `json:"error,omitempty"`
}

// Ledger owns the database handle. SetMaxOpenConns(1) makes it the sole
// writer, so concurrent recorders serialize in database/sql.
type Ledger struct {
	db      *sql.DB
	version int64
	logger  *slog.Logger
	nowFn   func() time.Time
}

// Open opens (creating if needed) the ledger database at dbPath and applies
// pending migrations.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("ledger: creating directory for %s: %w", dbPath, err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
			"&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	version, err := migrate(ctx, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("ledger opened", slog.String("path", dbPath), slog.Int64("schema_version", version))

	return &Ledger{db: db, version: version, logger: logger, nowFn: time.Now}, nil
}

// SchemaVersion is the schema version the database was migrated to.
func (l *Ledger) SchemaVersion() int64 {
	return l.version
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordRun inserts a run and returns its row ID. A zero SubmittedAt is
// stamped with the current time.
func (l *Ledger) RecordRun(ctx context.Context, r Run) (int64, error) {
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = l.nowFn()
	}

	var scheduled sql.NullInt64
	if r.ScheduledTime != nil {
		scheduled = sql.NullInt64{Int64: r.ScheduledTime.Unix(), Valid: true}
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO runs
			(submitted_at, pod_name, image, node, max_duration, command,
			 scheduled_time, response, error_msg)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SubmittedAt.UnixNano(), r.Volume, r.Image, r.Node, r.MaxDuration, r.Command,
		scheduled, r.Response, r.Error,
	)
	if err != nil {
		return 0, fmt.Errorf("ledger: recording run: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("ledger: reading run id: %w", err)
	}

	return id, nil
}

// RecordTransfer inserts a transfer row. A zero RecordedAt is stamped with
// the current time.
func (l *Ledger) RecordTransfer(ctx context.Context, t Transfer) error {
	if t.RecordedAt.IsZero() {
		t.RecordedAt = l.nowFn()
	}

	switch t.Kind {
	case KindUpload, KindDownload, KindDelete:
	default:
		return fmt.Errorf("ledger: unknown transfer kind %q", t.Kind)
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO transfers
			(recorded_at, kind, pod_name, remote_path, local_path, size, error_msg)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.RecordedAt.UnixNano(), string(t.Kind), t.Volume, t.RemotePath, t.LocalPath,
		t.SizeBytes, t.Error,
	)
	if err != nil {
		return fmt.Errorf("ledger: recording %s of %s: %w", t.Kind, t.RemotePath, err)
	}

	return nil
}

// Runs returns the most recent runs, newest first. limit <= 0 uses
// DefaultLimit.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, submitted_at, pod_name, image, node, max_duration, command,
			scheduled_time, response, error_msg
			FROM runs ORDER BY submitted_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run

	for rows.Next() {
		var (
			r         Run
			submitted int64
			scheduled sql.NullInt64
		)

		if err := rows.Scan(&r.ID, &submitted, &r.Volume, &r.Image, &r.Node, &r.MaxDuration,
			&r.Command, &scheduled, &r.Response, &r.Error); err != nil {
			return nil, fmt.Errorf("ledger: scanning run: %w", err)
		}

		r.SubmittedAt = time.Unix(0, submitted)

		if scheduled.Valid {
			st := time.Unix(scheduled.Int64, 0)
			r.ScheduledTime = &st
		}

		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating runs: %w", err)
	}

	return runs, nil
}

// Transfers returns the most recent transfers, newest first. limit <= 0 uses
// DefaultLimit.
func (l *Ledger) Transfers(ctx context.Context, limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, recorded_at, kind, pod_name, remote_path, local_path, size, error_msg
			FROM transfers ORDER BY recorded_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: querying transfers: %w", err)
	}
	defer rows.Close()

	var transfers []Transfer

	for rows.Next() {
		var (
			t        Transfer
			recorded int64
			kind     string
		)

		if err := rows.Scan(&t.ID, &recorded, &kind, &t.Volume, &t.RemotePath, &t.LocalPath,
			&t.SizeBytes, &t.Error); err != nil {
			return nil, fmt.Errorf("ledger: scanning transfer: %w", err)
		}

		t.RecordedAt = time.Unix(0, recorded)
		t.Kind = TransferKind(kind)
		transfers = append(transfers, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating transfers: %w", err)
	}

	return transfers, nil
}

// Recorder wraps an optional Ledger so callers can record without nil checks
// or error handling: failures are logged at Warn and swallowed.
type Recorder struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewRecorder returns a Recorder over l. A nil l records nothing.
func NewRecorder(l *Ledger, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}

	return &Recorder{ledger: l, logger: logger}
}

// Run records r, logging any failure.
func (rec *Recorder) Run(ctx context.Context, r Run) {
	if rec == nil || rec.ledger == nil {
		return
	}

	if _, err := rec.ledger.RecordRun(ctx, r); err != nil {
		rec.warn(err)
	}
}

// Transfer records t, logging any failure.
func (rec *Recorder) Transfer(ctx context.Context, t Transfer) {
	if rec == nil || rec.ledger == nil {
		return
	}

	if err := rec.ledger.RecordTransfer(ctx, t); err != nil {
		rec.warn(err)
	}
}

func (rec *Recorder) warn(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	rec.logger.Warn("ledger write failed", slog.String("error", err.Error()))
}

// ErrorString renders err for the error_msg column; nil becomes "".
func ErrorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
