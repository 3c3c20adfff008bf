package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"coppia/internal/core"
	applog "coppia/internal/log"
	"coppia/internal/queue"

	_ "modernc.org/sqlite"
)

// QueueRepository persists write-queue entries in a local SQLite file.
type QueueRepository struct {
	db *sql.DB
}

var _ queue.Store = (*QueueRepository)(nil)

func NewQueueRepository(dbPath string) (*QueueRepository, error) {
	db, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(dbPath, queueMigrationsFS, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &QueueRepository{db: db}, nil
}

// OpenSQLite creates the parent directory, opens the database and checks
// the connection.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func (r *QueueRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

const upsertEntry = `
INSERT INTO queue_entries (id, kind, payload, created_at, seq, attempt_count, status, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    attempt_count = excluded.attempt_count,
    status        = excluded.status,
    last_error    = excluded.last_error`

// Put implements queue.Store
func (r *QueueRepository) Put(ctx context.Context, e core.QueueEntry) error {
	_, err := r.db.ExecContext(ctx, upsertEntry,
		e.ID,
		string(e.Kind),
		[]byte(e.Payload),
		e.CreatedAt.UnixNano(),
		e.Seq,
		e.AttemptCount,
		string(e.Status),
		e.LastError,
	)
	if err != nil {
		return fmt.Errorf("upsert queue entry: %w", err)
	}
	return nil
}

// Delete implements queue.Store
func (r *QueueRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete queue entry: %w", err)
	}
	return nil
}

// LoadAll implements queue.Store
func (r *QueueRepository) LoadAll(ctx context.Context) ([]core.QueueEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, kind, payload, created_at, seq, attempt_count, status, last_error
FROM queue_entries
ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query queue entries: %w", err)
	}
	defer rows.Close()

	var entries []core.QueueEntry
	for rows.Next() {
		var (
			e         core.QueueEntry
			kind      string
			status    string
			payload   []byte
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &kind, &payload, &createdAt, &e.Seq, &e.AttemptCount, &status, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		e.Kind = core.OperationKind(kind)
		e.Status = core.EntryStatus(status)
		e.Payload = payload
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}

	slog.DebugContext(ctx, "Loaded queue entries",
		applog.FieldComponent, applog.ComponentStorage,
		"count", len(entries))

	return entries, nil
}

// QueueStats summarizes stored entries by status.
type QueueStats struct {
	Pending  int64
	InFlight int64
	Failed   int64
}

func (r *QueueRepository) Stats(ctx context.Context) (QueueStats, error) {
	var s QueueStats
	err := r.db.QueryRowContext(ctx, `
SELECT
    COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN status = 'in_flight' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
FROM queue_entries`).Scan(&s.Pending, &s.InFlight, &s.Failed)
	if err != nil {
		return QueueStats{}, fmt.Errorf("query queue stats: %w", err)
	}
	return s, nil
}
