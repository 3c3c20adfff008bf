package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"
)

//go:embed mirror_migrations/*.sql
var mirrorMigrationsFS embed.FS

// MirroredRow links a ledger record to the spreadsheet row it was written to.
type MirroredRow struct {
	RecordID string
	RowRef   string
	Seq      int64
	Cleared  bool
}

// MirrorRepository remembers which records the spreadsheet mirror has
// written, so redelivered messages are not appended twice.
type MirrorRepository struct {
	db *sql.DB
}

func NewMirrorRepository(dbPath string) (*MirrorRepository, error) {
	db, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(dbPath, mirrorMigrationsFS, "mirror_migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &MirrorRepository{db: db}, nil
}

func (r *MirrorRepository) Close() error {
	return r.db.Close()
}

// Row returns the mirrored row of recordID; found is false when the record
// was never mirrored.
func (r *MirrorRepository) Row(ctx context.Context, recordID string) (row MirroredRow, found bool, err error) {
	var cleared int
	err = r.db.QueryRowContext(ctx,
		`SELECT record_id, row_ref, seq, cleared FROM mirrored_rows WHERE record_id = ?`, recordID).
		Scan(&row.RecordID, &row.RowRef, &row.Seq, &cleared)
	if errors.Is(err, sql.ErrNoRows) {
		return MirroredRow{}, false, nil
	}
	if err != nil {
		return MirroredRow{}, false, fmt.Errorf("query mirrored row: %w", err)
	}
	row.Cleared = cleared != 0
	return row, true, nil
}

func (r *MirrorRepository) SaveRow(ctx context.Context, recordID, rowRef string, seq int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO mirrored_rows (record_id, row_ref, seq, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (record_id) DO UPDATE SET row_ref = excluded.row_ref, seq = excluded.seq, updated_at = excluded.updated_at`,
		recordID, rowRef, seq, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save mirrored row: %w", err)
	}
	return nil
}

func (r *MirrorRepository) MarkCleared(ctx context.Context, recordID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE mirrored_rows SET cleared = 1, updated_at = ? WHERE record_id = ?`,
		time.Now().UnixNano(), recordID)
	if err != nil {
		return fmt.Errorf("mark row cleared: %w", err)
	}
	return nil
}

// Count returns how many rows are mirrored and not cleared.
func (r *MirrorRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mirrored_rows WHERE cleared = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count mirrored rows: %w", err)
	}
	return n, nil
}
