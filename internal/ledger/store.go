package ledger

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"coppia/internal/core"
	applog "coppia/internal/log"
	"coppia/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the authoritative ledger.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := storage.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	if err := storage.RunMigrations(dbPath, migrationsFS, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run ledger migrations: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) CreateHousehold(ctx context.Context, primaryUserID string) (core.Household, error) {
	h := core.Household{
		ID:            uuid.NewString(),
		PrimaryUserID: primaryUserID,
		CreatedAt:     s.now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO households (id, primary_user_id, created_at) VALUES (?, ?, ?)`,
		h.ID, h.PrimaryUserID, h.CreatedAt.UnixNano())
	if err != nil {
		return core.Household{}, fmt.Errorf("insert household: %w", err)
	}

	slog.InfoContext(ctx, "Household created",
		applog.FieldComponent, applog.ComponentLedger,
		applog.FieldHouseholdID, h.ID,
		applog.FieldUserID, primaryUserID)
	return h, nil
}

func (s *SQLiteStore) GetHousehold(ctx context.Context, id string) (core.Household, error) {
	var (
		h         core.Household
		secondary sql.NullString
		createdAt int64
		pairedAt  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, primary_user_id, secondary_user_id, created_at, paired_at FROM households WHERE id = ?`, id).
		Scan(&h.ID, &h.PrimaryUserID, &secondary, &createdAt, &pairedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Household{}, core.ErrHouseholdNotFound
	}
	if err != nil {
		return core.Household{}, fmt.Errorf("get household: %w", err)
	}

	h.SecondaryUserID = secondary.String
	h.CreatedAt = time.Unix(0, createdAt).UTC()
	if pairedAt.Valid {
		h.PairedAt = time.Unix(0, pairedAt.Int64).UTC()
	}
	return h, nil
}

// ConditionalJoin attaches userID as the secondary member when the slot is
// still empty. The check and the write are one statement, so of two
// concurrent joins exactly one sees a row affected.
func (s *SQLiteStore) ConditionalJoin(ctx context.Context, householdID, userID string) (core.JoinOutcome, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE households
		    SET secondary_user_id = ?, paired_at = ?
		  WHERE id = ? AND secondary_user_id IS NULL AND primary_user_id <> ?`,
		userID, s.now().UTC().UnixNano(), householdID, userID)
	if err != nil {
		return "", fmt.Errorf("conditional join: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("conditional join rows: %w", err)
	}
	if n == 1 {
		return core.JoinJoined, nil
	}

	// Nothing changed; read back only to classify why.
	h, err := s.GetHousehold(ctx, householdID)
	if errors.Is(err, core.ErrHouseholdNotFound) {
		return core.JoinNotFound, nil
	}
	if err != nil {
		return "", err
	}
	if h.PrimaryUserID == userID {
		return core.JoinSelfJoinRejected, nil
	}
	return core.JoinAlreadyPaired, nil
}

// Apply stores m under token. It returns core.ErrIdempotencyConflict when
// the token was applied before and *core.RejectedError when a delete
// targets a record that does not exist in the household.
func (s *SQLiteStore) Apply(ctx context.Context, householdID, userID, token string, m Mutation) (core.LiveUpdate, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.LiveUpdate{}, fmt.Errorf("begin apply: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO applied_operations (token, household_id, user_id, kind, applied_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (token) DO NOTHING`,
		token, householdID, userID, string(m.Kind), now.UnixNano())
	if err != nil {
		return core.LiveUpdate{}, fmt.Errorf("record token: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return core.LiveUpdate{}, fmt.Errorf("record token rows: %w", err)
	} else if n == 0 {
		return core.LiveUpdate{}, core.ErrIdempotencyConflict
	}

	var (
		record core.LedgerRecord
		change core.ChangeKind
	)
	if m.IsDelete() {
		record, err = s.deleteRecord(ctx, tx, householdID, m.RecordID, now)
		if err != nil {
			return core.LiveUpdate{}, err
		}
		change = core.ChangeDelete
	} else {
		record = core.LedgerRecord{
			ID:          m.RecordID,
			HouseholdID: householdID,
			Kind:        m.RecordKind,
			CreatedBy:   userID,
			Data:        m.Data,
			UpdatedAt:   now,
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO records (id, household_id, kind, created_by, data, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			record.ID, record.HouseholdID, string(record.Kind), record.CreatedBy, []byte(record.Data), now.UnixNano())
		if err != nil {
			return core.LiveUpdate{}, fmt.Errorf("insert record: %w", err)
		}
		change = core.ChangeUpsert
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return core.LiveUpdate{}, fmt.Errorf("encode record: %w", err)
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO changes (household_id, record_id, token, change, record, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		householdID, record.ID, token, string(change), encoded, now.UnixNano())
	if err != nil {
		return core.LiveUpdate{}, fmt.Errorf("append change: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return core.LiveUpdate{}, fmt.Errorf("change seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE applied_operations SET seq = ? WHERE token = ?`, seq, token); err != nil {
		return core.LiveUpdate{}, fmt.Errorf("link token to change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return core.LiveUpdate{}, fmt.Errorf("commit apply: %w", err)
	}

	return core.LiveUpdate{
		Seq:      seq,
		RecordID: record.ID,
		Token:    token,
		Change:   change,
		Record:   record,
	}, nil
}

func (s *SQLiteStore) deleteRecord(ctx context.Context, tx *sql.Tx, householdID, recordID string, now time.Time) (core.LedgerRecord, error) {
	var (
		r         core.LedgerRecord
		kind      string
		data      []byte
		updatedAt int64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT id, household_id, kind, created_by, data, updated_at FROM records
		  WHERE id = ? AND household_id = ? AND deleted = 0`, recordID, householdID).
		Scan(&r.ID, &r.HouseholdID, &kind, &r.CreatedBy, &data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.LedgerRecord{}, &core.RejectedError{Reason: fmt.Sprintf("record %s not found", recordID)}
	}
	if err != nil {
		return core.LedgerRecord{}, fmt.Errorf("load record: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET deleted = 1, updated_at = ? WHERE id = ?`, now.UnixNano(), recordID); err != nil {
		return core.LedgerRecord{}, fmt.Errorf("delete record: %w", err)
	}

	r.Kind = core.RecordKind(kind)
	r.Data = data
	r.UpdatedAt = now
	return r, nil
}

// ChangesSince returns the household's changes with Seq greater than since,
// oldest first. limit <= 0 means no limit.
func (s *SQLiteStore) ChangesSince(ctx context.Context, householdID string, since int64, limit int) ([]core.LiveUpdate, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, record_id, token, change, record FROM changes
		  WHERE household_id = ? AND seq > ?
		  ORDER BY seq LIMIT ?`, householdID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var out []core.LiveUpdate
	for rows.Next() {
		var (
			u       core.LiveUpdate
			change  string
			encoded []byte
		)
		if err := rows.Scan(&u.Seq, &u.RecordID, &u.Token, &change, &encoded); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		u.Change = core.ChangeKind(change)
		if err := json.Unmarshal(encoded, &u.Record); err != nil {
			return nil, fmt.Errorf("decode change %d: %w", u.Seq, err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListRecords returns the household's live records in creation order.
func (s *SQLiteStore) ListRecords(ctx context.Context, householdID string) ([]core.LedgerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, household_id, kind, created_by, data, updated_at FROM records
		  WHERE household_id = ? AND deleted = 0
		  ORDER BY rowid`, householdID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []core.LedgerRecord
	for rows.Next() {
		var (
			r         core.LedgerRecord
			kind      string
			data      []byte
			updatedAt int64
		)
		if err := rows.Scan(&r.ID, &r.HouseholdID, &kind, &r.CreatedBy, &data, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Kind = core.RecordKind(kind)
		r.Data = data
		r.UpdatedAt = time.Unix(0, updatedAt).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppliedCount returns how many distinct tokens have been applied.
func (s *SQLiteStore) AppliedCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM applied_operations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count applied operations: %w", err)
	}
	return n, nil
}
