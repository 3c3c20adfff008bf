package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"coppia/internal/amqp"
	"coppia/internal/core"
	applog "coppia/internal/log"
	"coppia/internal/sheets"
	"coppia/internal/storage"
)

// RowStore remembers which records have been written to the spreadsheet.
type RowStore interface {
	Row(ctx context.Context, recordID string) (storage.MirroredRow, bool, error)
	SaveRow(ctx context.Context, recordID, rowRef string, seq int64) error
	MarkCleared(ctx context.Context, recordID string) error
}

// MirrorWorker copies confirmed ledger changes into a spreadsheet. Messages
// arrive at least once, so each record is appended once and cleared once.
type MirrorWorker struct {
	mirror sheets.Mirror
	rows   RowStore

	appended int64
	cleared  int64
	skipped  int64
}

func NewMirrorWorker(mirror sheets.Mirror, rows RowStore) *MirrorWorker {
	return &MirrorWorker{mirror: mirror, rows: rows}
}

// HandleRecordChange applies one change message. A returned error asks the
// broker to redeliver the message.
func (w *MirrorWorker) HandleRecordChange(ctx context.Context, msg *amqp.RecordChangeMessage) error {
	logger := slog.With(
		applog.FieldComponent, applog.ComponentWorker,
		applog.FieldHouseholdID, msg.HouseholdID,
		applog.FieldRecordID, msg.Record.ID,
		applog.FieldSeq, msg.Seq)

	if msg.Record.ID == "" {
		logger.WarnContext(ctx, "Dropping change without record ID")
		atomic.AddInt64(&w.skipped, 1)
		return nil
	}

	switch msg.Change {
	case core.ChangeUpsert:
		return w.append(ctx, logger, msg)
	case core.ChangeDelete:
		return w.clear(ctx, logger, msg)
	default:
		logger.WarnContext(ctx, "Dropping change of unknown kind", "change", msg.Change)
		atomic.AddInt64(&w.skipped, 1)
		return nil
	}
}

func (w *MirrorWorker) append(ctx context.Context, logger *slog.Logger, msg *amqp.RecordChangeMessage) error {
	_, found, err := w.rows.Row(ctx, msg.Record.ID)
	if err != nil {
		return fmt.Errorf("look up mirrored row: %w", err)
	}
	if found {
		logger.DebugContext(ctx, "Record already mirrored")
		atomic.AddInt64(&w.skipped, 1)
		return nil
	}

	ref, err := w.mirror.AppendRecord(ctx, msg.Record)
	var unsupported *sheets.UnsupportedKindError
	if errors.As(err, &unsupported) {
		logger.WarnContext(ctx, "Record kind not mirrored", "kind", unsupported.Kind)
		atomic.AddInt64(&w.skipped, 1)
		return nil
	}
	if err != nil {
		return fmt.Errorf("append to sheets: %w", err)
	}

	// The row exists now; losing this bookkeeping would append it again on
	// redelivery, so the failure is reported for a retry.
	if err := w.rows.SaveRow(ctx, msg.Record.ID, ref, msg.Seq); err != nil {
		return fmt.Errorf("record mirrored row %s: %w", ref, err)
	}

	atomic.AddInt64(&w.appended, 1)
	logger.InfoContext(ctx, "Record mirrored",
		applog.FieldSheetsRef, ref,
		"kind", msg.Record.Kind,
		"created_by", msg.Record.CreatedBy)
	return nil
}

func (w *MirrorWorker) clear(ctx context.Context, logger *slog.Logger, msg *amqp.RecordChangeMessage) error {
	row, found, err := w.rows.Row(ctx, msg.Record.ID)
	if err != nil {
		return fmt.Errorf("look up mirrored row: %w", err)
	}
	if !found || row.Cleared {
		logger.DebugContext(ctx, "Nothing to clear", "found", found)
		atomic.AddInt64(&w.skipped, 1)
		return nil
	}

	if err := w.mirror.ClearRow(ctx, row.RowRef); err != nil {
		return fmt.Errorf("clear row %s: %w", row.RowRef, err)
	}
	if err := w.rows.MarkCleared(ctx, msg.Record.ID); err != nil {
		return fmt.Errorf("mark row cleared: %w", err)
	}

	atomic.AddInt64(&w.cleared, 1)
	logger.InfoContext(ctx, "Mirrored row cleared", applog.FieldSheetsRef, row.RowRef)
	return nil
}

// Stats reports how many rows were appended, cleared and skipped.
func (w *MirrorWorker) Stats() (appended, cleared, skipped int64) {
	return atomic.LoadInt64(&w.appended), atomic.LoadInt64(&w.cleared), atomic.LoadInt64(&w.skipped)
}
