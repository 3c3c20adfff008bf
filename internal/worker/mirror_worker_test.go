package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"coppia/internal/amqp"
	"coppia/internal/core"
	"coppia/internal/sheets"
	"coppia/internal/sheets/memory"
	"coppia/internal/storage"
)

type flakyMirror struct {
	sheets.Mirror
	failAppend int
}

func (f *flakyMirror) AppendRecord(ctx context.Context, r core.LedgerRecord) (string, error) {
	if f.failAppend > 0 {
		f.failAppend--
		return "", errors.New("sheets unavailable")
	}
	return f.Mirror.AppendRecord(ctx, r)
}

func newWorker(t *testing.T, mirror sheets.Mirror) (*MirrorWorker, *storage.MirrorRepository) {
	t.Helper()
	rows, err := storage.NewMirrorRepository(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rows.Close() })
	return NewMirrorWorker(mirror, rows), rows
}

func message(seq int64, change core.ChangeKind, id, desc string) *amqp.RecordChangeMessage {
	data, _ := json.Marshal(core.Expense{
		Date:        core.NewDate(2025, 3, 14),
		Description: desc,
		Amount:      core.Money{Cents: 100},
		Primary:     "Casa",
		Secondary:   "Spesa",
	})
	return amqp.NewRecordChangeMessage(core.LiveUpdate{
		Seq:      seq,
		RecordID: id,
		Token:    id,
		Change:   change,
		Record:   core.LedgerRecord{ID: id, HouseholdID: "h1", Kind: core.RecordExpense, CreatedBy: "anna", Data: data},
	})
}

func TestMirrorWorker_RedeliveryAppendsOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	w, _ := newWorker(t, store)

	for _, msg := range []*amqp.RecordChangeMessage{
		message(1, core.ChangeUpsert, "r1", "Pane"),
		message(1, core.ChangeUpsert, "r1", "Pane"),
		message(2, core.ChangeUpsert, "r2", "Latte"),
	} {
		if err := w.HandleRecordChange(ctx, msg); err != nil {
			t.Fatalf("HandleRecordChange() error = %v", err)
		}
	}

	rows := store.Rows()
	if len(rows) != 2 || rows[0].RecordID != "r1" || rows[1].RecordID != "r2" {
		t.Errorf("rows = %+v", rows)
	}
	appended, _, skipped := w.Stats()
	if appended != 2 || skipped != 1 {
		t.Errorf("appended=%d skipped=%d, want 2/1", appended, skipped)
	}
}

func TestMirrorWorker_DeleteClearsRow(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	w, rows := newWorker(t, store)

	w.HandleRecordChange(ctx, message(1, core.ChangeUpsert, "r1", "Pane"))
	w.HandleRecordChange(ctx, message(2, core.ChangeUpsert, "r2", "Latte"))

	if err := w.HandleRecordChange(ctx, message(3, core.ChangeDelete, "r1", "Pane")); err != nil {
		t.Fatalf("delete error = %v", err)
	}
	// Redelivered delete and delete of a never mirrored record are no-ops.
	for _, msg := range []*amqp.RecordChangeMessage{
		message(3, core.ChangeDelete, "r1", "Pane"),
		message(4, core.ChangeDelete, "r9", "Ghost"),
	} {
		if err := w.HandleRecordChange(ctx, msg); err != nil {
			t.Fatalf("HandleRecordChange() error = %v", err)
		}
	}

	got := store.Rows()
	if len(got) != 1 || got[0].RecordID != "r2" {
		t.Errorf("rows = %+v, want only r2", got)
	}
	if n, _ := rows.Count(ctx); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
	_, cleared, _ := w.Stats()
	if cleared != 1 {
		t.Errorf("cleared = %d, want 1", cleared)
	}
}

func TestMirrorWorker_FailureAsksForRedelivery(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	w, _ := newWorker(t, &flakyMirror{Mirror: store, failAppend: 1})

	msg := message(1, core.ChangeUpsert, "r1", "Pane")
	if err := w.HandleRecordChange(ctx, msg); err == nil {
		t.Fatal("first delivery should fail")
	}
	if err := w.HandleRecordChange(ctx, msg); err != nil {
		t.Fatalf("redelivery error = %v", err)
	}
	if n := len(store.Rows()); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

func TestMirrorWorker_PoisonMessagesAreDropped(t *testing.T) {
	ctx := context.Background()
	w, _ := newWorker(t, memory.New())

	unknownKind := message(1, core.ChangeUpsert, "r1", "Pane")
	unknownKind.Record.Kind = "transfer"
	noID := message(2, core.ChangeUpsert, "", "Pane")
	badChange := message(3, "rename", "r3", "Pane")

	for _, msg := range []*amqp.RecordChangeMessage{unknownKind, noID, badChange} {
		if err := w.HandleRecordChange(ctx, msg); err != nil {
			t.Errorf("HandleRecordChange() error = %v, want drop", err)
		}
	}
	if _, _, skipped := w.Stats(); skipped != 3 {
		t.Errorf("skipped = %d, want 3", skipped)
	}
}
