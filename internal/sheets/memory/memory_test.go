package memory

import (
	"context"
	"encoding/json"
	"testing"

	"coppia/internal/core"
)

func expenseRecord(id, desc string) core.LedgerRecord {
	data, _ := json.Marshal(core.Expense{
		Date:        core.NewDate(2025, 3, 14),
		Description: desc,
		Amount:      core.Money{Cents: 100},
		Primary:     "Casa",
		Secondary:   "Spesa",
	})
	return core.LedgerRecord{ID: id, Kind: core.RecordExpense, CreatedBy: "anna", Data: data}
}

func TestStore_AppendAndClear(t *testing.T) {
	ctx := context.Background()
	s := New()

	ref1, err := s.AppendRecord(ctx, expenseRecord("r1", "Pane"))
	if err != nil {
		t.Fatalf("AppendRecord() error = %v", err)
	}
	if _, err := s.AppendRecord(ctx, expenseRecord("r2", "Latte")); err != nil {
		t.Fatal(err)
	}
	if ref1 != "mem:1" {
		t.Errorf("ref = %q, want mem:1", ref1)
	}

	if err := s.ClearRow(ctx, ref1); err != nil {
		t.Fatalf("ClearRow() error = %v", err)
	}
	rows := s.Rows()
	if len(rows) != 1 || rows[0].RecordID != "r2" {
		t.Errorf("rows = %+v, want only r2", rows)
	}

	for _, ref := range []string{"mem:9", "A1:H1"} {
		if err := s.ClearRow(ctx, ref); err == nil {
			t.Errorf("ClearRow(%q) should fail", ref)
		}
	}
}

func TestStore_RejectsUnknownKind(t *testing.T) {
	if _, err := New().AppendRecord(context.Background(), core.LedgerRecord{Kind: "transfer"}); err == nil {
		t.Error("expected error for unknown kind")
	}
}
