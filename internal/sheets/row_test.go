package sheets

import (
	"encoding/json"
	"errors"
	"testing"

	"coppia/internal/core"
)

func TestRowFromRecord(t *testing.T) {
	expense, _ := json.Marshal(core.Expense{
		Date:        core.NewDate(2025, 3, 14),
		Description: "Pane",
		Amount:      core.Money{Cents: 250},
		Primary:     "Casa",
		Secondary:   "Spesa",
	})
	income, _ := json.Marshal(core.Income{
		Date:        core.NewDate(2025, 3, 1),
		Description: "Stipendio",
		Amount:      core.Money{Cents: 210000},
		Category:    "Lavoro",
	})

	tests := []struct {
		name   string
		record core.LedgerRecord
		want   Row
	}{
		{
			name:   "expense",
			record: core.LedgerRecord{ID: "r1", Kind: core.RecordExpense, CreatedBy: "anna", Data: expense},
			want:   Row{Date: "2025-03-14", Description: "Pane", Amount: 2.5, Primary: "Casa", Secondary: "Spesa", Kind: core.RecordExpense, CreatedBy: "anna", RecordID: "r1"},
		},
		{
			name:   "income",
			record: core.LedgerRecord{ID: "r2", Kind: core.RecordIncome, CreatedBy: "marco", Data: income},
			want:   Row{Date: "2025-03-01", Description: "Stipendio", Amount: 2100, Primary: "Lavoro", Kind: core.RecordIncome, CreatedBy: "marco", RecordID: "r2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RowFromRecord(tt.record)
			if err != nil {
				t.Fatalf("RowFromRecord() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("RowFromRecord() = %+v, want %+v", got, tt.want)
			}
			if n := len(got.Values()); n != 8 {
				t.Errorf("Values() has %d cells, want 8", n)
			}
		})
	}
}

func TestRowFromRecord_Errors(t *testing.T) {
	_, err := RowFromRecord(core.LedgerRecord{Kind: "transfer", Data: json.RawMessage(`{}`)})
	var unsupported *UnsupportedKindError
	if !errors.As(err, &unsupported) {
		t.Errorf("error = %v, want *UnsupportedKindError", err)
	}

	if _, err := RowFromRecord(core.LedgerRecord{Kind: core.RecordExpense, Data: json.RawMessage(`{`)}); err == nil {
		t.Error("malformed data should fail")
	}
}
