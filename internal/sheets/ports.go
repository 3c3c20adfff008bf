package sheets

import (
	"context"

	"coppia/internal/core"
)

// Ports for the spreadsheet mirror.
type (
	// RecordWriter appends a confirmed ledger record as one row and returns
	// a reference to that row.
	RecordWriter interface {
		AppendRecord(ctx context.Context, r core.LedgerRecord) (rowRef string, err error)
	}

	// RowClearer blanks a row previously returned by AppendRecord.
	RowClearer interface {
		ClearRow(ctx context.Context, rowRef string) error
	}

	Mirror interface {
		RecordWriter
		RowClearer
	}
)

// Row is the spreadsheet layout of a ledger record.
type Row struct {
	Date        string
	Description string
	Amount      float64
	Primary     string
	Secondary   string
	Kind        core.RecordKind
	CreatedBy   string
	RecordID    string
}

// Values returns the row as spreadsheet cell values, left to right.
func (r Row) Values() []any {
	return []any{r.Date, r.Description, r.Amount, r.Primary, r.Secondary, string(r.Kind), r.CreatedBy, r.RecordID}
}

// RowFromRecord decodes the record payload into a Row. Incomes carry their
// category in the Primary column.
func RowFromRecord(r core.LedgerRecord) (Row, error) {
	row := Row{Kind: r.Kind, CreatedBy: r.CreatedBy, RecordID: r.ID}

	switch r.Kind {
	case core.RecordExpense:
		var e core.Expense
		if err := decode(r.Data, &e); err != nil {
			return Row{}, err
		}
		row.Date = e.Date.String()
		row.Description = e.Description
		row.Amount = centsToEuros(e.Amount.Cents)
		row.Primary = e.Primary
		row.Secondary = e.Secondary
	case core.RecordIncome:
		var i core.Income
		if err := decode(r.Data, &i); err != nil {
			return Row{}, err
		}
		row.Date = i.Date.String()
		row.Description = i.Description
		row.Amount = centsToEuros(i.Amount.Cents)
		row.Primary = i.Category
	default:
		return Row{}, &UnsupportedKindError{Kind: r.Kind}
	}
	return row, nil
}
