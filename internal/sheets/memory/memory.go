// Package memory is an in-process spreadsheet used when no Google
// spreadsheet is configured.
package memory

import (
	"context"
	"fmt"
	"sync"

	"coppia/internal/core"
	"coppia/internal/sheets"
)

type Store struct {
	mu   sync.Mutex
	rows []sheets.Row
	// cleared rows keep their slot so references stay stable.
	cleared map[int]bool
}

var _ sheets.Mirror = (*Store)(nil)

func New() *Store {
	return &Store{cleared: make(map[int]bool)}
}

// AppendRecord stores the row and returns a synthetic row reference.
func (s *Store) AppendRecord(_ context.Context, r core.LedgerRecord) (string, error) {
	row, err := sheets.RowFromRecord(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, row)
	return fmt.Sprintf("mem:%d", len(s.rows)), nil
}

func (s *Store) ClearRow(_ context.Context, rowRef string) error {
	var n int
	if _, err := fmt.Sscanf(rowRef, "mem:%d", &n); err != nil {
		return fmt.Errorf("invalid row reference %q", rowRef)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 1 || n > len(s.rows) {
		return fmt.Errorf("row %q does not exist", rowRef)
	}
	s.cleared[n] = true
	return nil
}

// Rows returns the rows that have not been cleared, in append order.
func (s *Store) Rows() []sheets.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sheets.Row, 0, len(s.rows))
	for i, r := range s.rows {
		if !s.cleared[i+1] {
			out = append(out, r)
		}
	}
	return out
}
