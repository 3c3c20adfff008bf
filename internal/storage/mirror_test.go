package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func TestMirrorRepository(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mirror.db")
	repo, err := NewMirrorRepository(path)
	if err != nil {
		t.Fatalf("NewMirrorRepository: %v", err)
	}

	if _, found, err := repo.Row(ctx, "r1"); err != nil || found {
		t.Fatalf("Row(r1) found=%v err=%v, want not found", found, err)
	}

	if err := repo.SaveRow(ctx, "r1", "Expenses!A2:H2", 4); err != nil {
		t.Fatalf("SaveRow: %v", err)
	}
	row, found, err := repo.Row(ctx, "r1")
	if err != nil || !found {
		t.Fatalf("Row(r1) found=%v err=%v", found, err)
	}
	if row.RowRef != "Expenses!A2:H2" || row.Seq != 4 || row.Cleared {
		t.Errorf("row = %+v", row)
	}

	if err := repo.MarkCleared(ctx, "r1"); err != nil {
		t.Fatalf("MarkCleared: %v", err)
	}
	row, _, _ = repo.Row(ctx, "r1")
	if !row.Cleared {
		t.Error("row should be cleared")
	}
	if n, _ := repo.Count(ctx); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}

	// Reopening keeps the rows.
	repo.Close()
	repo, err = NewMirrorRepository(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer repo.Close()
	if _, found, _ := repo.Row(ctx, "r1"); !found {
		t.Error("row lost after reopen")
	}
}
