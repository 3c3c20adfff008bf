package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"coppia/internal/backend"
	"coppia/internal/core"
)

var expense = json.RawMessage(`{"date":"2025-03-14","description":"Pane","amount":{"cents":250},"primary":"Casa","secondary":"Spesa"}`)

func TestClient_ApplyIdempotent(t *testing.T) {
	ctx := context.Background()
	srv := NewServer()
	h := srv.SeedHousehold("anna", "marco")
	c := srv.Client(h.ID, "anna")

	res, err := c.ApplyIdempotent(ctx, "tok-1", core.OpCreateExpense, expense)
	if err != nil || res.Status != backend.StatusApplied {
		t.Fatalf("first apply = %+v, %v", res, err)
	}

	res, err = c.ApplyIdempotent(ctx, "tok-1", core.OpCreateExpense, expense)
	if err != nil || res.Status != backend.StatusAlreadyApplied {
		t.Fatalf("second apply = %+v, %v", res, err)
	}

	if got := srv.AppliedTokens(); len(got) != 1 {
		t.Errorf("AppliedTokens() = %v, want one", got)
	}

	outsider := srv.Client(h.ID, "luca")
	res, err = outsider.ApplyIdempotent(ctx, "tok-2", core.OpCreateExpense, expense)
	if err != nil || res.Status != backend.StatusRejected {
		t.Errorf("outsider apply = %+v, %v", res, err)
	}
}

func TestClient_FailureInjection(t *testing.T) {
	ctx := context.Background()
	srv := NewServer()
	h := srv.SeedHousehold("anna", "")
	c := srv.Client(h.ID, "anna")

	srv.FailNext(1)
	if _, err := c.ApplyIdempotent(ctx, "tok", core.OpCreateExpense, expense); !errors.Is(err, core.ErrTransientNetwork) {
		t.Fatalf("FailNext: error = %v, want transient", err)
	}
	if len(srv.AppliedTokens()) != 0 {
		t.Fatal("failed call must not apply")
	}

	srv.DropReplies(1)
	if _, err := c.ApplyIdempotent(ctx, "tok", core.OpCreateExpense, expense); !errors.Is(err, core.ErrTransientNetwork) {
		t.Fatalf("DropReplies: error = %v, want transient", err)
	}
	if len(srv.AppliedTokens()) != 1 {
		t.Fatal("dropped reply must still apply")
	}

	srv.SetReachable(false)
	if err := c.Ping(ctx); !errors.Is(err, core.ErrTransientNetwork) {
		t.Errorf("Ping() = %v, want transient", err)
	}
}

func TestClient_ConcurrentJoin(t *testing.T) {
	ctx := context.Background()
	srv := NewServer()
	h := srv.SeedHousehold("anna", "")

	outcomes := make(chan core.JoinOutcome, 2)
	var wg sync.WaitGroup
	for _, u := range []string{"marco", "luca"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := srv.Client("", u).ConditionalJoinHousehold(ctx, h.ID, u)
			if err != nil {
				t.Error(err)
			}
			outcomes <- out
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := map[core.JoinOutcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	if counts[core.JoinJoined] != 1 || counts[core.JoinAlreadyPaired] != 1 {
		t.Fatalf("outcomes = %v, want one joined and one already paired", counts)
	}
}

func TestClient_SubscribeReplaysAndStreams(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewServer()
	h := srv.SeedHousehold("anna", "marco")
	anna := srv.Client(h.ID, "anna")

	anna.ApplyIdempotent(ctx, "tok-a", core.OpCreateExpense, expense)

	ch, err := srv.Client(h.ID, "marco").SubscribeLiveUpdates(ctx, h.ID, 0)
	if err != nil {
		t.Fatal(err)
	}

	anna.ApplyIdempotent(ctx, "tok-b", core.OpCreateExpense, expense)

	for _, want := range []string{"tok-a", "tok-b"} {
		select {
		case u := <-ch:
			if u.Token != want || u.RecordID != want {
				t.Fatalf("update = %+v, want token %s", u, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	srv.Disconnect()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after Disconnect")
	}

	ch, err = srv.Client(h.ID, "marco").SubscribeLiveUpdates(ctx, h.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if u := <-ch; u.Token != "tok-b" {
		t.Fatalf("resubscribe from seq 1 = %+v, want tok-b", u)
	}
}
