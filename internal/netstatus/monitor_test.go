package netstatus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMonitor_InitialState(t *testing.T) {
	m := NewMonitor(false)
	if m.IsOnline() {
		t.Fatal("monitor should start offline")
	}
	if m.Transitions() != 0 {
		t.Fatalf("expected 0 transitions, got %d", m.Transitions())
	}
}

func TestMonitor_SetNotifiesOnTransitionOnly(t *testing.T) {
	m := NewMonitor(false)

	var got []bool
	m.Subscribe(func(online bool) { got = append(got, online) })

	m.Set(false) // no change
	m.Set(true)
	m.Set(true) // no change
	m.Set(false)

	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Fatalf("unexpected notifications: %v", got)
	}
	if m.Transitions() != 2 {
		t.Fatalf("expected 2 transitions, got %d", m.Transitions())
	}
	state := m.State()
	if state.Online || state.Transitions != 2 {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestMonitor_ListenersRunSynchronouslyInOrder(t *testing.T) {
	m := NewMonitor(false)

	var order []string
	m.Subscribe(func(bool) { order = append(order, "first") })
	m.Subscribe(func(online bool) {
		if !m.IsOnline() {
			t.Error("listener should observe the new state")
		}
		order = append(order, "second")
	})

	m.Set(true)
	order = append(order, "after-set")

	want := []string{"first", "second", "after-set"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := NewMonitor(true)

	calls := 0
	unsubscribe := m.Subscribe(func(bool) { calls++ })
	other := 0
	m.Subscribe(func(bool) { other++ })

	m.Set(false)
	unsubscribe()
	unsubscribe()
	m.Set(true)

	if calls != 1 {
		t.Fatalf("unsubscribed listener called %d times, want 1", calls)
	}
	if other != 2 {
		t.Fatalf("remaining listener called %d times, want 2", other)
	}
}

func TestMonitor_ConcurrentSet(t *testing.T) {
	m := NewMonitor(false)

	var mu sync.Mutex
	var seen []bool
	m.Subscribe(func(online bool) {
		mu.Lock()
		seen = append(seen, online)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Set(i%2 == 0)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if uint64(len(seen)) != m.Transitions() {
		t.Fatalf("notifications %d != transitions %d", len(seen), m.Transitions())
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] == seen[i-1] {
			t.Fatalf("consecutive notifications with same state at %d: %v", i, seen)
		}
	}
}

type fakeChecker struct {
	mu  sync.Mutex
	err error
}

func (f *fakeChecker) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeChecker) set(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func TestProber_ReportsObservations(t *testing.T) {
	m := NewMonitor(false)
	checker := &fakeChecker{}
	p := NewProber(m, checker, time.Hour, time.Second)

	if !p.ProbeOnce(context.Background()) || !m.IsOnline() {
		t.Fatal("successful ping should report online")
	}

	checker.set(errors.New("connection refused"))
	if p.ProbeOnce(context.Background()) || m.IsOnline() {
		t.Fatal("failed ping should report offline")
	}
	if m.Transitions() != 2 {
		t.Fatalf("expected 2 transitions, got %d", m.Transitions())
	}
}

func TestProber_RunStopsOnCancel(t *testing.T) {
	m := NewMonitor(false)
	p := NewProber(m, &fakeChecker{}, 10*time.Millisecond, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for !m.IsOnline() {
		select {
		case <-deadline:
			t.Fatal("prober never reported online")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
