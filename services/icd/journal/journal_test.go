package journal

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"icreserve/core/events"
	"icreserve/core/types"
	"icreserve/native/fixed"
)

type memStore struct {
	mu     sync.Mutex
	events []types.Event
	err    error
}

func (m *memStore) RecordEvent(_ context.Context, evt types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, evt)
	return nil
}

func (m *memStore) snapshot() []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Event(nil), m.events...)
}

func TestJournalStampsAndPersists(t *testing.T) {
	store := &memStore{}
	var logs bytes.Buffer
	j := New(store, slog.New(slog.NewJSONHandler(&logs, nil)), 4)
	j.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	j.Emit(events.ReservesPreMinted{QtyA: fixed.FromUnits(1), QtyB: fixed.Zero(), AvailableA: fixed.FromUnits(1), AvailableB: fixed.Zero()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := j.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	got := store.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected one persisted event, got %d", len(got))
	}
	if got[0].ID == "" || !got[0].EmittedAt.Equal(time.Unix(1_700_000_000, 0)) {
		t.Fatalf("event not stamped: %+v", got[0])
	}
	if !strings.Contains(logs.String(), got[0].ID) {
		t.Fatalf("expected event id in logs, got %s", logs.String())
	}
}

func TestJournalDropsWhenFull(t *testing.T) {
	store := &memStore{}
	var logs bytes.Buffer
	j := New(store, slog.New(slog.NewJSONHandler(&logs, nil)), 1)
	evt := events.ReservesPreMinted{QtyA: fixed.FromUnits(1), QtyB: fixed.Zero(), AvailableA: fixed.FromUnits(1), AvailableB: fixed.Zero()}
	j.Emit(evt)
	j.Emit(evt)
	if !strings.Contains(logs.String(), "dropping event") {
		t.Fatalf("expected drop warning, got %s", logs.String())
	}
	j.flush()
	if len(store.snapshot()) != 1 {
		t.Fatalf("expected only the buffered event to persist")
	}
}

func TestJournalLogsStoreFailure(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	var logs bytes.Buffer
	j := New(store, slog.New(slog.NewJSONHandler(&logs, nil)), 1)
	j.Emit(events.ReservesPreMinted{QtyA: fixed.FromUnits(1), QtyB: fixed.Zero(), AvailableA: fixed.FromUnits(1), AvailableB: fixed.Zero()})
	j.flush()
	if !strings.Contains(logs.String(), "disk full") {
		t.Fatalf("expected store error in logs, got %s", logs.String())
	}
}
