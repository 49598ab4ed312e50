package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"icreserve/core/events"
	"icreserve/core/types"
	"icreserve/native/fixed"
	"icreserve/services/icd/journal"
)

type recordingStore struct {
	mu     sync.Mutex
	events []types.Event
}

func (s *recordingStore) RecordEvent(_ context.Context, evt types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func preMinted() events.Event {
	return events.ReservesPreMinted{QtyA: fixed.FromUnits(1), QtyB: fixed.Zero(), AvailableA: fixed.FromUnits(1), AvailableB: fixed.Zero()}
}

func TestSuperviseFlushesEventsEmittedDuringShutdown(t *testing.T) {
	store := &recordingStore{}
	j := journal.New(store, nil, 16)
	ctx, cancel := context.WithCancel(context.Background())

	winding := func(ctx context.Context) error {
		<-ctx.Done()
		// a request still committing after the shutdown signal
		time.Sleep(20 * time.Millisecond)
		j.Emit(preMinted())
		j.Emit(preMinted())
		return nil
	}
	time.AfterFunc(10*time.Millisecond, cancel)

	require.NoError(t, supervise(ctx, j.Run, winding))
	require.Equal(t, 2, store.count())
}

func TestSuperviseStopsAllTasksOnFailure(t *testing.T) {
	store := &recordingStore{}
	j := journal.New(store, nil, 16)
	boom := errors.New("listen failed")

	var stopped sync.WaitGroup
	stopped.Add(1)
	waiter := func(ctx context.Context) error {
		defer stopped.Done()
		<-ctx.Done()
		j.Emit(preMinted())
		return nil
	}
	failing := func(context.Context) error { return boom }

	done := make(chan error, 1)
	go func() { done <- supervise(context.Background(), j.Run, waiter, failing) }()
	select {
	case err := <-done:
		require.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("supervise did not return after a task failed")
	}
	stopped.Wait()
	require.Equal(t, 1, store.count())
}
