package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/axiomme/axiomme/internal/axiomtypes"
)

// fakeStore is an in-memory stateStore for scheduler tests.
type fakeStore struct {
	mu     sync.Mutex
	events map[int64]*axiomtypes.OutboxEvent
	nextID int64

	checkpoints map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{events: map[int64]*axiomtypes.OutboxEvent{}, checkpoints: map[string]int64{}}
}

func (f *fakeStore) enqueue(eventType, payload string, lane axiomtypes.Lane) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.events[f.nextID] = &axiomtypes.OutboxEvent{
		ID: f.nextID, EventType: eventType, PayloadJSON: payload,
		Status: axiomtypes.StatusNew, Lane: lane, NextAttemptAt: time.Now(),
	}
	return f.nextID
}

func (f *fakeStore) Fetch(_ context.Context, lane axiomtypes.Lane, status axiomtypes.OutboxStatus, limit int) ([]axiomtypes.OutboxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []axiomtypes.OutboxEvent
	for id := int64(1); id <= f.nextID && len(out) < limit; id++ {
		e, ok := f.events[id]
		if !ok || e.Lane != lane || e.Status != status || e.NextAttemptAt.After(time.Now()) {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (f *fakeStore) FetchDeadLetters(_ context.Context, lane axiomtypes.Lane, limit int) ([]axiomtypes.OutboxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []axiomtypes.OutboxEvent
	for id := int64(1); id <= f.nextID && len(out) < limit; id++ {
		e, ok := f.events[id]
		if !ok || e.Lane != lane || e.Status != axiomtypes.StatusDeadLetter {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (f *fakeStore) MarkStatus(_ context.Context, id int64, status axiomtypes.OutboxStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.events[id]
	if e.Status == axiomtypes.StatusDone || e.Status == axiomtypes.StatusDeadLetter {
		return errors.New("terminal")
	}
	e.Status = status
	return nil
}

func (f *fakeStore) RequeueWithDelay(_ context.Context, id int64, seconds int, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.events[id]
	e.Status = axiomtypes.StatusNew
	e.AttemptCount++
	e.LastError = lastError
	e.NextAttemptAt = time.Now().Add(time.Duration(seconds) * time.Second)
	return nil
}

func (f *fakeStore) DeadLetter(_ context.Context, id int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[id].Status = axiomtypes.StatusDeadLetter
	f.events[id].LastError = reason
	return nil
}

func (f *fakeStore) RecoverTimedOutProcessingEvents(_ context.Context, _ int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Status == axiomtypes.StatusProcessing {
			e.Status = axiomtypes.StatusNew
			e.AttemptCount++
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) SetCheckpoint(_ context.Context, name string, lastEventID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints[name] = lastEventID
	return nil
}

func (f *fakeStore) GetCheckpoint(_ context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkpoints[name], nil
}

func (f *fakeStore) status(id int64) axiomtypes.OutboxStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[id].Status
}

func TestRunOnceDispatchesInIDOrder(t *testing.T) {
	fs := newFakeStore()
	var order []int64
	var mu sync.Mutex

	s := New(fs)
	s.Register("ok_event", 1, 5, func(_ context.Context, ev axiomtypes.OutboxEvent) error {
		mu.Lock()
		order = append(order, ev.ID)
		mu.Unlock()
		return nil
	})

	for i := 0; i < 4; i++ {
		fs.enqueue("ok_event", `{"schema_version":1}`, axiomtypes.LaneSemantic)
	}

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, []int64{1, 2, 3, 4}, order)
	for id := int64(1); id <= 4; id++ {
		require.Equal(t, axiomtypes.StatusDone, fs.status(id))
	}
	require.EqualValues(t, 4, fs.checkpoints["replay_semantic"])
}

func TestTransientFailureRequeuesThenDeadLetters(t *testing.T) {
	fs := newFakeStore()
	s := New(fs)
	s.Register("flaky", 1, 2, func(context.Context, axiomtypes.OutboxEvent) error {
		return errors.New("transient boom")
	})

	id := fs.enqueue("flaky", `{"schema_version":1}`, axiomtypes.LaneSemantic)

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, axiomtypes.StatusNew, fs.status(id))

	fs.mu.Lock()
	require.Equal(t, 1, fs.events[id].AttemptCount)
	fs.events[id].NextAttemptAt = time.Now() // skip the backoff window
	fs.mu.Unlock()

	_, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, axiomtypes.StatusDeadLetter, fs.status(id))
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	fs := newFakeStore()
	s := New(fs)
	s.Register("doomed", 1, 5, func(context.Context, axiomtypes.OutboxEvent) error {
		return Permanent(errors.New("schema said no"))
	})

	id := fs.enqueue("doomed", `{"schema_version":1}`, axiomtypes.LaneSemantic)
	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, axiomtypes.StatusDeadLetter, fs.status(id))
}

func TestSchemaMismatchDeadLetters(t *testing.T) {
	fs := newFakeStore()
	s := New(fs)
	s.Register("versioned", 2, 5, func(context.Context, axiomtypes.OutboxEvent) error {
		t.Fatal("handler must not run on schema mismatch")
		return nil
	})

	id := fs.enqueue("versioned", `{"schema_version":1}`, axiomtypes.LaneSemantic)
	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, axiomtypes.StatusDeadLetter, fs.status(id))
}

func TestUnregisteredEventTypeDeadLetters(t *testing.T) {
	fs := newFakeStore()
	s := New(fs)

	id := fs.enqueue("mystery", `{"schema_version":1}`, axiomtypes.LaneSemantic)
	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, axiomtypes.StatusDeadLetter, fs.status(id))
}

func TestLanesDispatchIndependently(t *testing.T) {
	fs := newFakeStore()
	s := New(fs)
	var lanes []axiomtypes.Lane
	var mu sync.Mutex
	s.Register("dual", 1, 5, func(_ context.Context, ev axiomtypes.OutboxEvent) error {
		mu.Lock()
		lanes = append(lanes, ev.Lane)
		mu.Unlock()
		return nil
	})

	fs.enqueue("dual", `{"schema_version":1}`, axiomtypes.LaneSemantic)
	fs.enqueue("dual", `{"schema_version":1}`, axiomtypes.LaneEmbedding)

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.ElementsMatch(t, []axiomtypes.Lane{axiomtypes.LaneSemantic, axiomtypes.LaneEmbedding}, lanes)
}

func TestReplayOutboxIncludeDeadLetterRedispatchesInPlace(t *testing.T) {
	fs := newFakeStore()
	s := New(fs)
	var replays int
	var mu sync.Mutex
	s.Register("flaky", 1, 5, func(context.Context, axiomtypes.OutboxEvent) error {
		mu.Lock()
		replays++
		mu.Unlock()
		return nil
	})

	id := fs.enqueue("flaky", `{"schema_version":1}`, axiomtypes.LaneSemantic)
	fs.mu.Lock()
	fs.events[id].Status = axiomtypes.StatusDeadLetter
	fs.mu.Unlock()

	// Without the flag the dead letter is untouched.
	n, err := s.ReplayOutbox(context.Background(), 5, false)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, replays)

	// With the flag the handler runs once more, and the row stays
	// dead_letter (terminal absorption).
	n, err = s.ReplayOutbox(context.Background(), 5, true)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, replays)
	require.Equal(t, axiomtypes.StatusDeadLetter, fs.status(id))
}

func TestReplayOutboxDrainsToIdle(t *testing.T) {
	fs := newFakeStore()
	s := New(fs)
	s.Register("chain", 1, 5, func(context.Context, axiomtypes.OutboxEvent) error { return nil })

	for i := 0; i < 60; i++ { // more than one batch
		fs.enqueue("chain", `{"schema_version":1}`, axiomtypes.LaneSemantic)
	}
	n, err := s.ReplayOutbox(context.Background(), 10, false)
	require.NoError(t, err)
	require.Equal(t, 60, n)
}
