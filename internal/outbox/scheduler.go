package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/axiomme/axiomme/internal/axiomtypes"
	"github.com/axiomme/axiomme/internal/corelog"
)

// HandlerFunc applies one outbox event's side effect. Any returned error
// requeues with backoff, except an error built with Permanent (below),
// which fails the event straight to dead_letter (spec.md §4.3, §7
// OmInference taxonomy).
type HandlerFunc func(ctx context.Context, event axiomtypes.OutboxEvent) error

// permanentError marks a handler failure as non-retriable — the event is
// dead-lettered on first occurrence rather than requeued (spec.md §7:
// "permanent -> dead-letter the originating event").
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the scheduler dead-letters the event immediately
// instead of retrying it.
func Permanent(err error) error { return &permanentError{err: err} }

func isPermanent(err error) bool {
	_, ok := err.(*permanentError)
	return ok
}

// envelope is the minimal shape every outbox payload carries for schema
// gating (spec.md §4.3 step 1): a schema_version field the scheduler
// checks against the registered expectation before dispatch.
type envelope struct {
	SchemaVersion int `json:"schema_version"`
}

// stateStore is the subset of *store.Store the scheduler needs, kept as
// an interface so tests can substitute a fake without an import cycle.
type stateStore interface {
	Fetch(ctx context.Context, lane axiomtypes.Lane, status axiomtypes.OutboxStatus, limit int) ([]axiomtypes.OutboxEvent, error)
	FetchDeadLetters(ctx context.Context, lane axiomtypes.Lane, limit int) ([]axiomtypes.OutboxEvent, error)
	MarkStatus(ctx context.Context, id int64, status axiomtypes.OutboxStatus) error
	RequeueWithDelay(ctx context.Context, id int64, seconds int, lastError string) error
	DeadLetter(ctx context.Context, id int64, reason string) error
	RecoverTimedOutProcessingEvents(ctx context.Context, timeoutSecs int) (int, error)
	SetCheckpoint(ctx context.Context, name string, lastEventID int64) error
	GetCheckpoint(ctx context.Context, name string) (int64, error)
}

// Scheduler runs the single-process cooperative dispatch loop described
// in spec.md §4.3 and §5: a worker pulls due events for a lane, dispatches
// each in arrival (ascending id) order, and advances the lane's
// checkpoint after the batch.
type Scheduler struct {
	store    stateStore
	handlers map[string]HandlerFunc
	schemas  map[string]int
	budgets  map[string]int

	batchSize      int
	defaultBudget  int
	recoverTimeout int
	sleep          time.Duration
	idleCycles     int
	stopWhenIdle   bool
}

// New constructs a Scheduler over store. Defaults: batch size 25, attempt
// budget 5, processing-recovery timeout 300s, 200ms inter-cycle sleep.
func New(st stateStore) *Scheduler {
	return &Scheduler{
		store:          st,
		handlers:       map[string]HandlerFunc{},
		schemas:        map[string]int{},
		budgets:        map[string]int{},
		batchSize:      25,
		defaultBudget:  5,
		recoverTimeout: 300,
		sleep:          200 * time.Millisecond,
	}
}

// Register wires a handler for event_type, its expected schema version,
// and (optionally) a non-default attempt budget before dead-lettering.
func (s *Scheduler) Register(eventType string, schemaVersion int, budget int, h HandlerFunc) {
	s.handlers[eventType] = h
	s.schemas[eventType] = schemaVersion
	if budget > 0 {
		s.budgets[eventType] = budget
	}
}

// SetStopWhenIdle configures the scheduler to return from Run after
// idleCycles consecutive empty fetches across all lanes (spec.md §5
// "Suspension points").
func (s *Scheduler) SetStopWhenIdle(idleCycles int) {
	s.stopWhenIdle = true
	s.idleCycles = idleCycles
}

func (s *Scheduler) budgetFor(eventType string) int {
	if b, ok := s.budgets[eventType]; ok {
		return b
	}
	return s.defaultBudget
}

// RecoverOnStartup flips abandoned processing rows back to new, run
// before accepting new work on process restart (spec.md §4.3 "Recovery").
func (s *Scheduler) RecoverOnStartup(ctx context.Context) (int, error) {
	return s.store.RecoverTimedOutProcessingEvents(ctx, s.recoverTimeout)
}

// RunOnce drains up to batchSize due events from each of the two lanes
// (spec.md glossary: "semantic" and "embedding"), dispatching each lane's
// batch concurrently via errgroup — there is no cross-worker parallelism
// *within* a lane, only across lanes (spec.md §4.3 "Scheduling model").
// It returns the total number of events processed (terminal or requeued).
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	counts := make([]int, 2)
	lanes := []axiomtypes.Lane{axiomtypes.LaneSemantic, axiomtypes.LaneEmbedding}
	for i, lane := range lanes {
		i, lane := i, lane
		g.Go(func() error {
			n, err := s.runLane(gctx, lane)
			counts[i] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return counts[0] + counts[1], err
	}
	return counts[0] + counts[1], nil
}

func (s *Scheduler) runLane(ctx context.Context, lane axiomtypes.Lane) (int, error) {
	events, err := s.store.Fetch(ctx, lane, axiomtypes.StatusNew, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch due events for lane %s: %w", lane, err)
	}
	processed := 0
	var maxID int64
	for _, ev := range events {
		if ev.ID > maxID {
			maxID = ev.ID
		}
		if err := s.store.MarkStatus(ctx, ev.ID, axiomtypes.StatusProcessing); err != nil {
			corelog.Errorf("outbox: mark %d processing: %v", ev.ID, err)
			continue
		}
		s.dispatch(ctx, ev)
		processed++
	}
	if maxID > 0 {
		if err := s.store.SetCheckpoint(ctx, "replay_"+string(lane), maxID); err != nil {
			corelog.Warnf("outbox: advance checkpoint for lane %s: %v", lane, err)
		}
	}
	return processed, nil
}

// dispatch applies a single event's handler and transitions its status
// per spec.md §4.3 steps 1-5.
func (s *Scheduler) dispatch(ctx context.Context, ev axiomtypes.OutboxEvent) {
	expected, known := s.schemas[ev.EventType]
	if !known {
		corelog.Warnf("outbox: no handler registered for event_type %q (id=%d)", ev.EventType, ev.ID)
		_ = s.store.DeadLetter(ctx, ev.ID, "unregistered event_type")
		return
	}
	var env envelope
	if err := json.Unmarshal([]byte(ev.PayloadJSON), &env); err != nil || (env.SchemaVersion != 0 && env.SchemaVersion != expected) {
		_ = s.store.DeadLetter(ctx, ev.ID, fmt.Sprintf("schema mismatch: got %d want %d", env.SchemaVersion, expected))
		return
	}

	handler := s.handlers[ev.EventType]
	err := handler(ctx, ev)
	if err == nil {
		if merr := s.store.MarkStatus(ctx, ev.ID, axiomtypes.StatusDone); merr != nil {
			corelog.Errorf("outbox: mark %d done: %v", ev.ID, merr)
		}
		return
	}

	if isPermanent(err) {
		_ = s.store.DeadLetter(ctx, ev.ID, err.Error())
		return
	}

	nextAttempt := ev.AttemptCount + 1
	if nextAttempt >= s.budgetFor(ev.EventType) {
		_ = s.store.DeadLetter(ctx, ev.ID, fmt.Sprintf("attempt budget exhausted: %v", err))
		return
	}
	delay := Backoff(ev.EventType, nextAttempt, ev.ID)
	if rerr := s.store.RequeueWithDelay(ctx, ev.ID, delay, err.Error()); rerr != nil {
		corelog.Errorf("outbox: requeue %d: %v", ev.ID, rerr)
	}
}

// Run loops RunOnce until ctx is cancelled, sleeping sleep between
// cycles. If SetStopWhenIdle was configured, it returns after idleCycles
// consecutive cycles processed zero events (spec.md §5 "Suspension
// points": "a stop_when_idle flag triggers exit after idle_cycles
// consecutive empty fetches").
func (s *Scheduler) Run(ctx context.Context) error {
	idle := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := s.RunOnce(ctx)
		if err != nil {
			corelog.Errorf("outbox: run cycle: %v", err)
		}
		if n == 0 {
			idle++
			if s.stopWhenIdle && idle >= s.idleCycles {
				return nil
			}
		} else {
			idle = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.sleep):
		}
	}
}

// ReplayOutbox drains lanes repeatedly until both report zero processed
// events in a cycle, used by add_resource(wait=true) and the CLI's
// replay_outbox operation to run the scheduler synchronously to
// completion (spec.md §4.5, §8 scenario S3). With includeDeadLetter,
// retained dead_letter rows are re-dispatched once, diagnostically,
// before the drain: their handlers run again but the rows keep their
// terminal status — dead letters are audit evidence and never leave it
// (spec.md §3 "terminal absorption", §8 invariant 2).
func (s *Scheduler) ReplayOutbox(ctx context.Context, maxCycles int, includeDeadLetter bool) (int, error) {
	total := 0
	if includeDeadLetter {
		n, err := s.replayDeadLetters(ctx)
		if err != nil {
			return total, err
		}
		total += n
	}
	for i := 0; i < maxCycles; i++ {
		n, err := s.RunOnce(ctx)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			break
		}
	}
	return total, nil
}

// replayDeadLetters runs each lane's dead_letter rows back through
// their registered handlers in id order. Outcomes are logged only; no
// status transition happens either way. Rows whose event_type has no
// handler, or whose replayed handler fails again, simply stay where
// they are.
func (s *Scheduler) replayDeadLetters(ctx context.Context) (int, error) {
	replayed := 0
	for _, lane := range []axiomtypes.Lane{axiomtypes.LaneSemantic, axiomtypes.LaneEmbedding} {
		events, err := s.store.FetchDeadLetters(ctx, lane, s.batchSize)
		if err != nil {
			return replayed, fmt.Errorf("fetch dead letters for lane %s: %w", lane, err)
		}
		for _, ev := range events {
			handler, ok := s.handlers[ev.EventType]
			if !ok {
				continue
			}
			if err := handler(ctx, ev); err != nil {
				corelog.Warnf("outbox: dead-letter replay of %d (%s) failed again: %v", ev.ID, ev.EventType, err)
			} else {
				corelog.Printf("outbox: dead-letter replay of %d (%s) succeeded; row retained for audit", ev.ID, ev.EventType)
			}
			replayed++
		}
	}
	return replayed, nil
}
