package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"realmcore/internal/config"
	"realmcore/internal/domain"
	"realmcore/internal/engine"
	"realmcore/internal/repo"
	"realmcore/internal/trigger"
)

// Scheduler drives one world: it wakes due actions from the queue, retries
// transient failures with backoff, and pumps the heartbeat that feeds regen
// and periodic triggers. Worlds are independent; there is no cross-world
// coordination.
type Scheduler struct {
	Repo   repo.Repo
	Engine engine.Engine
	Router *trigger.Router
	Config *config.Config
	Logger *log.Logger
	Now    func() time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

// Run blocks until the context is cancelled. Interrupted work from a
// previous run is returned to the queue before workers start.
func (s *Scheduler) Run(ctx context.Context, worldID int64) error {
	recovered, err := s.Repo.RecoverRunningActions(ctx, worldID)
	if err != nil {
		return fmt.Errorf("recover running actions: %w", err)
	}
	if recovered > 0 {
		s.logf("world %d: requeued %d interrupted actions", worldID, recovered)
	}

	for i := 0; i < s.Config.Runtime.Workers; i++ {
		go s.worker(ctx, worldID)
	}

	heartbeat := time.NewTicker(s.Config.Heartbeat())
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			s.pumpHeartbeat(ctx, worldID)
		}
	}
}

func (s *Scheduler) worker(ctx context.Context, worldID int64) {
	poll := time.NewTicker(s.Config.PollInterval())
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			s.drainDue(ctx, worldID)
		}
	}
}

func (s *Scheduler) drainDue(ctx context.Context, worldID int64) {
	for {
		if ctx.Err() != nil {
			return
		}
		a, err := s.Repo.ClaimDueAction(ctx, worldID, s.now().UTC().Format(time.RFC3339))
		if errors.Is(err, repo.ErrNotFound) {
			return
		}
		if err != nil {
			s.logf("world %d: claim action: %v", worldID, err)
			return
		}
		s.execute(ctx, a)
	}
}

// execute runs one claimed action. Errors here are transient by definition;
// domain refusals commit inside the engine as error events.
func (s *Scheduler) execute(ctx context.Context, a domain.Action) {
	_, err := s.Engine.ExecuteAction(ctx, a)
	if err == nil {
		return
	}
	if a.Attempts >= s.Config.Runtime.MaxAttempts {
		s.logf("action %s failed after %d attempts: %v", a.ID, a.Attempts, err)
		if markErr := s.Repo.MarkActionFailed(ctx, a.ID); markErr != nil {
			s.logf("action %s: mark failed: %v", a.ID, markErr)
		}
		return
	}
	backoff := time.Duration(a.Attempts) * s.Config.RetryBackoff()
	runAt := s.now().Add(backoff).UTC().Format(time.RFC3339)
	s.logf("action %s attempt %d: %v, retrying at %s", a.ID, a.Attempts, err, runAt)
	if reschedErr := s.Repo.RescheduleAction(ctx, a.ID, runAt); reschedErr != nil {
		s.logf("action %s: reschedule: %v", a.ID, reschedErr)
	}
}

// pumpHeartbeat enqueues the regen tick for the current window and fires
// periodic mob triggers. The regen idempotency key is the window itself, so
// a crashed-and-recovered tick applies once.
func (s *Scheduler) pumpHeartbeat(ctx context.Context, worldID int64) {
	window := s.now().UTC().Truncate(s.Config.Heartbeat()).Unix()
	payload, _ := json.Marshal(map[string]any{"amount": 1})
	a := domain.Action{
		ID:             uuid.NewString(),
		Type:           engine.ActionRegen,
		WorldID:        worldID,
		Actor:          domain.ActorRef{Kind: domain.ActorSystem, ID: worldID},
		PayloadJSON:    string(payload),
		IdempotencyKey: fmt.Sprintf("regen:%d:%d", worldID, window),
		Locks:          []domain.AggregateRef{{Kind: domain.AggregateInstance, ID: worldID}},
		RunAt:          s.now().UTC().Format(time.RFC3339),
		Status:         domain.ActionPending,
		CreatedAt:      s.now().UTC().Format(time.RFC3339),
	}
	if err := s.Repo.EnqueueAction(ctx, a); err != nil {
		s.logf("world %d: enqueue regen: %v", worldID, err)
	}
	if s.Router != nil {
		s.Router.RunPeriodic(ctx, worldID)
	}
}
