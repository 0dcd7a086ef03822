package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"realmcore/internal/domain"
	"realmcore/internal/repo"
)

type applyFunc func(e Engine, ctx context.Context, tx *sql.Tx, a domain.Action) ([]domain.Event, error)

var applyFuncs = map[string]applyFunc{
	ActionMove:  applyMove,
	ActionSay:   applySay,
	ActionYell:  applyYell,
	ActionEmote: applyEmote,
	ActionLook:  applyLook,
	ActionRegen: applyRegen,
}

// ExecuteAction runs one claimed action to completion: locks, transaction,
// idempotency check, apply, commit, publish. A transient error leaves the
// store untouched so re-delivery is safe; a domain refusal commits as a
// cmd.*.error event and is final.
func (e Engine) ExecuteAction(ctx context.Context, a domain.Action) ([]domain.Event, error) {
	if a.Type == ActionScript {
		return e.executeScriptAction(ctx, a)
	}

	apply, ok := applyFuncs[a.Type]
	if !ok {
		return nil, fmt.Errorf("action %s: unknown type %q", a.ID, a.Type)
	}

	release, err := e.Locks.Acquire(ctx, a.Locks, e.Config.LockWait())
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", a.ID, err)
	}
	// Locks protect mutation only. They must be gone before subscribers run,
	// or a reaction script touching the same room would wait on this action's
	// own locks.
	var once sync.Once
	unlock := func() { once.Do(release) }
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Re-delivery of an applied action replays its recorded events and
	// changes nothing.
	if ids, err := e.Repo.GetAppliedEvents(ctx, tx, a.IdempotencyKey); err == nil {
		evts, err := e.Repo.GetEventsTx(ctx, tx, ids)
		if err != nil {
			return nil, err
		}
		if err := e.Repo.MarkActionApplied(ctx, tx, a.ID); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return evts, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	evts, err := apply(e, ctx, tx, a)
	if err != nil {
		var rej *Rejection
		if !errors.As(err, &rej) {
			return nil, fmt.Errorf("action %s: %w", a.ID, err)
		}
		evts, err = e.appendErrorEvent(ctx, tx, a, rej)
		if err != nil {
			return nil, err
		}
	}

	ids := make([]int64, 0, len(evts))
	for _, evt := range evts {
		ids = append(ids, evt.ID)
	}
	if err := e.Repo.RecordApplied(ctx, tx, a.IdempotencyKey, a.ID, ids, e.nowRFC3339()); err != nil {
		return nil, err
	}
	if err := e.Repo.MarkActionApplied(ctx, tx, a.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	unlock()
	if e.Pub != nil {
		e.Pub.Publish(evts)
	}
	return evts, nil
}

// executeScriptAction replays queued trigger script segments. It holds no
// aggregate locks itself; each segment becomes a command whose own actions
// lock what they touch.
func (e Engine) executeScriptAction(ctx context.Context, a domain.Action) ([]domain.Event, error) {
	applied, err := e.scriptAlreadyApplied(ctx, a.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if applied {
		return nil, nil
	}

	var payload scriptPayload
	if err := json.Unmarshal([]byte(a.PayloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("action %s payload: %w", a.ID, err)
	}
	// Segment command IDs derive from the script action so a crash before the
	// ledger write replays onto the same entries instead of mutating twice.
	for i, segment := range payload.Segments {
		cmd := domain.Command{
			ID:           scriptCommandID(a.ID, i),
			Actor:        a.Actor,
			Type:         "cmd.text",
			Text:         segment,
			SkipTriggers: true,
			IssuerScope:  payload.IssuerScope,
		}
		if _, err := e.SubmitCommand(ctx, cmd, a.WorldID); err != nil {
			return nil, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.RecordApplied(ctx, tx, a.IdempotencyKey, a.ID, nil, e.nowRFC3339()); err != nil {
		return nil, err
	}
	if err := e.Repo.MarkActionApplied(ctx, tx, a.ID); err != nil {
		return nil, err
	}
	return nil, tx.Commit()
}

func (e Engine) scriptAlreadyApplied(ctx context.Context, idempotencyKey string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	_, err = e.Repo.GetAppliedEvents(ctx, tx, idempotencyKey)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (e Engine) appendErrorEvent(ctx context.Context, tx *sql.Tx, a domain.Action, rej *Rejection) ([]domain.Event, error) {
	evt := domain.Event{
		Type:       fmt.Sprintf("cmd.%s.error", a.Type),
		WorldID:    a.WorldID,
		RoutingKey: fmt.Sprintf("actor.%s", a.Actor.Key()),
		Recipients: []string{a.Actor.Key()},
		ActorKey:   a.Actor.Key(),
		ActionID:   a.ID,
		CommandID:  a.CommandID,
		Text:       rej.Text,
	}
	return e.appendTx(ctx, tx, evt, map[string]any{"error": rej.Text, "code": rej.Code})
}

// appendTx appends one event inside the action's transaction and returns it
// with its assigned log ID.
func (e Engine) appendTx(ctx context.Context, tx *sql.Tx, evt domain.Event, payload map[string]any) ([]domain.Event, error) {
	id, err := e.Events.Append(ctx, tx, evt, payload)
	if err != nil {
		return nil, err
	}
	evt.ID = id
	data, _ := json.Marshal(payload)
	evt.PayloadJSON = string(data)
	evt.CreatedAt = e.nowRFC3339()
	return []domain.Event{evt}, nil
}
