package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"realmcore/internal/config"
	"realmcore/internal/domain"
	"realmcore/internal/events"
	"realmcore/internal/repo"
	"realmcore/internal/trigger"
)

// Engine runs the command pipeline: it plans commands into actions, executes
// actions under aggregate locks, and appends the resulting events.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Pub    *events.Publisher
	Locks  *Locks
	Router *trigger.Router
	Config *config.Config
	Now    func() time.Time
	Logger *log.Logger
}

// Rejection is a deterministic domain refusal. It becomes a cmd.*.error
// event for the issuer and is never retried.
type Rejection struct {
	Code string
	Text string
}

func (r *Rejection) Error() string { return r.Text }

func reject(code, text string) error {
	return &Rejection{Code: code, Text: text}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// idempotencyKey derives a stable key for the i-th action of a command, so a
// re-planned command maps onto the same ledger entries.
func idempotencyKey(commandID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("realmcore:%s:%d", commandID, index))).String()
}

// scriptCommandID derives a stable command ID for the i-th segment of a
// durable script action, so re-delivered segments share ledger entries.
func scriptCommandID(actionID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("realmcore:script:%s:%d", actionID, index))).String()
}

// SubmitCommand validates and plans a command, executes its due actions, and
// returns the committed events. Unknown text falls through to command
// triggers unless the command carries the skip-triggers tag.
func (e Engine) SubmitCommand(ctx context.Context, cmd domain.Command, worldID int64) ([]domain.Event, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.ReceivedAt == "" {
		cmd.ReceivedAt = e.nowRFC3339()
	}

	actions, err := e.Plan(ctx, cmd, worldID)
	if err != nil {
		var rej *Rejection
		if errors.As(err, &rej) {
			return e.emitCommandError(ctx, cmd, worldID, rej)
		}
		if errors.Is(err, errUnknownCommand) {
			return e.dispatchFallback(ctx, cmd, worldID)
		}
		return nil, err
	}

	var out []domain.Event
	for _, a := range actions {
		if a.RunAt > e.nowRFC3339() {
			if err := e.Repo.EnqueueAction(ctx, a); err != nil {
				return out, err
			}
			continue
		}
		evts, err := e.ExecuteAction(ctx, a)
		if err != nil {
			// Transient failure on the synchronous path: park the action on
			// the queue so delivery still happens at least once.
			if enqErr := e.Repo.EnqueueAction(ctx, a); enqErr != nil {
				return out, fmt.Errorf("execute action %s: %v, enqueue: %w", a.ID, err, enqErr)
			}
			e.logf("action %s deferred to queue: %v", a.ID, err)
			continue
		}
		out = append(out, evts...)
	}
	return out, nil
}

func (e Engine) dispatchFallback(ctx context.Context, cmd domain.Command, worldID int64) ([]domain.Event, error) {
	if !cmd.SkipTriggers && e.Router != nil && cmd.Actor.Primary() {
		c, err := e.Repo.GetCharacter(ctx, cmd.Actor.ID)
		if err == nil {
			res, err := e.Router.RunCommandFallback(ctx, cmd.Actor, worldID, c.RoomID, cmd.Text)
			if err != nil {
				return nil, err
			}
			if res.Handled {
				if res.Feedback == "" {
					return nil, nil
				}
				return e.appendLooseEvent(ctx, domain.Event{
					Type:       "cmd.text.trigger",
					WorldID:    worldID,
					RoutingKey: fmt.Sprintf("actor.%s", cmd.Actor.Key()),
					Recipients: []string{cmd.Actor.Key()},
					ActorKey:   cmd.Actor.Key(),
					CommandID:  cmd.ID,
					Text:       res.Feedback,
				}, events.EventPayload{"text": res.Feedback})
			}
		}
	}
	token := firstToken(cmd.Text)
	return e.emitCommandError(ctx, cmd, worldID, &Rejection{
		Code: "unknown_command",
		Text: fmt.Sprintf("Unknown command: %s", token),
	})
}

func (e Engine) emitCommandError(ctx context.Context, cmd domain.Command, worldID int64, rej *Rejection) ([]domain.Event, error) {
	evtType := "cmd.text.error"
	if name := commandName(cmd); name != "" {
		evtType = fmt.Sprintf("cmd.%s.error", name)
	}
	return e.appendLooseEvent(ctx, domain.Event{
		Type:       evtType,
		WorldID:    worldID,
		RoutingKey: fmt.Sprintf("actor.%s", cmd.Actor.Key()),
		Recipients: []string{cmd.Actor.Key()},
		ActorKey:   cmd.Actor.Key(),
		CommandID:  cmd.ID,
		Text:       rej.Text,
	}, events.EventPayload{"error": rej.Text, "code": rej.Code})
}

// appendLooseEvent writes a single event outside any action, in its own
// transaction, and publishes it.
func (e Engine) appendLooseEvent(ctx context.Context, evt domain.Event, payload events.EventPayload) ([]domain.Event, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	id, err := e.Events.Append(ctx, tx, evt, payload)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	evt.ID = id
	data, _ := json.Marshal(payload)
	evt.PayloadJSON = string(data)
	evt.CreatedAt = e.nowRFC3339()
	if e.Pub != nil {
		e.Pub.Publish([]domain.Event{evt})
	}
	return []domain.Event{evt}, nil
}

// RunScriptLine executes trigger script segments as actor commands. Script
// effects never re-enter trigger dispatch.
func (e Engine) RunScriptLine(ctx context.Context, actor domain.ActorRef, segments []string, issuerScope string) error {
	worldID, err := e.actorWorld(ctx, actor)
	if err != nil {
		return err
	}
	for _, segment := range segments {
		cmd := domain.Command{
			Actor:        actor,
			Type:         "cmd.text",
			Text:         segment,
			SkipTriggers: true,
			IssuerScope:  issuerScope,
		}
		if _, err := e.SubmitCommand(ctx, cmd, worldID); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleScriptLine enqueues trigger script segments as a durable script
// action due after the given delay.
func (e Engine) ScheduleScriptLine(ctx context.Context, actor domain.ActorRef, segments []string, delay time.Duration, issuerScope string) error {
	worldID, err := e.actorWorld(ctx, actor)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(scriptPayload{Segments: segments, IssuerScope: issuerScope})
	if err != nil {
		return err
	}
	id := uuid.NewString()
	a := domain.Action{
		ID:             id,
		Type:           ActionScript,
		WorldID:        worldID,
		Actor:          actor,
		PayloadJSON:    string(payload),
		IdempotencyKey: id,
		RunAt:          e.now().Add(delay).UTC().Format(time.RFC3339),
		Status:         domain.ActionPending,
		SkipTriggers:   true,
		CreatedAt:      e.nowRFC3339(),
	}
	return e.Repo.EnqueueAction(ctx, a)
}

func (e Engine) actorWorld(ctx context.Context, actor domain.ActorRef) (int64, error) {
	switch actor.Kind {
	case domain.ActorPlayer:
		c, err := e.Repo.GetCharacter(ctx, actor.ID)
		if err != nil {
			return 0, err
		}
		return c.WorldID, nil
	case domain.ActorMob:
		m, err := e.Repo.GetMob(ctx, actor.ID)
		if err != nil {
			return 0, err
		}
		return m.WorldID, nil
	case domain.ActorWorld:
		return actor.ID, nil
	}
	return 0, fmt.Errorf("actor %s has no world", actor.Key())
}

