package trigger

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"realmcore/internal/domain"
	"realmcore/internal/repo"
)

// Sink runs trigger script lines as actor commands. Script commands carry the
// skip-triggers tag so their effects do not re-enter dispatch.
type Sink interface {
	RunScriptLine(ctx context.Context, actor domain.ActorRef, segments []string, issuerScope string) error
	ScheduleScriptLine(ctx context.Context, actor domain.ActorRef, segments []string, delay time.Duration, issuerScope string) error
}

// Result reports how a command fallback dispatch ended.
type Result struct {
	Handled  bool
	Feedback string
}

// Router resolves committed events and unhandled commands to trigger
// subscriptions and fires their scripts.
type Router struct {
	Repo      repo.Repo
	Gate      *Gate
	Sink      Sink
	Heartbeat time.Duration
	Logger    *log.Logger
}

// Notify implements events.Subscriber. Only committed facts arrive here.
func (r *Router) Notify(e domain.Event) {
	ctx := context.Background()
	switch strings.ToLower(strings.TrimSpace(e.Type)) {
	case "cmd.say.success":
		r.onSaySuccess(ctx, e)
	case "cmd.move.success":
		r.onMoveSuccess(ctx, e)
	}
}

func (r *Router) onSaySuccess(ctx context.Context, e domain.Event) {
	actor, err := domain.ParseActorRef(e.ActorKey)
	if err != nil || !actor.Primary() {
		return
	}
	c, err := r.Repo.GetCharacter(ctx, actor.ID)
	if err != nil {
		return
	}
	r.RunMobEventTriggers(ctx, domain.TriggerEventSaying, actor, e.WorldID, c.RoomID, e.Text)
}

func (r *Router) onMoveSuccess(ctx context.Context, e domain.Event) {
	actor, err := domain.ParseActorRef(e.ActorKey)
	if err != nil || !actor.Primary() {
		return
	}
	c, err := r.Repo.GetCharacter(ctx, actor.ID)
	if err != nil {
		return
	}
	r.RunMobEventTriggers(ctx, domain.TriggerEventEntering, actor, e.WorldID, c.RoomID, "")
}

// RunMobEventTriggers fires reaction triggers for mobs present in the room.
// The reacting mob is the script actor.
func (r *Router) RunMobEventTriggers(ctx context.Context, event string, actor domain.ActorRef, worldID, roomID int64, optionText string) {
	mobs, err := r.Repo.ListMobsInRoom(ctx, roomID)
	if err != nil {
		r.logf("list mobs for %s triggers: %v", event, err)
		return
	}
	for _, mob := range mobs {
		triggers, err := r.Repo.ListTriggers(ctx, repo.TriggerFilters{
			WorldID:    worldID,
			Kind:       domain.TriggerKindEvent,
			Event:      event,
			TargetKind: "mob",
			TargetID:   mob.ID,
			ActiveOnly: true,
		})
		if err != nil {
			r.logf("list %s triggers for mob %d: %v", event, mob.ID, err)
			continue
		}
		for _, t := range triggers {
			if !matchEventTrigger(t, event, optionText) {
				continue
			}
			scopeKey := fmt.Sprintf("mob:%d", mob.ID)
			if !r.Gate.Allowed(t, scopeKey) {
				continue
			}
			r.Gate.Consume(t, scopeKey)
			r.fireScript(ctx, mob.ActorRef(), t)
		}
	}
}

// RunPeriodic fires periodic reaction triggers for every mob in the world.
// Driven by the scheduler heartbeat.
func (r *Router) RunPeriodic(ctx context.Context, worldID int64) {
	mobs, err := r.Repo.ListMobsInWorld(ctx, worldID)
	if err != nil {
		r.logf("list mobs for periodic triggers: %v", err)
		return
	}
	for _, mob := range mobs {
		triggers, err := r.Repo.ListTriggers(ctx, repo.TriggerFilters{
			WorldID:    worldID,
			Kind:       domain.TriggerKindEvent,
			Event:      domain.TriggerEventPeriodic,
			TargetKind: "mob",
			TargetID:   mob.ID,
			ActiveOnly: true,
		})
		if err != nil {
			r.logf("list periodic triggers for mob %d: %v", mob.ID, err)
			continue
		}
		for _, t := range triggers {
			scopeKey := fmt.Sprintf("mob:%d", mob.ID)
			if !r.Gate.Allowed(t, scopeKey) {
				continue
			}
			r.Gate.Consume(t, scopeKey)
			r.fireScript(ctx, mob.ActorRef(), t)
		}
	}
}

// RunCommandFallback consults command triggers for text the command table
// did not recognize. The first gated match stops dispatch with the gated
// feedback so players get a consistent "not yet" answer.
func (r *Router) RunCommandFallback(ctx context.Context, actor domain.ActorRef, worldID, roomID int64, text string) (Result, error) {
	commandText := strings.ToLower(strings.TrimSpace(text))
	if commandText == "" {
		return Result{}, nil
	}
	triggers, room, err := r.applicableCommandTriggers(ctx, worldID, roomID)
	if err != nil {
		return Result{}, err
	}
	matchedAny := false
	executedAny := false
	for _, t := range triggers {
		if !matchCommandTrigger(t, commandText) {
			continue
		}
		matchedAny = true
		scopeKey := commandScopeKey(t, room)
		if !r.Gate.Allowed(t, scopeKey) {
			return Result{Handled: true, Feedback: GatedText}, nil
		}
		r.Gate.Consume(t, scopeKey)
		r.fireScript(ctx, actor, t)
		executedAny = true
	}
	if executedAny || matchedAny {
		return Result{Handled: true}, nil
	}
	return Result{}, nil
}

// ActionLabels returns the visible action labels for a room, used by look.
// Gated triggers hide their labels until the gate clears.
func (r *Router) ActionLabels(ctx context.Context, worldID, roomID int64) ([]string, error) {
	triggers, room, err := r.applicableCommandTriggers(ctx, worldID, roomID)
	if err != nil {
		return nil, err
	}
	var labels []string
	seen := map[string]bool{}
	for _, t := range triggers {
		if !t.DisplayActionInRoom {
			continue
		}
		label := FirstTerm(t.Match)
		if label == "" || seen[label] {
			continue
		}
		if !r.Gate.Allowed(t, commandScopeKey(t, room)) {
			continue
		}
		seen[label] = true
		labels = append(labels, label)
	}
	return labels, nil
}

func (r *Router) applicableCommandTriggers(ctx context.Context, worldID, roomID int64) ([]domain.Trigger, domain.Room, error) {
	room, err := r.Repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, room, err
	}
	all, err := r.Repo.ListTriggers(ctx, repo.TriggerFilters{
		WorldID:    worldID,
		Kind:       domain.TriggerKindCommand,
		ActiveOnly: true,
	})
	if err != nil {
		return nil, room, err
	}
	var res []domain.Trigger
	for _, t := range all {
		switch t.Scope {
		case domain.TriggerScopeRoom:
			if t.TargetKind == "room" && t.TargetID == room.ID {
				res = append(res, t)
			}
		case domain.TriggerScopeZone:
			if room.ZoneID != nil && t.TargetKind == "zone" && t.TargetID == *room.ZoneID {
				res = append(res, t)
			}
		case domain.TriggerScopeWorld:
			if t.TargetKind == "" || (t.TargetKind == "world" && t.TargetID == worldID) {
				res = append(res, t)
			}
		}
	}
	return res, room, nil
}

func commandScopeKey(t domain.Trigger, room domain.Room) string {
	switch t.Scope {
	case domain.TriggerScopeZone:
		if room.ZoneID != nil {
			return fmt.Sprintf("zone:%d", *room.ZoneID)
		}
	case domain.TriggerScopeWorld:
		return fmt.Sprintf("world:%d", room.WorldID)
	}
	return fmt.Sprintf("room:%d", room.ID)
}

// fireScript runs the first script line synchronously and schedules each
// following line one heartbeat further out. If scheduling fails the line runs
// immediately; losing the pacing beats losing the effect.
func (r *Router) fireScript(ctx context.Context, actor domain.ActorRef, t domain.Trigger) {
	lines := SplitScriptLines(t.Script)
	if len(lines) == 0 {
		return
	}
	if err := r.Sink.RunScriptLine(ctx, actor, lines[0], t.Scope); err != nil {
		r.logf("trigger %d script line 1: %v", t.ID, err)
	}
	for i, line := range lines[1:] {
		delay := time.Duration(i+1) * r.Heartbeat
		if err := r.Sink.ScheduleScriptLine(ctx, actor, line, delay, t.Scope); err != nil {
			r.logf("trigger %d schedule line %d: %v, running now", t.ID, i+2, err)
			if err := r.Sink.RunScriptLine(ctx, actor, line, t.Scope); err != nil {
				r.logf("trigger %d script line %d: %v", t.ID, i+2, err)
			}
		}
	}
}

func matchEventTrigger(t domain.Trigger, event, optionText string) bool {
	switch event {
	case domain.TriggerEventSaying:
		if strings.TrimSpace(t.Match) != "" {
			ok, err := EvaluateExpression(t.Match, func(term string) bool {
				return PhraseTermMatch(optionText, term)
			}, false)
			return err == nil && ok
		}
		if strings.TrimSpace(t.Option) != "" {
			return PhraseTermMatch(optionText, t.Option)
		}
		return false
	case domain.TriggerEventEntering, domain.TriggerEventPeriodic:
		return true
	case domain.TriggerEventReceive:
		if strings.TrimSpace(t.Option) == "" {
			return false
		}
		return ExactTermMatch(optionText, t.Option)
	}
	return false
}

func matchCommandTrigger(t domain.Trigger, commandText string) bool {
	ok, err := EvaluateExpression(t.Match, func(term string) bool {
		return ExactTermMatch(commandText, term)
	}, false)
	return err == nil && ok
}

func (r *Router) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
	}
}
