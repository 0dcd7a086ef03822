package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"realmcore/internal/domain"
)

// Action types on the durable queue.
const (
	ActionMove   = "move"
	ActionSay    = "say"
	ActionYell   = "yell"
	ActionEmote  = "emote"
	ActionLook   = "look"
	ActionScript = "script"
	ActionRegen  = "regen"
)

var errUnknownCommand = errors.New("unknown command")

// commandSpec binds a text command to its planner. Resolution walks the
// table in registration order and accepts unambiguous prefixes, so "n" is
// north and "e" is east, not emote.
type commandSpec struct {
	name       string
	actorKinds []domain.ActorKind
	plan       func(e Engine, ctx context.Context, cmd domain.Command, worldID int64, args string) (string, any, []domain.AggregateRef, error)
}

var directions = []string{"north", "east", "south", "west", "up", "down"}

var reverseDirections = map[string]string{
	"north": "south",
	"south": "north",
	"east":  "west",
	"west":  "east",
	"up":    "down",
	"down":  "up",
}

func playerAndMob() []domain.ActorKind {
	return []domain.ActorKind{domain.ActorPlayer, domain.ActorMob}
}

var commandTable = []commandSpec{
	{name: "north", actorKinds: playerAndMob(), plan: planDirection("north")},
	{name: "east", actorKinds: playerAndMob(), plan: planDirection("east")},
	{name: "south", actorKinds: playerAndMob(), plan: planDirection("south")},
	{name: "west", actorKinds: playerAndMob(), plan: planDirection("west")},
	{name: "up", actorKinds: playerAndMob(), plan: planDirection("up")},
	{name: "down", actorKinds: playerAndMob(), plan: planDirection("down")},
	{name: "look", actorKinds: []domain.ActorKind{domain.ActorPlayer}, plan: planLook},
	{name: "say", actorKinds: playerAndMob(), plan: planSay},
	{name: "yell", actorKinds: playerAndMob(), plan: planYell},
	{name: "emote", actorKinds: playerAndMob(), plan: planEmote},
	{name: "move", actorKinds: playerAndMob(), plan: planMove},
}

func resolveCommand(token string) *commandSpec {
	token = strings.ToLower(strings.TrimSpace(token))
	if token == "" {
		return nil
	}
	for i := range commandTable {
		if strings.HasPrefix(commandTable[i].name, token) {
			return &commandTable[i]
		}
	}
	return nil
}

func firstToken(text string) string {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

func commandName(cmd domain.Command) string {
	if spec := resolveCommand(firstToken(cmd.Text)); spec != nil {
		return spec.name
	}
	return ""
}

// Plan expands a command into its actions. A planning refusal comes back as
// a Rejection; text that resolves to no command returns errUnknownCommand so
// the caller can consult command triggers.
func (e Engine) Plan(ctx context.Context, cmd domain.Command, worldID int64) ([]domain.Action, error) {
	var specName, args string
	switch cmd.Type {
	case "cmd.structured":
		name, _ := cmd.Payload["name"].(string)
		text, _ := cmd.Payload["text"].(string)
		specName, args = name, text
	default:
		token := firstToken(cmd.Text)
		if token == "" {
			return nil, reject("empty_command", "Nothing to do.")
		}
		spec := resolveCommand(token)
		if spec == nil {
			return nil, errUnknownCommand
		}
		specName = spec.name
		args = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(cmd.Text), token))
	}

	var spec *commandSpec
	for i := range commandTable {
		if commandTable[i].name == specName {
			spec = &commandTable[i]
			break
		}
	}
	if spec == nil {
		return nil, errUnknownCommand
	}
	if !actorAllowed(spec, cmd.Actor.Kind) {
		return nil, reject("forbidden_actor", fmt.Sprintf("%ss cannot execute %s.", capitalize(string(cmd.Actor.Kind)), spec.name))
	}

	actionType, payload, locks, err := spec.plan(e, ctx, cmd, worldID, args)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	a := domain.Action{
		ID:             uuid.NewString(),
		Type:           actionType,
		WorldID:        worldID,
		Actor:          cmd.Actor,
		PayloadJSON:    string(data),
		IdempotencyKey: idempotencyKey(cmd.ID, 0),
		Locks:          locks,
		CommandID:      cmd.ID,
		RunAt:          e.nowRFC3339(),
		Status:         domain.ActionPending,
		SkipTriggers:   cmd.SkipTriggers,
		CreatedAt:      e.nowRFC3339(),
	}
	return []domain.Action{a}, nil
}

func actorAllowed(spec *commandSpec, kind domain.ActorKind) bool {
	for _, k := range spec.actorKinds {
		if k == kind {
			return true
		}
	}
	return false
}

type movePayload struct {
	Direction string `json:"direction"`
}

type textPayload struct {
	Text string `json:"text"`
}

type scriptPayload struct {
	Segments    []string `json:"segments"`
	IssuerScope string   `json:"issuer_scope,omitempty"`
}

type regenPayload struct {
	Amount int `json:"amount"`
}

func planDirection(direction string) func(Engine, context.Context, domain.Command, int64, string) (string, any, []domain.AggregateRef, error) {
	return func(e Engine, ctx context.Context, cmd domain.Command, worldID int64, _ string) (string, any, []domain.AggregateRef, error) {
		locks, err := e.moveLocks(ctx, cmd.Actor)
		if err != nil {
			return "", nil, nil, err
		}
		return ActionMove, movePayload{Direction: direction}, locks, nil
	}
}

func planMove(e Engine, ctx context.Context, cmd domain.Command, worldID int64, args string) (string, any, []domain.AggregateRef, error) {
	direction := resolveDirection(args)
	if direction == "" {
		return "", nil, nil, reject("invalid_direction", "Unknown direction.")
	}
	locks, err := e.moveLocks(ctx, cmd.Actor)
	if err != nil {
		return "", nil, nil, err
	}
	return ActionMove, movePayload{Direction: direction}, locks, nil
}

func resolveDirection(args string) string {
	token := firstToken(args)
	if token == "" {
		return ""
	}
	for _, d := range directions {
		if strings.HasPrefix(d, token) {
			return d
		}
	}
	return ""
}

func planSay(e Engine, ctx context.Context, cmd domain.Command, worldID int64, args string) (string, any, []domain.AggregateRef, error) {
	if strings.TrimSpace(args) == "" {
		return "", nil, nil, reject("invalid_args", "Say what?")
	}
	locks, err := e.roomLocks(ctx, cmd.Actor)
	if err != nil {
		return "", nil, nil, err
	}
	return ActionSay, textPayload{Text: strings.TrimSpace(args)}, locks, nil
}

func planYell(e Engine, ctx context.Context, cmd domain.Command, worldID int64, args string) (string, any, []domain.AggregateRef, error) {
	if strings.TrimSpace(args) == "" {
		return "", nil, nil, reject("invalid_args", "What do you want to yell?")
	}
	locks, err := e.roomLocks(ctx, cmd.Actor)
	if err != nil {
		return "", nil, nil, err
	}
	return ActionYell, textPayload{Text: strings.TrimSpace(args)}, locks, nil
}

func planEmote(e Engine, ctx context.Context, cmd domain.Command, worldID int64, args string) (string, any, []domain.AggregateRef, error) {
	if strings.TrimSpace(args) == "" {
		return "", nil, nil, reject("invalid_args", "What do you want to express?")
	}
	locks, err := e.roomLocks(ctx, cmd.Actor)
	if err != nil {
		return "", nil, nil, err
	}
	return ActionEmote, textPayload{Text: strings.TrimSpace(args)}, locks, nil
}

func planLook(e Engine, ctx context.Context, cmd domain.Command, worldID int64, _ string) (string, any, []domain.AggregateRef, error) {
	// Read-only; executes against a bounded-staleness snapshot without locks.
	return ActionLook, struct{}{}, nil, nil
}

// moveLocks covers the moving actor and its current room. The destination
// room row is never mutated by a move, so it stays unlocked.
func (e Engine) moveLocks(ctx context.Context, actor domain.ActorRef) ([]domain.AggregateRef, error) {
	roomID, aggregate, err := e.actorRoomAggregate(ctx, actor)
	if err != nil {
		return nil, err
	}
	return []domain.AggregateRef{
		{Kind: domain.AggregateRoom, ID: roomID},
		aggregate,
	}, nil
}

func (e Engine) roomLocks(ctx context.Context, actor domain.ActorRef) ([]domain.AggregateRef, error) {
	roomID, _, err := e.actorRoomAggregate(ctx, actor)
	if err != nil {
		return nil, err
	}
	return []domain.AggregateRef{{Kind: domain.AggregateRoom, ID: roomID}}, nil
}

func (e Engine) actorRoomAggregate(ctx context.Context, actor domain.ActorRef) (int64, domain.AggregateRef, error) {
	switch actor.Kind {
	case domain.ActorPlayer:
		c, err := e.Repo.GetCharacter(ctx, actor.ID)
		if err != nil {
			return 0, domain.AggregateRef{}, err
		}
		return c.RoomID, domain.AggregateRef{Kind: domain.AggregateCharacter, ID: c.ID}, nil
	case domain.ActorMob:
		m, err := e.Repo.GetMob(ctx, actor.ID)
		if err != nil {
			return 0, domain.AggregateRef{}, err
		}
		return m.RoomID, domain.AggregateRef{Kind: domain.AggregateMob, ID: m.ID}, nil
	}
	return 0, domain.AggregateRef{}, reject("no_room", "You are nowhere. Cannot move.")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
