package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// ActorKind enumerates who can issue a Command. Dispatch is table-driven on
// this enum rather than on concrete aggregate types.
type ActorKind string

const (
	ActorPlayer ActorKind = "player"
	ActorMob    ActorKind = "mob"
	ActorRoom   ActorKind = "room"
	ActorZone   ActorKind = "zone"
	ActorWorld  ActorKind = "world"
	ActorSystem ActorKind = "system"
)

// ActorRef identifies the issuer of a Command or Action.
type ActorRef struct {
	Kind ActorKind `json:"kind"`
	ID   int64     `json:"id"`
}

func (a ActorRef) Key() string {
	return fmt.Sprintf("%s.%d", a.Kind, a.ID)
}

func (a ActorRef) IsZero() bool { return a.Kind == "" }

// Primary reports whether the actor is an embodied player issuer. Only
// primary actors are eligible for trigger dispatch and bridge forwarding.
func (a ActorRef) Primary() bool { return a.Kind == ActorPlayer }

// ParseActorRef parses keys of the form "player.12".
func ParseActorRef(key string) (ActorRef, error) {
	kind, idText, ok := strings.Cut(strings.TrimSpace(key), ".")
	if !ok {
		return ActorRef{}, fmt.Errorf("invalid actor key %q", key)
	}
	id, err := strconv.ParseInt(idText, 10, 64)
	if err != nil {
		return ActorRef{}, fmt.Errorf("invalid actor key %q", key)
	}
	switch ActorKind(kind) {
	case ActorPlayer, ActorMob, ActorRoom, ActorZone, ActorWorld, ActorSystem:
		return ActorRef{Kind: ActorKind(kind), ID: id}, nil
	}
	return ActorRef{}, fmt.Errorf("unknown actor kind %q", kind)
}

// AggregateKind orders the lockable aggregate classes. The numeric order is
// the canonical lock-acquisition order; see engine.LockSet.
type AggregateKind int

const (
	AggregateInstance AggregateKind = iota
	AggregateRoom
	AggregateCharacter
	AggregateMob
	AggregateItem
)

func (k AggregateKind) String() string {
	switch k {
	case AggregateInstance:
		return "instance"
	case AggregateRoom:
		return "room"
	case AggregateCharacter:
		return "character"
	case AggregateMob:
		return "mob"
	case AggregateItem:
		return "item"
	}
	return fmt.Sprintf("aggregate(%d)", int(k))
}

// AggregateRef names one lockable aggregate.
type AggregateRef struct {
	Kind AggregateKind `json:"kind"`
	ID   int64         `json:"id"`
}

func (r AggregateRef) Key() string {
	return fmt.Sprintf("%s.%d", r.Kind, r.ID)
}

// Command is transient actor intent. It is never stored as a first-class
// record; the planner either rejects it or expands it into Actions.
type Command struct {
	ID           string         `json:"id"`
	Actor        ActorRef       `json:"actor"`
	Type         string         `json:"type" enum:"cmd.text,cmd.structured"`
	Text         string         `json:"text,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	ConnectionID string         `json:"connection_id,omitempty"`
	// SkipTriggers marks commands issued by trigger scripts or the bridge so
	// their effects do not re-enter trigger dispatch.
	SkipTriggers bool   `json:"skip_triggers,omitempty"`
	IssuerScope  string `json:"issuer_scope,omitempty"`
	ReceivedAt   string `json:"received_at,omitempty" format:"date-time"`
}

// Action statuses. pending -> running -> applied | failed. Re-delivery of an
// applied action replays its recorded events and changes nothing.
const (
	ActionPending = "pending"
	ActionRunning = "running"
	ActionApplied = "applied"
	ActionFailed  = "failed"
)

// Action is a validated, lockable unit of work on the durable queue.
type Action struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	WorldID        int64          `json:"world_id"`
	Actor          ActorRef       `json:"actor"`
	PayloadJSON    string         `json:"payload_json"`
	IdempotencyKey string         `json:"idempotency_key"`
	Locks          []AggregateRef `json:"locks,omitempty"`
	CommandID      string         `json:"command_id,omitempty"`
	RunAt          string         `json:"run_at" format:"date-time"`
	Priority       int            `json:"priority"`
	Status         string         `json:"status" enum:"pending,running,applied,failed"`
	Attempts       int            `json:"attempts"`
	SkipTriggers   bool           `json:"skip_triggers"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
}

// Event is an immutable fact emitted by an applied Action. Types follow the
// cmd.* / notification.* convention; recipients are actor keys.
type Event struct {
	ID          int64    `json:"id"`
	Type        string   `json:"type"`
	WorldID     int64    `json:"world_id"`
	RoutingKey  string   `json:"routing_key"`
	Recipients  []string `json:"recipients,omitempty"`
	ActorKey    string   `json:"actor_key,omitempty"`
	ActionID    string   `json:"action_id,omitempty"`
	CommandID   string   `json:"command_id,omitempty"`
	PayloadJSON string   `json:"payload_json"`
	Text        string   `json:"text,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

// Trigger scopes and kinds.
const (
	TriggerScopeRoom  = "room"
	TriggerScopeZone  = "zone"
	TriggerScopeWorld = "world"

	TriggerKindCommand = "command"
	TriggerKindEvent   = "event"
)

// Reaction events an event-kind trigger can subscribe to. saying and
// entering match on phrase containment; periodic and receive match exactly.
const (
	TriggerEventSaying   = "saying"
	TriggerEventEntering = "entering"
	TriggerEventPeriodic = "periodic"
	TriggerEventReceive  = "receive"
)

// Trigger is an authored automation rule, consumed read-only by the runtime.
// GateDelay semantics: 0 no gate, >0 cooldown seconds, -1 one-shot.
type Trigger struct {
	ID                   int64  `json:"id"`
	WorldID              int64  `json:"world_id"`
	Scope                string `json:"scope" enum:"room,zone,world"`
	Kind                 string `json:"kind" enum:"command,event"`
	TargetKind           string `json:"target_kind,omitempty"`
	TargetID             int64  `json:"target_id,omitempty"`
	Name                 string `json:"name,omitempty"`
	Match                string `json:"match,omitempty"`
	Event                string `json:"event,omitempty"`
	Option               string `json:"option,omitempty"`
	Script               string `json:"script,omitempty"`
	GateDelay            int    `json:"gate_delay"`
	FailureMessage       string `json:"failure_message,omitempty"`
	ShowDetailsOnFailure bool   `json:"show_details_on_failure"`
	DisplayActionInRoom  bool   `json:"display_action_in_room"`
	Order                int    `json:"order"`
	IsActive             bool   `json:"is_active"`
	CreatedAt            string `json:"created_at" format:"date-time"`
}

// World is the instance-level aggregate; every other aggregate belongs to
// exactly one world.
type World struct {
	ID        int64  `json:"id"`
	Key       string `json:"key"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Room terrain types drive movement cost.
const (
	RoomTypeRoad     = "road"
	RoomTypeCity     = "city"
	RoomTypeIndoor   = "indoor"
	RoomTypeField    = "field"
	RoomTypeTrail    = "trail"
	RoomTypeMountain = "mountain"
	RoomTypeForest   = "forest"
	RoomTypeDesert   = "desert"
	RoomTypeWater    = "water"
	RoomTypeShallow  = "shallow"
)

type Room struct {
	ID          int64  `json:"id"`
	WorldID     int64  `json:"world_id"`
	ZoneID      *int64 `json:"zone_id,omitempty"`
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Exit door states.
const (
	DoorOpen   = "open"
	DoorClosed = "closed"
	DoorLocked = "locked"
)

type Exit struct {
	RoomID    int64  `json:"room_id"`
	Direction string `json:"direction"`
	ToRoomID  int64  `json:"to_room_id"`
	DoorState string `json:"door_state,omitempty"`
}

type Character struct {
	ID           int64  `json:"id"`
	WorldID      int64  `json:"world_id"`
	RoomID       int64  `json:"room_id"`
	Name         string `json:"name"`
	Stamina      int    `json:"stamina"`
	MaxStamina   int    `json:"max_stamina"`
	IsInvisible  bool   `json:"is_invisible"`
	InGame       bool   `json:"in_game"`
	LastActionAt string `json:"last_action_at,omitempty" format:"date-time"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

func (c Character) ActorRef() ActorRef { return ActorRef{Kind: ActorPlayer, ID: c.ID} }

type Mob struct {
	ID        int64  `json:"id"`
	WorldID   int64  `json:"world_id"`
	RoomID    int64  `json:"room_id"`
	Key       string `json:"key"`
	Name      string `json:"name"`
	Keywords  string `json:"keywords,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func (m Mob) ActorRef() ActorRef { return ActorRef{Kind: ActorMob, ID: m.ID} }

// Item containers.
const (
	ContainerRoom      = "room"
	ContainerCharacter = "character"
	ContainerMob       = "mob"
)

type Item struct {
	ID            int64  `json:"id"`
	WorldID       int64  `json:"world_id"`
	ContainerKind string `json:"container_kind" enum:"room,character,mob"`
	ContainerID   int64  `json:"container_id"`
	Name          string `json:"name"`
	Keywords      string `json:"keywords,omitempty"`
	IsBoat        bool   `json:"is_boat"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

// RuntimeCache is versioned derived state stored beside canonical rows. It
// is always rebuildable from canonical data and is never authoritative when
// stale or missing.
type RuntimeCache struct {
	AggregateKind string `json:"aggregate_kind"`
	AggregateID   int64  `json:"aggregate_id"`
	CacheVersion  int    `json:"_cache_version"`
	BuiltAt       string `json:"_built_at" format:"date-time"`
	PayloadJSON   string `json:"payload_json"`
}

// Intent types accepted on the bridge ingress.
const (
	IntentSay   = "say"
	IntentEmote = "emote"
)

// IntentEnvelope is a bounded payload from the external decision service.
// It never mutates state directly; after validation it becomes an ordinary
// mob-issued Command.
type IntentEnvelope struct {
	IntentID      string `json:"intent_id"`
	WorldKey      string `json:"world_key"`
	RoomKey       string `json:"room_key,omitempty"`
	MobKey        string `json:"mob_key"`
	IntentType    string `json:"intent_type" enum:"say,emote"`
	Text          string `json:"text"`
	SourceEventID string `json:"source_event_id,omitempty"`
}
