package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"realmcore/internal/domain"
	"realmcore/internal/repo"
	"realmcore/internal/trigger"
)

// triggerManifest is the YAML document accepted by the trigger import
// endpoint. Targets are named by key (room or mob) and resolved against the
// world at import time.
type triggerManifest struct {
	Triggers []manifestTrigger `yaml:"triggers"`
}

type manifestTrigger struct {
	Name                 string `yaml:"name"`
	Scope                string `yaml:"scope"`
	Kind                 string `yaml:"kind"`
	Room                 string `yaml:"room"`
	Mob                  string `yaml:"mob"`
	Match                string `yaml:"match"`
	Event                string `yaml:"event"`
	Option               string `yaml:"option"`
	Script               string `yaml:"script"`
	GateDelay            *int   `yaml:"gate_delay"`
	FailureMessage       string `yaml:"failure_message"`
	ShowDetailsOnFailure bool   `yaml:"show_details_on_failure"`
	DisplayActionInRoom  bool   `yaml:"display_action_in_room"`
	Order                int    `yaml:"order"`
	Active               *bool  `yaml:"active"`
}

const defaultGateDelay = 10

type manifestError struct {
	Index int
	Msg   string
}

func (e *manifestError) Error() string {
	return fmt.Sprintf("trigger %d: %s", e.Index, e.Msg)
}

func manifestErr(index int, format string, args ...any) error {
	return &manifestError{Index: index, Msg: fmt.Sprintf(format, args...)}
}

// ImportManifest upserts the manifest's triggers into a world. Named
// triggers replace an existing trigger of the same name; unnamed triggers
// always insert. The whole manifest is validated before anything is written.
func ImportManifest(ctx context.Context, r repo.Repo, worldID int64, raw string) (created, updated int, err error) {
	var m triggerManifest
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil {
		return 0, 0, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Triggers) == 0 {
		return 0, 0, errors.New("manifest has no triggers")
	}

	rows := make([]domain.Trigger, 0, len(m.Triggers))
	for i, mt := range m.Triggers {
		row, err := resolveManifestTrigger(ctx, r, worldID, i, mt)
		if err != nil {
			return 0, 0, err
		}
		rows = append(rows, row)
	}

	for _, row := range rows {
		if row.Name != "" {
			existing, err := r.GetTriggerByName(ctx, worldID, row.Name)
			if err == nil {
				row.ID = existing.ID
				if err := r.UpdateTrigger(ctx, row); err != nil {
					return created, updated, err
				}
				updated++
				continue
			}
			if !errors.Is(err, repo.ErrNotFound) {
				return created, updated, err
			}
		}
		if _, err := r.InsertTrigger(ctx, row); err != nil {
			return created, updated, err
		}
		created++
	}
	return created, updated, nil
}

func resolveManifestTrigger(ctx context.Context, r repo.Repo, worldID int64, index int, mt manifestTrigger) (domain.Trigger, error) {
	var row domain.Trigger
	row.WorldID = worldID
	row.Name = strings.TrimSpace(mt.Name)

	switch mt.Scope {
	case domain.TriggerScopeRoom, domain.TriggerScopeZone, domain.TriggerScopeWorld:
		row.Scope = mt.Scope
	case "":
		row.Scope = domain.TriggerScopeRoom
	default:
		return row, manifestErr(index, "unknown scope %q", mt.Scope)
	}

	switch mt.Kind {
	case domain.TriggerKindCommand, domain.TriggerKindEvent:
		row.Kind = mt.Kind
	default:
		return row, manifestErr(index, "unknown kind %q", mt.Kind)
	}

	if mt.Room != "" && mt.Mob != "" {
		return row, manifestErr(index, "room and mob targets are mutually exclusive")
	}
	if mt.Room != "" {
		room, err := r.GetRoomByKey(ctx, mt.Room)
		if errors.Is(err, repo.ErrNotFound) {
			return row, manifestErr(index, "unknown room %q", mt.Room)
		}
		if err != nil {
			return row, err
		}
		row.TargetKind = "room"
		row.TargetID = room.ID
	}
	if mt.Mob != "" {
		mob, err := r.GetMobByKey(ctx, worldID, mt.Mob)
		if errors.Is(err, repo.ErrNotFound) {
			return row, manifestErr(index, "unknown mob %q", mt.Mob)
		}
		if err != nil {
			return row, err
		}
		row.TargetKind = "mob"
		row.TargetID = mob.ID
	}

	if row.Kind == domain.TriggerKindEvent {
		switch mt.Event {
		case domain.TriggerEventSaying, domain.TriggerEventEntering,
			domain.TriggerEventPeriodic, domain.TriggerEventReceive:
			row.Event = mt.Event
		default:
			return row, manifestErr(index, "unknown event %q", mt.Event)
		}
		if row.TargetKind != "mob" {
			return row, manifestErr(index, "event triggers require a mob target")
		}
	}

	if err := trigger.ValidateExpression(mt.Match); err != nil {
		return row, manifestErr(index, "invalid match expression: %v", err)
	}
	row.Match = mt.Match
	row.Option = mt.Option

	if strings.TrimSpace(mt.Script) == "" {
		return row, manifestErr(index, "script is required")
	}
	row.Script = mt.Script

	row.GateDelay = defaultGateDelay
	if mt.GateDelay != nil {
		if *mt.GateDelay < -1 {
			return row, manifestErr(index, "gate_delay must be -1, 0 or positive")
		}
		row.GateDelay = *mt.GateDelay
	}
	row.FailureMessage = mt.FailureMessage
	row.ShowDetailsOnFailure = mt.ShowDetailsOnFailure
	row.DisplayActionInRoom = mt.DisplayActionInRoom
	row.Order = mt.Order
	row.IsActive = true
	if mt.Active != nil {
		row.IsActive = *mt.Active
	}
	return row, nil
}
