package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"realmcore/internal/domain"
)

// roomCacheVersion guards the runtime cache payload shape. Bump it when the
// payload changes and stale entries rebuild on next read.
const roomCacheVersion = 1

func applyLook(e Engine, ctx context.Context, tx *sql.Tx, a domain.Action) ([]domain.Event, error) {
	if a.Actor.Kind != domain.ActorPlayer {
		return nil, reject("forbidden_actor", "Only characters can look.")
	}
	c, err := e.Repo.GetCharacterTx(ctx, tx, a.Actor.ID)
	if err != nil {
		return nil, err
	}

	roomPayload, err := e.roomSnapshot(ctx, tx, c.RoomID)
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"target_type": "room",
		"target":      roomPayload,
	}
	return e.appendTx(ctx, tx, domain.Event{
		Type:       "cmd.look.success",
		WorldID:    a.WorldID,
		RoutingKey: fmt.Sprintf("actor.%s", a.Actor.Key()),
		Recipients: []string{a.Actor.Key()},
		ActorKey:   a.Actor.Key(),
		ActionID:   a.ID,
		CommandID:  a.CommandID,
		Text:       renderRoomText(roomPayload),
	}, data)
}

// roomSnapshot serves the room payload from the runtime cache when it is
// inside the staleness budget, rebuilding it from canonical rows otherwise.
// The cache is never authoritative; a version or age miss always rebuilds.
func (e Engine) roomSnapshot(ctx context.Context, tx *sql.Tx, roomID int64) (map[string]any, error) {
	cached, err := e.Repo.GetRuntimeCache(ctx, "room", roomID)
	if err == nil && cached.CacheVersion == roomCacheVersion {
		builtAt, parseErr := time.Parse(time.RFC3339, cached.BuiltAt)
		if parseErr == nil && e.now().Sub(builtAt) <= e.Config.ReadStaleness() {
			var payload map[string]any
			if json.Unmarshal([]byte(cached.PayloadJSON), &payload) == nil {
				return payload, nil
			}
		}
	}
	room, err := e.Repo.GetRoomTx(ctx, tx, roomID)
	if err != nil {
		return nil, err
	}
	return buildRoomPayload(e, ctx, tx, room)
}

// buildRoomPayload assembles the room view and refreshes its runtime cache.
func buildRoomPayload(e Engine, ctx context.Context, tx *sql.Tx, room domain.Room) (map[string]any, error) {
	exits, err := e.Repo.ListExitsTx(ctx, tx, room.ID)
	if err != nil {
		return nil, err
	}
	chars, err := e.Repo.ListCharactersInRoomTx(ctx, tx, room.ID)
	if err != nil {
		return nil, err
	}
	mobs, err := e.Repo.ListMobsInRoomTx(ctx, tx, room.ID)
	if err != nil {
		return nil, err
	}
	items, err := e.Repo.ListItemsTx(ctx, tx, domain.ContainerRoom, room.ID)
	if err != nil {
		return nil, err
	}

	exitList := make([]map[string]any, 0, len(exits))
	for _, ex := range exits {
		exitList = append(exitList, map[string]any{
			"direction":  ex.Direction,
			"door_state": ex.DoorState,
		})
	}
	charList := make([]map[string]any, 0, len(chars))
	for _, c := range chars {
		if c.IsInvisible {
			continue
		}
		charList = append(charList, map[string]any{"key": c.ActorRef().Key(), "name": c.Name})
	}
	for _, m := range mobs {
		charList = append(charList, map[string]any{"key": m.ActorRef().Key(), "name": m.Name})
	}
	itemList := make([]map[string]any, 0, len(items))
	for _, it := range items {
		itemList = append(itemList, map[string]any{"name": it.Name})
	}

	var labels []string
	if e.Router != nil {
		labels, err = e.Router.ActionLabels(ctx, room.WorldID, room.ID)
		if err != nil {
			e.logf("action labels for room %d: %v", room.ID, err)
		}
	}

	payload := map[string]any{
		"key":         room.Key,
		"name":        room.Name,
		"description": room.Description,
		"type":        room.Type,
		"exits":       exitList,
		"chars":       charList,
		"inventory":   itemList,
		"actions":     labels,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	cache := domain.RuntimeCache{
		AggregateKind: "room",
		AggregateID:   room.ID,
		CacheVersion:  roomCacheVersion,
		BuiltAt:       e.nowRFC3339(),
		PayloadJSON:   string(data),
	}
	if err := e.Repo.UpsertRuntimeCache(ctx, tx, cache); err != nil {
		return nil, err
	}
	return payload, nil
}

// renderRoomText formats a room payload the way the client shows it: name,
// description, exits, then visible action labels.
func renderRoomText(payload map[string]any) string {
	var b strings.Builder
	if name, _ := payload["name"].(string); name != "" {
		b.WriteString(name)
	}
	if desc, _ := payload["description"].(string); desc != "" {
		b.WriteString("\n")
		b.WriteString(desc)
	}
	if dirs := stringValues(payload["exits"], "direction"); len(dirs) > 0 {
		b.WriteString("\nExits: ")
		b.WriteString(strings.Join(dirs, ", "))
	}
	if labels := stringValues(payload["actions"], ""); len(labels) > 0 {
		b.WriteString("\nActions: ")
		b.WriteString(strings.Join(labels, ", "))
	}
	return b.String()
}

// stringValues extracts strings from a payload list that may be freshly
// built or decoded from the cache. With a field name it reads that field of
// each map entry, otherwise the entries themselves.
func stringValues(v any, field string) []string {
	var out []string
	add := func(entry any) {
		if field == "" {
			if s, ok := entry.(string); ok && s != "" {
				out = append(out, s)
			}
			return
		}
		switch m := entry.(type) {
		case map[string]any:
			if s, ok := m[field].(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	switch list := v.(type) {
	case []string:
		for _, entry := range list {
			add(entry)
		}
	case []map[string]any:
		for _, entry := range list {
			add(entry)
		}
	case []any:
		for _, entry := range list {
			add(entry)
		}
	}
	return out
}
