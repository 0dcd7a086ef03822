package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"realmcore/internal/domain"
	"realmcore/internal/repo"
)

// Movement cost by the terrain being left. Unknown terrain costs 1.
var roomCosts = map[string]int{
	domain.RoomTypeRoad:     1,
	domain.RoomTypeCity:     1,
	domain.RoomTypeIndoor:   1,
	domain.RoomTypeField:    2,
	domain.RoomTypeTrail:    2,
	domain.RoomTypeMountain: 4,
	domain.RoomTypeForest:   3,
	domain.RoomTypeDesert:   3,
	domain.RoomTypeWater:    3,
	domain.RoomTypeShallow:  3,
}

func movementCost(room domain.Room) int {
	if cost, ok := roomCosts[room.Type]; ok {
		return cost
	}
	return 1
}

func applyMove(e Engine, ctx context.Context, tx *sql.Tx, a domain.Action) ([]domain.Event, error) {
	var payload movePayload
	if err := json.Unmarshal([]byte(a.PayloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("move payload: %w", err)
	}
	if reverseDirections[payload.Direction] == "" {
		return nil, reject("invalid_direction", "Unknown direction.")
	}

	actorName, fromRoomID, err := moveActorState(e, ctx, tx, a.Actor)
	if err != nil {
		return nil, err
	}

	fromRoom, err := e.Repo.GetRoomTx(ctx, tx, fromRoomID)
	if err != nil {
		return nil, reject("invalid_room", "Current room is invalid.")
	}
	exit, err := e.Repo.GetExitTx(ctx, tx, fromRoom.ID, payload.Direction)
	if err == repo.ErrNotFound {
		return nil, reject("no_exit", "You cannot go that way.")
	}
	if err != nil {
		return nil, err
	}
	if exit.DoorState == domain.DoorClosed || exit.DoorState == domain.DoorLocked {
		return nil, reject("closed_door", "The way is blocked.")
	}
	destRoom, err := e.Repo.GetRoomTx(ctx, tx, exit.ToRoomID)
	if err != nil {
		return nil, err
	}

	cost := movementCost(fromRoom)
	invisible := false
	switch a.Actor.Kind {
	case domain.ActorPlayer:
		c, err := e.Repo.GetCharacterTx(ctx, tx, a.Actor.ID)
		if err != nil {
			return nil, err
		}
		if c.Stamina < cost {
			return nil, reject("exhausted", "You are too exhausted to move.")
		}
		if destRoom.Type == domain.RoomTypeWater {
			hasBoat, err := e.Repo.HasBoatTx(ctx, tx, c.ID)
			if err != nil {
				return nil, err
			}
			if !hasBoat {
				return nil, reject("water_room", "You'd need to know how to swim, or have a boat.")
			}
		}
		if err := e.Repo.MoveCharacter(ctx, tx, c.ID, destRoom.ID, c.Stamina-cost, e.nowRFC3339()); err != nil {
			return nil, err
		}
		invisible = c.IsInvisible
	case domain.ActorMob:
		if err := e.Repo.UpdateMobRoom(ctx, tx, a.Actor.ID, destRoom.ID); err != nil {
			return nil, err
		}
	default:
		return nil, reject("forbidden_actor", "Only characters can move.")
	}

	var evts []domain.Event

	roomPayload, err := buildRoomPayload(e, ctx, tx, destRoom)
	if err != nil {
		return nil, err
	}
	moveData := map[string]any{
		"direction": payload.Direction,
		"room":      roomPayload,
		"actor":     map[string]any{"key": a.Actor.Key(), "name": actorName},
	}
	moveEvt, err := e.appendTx(ctx, tx, domain.Event{
		Type:       "cmd.move.success",
		WorldID:    a.WorldID,
		RoutingKey: fmt.Sprintf("room.%d", destRoom.ID),
		Recipients: []string{a.Actor.Key()},
		ActorKey:   a.Actor.Key(),
		ActionID:   a.ID,
		CommandID:  a.CommandID,
		Text:       renderRoomText(roomPayload),
	}, moveData)
	if err != nil {
		return nil, err
	}
	evts = append(evts, moveEvt...)

	if !invisible {
		charData := map[string]any{
			"actor":     map[string]any{"key": a.Actor.Key(), "name": actorName},
			"direction": payload.Direction,
		}
		exitKeys, err := roomRecipientKeys(e, ctx, tx, fromRoom.ID, a.Actor)
		if err != nil {
			return nil, err
		}
		if len(exitKeys) > 0 {
			exitEvt, err := e.appendTx(ctx, tx, domain.Event{
				Type:       "notification.movement.exit",
				WorldID:    a.WorldID,
				RoutingKey: fmt.Sprintf("room.%d", fromRoom.ID),
				Recipients: exitKeys,
				ActorKey:   a.Actor.Key(),
				ActionID:   a.ID,
				CommandID:  a.CommandID,
				Text:       fmt.Sprintf("%s leaves %s.", capitalize(actorName), payload.Direction),
			}, charData)
			if err != nil {
				return nil, err
			}
			evts = append(evts, exitEvt...)
		}

		enterKeys, err := roomRecipientKeys(e, ctx, tx, destRoom.ID, a.Actor)
		if err != nil {
			return nil, err
		}
		if len(enterKeys) > 0 {
			rev := reverseDirections[payload.Direction]
			enterData := map[string]any{
				"actor":     map[string]any{"key": a.Actor.Key(), "name": actorName},
				"direction": rev,
			}
			enterEvt, err := e.appendTx(ctx, tx, domain.Event{
				Type:       "notification.movement.enter",
				WorldID:    a.WorldID,
				RoutingKey: fmt.Sprintf("room.%d", destRoom.ID),
				Recipients: enterKeys,
				ActorKey:   a.Actor.Key(),
				ActionID:   a.ID,
				CommandID:  a.CommandID,
				Text:       fmt.Sprintf("%s has arrived from %s.", capitalize(actorName), arrivalSource(rev)),
			}, enterData)
			if err != nil {
				return nil, err
			}
			evts = append(evts, enterEvt...)
		}
	}
	return evts, nil
}

func arrivalSource(reverseDirection string) string {
	switch reverseDirection {
	case "up":
		return "above"
	case "down":
		return "below"
	}
	return "the " + reverseDirection
}

func moveActorState(e Engine, ctx context.Context, tx *sql.Tx, actor domain.ActorRef) (string, int64, error) {
	switch actor.Kind {
	case domain.ActorPlayer:
		c, err := e.Repo.GetCharacterTx(ctx, tx, actor.ID)
		if err != nil {
			return "", 0, err
		}
		return c.Name, c.RoomID, nil
	case domain.ActorMob:
		m, err := e.Repo.GetMobTx(ctx, tx, actor.ID)
		if err != nil {
			return "", 0, err
		}
		return m.Name, m.RoomID, nil
	}
	return "", 0, reject("no_room", "You are nowhere. Cannot move.")
}

// roomRecipientKeys returns the actor keys of in-game characters in the
// room, excluding the acting one.
func roomRecipientKeys(e Engine, ctx context.Context, tx *sql.Tx, roomID int64, exclude domain.ActorRef) ([]string, error) {
	chars, err := e.Repo.ListCharactersInRoomTx(ctx, tx, roomID)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, c := range chars {
		key := c.ActorRef().Key()
		if key == exclude.Key() {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}
