package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"realmcore/internal/domain"
)

const (
	sayLimit   = 280
	emoteLimit = 560
)

func applySay(e Engine, ctx context.Context, tx *sql.Tx, a domain.Action) ([]domain.Event, error) {
	return applySpeech(e, ctx, tx, a, "say", sayLimit,
		func(text string) string { return fmt.Sprintf("You say '%s'", text) },
		func(name, text string) string { return fmt.Sprintf("%s says '%s'", capitalize(name), text) })
}

func applyYell(e Engine, ctx context.Context, tx *sql.Tx, a domain.Action) ([]domain.Event, error) {
	return applySpeech(e, ctx, tx, a, "yell", sayLimit,
		func(text string) string { return fmt.Sprintf("You yell '%s'", text) },
		func(name, text string) string { return fmt.Sprintf("%s yells '%s'", capitalize(name), text) })
}

func applyEmote(e Engine, ctx context.Context, tx *sql.Tx, a domain.Action) ([]domain.Event, error) {
	return applySpeech(e, ctx, tx, a, "emote", emoteLimit,
		func(text string) string { return "" },
		func(name, text string) string { return fmt.Sprintf("%s %s", capitalize(name), text) })
}

func applySpeech(e Engine, ctx context.Context, tx *sql.Tx, a domain.Action, verb string, limit int,
	actorText func(string) string, notifyText func(string, string) string) ([]domain.Event, error) {

	var payload textPayload
	if err := json.Unmarshal([]byte(a.PayloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("%s payload: %w", verb, err)
	}
	text := payload.Text
	if text == "" {
		return nil, reject("invalid_args", "Say what?")
	}
	if len(text) > limit {
		text = text[:limit]
	}

	name, roomID, err := moveActorState(e, ctx, tx, a.Actor)
	if err != nil {
		return nil, err
	}
	room, err := e.Repo.GetRoomTx(ctx, tx, roomID)
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"actor": map[string]any{"key": a.Actor.Key(), "name": name},
		"text":  text,
	}

	selfText := actorText(text)
	if selfText == "" {
		selfText = notifyText(name, text)
	}
	var evts []domain.Event
	selfEvt, err := e.appendTx(ctx, tx, domain.Event{
		Type:       fmt.Sprintf("cmd.%s.success", verb),
		WorldID:    a.WorldID,
		RoutingKey: fmt.Sprintf("room.%d", room.ID),
		Recipients: []string{a.Actor.Key()},
		ActorKey:   a.Actor.Key(),
		ActionID:   a.ID,
		CommandID:  a.CommandID,
		Text:       selfText,
	}, data)
	if err != nil {
		return nil, err
	}
	evts = append(evts, selfEvt...)

	var keys []string
	if verb == "yell" && room.ZoneID != nil {
		keys, err = zoneRecipientKeys(e, ctx, tx, *room.ZoneID, a.Actor)
	} else {
		keys, err = roomRecipientKeys(e, ctx, tx, room.ID, a.Actor)
	}
	if err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		notifyEvt, err := e.appendTx(ctx, tx, domain.Event{
			Type:       fmt.Sprintf("notification.cmd.%s.success", verb),
			WorldID:    a.WorldID,
			RoutingKey: fmt.Sprintf("room.%d", room.ID),
			Recipients: keys,
			ActorKey:   a.Actor.Key(),
			ActionID:   a.ID,
			CommandID:  a.CommandID,
			Text:       notifyText(name, text),
		}, data)
		if err != nil {
			return nil, err
		}
		evts = append(evts, notifyEvt...)
	}
	return evts, nil
}

func zoneRecipientKeys(e Engine, ctx context.Context, tx *sql.Tx, zoneID int64, exclude domain.ActorRef) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT c.id FROM characters c JOIN rooms r ON r.id=c.room_id WHERE r.zone_id=? AND c.in_game=1`, zoneID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ref := domain.ActorRef{Kind: domain.ActorPlayer, ID: id}
		if ref.Key() == exclude.Key() {
			continue
		}
		keys = append(keys, ref.Key())
	}
	return keys, nil
}
