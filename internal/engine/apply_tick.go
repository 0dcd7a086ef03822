package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"realmcore/internal/domain"
)

// applyRegen restores stamina for every in-game character in the world. The
// scheduler enqueues one regen action per heartbeat window; idempotency keys
// it to the window so crash re-delivery cannot double-heal.
func applyRegen(e Engine, ctx context.Context, tx *sql.Tx, a domain.Action) ([]domain.Event, error) {
	var payload regenPayload
	if err := json.Unmarshal([]byte(a.PayloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("regen payload: %w", err)
	}
	if payload.Amount <= 0 {
		payload.Amount = 1
	}
	updated, err := e.Repo.RegenStamina(ctx, tx, a.WorldID, payload.Amount)
	if err != nil {
		return nil, err
	}
	if updated == 0 {
		return nil, nil
	}
	return e.appendTx(ctx, tx, domain.Event{
		Type:       "notification.regen.tick",
		WorldID:    a.WorldID,
		RoutingKey: fmt.Sprintf("world.%d", a.WorldID),
		ActorKey:   domain.ActorRef{Kind: domain.ActorSystem, ID: a.WorldID}.Key(),
		ActionID:   a.ID,
	}, map[string]any{"amount": payload.Amount, "characters": updated})
}
