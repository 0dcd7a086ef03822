package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"realmcore/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside the caller's transaction and returns its
// log ID. Events become visible to readers only when the transaction commits.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e domain.Event, payload EventPayload) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	var recipients any
	if len(e.Recipients) > 0 {
		r, err := json.Marshal(e.Recipients)
		if err != nil {
			return 0, fmt.Errorf("marshal event recipients: %w", err)
		}
		recipients = string(r)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(type,world_id,routing_key,recipients_json,actor_key,action_id,command_id,payload_json,text,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.Type, e.WorldID, e.RoutingKey, recipients, nullable(e.ActorKey), nullable(e.ActionID), nullable(e.CommandID), string(data), nullable(e.Text), ts)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
