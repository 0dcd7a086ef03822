package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"realmcore/internal/domain"
)

const eventCols = `id,type,world_id,routing_key,recipients_json,actor_key,action_id,command_id,payload_json,text,created_at`

func scanEvent(scan func(...any) error) (domain.Event, error) {
	var e domain.Event
	var recipients, actorKey, actionID, commandID, text sql.NullString
	err := scan(&e.ID, &e.Type, &e.WorldID, &e.RoutingKey, &recipients, &actorKey, &actionID, &commandID, &e.PayloadJSON, &text, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.ActorKey = actorKey.String
	e.ActionID = actionID.String
	e.CommandID = commandID.String
	e.Text = text.String
	if recipients.Valid && recipients.String != "" {
		if err := json.Unmarshal([]byte(recipients.String), &e.Recipients); err != nil {
			return e, fmt.Errorf("event %d recipients: %w", e.ID, err)
		}
	}
	return e, nil
}

func (r Repo) GetEvent(ctx context.Context, id int64) (domain.Event, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE id=?`, id)
	return scanEvent(row.Scan)
}

func (r Repo) GetEventsTx(ctx context.Context, tx *sql.Tx, ids []int64) ([]domain.Event, error) {
	var res []domain.Event
	for _, id := range ids {
		row := tx.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE id=?`, id)
		e, err := scanEvent(row.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

type EventFilters struct {
	WorldID  int64
	Type     string
	ActorKey string
	After    int64
	Limit    int
}

// ListEvents returns events in append order, optionally after a cursor.
func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"world_id=?"}
	args := []any{f.WorldID}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.ActorKey != "" {
		clauses = append(clauses, "actor_key=?")
		args = append(args, f.ActorKey)
	}
	if f.After > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.After)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + eventCols + ` FROM events ` + joinClauses(clauses) + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// LatestEventID returns the most recent event ID for a world.
func (r Repo) LatestEventID(ctx context.Context, worldID int64) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE world_id=?`, worldID).Scan(&id)
	return id, err
}
