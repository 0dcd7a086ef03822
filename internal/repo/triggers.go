package repo

import (
	"context"
	"database/sql"

	"realmcore/internal/domain"
)

const triggerCols = `id,world_id,scope,kind,target_kind,target_id,name,match,event,option,script,gate_delay,failure_message,show_details_on_failure,display_action_in_room,"order",is_active,created_at`

func scanTrigger(scan func(...any) error) (domain.Trigger, error) {
	var t domain.Trigger
	var targetKind, name, match, event, option, script, failureMessage sql.NullString
	var targetID sql.NullInt64
	err := scan(&t.ID, &t.WorldID, &t.Scope, &t.Kind, &targetKind, &targetID, &name, &match, &event, &option,
		&script, &t.GateDelay, &failureMessage, &t.ShowDetailsOnFailure, &t.DisplayActionInRoom, &t.Order, &t.IsActive, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.TargetKind = targetKind.String
	t.TargetID = targetID.Int64
	t.Name = name.String
	t.Match = match.String
	t.Event = event.String
	t.Option = option.String
	t.Script = script.String
	t.FailureMessage = failureMessage.String
	return t, nil
}

func (r Repo) InsertTrigger(ctx context.Context, t domain.Trigger) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO triggers(world_id,scope,kind,target_kind,target_id,name,match,event,option,script,gate_delay,failure_message,show_details_on_failure,display_action_in_room,"order",is_active,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.WorldID, t.Scope, t.Kind, nullable(t.TargetKind), nullableID(t.TargetID), nullable(t.Name), nullable(t.Match),
		nullable(t.Event), nullable(t.Option), nullable(t.Script), t.GateDelay, nullable(t.FailureMessage),
		t.ShowDetailsOnFailure, t.DisplayActionInRoom, t.Order, t.IsActive, t.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) UpdateTrigger(ctx context.Context, t domain.Trigger) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE triggers SET scope=?, kind=?, target_kind=?, target_id=?, name=?, match=?, event=?, option=?, script=?, gate_delay=?, failure_message=?, show_details_on_failure=?, display_action_in_room=?, "order"=?, is_active=? WHERE id=?`,
		t.Scope, t.Kind, nullable(t.TargetKind), nullableID(t.TargetID), nullable(t.Name), nullable(t.Match),
		nullable(t.Event), nullable(t.Option), nullable(t.Script), t.GateDelay, nullable(t.FailureMessage),
		t.ShowDetailsOnFailure, t.DisplayActionInRoom, t.Order, t.IsActive, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTrigger(ctx context.Context, id int64) (domain.Trigger, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+triggerCols+` FROM triggers WHERE id=?`, id)
	return scanTrigger(row.Scan)
}

func (r Repo) GetTriggerByName(ctx context.Context, worldID int64, name string) (domain.Trigger, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+triggerCols+` FROM triggers WHERE world_id=? AND name=?`, worldID, name)
	return scanTrigger(row.Scan)
}

type TriggerFilters struct {
	WorldID    int64
	Kind       string
	Event      string
	TargetKind string
	TargetID   int64
	ActiveOnly bool
}

// ListTriggers returns triggers ordered by scope specificity (room before
// zone before world), then authored order, then id.
func (r Repo) ListTriggers(ctx context.Context, f TriggerFilters) ([]domain.Trigger, error) {
	clauses := []string{"world_id=?"}
	args := []any{f.WorldID}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Event != "" {
		clauses = append(clauses, "event=?")
		args = append(args, f.Event)
	}
	if f.TargetKind != "" {
		clauses = append(clauses, "target_kind=?")
		args = append(args, f.TargetKind)
	}
	if f.TargetID != 0 {
		clauses = append(clauses, "target_id=?")
		args = append(args, f.TargetID)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "is_active=1")
	}
	query := `SELECT ` + triggerCols + ` FROM triggers ` + joinClauses(clauses) + `
ORDER BY CASE scope WHEN 'room' THEN 0 WHEN 'zone' THEN 1 ELSE 2 END, "order" ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

func nullableID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
