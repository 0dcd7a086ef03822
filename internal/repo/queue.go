package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"realmcore/internal/domain"
)

const actionCols = `id,type,world_id,actor_kind,actor_id,payload_json,idempotency_key,locks_json,command_id,run_at,priority,status,attempts,skip_triggers,created_at`

func scanAction(scan func(...any) error) (domain.Action, error) {
	var a domain.Action
	var locksJSON, commandID sql.NullString
	err := scan(&a.ID, &a.Type, &a.WorldID, &a.Actor.Kind, &a.Actor.ID, &a.PayloadJSON, &a.IdempotencyKey,
		&locksJSON, &commandID, &a.RunAt, &a.Priority, &a.Status, &a.Attempts, &a.SkipTriggers, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if commandID.Valid {
		a.CommandID = commandID.String
	}
	if locksJSON.Valid && locksJSON.String != "" {
		if err := json.Unmarshal([]byte(locksJSON.String), &a.Locks); err != nil {
			return a, fmt.Errorf("action %s locks: %w", a.ID, err)
		}
	}
	return a, nil
}

// EnqueueAction inserts a pending action. A duplicate idempotency key is not
// an error; the original enqueue already covers the work.
func (r Repo) EnqueueAction(ctx context.Context, a domain.Action) error {
	locksJSON, err := json.Marshal(a.Locks)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO actions(`+actionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Type, a.WorldID, a.Actor.Kind, a.Actor.ID, a.PayloadJSON, a.IdempotencyKey,
		string(locksJSON), nullable(a.CommandID), a.RunAt, a.Priority, a.Status, a.Attempts, a.SkipTriggers, a.CreatedAt)
	return err
}

func (r Repo) GetAction(ctx context.Context, id string) (domain.Action, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actionCols+` FROM actions WHERE id=?`, id)
	return scanAction(row.Scan)
}

// ClaimDueAction atomically claims the oldest due pending action for a world.
// The UPDATE guard makes the claim safe across concurrent workers.
func (r Repo) ClaimDueAction(ctx context.Context, worldID int64, now string) (domain.Action, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actionCols+` FROM actions
WHERE world_id=? AND status=? AND run_at<=?
ORDER BY priority DESC, run_at ASC, created_at ASC LIMIT 1`, worldID, domain.ActionPending, now)
	a, err := scanAction(row.Scan)
	if err != nil {
		return a, err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE actions SET status=?, attempts=attempts+1 WHERE id=? AND status=?`,
		domain.ActionRunning, a.ID, domain.ActionPending)
	if err != nil {
		return a, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return a, ErrNotFound
	}
	a.Status = domain.ActionRunning
	a.Attempts++
	return a, nil
}

func (r Repo) MarkActionApplied(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE actions SET status=? WHERE id=?`, domain.ActionApplied, id)
	return err
}

func (r Repo) MarkActionFailed(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE actions SET status=? WHERE id=?`, domain.ActionFailed, id)
	return err
}

// RescheduleAction returns a transiently failed action to the queue with a
// new due time.
func (r Repo) RescheduleAction(ctx context.Context, id, runAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE actions SET status=?, run_at=? WHERE id=?`, domain.ActionPending, runAt, id)
	return err
}

// RecoverRunningActions returns running actions to pending. Called on startup
// so work interrupted by a crash is re-delivered.
func (r Repo) RecoverRunningActions(ctx context.Context, worldID int64) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE actions SET status=? WHERE world_id=? AND status=?`,
		domain.ActionPending, worldID, domain.ActionRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetAppliedEvents returns the event IDs recorded for an idempotency key, or
// ErrNotFound when the key has never been applied.
func (r Repo) GetAppliedEvents(ctx context.Context, tx *sql.Tx, idempotencyKey string) ([]int64, error) {
	var payload string
	err := tx.QueryRowContext(ctx, `SELECT event_ids_json FROM applied_actions WHERE idempotency_key=?`, idempotencyKey).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var ids []int64
	if err := json.Unmarshal([]byte(payload), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r Repo) RecordApplied(ctx context.Context, tx *sql.Tx, idempotencyKey, actionID string, eventIDs []int64, at string) error {
	payload, err := json.Marshal(eventIDs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO applied_actions(idempotency_key,action_id,event_ids_json,applied_at) VALUES (?,?,?,?)`,
		idempotencyKey, actionID, string(payload), at)
	return err
}

type ActionFilters struct {
	WorldID int64
	Status  string
	Limit   int
}

func (r Repo) ListActions(ctx context.Context, f ActionFilters) ([]domain.Action, error) {
	clauses := []string{"world_id=?"}
	args := []any{f.WorldID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + actionCols + ` FROM actions ` + joinClauses(clauses) + ` ORDER BY run_at ASC, created_at ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}
