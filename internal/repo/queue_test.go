package repo_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"realmcore/internal/db"
	"realmcore/internal/domain"
	"realmcore/internal/migrate"
	"realmcore/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, int64) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	worldID, err := r.InsertWorld(context.Background(), domain.World{
		Key: "midgard", Name: "Midgard", Status: "active", CreatedAt: "2025-06-01T12:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert world: %v", err)
	}
	return r, worldID
}

func pendingAction(worldID int64, id, runAt string, priority int) domain.Action {
	return domain.Action{
		ID:             id,
		Type:           "say",
		WorldID:        worldID,
		Actor:          domain.ActorRef{Kind: domain.ActorPlayer, ID: 1},
		PayloadJSON:    `{"text":"hello"}`,
		IdempotencyKey: "key-" + id,
		RunAt:          runAt,
		Priority:       priority,
		Status:         domain.ActionPending,
		CreatedAt:      runAt,
	}
}

func TestClaimDueActionOrdering(t *testing.T) {
	r, worldID := newTestRepo(t)
	ctx := context.Background()

	// Oldest due first, but priority outranks age.
	for _, a := range []domain.Action{
		pendingAction(worldID, "a-late", "2025-06-01T12:00:05Z", 0),
		pendingAction(worldID, "a-early", "2025-06-01T12:00:01Z", 0),
		pendingAction(worldID, "a-urgent", "2025-06-01T12:00:03Z", 5),
		pendingAction(worldID, "a-future", "2025-06-01T13:00:00Z", 9),
	} {
		if err := r.EnqueueAction(ctx, a); err != nil {
			t.Fatalf("enqueue %s: %v", a.ID, err)
		}
	}

	now := "2025-06-01T12:00:10Z"
	var order []string
	for {
		a, err := r.ClaimDueAction(ctx, worldID, now)
		if errors.Is(err, repo.ErrNotFound) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if a.Status != domain.ActionRunning || a.Attempts != 1 {
			t.Fatalf("claimed action state: %+v", a)
		}
		order = append(order, a.ID)
	}
	want := fmt.Sprint([]string{"a-urgent", "a-early", "a-late"})
	if fmt.Sprint(order) != want {
		t.Fatalf("claim order: got %v, want %v", order, want)
	}
}

func TestClaimSkipsRunning(t *testing.T) {
	r, worldID := newTestRepo(t)
	ctx := context.Background()
	if err := r.EnqueueAction(ctx, pendingAction(worldID, "a-1", "2025-06-01T12:00:00Z", 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ClaimDueAction(ctx, worldID, "2025-06-01T12:01:00Z"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ClaimDueAction(ctx, worldID, "2025-06-01T12:01:00Z"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second claim must find nothing, got %v", err)
	}
}

func TestEnqueueDuplicateIsNoop(t *testing.T) {
	r, worldID := newTestRepo(t)
	ctx := context.Background()
	a := pendingAction(worldID, "a-dup", "2025-06-01T12:00:00Z", 0)
	if err := r.EnqueueAction(ctx, a); err != nil {
		t.Fatal(err)
	}
	a.PayloadJSON = `{"text":"changed"}`
	if err := r.EnqueueAction(ctx, a); err != nil {
		t.Fatalf("duplicate enqueue must not error: %v", err)
	}
	got, err := r.GetAction(ctx, "a-dup")
	if err != nil {
		t.Fatal(err)
	}
	if got.PayloadJSON != `{"text":"hello"}` {
		t.Fatalf("duplicate enqueue must keep the original row: %s", got.PayloadJSON)
	}
}

func TestRescheduleAndReclaim(t *testing.T) {
	r, worldID := newTestRepo(t)
	ctx := context.Background()
	if err := r.EnqueueAction(ctx, pendingAction(worldID, "a-retry", "2025-06-01T12:00:00Z", 0)); err != nil {
		t.Fatal(err)
	}
	a, err := r.ClaimDueAction(ctx, worldID, "2025-06-01T12:01:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.RescheduleAction(ctx, a.ID, "2025-06-01T12:02:00Z"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ClaimDueAction(ctx, worldID, "2025-06-01T12:01:30Z"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("rescheduled action claimed before its due time: %v", err)
	}
	b, err := r.ClaimDueAction(ctx, worldID, "2025-06-01T12:03:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if b.ID != "a-retry" || b.Attempts != 2 {
		t.Fatalf("reclaim: %+v", b)
	}
}

func TestRecoverRunningActions(t *testing.T) {
	r, worldID := newTestRepo(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("a-%d", i)
		if err := r.EnqueueAction(ctx, pendingAction(worldID, id, "2025-06-01T12:00:00Z", 0)); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := r.ClaimDueAction(ctx, worldID, "2025-06-01T12:01:00Z"); err != nil {
			t.Fatal(err)
		}
	}
	n, err := r.RecoverRunningActions(ctx, worldID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("recovered: got %d, want 2", n)
	}
	pending, err := r.ListActions(ctx, repo.ActionFilters{WorldID: worldID, Status: domain.ActionPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending after recovery: got %d, want 3", len(pending))
	}
}

func TestAppliedLedgerRoundTrip(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetAppliedEvents(ctx, tx, "key-x"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unapplied key: got %v, want ErrNotFound", err)
	}
	if err := r.RecordApplied(ctx, tx, "key-x", "a-x", []int64{11, 12}, "2025-06-01T12:00:00Z"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx, err = r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	ids, err := r.GetAppliedEvents(ctx, tx, "key-x")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != 11 || ids[1] != 12 {
		t.Fatalf("applied event ids: %v", ids)
	}
}
