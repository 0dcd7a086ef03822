package bridge_test

import (
	"context"
	"errors"
	"testing"

	"realmcore/internal/bridge"
	"realmcore/internal/db"
	"realmcore/internal/domain"
	"realmcore/internal/migrate"
	"realmcore/internal/repo"
)

const fixedAt = "2025-06-01T12:00:00Z"

type intentFixture struct {
	Repo    repo.Repo
	Ctx     context.Context
	WorldID int64
}

func newIntentFixture(t *testing.T) intentFixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	worldID, err := r.InsertWorld(ctx, domain.World{Key: "midgard", Name: "Midgard", Status: "active", CreatedAt: fixedAt})
	if err != nil {
		t.Fatal(err)
	}
	bridgeRoom, err := r.InsertRoom(ctx, domain.Room{WorldID: worldID, Key: "bridge", Name: "Bridge", Type: domain.RoomTypeRoad, CreatedAt: fixedAt})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.InsertRoom(ctx, domain.Room{WorldID: worldID, Key: "square", Name: "Square", Type: domain.RoomTypeCity, CreatedAt: fixedAt}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.InsertMob(ctx, domain.Mob{WorldID: worldID, RoomID: bridgeRoom, Key: "troll-01", Name: "a surly troll", CreatedAt: fixedAt}); err != nil {
		t.Fatal(err)
	}
	return intentFixture{Repo: r, Ctx: ctx, WorldID: worldID}
}

func validEnvelope() domain.IntentEnvelope {
	return domain.IntentEnvelope{
		IntentID:   "intent-1",
		WorldKey:   "midgard",
		RoomKey:    "bridge",
		MobKey:     "troll-01",
		IntentType: domain.IntentSay,
		Text:       "None shall pass.",
	}
}

func TestValidateIntentRejections(t *testing.T) {
	f := newIntentFixture(t)

	cases := []struct {
		name      string
		mutate    func(*domain.IntentEnvelope)
		wantField string
	}{
		{"missing intent id", func(in *domain.IntentEnvelope) { in.IntentID = "  " }, "intent_id"},
		{"wrong world", func(in *domain.IntentEnvelope) { in.WorldKey = "asgard" }, "world_key"},
		{"empty text", func(in *domain.IntentEnvelope) { in.Text = "   " }, "text"},
		{"bad intent type", func(in *domain.IntentEnvelope) { in.IntentType = "attack" }, "intent_type"},
		{"unknown mob", func(in *domain.IntentEnvelope) { in.MobKey = "dragon-01" }, "mob_key"},
		{"unknown room", func(in *domain.IntentEnvelope) { in.RoomKey = "void" }, "room_key"},
		{"mob elsewhere", func(in *domain.IntentEnvelope) { in.RoomKey = "square" }, "room_key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validEnvelope()
			tc.mutate(&in)
			_, err := bridge.ValidateIntent(f.Ctx, f.Repo, f.WorldID, "midgard", in)
			var ierr *bridge.IntentError
			if !errors.As(err, &ierr) {
				t.Fatalf("want IntentError, got %v", err)
			}
			if ierr.Field != tc.wantField {
				t.Fatalf("field: got %q, want %q", ierr.Field, tc.wantField)
			}
		})
	}
}

func TestValidateIntentRejectsForeignWorldMob(t *testing.T) {
	f := newIntentFixture(t)
	otherWorld, err := f.Repo.InsertWorld(f.Ctx, domain.World{Key: "asgard", Name: "Asgard", Status: "active", CreatedAt: fixedAt})
	if err != nil {
		t.Fatal(err)
	}
	otherRoom, err := f.Repo.InsertRoom(f.Ctx, domain.Room{WorldID: otherWorld, Key: "hall", Name: "Hall", Type: domain.RoomTypeIndoor, CreatedAt: fixedAt})
	if err != nil {
		t.Fatal(err)
	}
	// Same key as a legitimate mob, but it lives in another world.
	if _, err := f.Repo.InsertMob(f.Ctx, domain.Mob{WorldID: otherWorld, RoomID: otherRoom, Key: "valkyrie-01", Name: "a valkyrie", CreatedAt: fixedAt}); err != nil {
		t.Fatal(err)
	}

	in := validEnvelope()
	in.MobKey = "valkyrie-01"
	in.RoomKey = ""
	_, err = bridge.ValidateIntent(f.Ctx, f.Repo, f.WorldID, "midgard", in)
	var ierr *bridge.IntentError
	if !errors.As(err, &ierr) {
		t.Fatalf("want IntentError, got %v", err)
	}
	if ierr.Field != "mob_key" {
		t.Fatalf("field: got %q, want mob_key", ierr.Field)
	}
}

func TestValidateIntentCommand(t *testing.T) {
	f := newIntentFixture(t)
	cmd, err := bridge.ValidateIntent(f.Ctx, f.Repo, f.WorldID, "midgard", validEnvelope())
	if err != nil {
		t.Fatal(err)
	}
	if cmd.ID != "intent-1" {
		t.Fatalf("command id must be the intent id for replay safety: %q", cmd.ID)
	}
	if cmd.Actor.Kind != domain.ActorMob {
		t.Fatalf("actor: %+v", cmd.Actor)
	}
	if cmd.Text != "say None shall pass." {
		t.Fatalf("text: %q", cmd.Text)
	}
	if !cmd.SkipTriggers {
		t.Fatal("intent commands must not re-enter trigger dispatch")
	}
	if cmd.IssuerScope != "ai" {
		t.Fatalf("issuer scope: %q", cmd.IssuerScope)
	}
}

func TestValidateIntentOmittedRoom(t *testing.T) {
	f := newIntentFixture(t)
	in := validEnvelope()
	in.RoomKey = ""
	if _, err := bridge.ValidateIntent(f.Ctx, f.Repo, f.WorldID, "midgard", in); err != nil {
		t.Fatalf("room key is optional: %v", err)
	}
}

func TestValidateIntentEmote(t *testing.T) {
	f := newIntentFixture(t)
	in := validEnvelope()
	in.IntentType = domain.IntentEmote
	in.Text = "glowers."
	cmd, err := bridge.ValidateIntent(f.Ctx, f.Repo, f.WorldID, "midgard", in)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Text != "emote glowers." {
		t.Fatalf("text: %q", cmd.Text)
	}
}
