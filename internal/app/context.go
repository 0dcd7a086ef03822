package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"realmcore/internal/config"
	"realmcore/internal/domain"
	"realmcore/internal/engine"
	"realmcore/internal/events"
	"realmcore/internal/repo"
	"realmcore/internal/trigger"
)

// Runtime bundles one world's wired pipeline: engine, trigger router and
// publisher sharing a single database handle.
type Runtime struct {
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Logger    *log.Logger
	World     domain.World
	Engine    engine.Engine
	Router    *trigger.Router
	Publisher *events.Publisher
}

// Build resolves the configured world and wires the pipeline around it. The
// router subscribes to the publisher so every committed event is offered to
// mob event triggers.
func Build(ctx context.Context, db *sql.DB, cfg *config.Config, logger *log.Logger) (*Runtime, error) {
	r := repo.Repo{DB: db}
	world, err := ResolveWorld(ctx, r, cfg)
	if err != nil {
		return nil, err
	}

	pub := &events.Publisher{Logger: logger}
	router := &trigger.Router{
		Repo:      r,
		Gate:      trigger.NewGate(),
		Heartbeat: cfg.Heartbeat(),
		Logger:    logger,
	}
	eng := engine.Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Pub:    pub,
		Locks:  engine.NewLocks(),
		Router: router,
		Config: cfg,
		Logger: logger,
	}
	router.Sink = eng
	pub.Subscribe(router)

	return &Runtime{
		DB:        db,
		Repo:      r,
		Config:    cfg,
		Logger:    logger,
		World:     world,
		Engine:    eng,
		Router:    router,
		Publisher: pub,
	}, nil
}

// ResolveWorld loads the configured world, creating it on first run.
func ResolveWorld(ctx context.Context, r repo.Repo, cfg *config.Config) (domain.World, error) {
	key := cfg.World.Key
	if key == "" {
		worlds, err := r.ListWorlds(ctx)
		if err != nil {
			return domain.World{}, err
		}
		if len(worlds) == 1 {
			return worlds[0], nil
		}
		return domain.World{}, fmt.Errorf("world not specified; set world.key in realm.yml")
	}

	world, err := r.GetWorldByKey(ctx, key)
	if err == nil {
		return world, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.World{}, err
	}

	name := cfg.World.Name
	if name == "" {
		name = key
	}
	seed := domain.World{
		Key:       key,
		Name:      name,
		Status:    "active",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	id, err := r.InsertWorld(ctx, seed)
	if err != nil {
		return domain.World{}, fmt.Errorf("create world %q: %w", key, err)
	}
	seed.ID = id
	return seed, nil
}
