package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"realmcore/internal/domain"
	"realmcore/internal/engine"
)

func TestLocksAcquireRelease(t *testing.T) {
	l := engine.NewLocks()
	ctx := context.Background()
	refs := []domain.AggregateRef{
		{Kind: domain.AggregateCharacter, ID: 1},
		{Kind: domain.AggregateRoom, ID: 2},
	}
	release, err := l.Acquire(ctx, refs, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()

	release, err = l.Acquire(ctx, refs, time.Second)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	release()
}

func TestLocksDuplicateRefs(t *testing.T) {
	l := engine.NewLocks()
	refs := []domain.AggregateRef{
		{Kind: domain.AggregateRoom, ID: 5},
		{Kind: domain.AggregateRoom, ID: 5},
	}
	// Duplicates collapse to one slot; a naive take would self-deadlock.
	release, err := l.Acquire(context.Background(), refs, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("duplicate refs must dedupe: %v", err)
	}
	release()
}

func TestLocksContentionTimeout(t *testing.T) {
	l := engine.NewLocks()
	ctx := context.Background()
	ref := []domain.AggregateRef{{Kind: domain.AggregateCharacter, ID: 9}}

	release, err := l.Acquire(ctx, ref, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	_, err = l.Acquire(ctx, ref, 50*time.Millisecond)
	if !errors.Is(err, engine.ErrLockTimeout) {
		t.Fatalf("contended acquire: got %v, want ErrLockTimeout", err)
	}
	release()

	release, err = l.Acquire(ctx, ref, time.Second)
	if err != nil {
		t.Fatalf("acquire after contention released: %v", err)
	}
	release()
}

func TestLocksTimeoutHoldsNothing(t *testing.T) {
	l := engine.NewLocks()
	ctx := context.Background()
	blocker := []domain.AggregateRef{{Kind: domain.AggregateCharacter, ID: 3}}
	pair := []domain.AggregateRef{
		{Kind: domain.AggregateRoom, ID: 1},
		{Kind: domain.AggregateCharacter, ID: 3},
	}

	release, err := l.Acquire(ctx, blocker, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	// The pair takes the room first, then times out on the character. The
	// room lock must come back.
	if _, err := l.Acquire(ctx, pair, 50*time.Millisecond); !errors.Is(err, engine.ErrLockTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	release()

	room := []domain.AggregateRef{{Kind: domain.AggregateRoom, ID: 1}}
	release, err = l.Acquire(ctx, room, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("room lock leaked after timeout: %v", err)
	}
	release()
}

func TestLocksCanceledContext(t *testing.T) {
	l := engine.NewLocks()
	ref := []domain.AggregateRef{{Kind: domain.AggregateMob, ID: 4}}
	release, err := l.Acquire(context.Background(), ref, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Acquire(ctx, ref, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled acquire: got %v", err)
	}
}
