package trigger_test

import (
	"testing"
	"time"

	"realmcore/internal/domain"
	"realmcore/internal/trigger"
)

func TestGateCooldown(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g := trigger.NewGate()
	g.Now = func() time.Time { return now }

	trg := domain.Trigger{ID: 1, GateDelay: 10}
	if !g.Allowed(trg, "room:1") {
		t.Fatal("fresh gate must allow")
	}
	g.Consume(trg, "room:1")
	if g.Allowed(trg, "room:1") {
		t.Fatal("armed gate must block")
	}
	if !g.Allowed(trg, "room:2") {
		t.Fatal("gate is scoped; other scopes stay open")
	}
	now = now.Add(11 * time.Second)
	if !g.Allowed(trg, "room:1") {
		t.Fatal("expired gate must allow again")
	}
}

func TestGateOpensAtExpiryInstant(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g := trigger.NewGate()
	g.Now = func() time.Time { return now }

	trg := domain.Trigger{ID: 4, GateDelay: 10}
	g.Consume(trg, "room:1")
	now = now.Add(10*time.Second - time.Nanosecond)
	if g.Allowed(trg, "room:1") {
		t.Fatal("gate must hold until the delay elapses")
	}
	now = now.Add(time.Nanosecond)
	if !g.Allowed(trg, "room:1") {
		t.Fatal("gate must open the instant the delay elapses")
	}
}

func TestGateOneShot(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g := trigger.NewGate()
	g.Now = func() time.Time { return now }

	trg := domain.Trigger{ID: 2, GateDelay: -1}
	g.Consume(trg, "mob:7")
	now = now.Add(1000 * time.Hour)
	if g.Allowed(trg, "mob:7") {
		t.Fatal("one-shot gate never reopens")
	}
}

func TestGateZeroDelayNeverGates(t *testing.T) {
	g := trigger.NewGate()
	trg := domain.Trigger{ID: 3, GateDelay: 0}
	g.Consume(trg, "world:1")
	if !g.Allowed(trg, "world:1") {
		t.Fatal("zero delay must never gate")
	}
}
