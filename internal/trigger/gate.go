package trigger

import (
	"fmt"
	"sync"
	"time"

	"realmcore/internal/domain"
)

// GatedText is the feedback for a command that matched a gated trigger.
const GatedText = "More time is needed."

type gateEntry struct {
	expiresAt time.Time
	oneShot   bool
}

// Gate tracks per-trigger cooldowns keyed by trigger and scope. Gate state is
// advisory and in-memory; a restart clears cooldowns, which errs on the side
// of letting triggers fire.
type Gate struct {
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]gateEntry
}

func NewGate() *Gate {
	return &Gate{entries: map[string]gateEntry{}}
}

func gateKey(t domain.Trigger, scopeKey string) string {
	return fmt.Sprintf("%d.%s", t.ID, scopeKey)
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Allowed reports whether the trigger may fire for the scope. A zero
// gate_delay never gates.
func (g *Gate) Allowed(t domain.Trigger, scopeKey string) bool {
	if t.GateDelay == 0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.entries[gateKey(t, scopeKey)]
	if !ok {
		return true
	}
	if entry.oneShot {
		return false
	}
	if !g.now().Before(entry.expiresAt) {
		delete(g.entries, gateKey(t, scopeKey))
		return true
	}
	return false
}

// Consume arms the gate after a successful firing. Negative delay arms a
// one-shot gate that never expires.
func (g *Gate) Consume(t domain.Trigger, scopeKey string) {
	if t.GateDelay == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.entries == nil {
		g.entries = map[string]gateEntry{}
	}
	if t.GateDelay < 0 {
		g.entries[gateKey(t, scopeKey)] = gateEntry{oneShot: true}
		return
	}
	g.entries[gateKey(t, scopeKey)] = gateEntry{
		expiresAt: g.now().Add(time.Duration(t.GateDelay) * time.Second),
	}
}
