package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"realmcore/internal/domain"
)

// ErrLockTimeout marks a lock acquisition that exceeded its wait budget. It
// is a transient failure; the action returns to the queue untouched.
var ErrLockTimeout = errors.New("lock wait budget exceeded")

// Locks is the aggregate lock coordinator. Every acquisition sorts its lock
// set into the canonical aggregate order before taking anything, so two
// actions can never hold locks in conflicting orders.
type Locks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewLocks() *Locks {
	return &Locks{locks: map[string]chan struct{}{}}
}

func (l *Locks) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	return ch
}

// Acquire takes every lock in refs and returns a release function. The wait
// budget covers the whole set; on timeout nothing stays held.
func (l *Locks) Acquire(ctx context.Context, refs []domain.AggregateRef, wait time.Duration) (func(), error) {
	ordered := canonicalOrder(refs)
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	var held []chan struct{}
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}
	for _, ref := range ordered {
		ch := l.slot(ref.Key())
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-deadline.C:
			release()
			return nil, ErrLockTimeout
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

// canonicalOrder sorts by aggregate kind then ID and drops duplicates.
func canonicalOrder(refs []domain.AggregateRef) []domain.AggregateRef {
	ordered := make([]domain.AggregateRef, 0, len(refs))
	seen := map[string]bool{}
	for _, ref := range refs {
		if seen[ref.Key()] {
			continue
		}
		seen[ref.Key()] = true
		ordered = append(ordered, ref)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Kind != ordered[j].Kind {
			return ordered[i].Kind < ordered[j].Kind
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}
