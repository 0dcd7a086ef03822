package events

import (
	"log"
	"sync"

	"realmcore/internal/domain"
)

// Subscriber receives committed events. Implementations must not block; slow
// consumers buffer or drop on their own side.
type Subscriber interface {
	Notify(e domain.Event)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(e domain.Event)

func (f SubscriberFunc) Notify(e domain.Event) { f(e) }

// Publisher fans committed events out to subscribers. Publication happens
// strictly after commit; a subscriber failure is logged and never propagated
// back into the pipeline. Missed deliveries are recoverable from the log.
type Publisher struct {
	Logger *log.Logger

	mu   sync.RWMutex
	subs []Subscriber
}

func (p *Publisher) Subscribe(s Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, s)
}

func (p *Publisher) Publish(evts []domain.Event) {
	p.mu.RLock()
	subs := make([]Subscriber, len(p.subs))
	copy(subs, p.subs)
	p.mu.RUnlock()
	for _, e := range evts {
		for _, s := range subs {
			p.notify(s, e)
		}
	}
}

func (p *Publisher) notify(s Subscriber, e domain.Event) {
	defer func() {
		if r := recover(); r != nil && p.Logger != nil {
			p.Logger.Printf("event subscriber panic on %s: %v", e.Type, r)
		}
	}()
	s.Notify(e)
}
