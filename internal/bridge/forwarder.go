package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"realmcore/internal/config"
	"realmcore/internal/domain"
	"realmcore/internal/repo"
)

const (
	defaultForwardInterval = 2 * time.Second
	defaultForwardTimeout  = 5 * time.Second
	defaultForwardBatch    = 100
)

// Forwarder ships selected player-originated events to the external decision
// service. It tails the event log with a cursor, so a slow or down endpoint
// never blocks the pipeline; deliveries resume from the cursor when the
// endpoint recovers. Forwarding is strictly fail-open.
type Forwarder struct {
	Repo     repo.Repo
	Config   *config.Config
	WorldID  int64
	WorldKey string
	Client   *http.Client
	Logger   *log.Logger

	allowed map[string]struct{}
	mu      sync.Mutex
	cursor  int64
	primed  bool
}

// Start launches the forwarder loop if a forward URL is configured.
func Start(ctx context.Context, f *Forwarder) {
	if f.Config == nil || strings.TrimSpace(f.Config.Bridge.ForwardURL) == "" {
		return
	}
	if f.Client == nil {
		f.Client = &http.Client{Timeout: defaultForwardTimeout}
	}
	f.allowed = allowedEventTypes(f.Config.Bridge.EventTypes)
	go f.run(ctx)
}

func allowedEventTypes(types []string) map[string]struct{} {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		key := strings.ToLower(strings.TrimSpace(t))
		if key != "" {
			set[key] = struct{}{}
		}
	}
	return set
}

func (f *Forwarder) run(ctx context.Context) {
	ticker := time.NewTicker(defaultForwardInterval)
	defer ticker.Stop()
	for {
		f.dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (f *Forwarder) dispatch(ctx context.Context) {
	cursor := f.cursorValue(ctx)
	events, err := f.Repo.ListEvents(ctx, repo.EventFilters{
		WorldID: f.WorldID,
		After:   cursor,
		Limit:   defaultForwardBatch,
	})
	if err != nil {
		f.logf("bridge: fetch events failed: %v", err)
		return
	}
	for _, evt := range events {
		if !f.shouldForward(evt) {
			f.setCursor(evt.ID)
			continue
		}
		if err := f.post(ctx, evt); err != nil {
			f.logf("bridge: deliver event %d failed: %v", evt.ID, err)
			return
		}
		f.setCursor(evt.ID)
	}
}

// shouldForward applies the outbound gate: allowed event type and a primary
// player actor. Mob and system events never leave the core.
func (f *Forwarder) shouldForward(evt domain.Event) bool {
	if _, ok := f.allowed[strings.ToLower(strings.TrimSpace(evt.Type))]; !ok {
		return false
	}
	actor, err := domain.ParseActorRef(evt.ActorKey)
	return err == nil && actor.Primary()
}

type forwardEnvelope struct {
	EventID    int64           `json:"event_id"`
	EventType  string          `json:"event_type"`
	WorldKey   string          `json:"world_key"`
	ActorKey   string          `json:"actor_key"`
	OccurredAt string          `json:"occurred_at"`
	Text       string          `json:"text,omitempty"`
	Data       json.RawMessage `json:"data"`
}

func (f *Forwarder) post(ctx context.Context, evt domain.Event) error {
	data := json.RawMessage("{}")
	if evt.PayloadJSON != "" && json.Valid([]byte(evt.PayloadJSON)) {
		data = json.RawMessage(evt.PayloadJSON)
	}
	body, err := json.Marshal(forwardEnvelope{
		EventID:    evt.ID,
		EventType:  strings.ToLower(evt.Type),
		WorldKey:   f.WorldKey,
		ActorKey:   evt.ActorKey,
		OccurredAt: evt.CreatedAt,
		Text:       evt.Text,
		Data:       data,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Config.Bridge.ForwardURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Realm-Event", evt.Type)
	req.Header.Set("X-Realm-Delivery", fmt.Sprintf("%d", evt.ID))
	if token := strings.TrimSpace(f.Config.Bridge.ForwardToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (f *Forwarder) cursorValue(ctx context.Context) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.primed {
		return f.cursor
	}
	// Start from the log head; historical events are not interesting to a
	// freshly attached decision service.
	cur, err := f.Repo.LatestEventID(ctx, f.WorldID)
	if err != nil {
		f.logf("bridge: init cursor failed: %v", err)
		cur = 0
	}
	f.cursor = cur
	f.primed = true
	return cur
}

func (f *Forwarder) setCursor(value int64) {
	f.mu.Lock()
	f.cursor = value
	f.mu.Unlock()
}

func (f *Forwarder) logf(format string, args ...any) {
	if f.Logger != nil {
		f.Logger.Printf(format, args...)
	}
}
