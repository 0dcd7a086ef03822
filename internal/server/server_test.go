package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"realmcore/internal/app"
	"realmcore/internal/config"
	"realmcore/internal/db"
	"realmcore/internal/domain"
	"realmcore/internal/migrate"
	"realmcore/internal/server"
)

const (
	testJWTSecret    = "test-secret"
	testIngressToken = "test-ingress-token"
	fixedAt          = "2025-06-01T12:00:00Z"
)

type apiFixture struct {
	Server  *httptest.Server
	Runtime *app.Runtime
	Ctx     context.Context

	roomID int64
	charID int64
}

func newAPIFixture(t *testing.T) *apiFixture {
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
	rt, err := app.Build(ctx, conn, config.Default("midgard"), nil)
	if err != nil {
		t.Fatalf("build runtime: %v", err)
	}

	roomID, err := rt.Repo.InsertRoom(ctx, domain.Room{
		WorldID: rt.World.ID, Key: "temple", Name: "Temple", Type: domain.RoomTypeIndoor, CreatedAt: fixedAt,
	})
	if err != nil {
		t.Fatal(err)
	}
	charID, err := rt.Repo.InsertCharacter(ctx, domain.Character{
		WorldID: rt.World.ID, RoomID: roomID, Name: "alice",
		Stamina: 10, MaxStamina: 10, InGame: true, CreatedAt: fixedAt,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Repo.InsertMob(ctx, domain.Mob{
		WorldID: rt.World.ID, RoomID: roomID, Key: "acolyte-01", Name: "an acolyte", CreatedAt: fixedAt,
	}); err != nil {
		t.Fatal(err)
	}

	handler, err := server.New(server.Config{
		Engine:   rt.Engine,
		Hub:      server.NewHub(),
		WorldID:  rt.World.ID,
		WorldKey: rt.World.Key,
		Auth:     server.AuthConfig{JWTSecret: testJWTSecret, IngressToken: testIngressToken},
		Now:      func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return &apiFixture{Server: ts, Runtime: rt, Ctx: ctx, roomID: roomID, charID: charID}
}

func (f *apiFixture) request(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, f.Server.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func (f *apiFixture) login(t *testing.T) string {
	t.Helper()
	resp, body := f.request(t, http.MethodPost, "/v0/auth/dev/login", "", map[string]any{"character_id": f.charID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", resp.StatusCode, body)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Token == "" {
		t.Fatal("empty session token")
	}
	return out.Token
}

func errorCode(t *testing.T, body []byte) (string, map[string]any) {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("error envelope: %v in %s", err, body)
	}
	return envelope.Error.Code, envelope.Error.Details
}

func TestHealthIsOpen(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.request(t, http.MethodGet, "/v0/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", resp.StatusCode, body)
	}
}

func TestCommandsRequireAuth(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.request(t, http.MethodPost, "/v0/commands", "", map[string]any{"text": "look"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated command: %d %s", resp.StatusCode, body)
	}
	resp, _ = f.request(t, http.MethodPost, "/v0/commands", "not-a-jwt", map[string]any{"text": "look"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d", resp.StatusCode)
	}
}

func TestSubmitCommand(t *testing.T) {
	f := newAPIFixture(t)
	token := f.login(t)

	resp, body := f.request(t, http.MethodPost, "/v0/commands", token, map[string]any{"text": "say hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", resp.StatusCode, body)
	}
	var out server.CommandResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	var saw bool
	for _, e := range out.Events {
		if e.Type == "cmd.say.success" && e.Text == "You say 'hello'" {
			saw = true
		}
	}
	if !saw {
		t.Fatalf("say event missing: %s", body)
	}

	resp, body = f.request(t, http.MethodPost, "/v0/commands", token, map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty command: %d %s", resp.StatusCode, body)
	}
}

func TestEventsQuery(t *testing.T) {
	f := newAPIFixture(t)
	token := f.login(t)
	f.request(t, http.MethodPost, "/v0/commands", token, map[string]any{"text": "say one"})
	f.request(t, http.MethodPost, "/v0/commands", token, map[string]any{"text": "say two"})

	resp, body := f.request(t, http.MethodGet, "/v0/events?type=cmd.say.success", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", resp.StatusCode, body)
	}
	var events []server.EventResponse
	if err := json.Unmarshal(body, &events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("filtered events: got %d, want 2", len(events))
	}

	resp, body = f.request(t, http.MethodGet, fmt.Sprintf("/v0/events?after=%d", events[0].ID), token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events after: %d %s", resp.StatusCode, body)
	}
	var tail []server.EventResponse
	if err := json.Unmarshal(body, &tail); err != nil {
		t.Fatal(err)
	}
	for _, e := range tail {
		if e.ID <= events[0].ID {
			t.Fatalf("cursor not honored: %d", e.ID)
		}
	}
}

func TestIntentIngress(t *testing.T) {
	f := newAPIFixture(t)
	envelope := map[string]any{
		"intent_id":   "intent-1",
		"world_key":   "midgard",
		"mob_key":     "acolyte-01",
		"intent_type": "say",
		"text":        "Welcome, traveler.",
	}

	resp, _ := f.request(t, http.MethodPost, "/v0/internal/ai/intents", "wrong-token", envelope)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad ingress token: %d", resp.StatusCode)
	}

	resp, body := f.request(t, http.MethodPost, "/v0/internal/ai/intents", testIngressToken, envelope)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("intent: %d %s", resp.StatusCode, body)
	}
	var out server.IntentResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if !out.Accepted {
		t.Fatalf("intent not accepted: %s", body)
	}

	bad := map[string]any{
		"intent_id":   "intent-2",
		"world_key":   "midgard",
		"mob_key":     "dragon-99",
		"intent_type": "say",
		"text":        "rawr",
	}
	resp, body = f.request(t, http.MethodPost, "/v0/internal/ai/intents", testIngressToken, bad)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid intent: %d %s", resp.StatusCode, body)
	}
	code, details := errorCode(t, body)
	if code != "invalid_intent" || details["field"] != "mob_key" {
		t.Fatalf("intent error envelope: code=%q details=%v", code, details)
	}
}

const testManifest = `triggers:
  - name: altar-hum
    scope: room
    kind: command
    room: temple
    match: touch altar
    script: say The altar hums.
    gate_delay: 30
  - scope: room
    kind: event
    mob: acolyte-01
    event: saying
    match: blessing
    script: say May the light guide you.
`

func TestTriggerImportAndList(t *testing.T) {
	f := newAPIFixture(t)
	token := f.login(t)

	resp, body := f.request(t, http.MethodPost, "/v0/triggers/import", token, map[string]any{"manifest": testManifest})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("import: %d %s", resp.StatusCode, body)
	}
	var out server.ImportTriggersResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Created != 2 || out.Updated != 0 {
		t.Fatalf("first import: %+v", out)
	}

	// Re-importing upserts the named trigger and inserts the unnamed one.
	resp, body = f.request(t, http.MethodPost, "/v0/triggers/import", token, map[string]any{"manifest": testManifest})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reimport: %d %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Created != 1 || out.Updated != 1 {
		t.Fatalf("second import: %+v", out)
	}

	resp, body = f.request(t, http.MethodGet, "/v0/triggers", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", resp.StatusCode, body)
	}
	var triggers []server.TriggerResponse
	if err := json.Unmarshal(body, &triggers); err != nil {
		t.Fatal(err)
	}
	if len(triggers) != 3 {
		t.Fatalf("trigger count: got %d, want 3", len(triggers))
	}
	var named *server.TriggerResponse
	for i := range triggers {
		if triggers[i].Name == "altar-hum" {
			named = &triggers[i]
		}
	}
	if named == nil || named.GateDelay != 30 || named.TargetID != f.roomID {
		t.Fatalf("named trigger: %+v", named)
	}
}

func TestTriggerImportValidation(t *testing.T) {
	f := newAPIFixture(t)
	token := f.login(t)

	bad := "triggers:\n  - scope: room\n    kind: command\n    room: nowhere\n    match: x\n    script: say x\n"
	resp, body := f.request(t, http.MethodPost, "/v0/triggers/import", token, map[string]any{"manifest": bad})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad manifest: %d %s", resp.StatusCode, body)
	}
	code, details := errorCode(t, body)
	if code != "invalid_manifest" {
		t.Fatalf("code: %q", code)
	}
	if details["trigger"] != float64(0) {
		t.Fatalf("trigger index: %v", details["trigger"])
	}
	// Nothing was written.
	resp, body = f.request(t, http.MethodGet, "/v0/triggers", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatal(resp.StatusCode)
	}
	var triggers []server.TriggerResponse
	if err := json.Unmarshal(body, &triggers); err != nil {
		t.Fatal(err)
	}
	if len(triggers) != 0 {
		t.Fatalf("failed import must not write rows: %d", len(triggers))
	}
}

func TestValidateExpressionEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	token := f.login(t)

	resp, body := f.request(t, http.MethodPost, "/v0/triggers/validate", token,
		map[string]any{"expression": "('open sesame' or password) and not mellon"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("validate: %d %s", resp.StatusCode, body)
	}
	var out server.ValidateExpressionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if !out.Valid {
		t.Fatalf("expected valid: %s", body)
	}

	resp, body = f.request(t, http.MethodPost, "/v0/triggers/validate", token,
		map[string]any{"expression": "altar or"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("validate invalid expr: %d %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Valid || out.Error == "" {
		t.Fatalf("expected invalid with message: %s", body)
	}
}

func TestWorldEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	token := f.login(t)
	resp, body := f.request(t, http.MethodGet, "/v0/world", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("world: %d %s", resp.StatusCode, body)
	}
	var out server.WorldResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Key != "midgard" {
		t.Fatalf("world key: %q", out.Key)
	}
}
