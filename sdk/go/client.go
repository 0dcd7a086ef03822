package realmsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Realmcore HTTP API client. Player sessions use a JWT
// bearer token; a decision service uses its ingress token and SubmitIntent.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Event is a committed fact from the world's event log.
type Event struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	ActorKey  string         `json:"actor_key,omitempty"`
	Text      string         `json:"text,omitempty"`
	Data      map[string]any `json:"data"`
	CreatedAt string         `json:"created_at"`
}

// CommandResult is the issuer-visible outcome of a submitted command.
type CommandResult struct {
	CommandID string  `json:"command_id"`
	Events    []Event `json:"events"`
}

// Intent is a mob action proposed by an external decision service.
type Intent struct {
	IntentID   string `json:"intent_id"`
	WorldKey   string `json:"world_key"`
	RoomKey    string `json:"room_key,omitempty"`
	MobKey     string `json:"mob_key"`
	IntentType string `json:"intent_type"`
	Text       string `json:"text"`
}

// IntentResult reports an accepted intent and its committed events.
type IntentResult struct {
	Accepted bool    `json:"accepted"`
	Events   []Event `json:"events"`
}

// World describes the world a server runs.
type World struct {
	ID        int64  `json:"id"`
	Key       string `json:"key"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitText submits a raw text command as the authenticated character.
func (c *Client) SubmitText(ctx context.Context, text string) (CommandResult, error) {
	var resp CommandResult
	err := c.do(ctx, http.MethodPost, "v0/commands", map[string]any{"text": text}, &resp)
	return resp, err
}

// SubmitIntent proposes a mob action. Re-posting the same intent id is safe;
// the world applies it once and replays the original events.
func (c *Client) SubmitIntent(ctx context.Context, in Intent) (IntentResult, error) {
	var resp IntentResult
	err := c.do(ctx, http.MethodPost, "v0/internal/ai/intents", in, &resp)
	return resp, err
}

// Events reads the event log in commit order, starting after the given id.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/events?after=%d", after)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// World fetches the server's world descriptor.
func (c *Client) World(ctx context.Context) (World, error) {
	var resp World
	err := c.do(ctx, http.MethodGet, "v0/world", nil, &resp)
	return resp, err
}

// DevLogin mints a session token for a character on dev servers.
func (c *Client) DevLogin(ctx context.Context, characterID int64) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", map[string]any{"character_id": characterID}, &resp)
	return resp.Token, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
