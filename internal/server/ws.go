package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"realmcore/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsCommand is the single message shape a session sends: a raw text command.
type wsCommand struct {
	Text string `json:"text"`
}

func registerWS(router chi.Router, basePath string, cfg Config) {
	router.Get(path.Join(basePath, "ws"), func(w http.ResponseWriter, r *http.Request) {
		serveWS(w, r, cfg)
	})
}

// serveWS upgrades a game session. The token travels as a query parameter
// because browser websocket clients cannot set an Authorization header.
func serveWS(w http.ResponseWriter, r *http.Request, cfg Config) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	principal, err := authenticateJWT(token, cfg.Auth.JWTSecret, cfg.Auth.Now)
	if err != nil {
		respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
		return
	}
	if _, err := cfg.Engine.Repo.GetCharacter(r.Context(), principal.Actor.ID); err != nil {
		respondStatusError(w, handleError(err))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{actorKey: principal.Actor.Key(), send: make(chan []byte, clientSendBuffer)}
	cfg.Hub.register(c)
	if err := cfg.Engine.Repo.SetCharacterInGame(r.Context(), principal.Actor.ID, true); err != nil {
		wsLogf(cfg, "session %s: mark in game: %v", c.actorKey, err)
	}

	go writePump(conn, c)
	go readPump(conn, c, cfg, principal.Actor)
}

// readPump consumes session commands until the socket closes. The first
// thing a fresh session sees is its room, so a look is submitted on its
// behalf before any input arrives.
func readPump(conn *websocket.Conn, c *client, cfg Config, actor domain.ActorRef) {
	defer func() {
		cfg.Hub.unregister(c)
		if err := cfg.Engine.Repo.SetCharacterInGame(context.Background(), actor.ID, false); err != nil {
			wsLogf(cfg, "session %s: mark out of game: %v", c.actorKey, err)
		}
		conn.Close()
	}()
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	submit := func(text string) {
		cmd := domain.Command{
			Actor:        actor,
			Type:         "cmd.text",
			Text:         text,
			ConnectionID: c.actorKey,
		}
		if _, err := cfg.Engine.SubmitCommand(context.Background(), cmd, cfg.WorldID); err != nil {
			wsLogf(cfg, "session %s: submit %q: %v", c.actorKey, firstWord(text), err)
		}
	}
	submit("look")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsCommand
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Plain text frames are accepted as commands too.
			msg.Text = string(raw)
		}
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}
		submit(text)
	}
}

func writePump(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func wsLogf(cfg Config, format string, args ...any) {
	if cfg.Engine.Logger != nil {
		cfg.Engine.Logger.Printf(format, args...)
	}
}

func firstWord(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
