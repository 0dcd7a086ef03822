package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"realmcore/internal/bridge"
	"realmcore/internal/domain"
	"realmcore/internal/engine"
	"realmcore/internal/repo"
	"realmcore/internal/trigger"
)

// Config for the HTTP API handler. The handler serves exactly one world.
type Config struct {
	Engine   engine.Engine
	Hub      *Hub
	WorldID  int64
	WorldKey string
	BasePath string
	Auth     AuthConfig
	Now      func() time.Time
}

func (cfg Config) now() time.Time {
	if cfg.Now != nil {
		return cfg.Now()
	}
	return time.Now()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"text is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Realmcore API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	if cfg.Auth.Now == nil {
		cfg.Auth.Now = cfg.Now
	}
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Realmcore API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWorlds(group, cfg)
	registerCommands(group, cfg)
	registerEvents(group, cfg)
	registerTriggers(group, cfg)
	registerIntents(group, cfg)
	registerDevAuth(group, cfg)
	registerWS(router, basePath, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ie *bridge.IntentError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusBadRequest, "invalid_intent", err.Error(), map[string]any{"field": ie.Field})
	}
	var me *manifestError
	if errors.As(err, &me) {
		return newAPIError(http.StatusBadRequest, "invalid_manifest", err.Error(), map[string]any{"trigger": me.Index})
	}
	var ee *trigger.ExprError
	if errors.As(err, &ee) {
		return newAPIError(http.StatusBadRequest, "invalid_expression", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrLockTimeout) {
		return newAPIError(http.StatusConflict, "busy", "world is busy, retry the command", nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	openPaths := map[string]struct{}{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):               {},
		"/" + strings.TrimPrefix(path.Join(basePath, "auth", "dev", "login"), "/"): {},
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if _, open := openPaths[route]; open {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Realmcore API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerWorlds(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-world",
		Method:      http.MethodGet,
		Path:        "/world",
		Summary:     "Describe the world this server runs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WorldResponse `json:"body"`
	}, error) {
		w, err := cfg.Engine.Repo.GetWorld(ctx, cfg.WorldID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorldResponse `json:"body"`
		}{Body: worldResponse(w)}, nil
	})
}

func registerCommands(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-command",
		Method:        http.MethodPost,
		Path:          "/commands",
		Summary:       "Submit a command as the authenticated character",
		DefaultStatus: http.StatusOK,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CommandRequest `json:"body"`
	}) (*struct {
		Body CommandResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cmd := domain.Command{Actor: actor}
		switch {
		case strings.TrimSpace(input.Body.Text) != "":
			cmd.Type = "cmd.text"
			cmd.Text = input.Body.Text
		case input.Body.Name != "":
			cmd.Type = "cmd.structured"
			payload := input.Body.Payload
			if payload == nil {
				payload = map[string]any{}
			}
			payload["name"] = input.Body.Name
			cmd.Payload = payload
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text or name is required", nil)
		}
		events, err := cfg.Engine.SubmitCommand(ctx, cmd, cfg.WorldID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommandResponse `json:"body"`
		}{Body: CommandResponse{CommandID: cmd.ID, Events: eventResponses(visibleTo(actor, events))}}, nil
	})
}

// visibleTo filters a command's committed events down to those addressed to
// the issuing actor. Broadcast events without recipients pass through.
func visibleTo(actor domain.ActorRef, events []domain.Event) []domain.Event {
	key := actor.Key()
	out := make([]domain.Event, 0, len(events))
	for _, e := range events {
		if len(e.Recipients) == 0 {
			out = append(out, e)
			continue
		}
		for _, r := range e.Recipients {
			if r == key {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func registerEvents(api huma.API, cfg Config) {
	type eventsQuery struct {
		After int64  `query:"after" doc:"Return events with an id greater than this"`
		Type  string `query:"type" doc:"Filter by event type"`
		Actor string `query:"actor" doc:"Filter by actor key"`
		Limit int    `query:"limit" doc:"Maximum number of events, default 100"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Read the event log in commit order",
	}, func(ctx context.Context, input *eventsQuery) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		events, err := cfg.Engine.Repo.ListEvents(ctx, repo.EventFilters{
			WorldID:  cfg.WorldID,
			Type:     input.Type,
			ActorKey: input.Actor,
			After:    input.After,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: eventResponses(events)}, nil
	})
}

func registerTriggers(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-triggers",
		Method:      http.MethodGet,
		Path:        "/triggers",
		Summary:     "List triggers in dispatch order",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TriggerResponse `json:"body"`
	}, error) {
		triggers, err := cfg.Engine.Repo.ListTriggers(ctx, repo.TriggerFilters{WorldID: cfg.WorldID})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TriggerResponse, 0, len(triggers))
		for _, t := range triggers {
			out = append(out, triggerResponse(t))
		}
		return &struct {
			Body []TriggerResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "import-triggers",
		Method:        http.MethodPost,
		Path:          "/triggers/import",
		Summary:       "Import a YAML trigger manifest",
		DefaultStatus: http.StatusOK,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ImportTriggersRequest `json:"body"`
	}) (*struct {
		Body ImportTriggersResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Manifest) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "manifest is required", nil)
		}
		created, updated, err := ImportManifest(ctx, cfg.Engine.Repo, cfg.WorldID, input.Body.Manifest)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ImportTriggersResponse `json:"body"`
		}{Body: ImportTriggersResponse{Created: created, Updated: updated}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-expression",
		Method:      http.MethodPost,
		Path:        "/triggers/validate",
		Summary:     "Validate a trigger match expression",
	}, func(ctx context.Context, input *struct {
		Body ValidateExpressionRequest `json:"body"`
	}) (*struct {
		Body ValidateExpressionResponse `json:"body"`
	}, error) {
		res := ValidateExpressionResponse{Valid: true}
		if err := trigger.ValidateExpression(input.Body.Expression); err != nil {
			res.Valid = false
			res.Error = err.Error()
		}
		return &struct {
			Body ValidateExpressionResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerIntents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-intent",
		Method:        http.MethodPost,
		Path:          "/internal/ai/intents",
		Summary:       "Submit a validated mob intent from the decision service",
		DefaultStatus: http.StatusOK,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body domain.IntentEnvelope `json:"body"`
	}) (*struct {
		Body IntentResponse `json:"body"`
	}, error) {
		cmd, err := bridge.ValidateIntent(ctx, cfg.Engine.Repo, cfg.WorldID, cfg.WorldKey, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		events, err := cfg.Engine.SubmitCommand(ctx, cmd, cfg.WorldID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IntentResponse `json:"body"`
		}{Body: IntentResponse{Accepted: true, Events: eventResponses(events)}}, nil
	})
}

func registerDevAuth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a session JWT for a character",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		c, err := cfg.Engine.Repo.GetCharacter(ctx, input.Body.CharacterID)
		if err != nil {
			return nil, handleError(err)
		}
		token, err := signSessionToken(cfg.Auth.JWTSecret, c.ActorRef(), cfg.now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
