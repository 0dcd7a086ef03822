package server

import (
	"encoding/json"

	"realmcore/internal/domain"
)

type CommandRequest struct {
	Text    string         `json:"text,omitempty" example:"say hello"`
	Name    string         `json:"name,omitempty" example:"move"`
	Payload map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type EventResponse struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type" example:"cmd.say.success"`
	ActorKey  string          `json:"actor_key,omitempty" example:"player.1"`
	Text      string          `json:"text,omitempty"`
	Data      json.RawMessage `json:"data"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

type CommandResponse struct {
	CommandID string          `json:"command_id"`
	Events    []EventResponse `json:"events"`
}

type WorldResponse struct {
	ID        int64  `json:"id"`
	Key       string `json:"key" example:"midgard"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TriggerResponse struct {
	ID                  int64  `json:"id"`
	Scope               string `json:"scope" enum:"room,zone,world"`
	Kind                string `json:"kind" enum:"command,event"`
	TargetKind          string `json:"target_kind,omitempty"`
	TargetID            int64  `json:"target_id,omitempty"`
	Name                string `json:"name,omitempty"`
	Match               string `json:"match,omitempty"`
	Event               string `json:"event,omitempty"`
	Option              string `json:"option,omitempty"`
	Script              string `json:"script,omitempty"`
	GateDelay           int    `json:"gate_delay"`
	FailureMessage      string `json:"failure_message,omitempty"`
	DisplayActionInRoom bool   `json:"display_action_in_room"`
	Order               int    `json:"order"`
	IsActive            bool   `json:"is_active"`
}

type ImportTriggersRequest struct {
	Manifest string `json:"manifest" example:"triggers:\n  - scope: room\n    kind: command\n    room: temple\n    match: \"touch altar\"\n    script: say The altar hums.\n"`
}

type ImportTriggersResponse struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

type ValidateExpressionRequest struct {
	Expression string `json:"expression" example:"('open sesame' or password) and not mellon"`
}

type ValidateExpressionResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

type IntentResponse struct {
	Accepted bool            `json:"accepted"`
	Events   []EventResponse `json:"events"`
}

type DevLoginRequest struct {
	CharacterID int64 `json:"character_id" example:"1"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func eventResponse(e domain.Event) EventResponse {
	data := json.RawMessage("{}")
	if e.PayloadJSON != "" && json.Valid([]byte(e.PayloadJSON)) {
		data = json.RawMessage(e.PayloadJSON)
	}
	return EventResponse{
		ID:        e.ID,
		Type:      e.Type,
		ActorKey:  e.ActorKey,
		Text:      e.Text,
		Data:      data,
		CreatedAt: e.CreatedAt,
	}
}

func eventResponses(events []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse(e))
	}
	return out
}

func triggerResponse(t domain.Trigger) TriggerResponse {
	return TriggerResponse{
		ID:                  t.ID,
		Scope:               t.Scope,
		Kind:                t.Kind,
		TargetKind:          t.TargetKind,
		TargetID:            t.TargetID,
		Name:                t.Name,
		Match:               t.Match,
		Event:               t.Event,
		Option:              t.Option,
		Script:              t.Script,
		GateDelay:           t.GateDelay,
		FailureMessage:      t.FailureMessage,
		DisplayActionInRoom: t.DisplayActionInRoom,
		Order:               t.Order,
		IsActive:            t.IsActive,
	}
}

func worldResponse(w domain.World) WorldResponse {
	return WorldResponse{ID: w.ID, Key: w.Key, Name: w.Name, CreatedAt: w.CreatedAt}
}
