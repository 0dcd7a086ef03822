package bridge

import (
	"context"
	"fmt"
	"strings"

	"realmcore/internal/domain"
	"realmcore/internal/repo"
)

const intentTextLimit = 280

// IntentError reports an invalid intent envelope. The field names the part
// of the envelope that failed validation.
type IntentError struct {
	Field string
	Msg   string
}

func (e *IntentError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

func intentErr(field, msg string) error {
	return &IntentError{Field: field, Msg: msg}
}

// ValidateIntent checks a decision-service intent against live world state
// and converts it into the mob text command it stands for. Intents never
// mutate state directly; the command goes through the normal pipeline and
// carries the skip-triggers tag so mob speech cannot feed back into itself.
func ValidateIntent(ctx context.Context, r repo.Repo, worldID int64, worldKey string, in domain.IntentEnvelope) (domain.Command, error) {
	var cmd domain.Command

	if strings.TrimSpace(in.IntentID) == "" {
		return cmd, intentErr("intent_id", "is required")
	}
	if in.WorldKey != worldKey {
		return cmd, intentErr("world_key", "does not match this world")
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return cmd, intentErr("text", "is required")
	}
	if len(text) > intentTextLimit {
		text = text[:intentTextLimit]
	}

	var verb string
	switch in.IntentType {
	case domain.IntentSay:
		verb = "say"
	case domain.IntentEmote:
		verb = "emote"
	default:
		return cmd, intentErr("intent_type", "must be say or emote")
	}

	mob, err := r.GetMobByKey(ctx, worldID, in.MobKey)
	if err == repo.ErrNotFound {
		return cmd, intentErr("mob_key", "unknown mob")
	}
	if err != nil {
		return cmd, err
	}
	if in.RoomKey != "" {
		room, err := r.GetRoomByKey(ctx, in.RoomKey)
		if err == repo.ErrNotFound {
			return cmd, intentErr("room_key", "unknown room")
		}
		if err != nil {
			return cmd, err
		}
		if room.WorldID != worldID {
			return cmd, intentErr("room_key", "unknown room")
		}
		if room.ID != mob.RoomID {
			return cmd, intentErr("room_key", "mob is not in that room")
		}
	}

	return domain.Command{
		ID:           in.IntentID,
		Actor:        mob.ActorRef(),
		Type:         "cmd.text",
		Text:         verb + " " + text,
		SkipTriggers: true,
		IssuerScope:  "ai",
	}, nil
}
