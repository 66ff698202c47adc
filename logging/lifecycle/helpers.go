package lifecycle

import (
	"context"

	"avatar-mixer/server/logging"
)

const (
	// EventParticipantJoined is emitted when a client session registers a participant.
	EventParticipantJoined logging.EventType = "lifecycle.participant_joined"
	// EventParticipantLeft is emitted when a participant leaves the directory.
	EventParticipantLeft logging.EventType = "lifecycle.participant_left"
)

// ParticipantJoinedPayload captures session metadata for a new participant.
type ParticipantJoinedPayload struct {
	RemoteAddr string `json:"remoteAddr,omitempty"`
	Moderator  bool   `json:"moderator"`
}

// ParticipantLeftPayload captures why a participant left and how its
// session fared.
type ParticipantLeftPayload struct {
	Reason          string `json:"reason"`
	ConnectedMillis int64  `json:"connectedMillis"`
	DroppedMessages uint64 `json:"droppedMessages,omitempty"`
}

// ParticipantJoined publishes a participant join event.
func ParticipantJoined(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ParticipantJoinedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventParticipantJoined,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: "lifecycle",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// ParticipantLeft publishes a participant departure event.
func ParticipantLeft(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ParticipantLeftPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventParticipantLeft,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: "lifecycle",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
