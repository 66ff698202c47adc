package ws

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Message kinds are the first byte of every binary websocket frame.
const (
	KindAvatarData byte = 0x01
	KindIdentity   byte = 0x02
	KindFrustum    byte = 0x03

	KindBulkAvatarData byte = 0x10
	KindIdentityRecord byte = 0x11
	KindBubbleNotice   byte = 0x12
)

func kindName(kind byte) string {
	switch kind {
	case KindAvatarData:
		return "avatar_data"
	case KindIdentity:
		return "identity"
	case KindFrustum:
		return "frustum"
	case KindBulkAvatarData:
		return "bulk_avatar_data"
	case KindIdentityRecord:
		return "identity_record"
	case KindBubbleNotice:
		return "bubble_notice"
	default:
		return fmt.Sprintf("0x%02x", kind)
	}
}

// controlMessage is a JSON text frame sent by clients.
type controlMessage struct {
	Type    string  `json:"type"`
	Target  string  `json:"target,omitempty"`
	Enabled bool    `json:"enabled"`
	Kbps    float64 `json:"kbps,omitempty"`
}

const (
	controlIgnore                 = "ignore"
	controlRadiusIgnore           = "radiusIgnore"
	controlRequestsDomainListData = "requestsDomainListData"
	controlMaxKbps                = "maxKbps"
)

func parseControl(data []byte) (controlMessage, error) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return controlMessage{}, fmt.Errorf("decode control message: %w", err)
	}
	if msg.Type == "" {
		return controlMessage{}, fmt.Errorf("decode control message: missing type")
	}
	return msg, nil
}

func (m controlMessage) targetID() (uuid.UUID, error) {
	id, err := uuid.Parse(m.Target)
	if err != nil {
		return uuid.Nil, fmt.Errorf("control %s: bad target %q: %w", m.Type, m.Target, err)
	}
	return id, nil
}

// identityFrame builds an outbound identity record: kind, source id, payload.
func identityFrame(source uuid.UUID, payload []byte) []byte {
	out := make([]byte, 0, 1+len(source)+len(payload))
	out = append(out, KindIdentityRecord)
	out = append(out, source[:]...)
	return append(out, payload...)
}

func bubbleNoticeFrame(source uuid.UUID) []byte {
	out := make([]byte, 0, 1+len(source))
	out = append(out, KindBubbleNotice)
	return append(out, source[:]...)
}
