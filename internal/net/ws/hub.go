package ws

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"avatar-mixer/server/internal/mixer"
	"avatar-mixer/server/internal/packet"
	"avatar-mixer/server/internal/telemetry"
	"avatar-mixer/server/logging"
	"avatar-mixer/server/logging/network"
)

type HubConfig struct {
	Compression packet.Compression
	Publisher   logging.Publisher
	Logger      telemetry.Logger
	Metrics     telemetry.Metrics
}

// Hub maps participants to their live sessions and delivers mixer output.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	compression packet.Compression
	publisher   logging.Publisher
	logger      telemetry.Logger
	metrics     telemetry.Metrics
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(nil)
	}
	return &Hub{
		sessions:    make(map[uuid.UUID]*Session),
		compression: cfg.Compression,
		publisher:   cfg.Publisher,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

var _ mixer.Sender = (*Hub)(nil)

// register installs s, returning the session it replaced if any.
func (h *Hub) register(s *Session) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.sessions[s.id]
	h.sessions[s.id] = s
	return prev
}

// unregister removes s unless a newer session took its place.
func (h *Hub) unregister(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.sessions[s.id]; !ok || current != s {
		return false
	}
	delete(h.sessions, s.id)
	return true
}

func (h *Hub) Session(id uuid.UUID) (*Session, bool) {
	if h == nil {
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

func (h *Hub) Len() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// SendPacketList frames every packet as a bulk avatar data message.
func (h *Hub) SendPacketList(receiver uuid.UUID, packets [][]byte) {
	s, ok := h.Session(receiver)
	if !ok {
		return
	}
	for _, p := range packets {
		framed, _, err := packet.Frame(p, h.compression)
		if err != nil {
			h.logger.Printf("[ws] failed to frame packet for %s: %v", receiver, err)
			continue
		}
		msg := make([]byte, 0, 1+len(framed))
		msg = append(msg, KindBulkAvatarData)
		msg = append(msg, framed...)
		h.deliver(s, msg)
	}
}

func (h *Hub) SendIdentity(receiver uuid.UUID, record mixer.IdentityRecord) {
	if s, ok := h.Session(receiver); ok {
		h.deliver(s, identityFrame(record.Source, record.Payload))
	}
}

func (h *Hub) SendBubbleNotice(receiver uuid.UUID, source uuid.UUID) {
	if s, ok := h.Session(receiver); ok {
		h.deliver(s, bubbleNoticeFrame(source))
	}
}

func (h *Hub) deliver(s *Session, msg []byte) {
	if s.enqueue(msg) {
		if h.metrics != nil {
			h.metrics.Add("ws_messages_sent", 1)
			h.metrics.Add("ws_bytes_sent", uint64(len(msg)))
		}
		return
	}
	if h.metrics != nil {
		h.metrics.Add("ws_messages_dropped", 1)
	}
	network.SendQueueFull(context.Background(), h.publisher, 0, logging.ParticipantRef(s.id.String()), network.SendQueueFullPayload{
		Kind:     kindName(msg[0]),
		Bytes:    len(msg),
		Capacity: s.capacity(),
	}, nil)
}

// CloseAll stops every session writer.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()
	for _, s := range sessions {
		s.Close()
	}
}
