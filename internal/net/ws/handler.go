package ws

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"avatar-mixer/server/internal/avatar"
	"avatar-mixer/server/internal/directory"
	"avatar-mixer/server/internal/geom"
	"avatar-mixer/server/internal/telemetry"
	"avatar-mixer/server/logging"
	"avatar-mixer/server/logging/lifecycle"
	"avatar-mixer/server/logging/network"
)

type HandlerConfig struct {
	Logger          telemetry.Logger
	Publisher       logging.Publisher
	Clock           logging.Clock
	SendQueue       int
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	// IsModerator grants the kick privilege to sessions presenting a
	// matching token.
	IsModerator func(token string) bool
}

// Handler upgrades HTTP requests into participant sessions.
type Handler struct {
	directory *directory.Directory
	hub       *Hub
	cfg       HandlerConfig
	upgrader  websocket.Upgrader
}

func NewHandler(dir *directory.Directory, hub *Hub, cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(nil)
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Clock == nil {
		cfg.Clock = logging.SystemClock{}
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.IsModerator == nil {
		cfg.IsModerator = func(string) bool { return false }
	}
	return &Handler{
		directory: dir,
		hub:       hub,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
	}
}

// Handle serves GET /ws. The optional id query parameter picks the
// participant id; a fresh one is generated otherwise.
func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	id := uuid.New()
	if raw := r.URL.Query().Get("id"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			nethttp.Error(w, "invalid id", nethttp.StatusBadRequest)
			return
		}
		id = parsed
	}
	if _, exists := h.directory.Get(id); exists {
		nethttp.Error(w, "participant already connected", nethttp.StatusConflict)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.cfg.Logger.Printf("[ws] upgrade failed for %s: %v", id, err)
		return
	}
	defer conn.Close()

	participant, err := h.directory.Join(id)
	if err != nil {
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		conn.WriteMessage(websocket.CloseMessage, message)
		return
	}
	moderator := h.cfg.IsModerator(r.URL.Query().Get("token"))
	participant.SetCanKick(moderator)

	session := newSession(id, conn, h.cfg.SendQueue, h.cfg.WriteTimeout)
	if prev := h.hub.register(session); prev != nil {
		prev.Close()
	}
	ctx := r.Context()
	joinedAt := h.cfg.Clock.Now()
	actor := logging.ParticipantRef(id.String())
	lifecycle.ParticipantJoined(ctx, h.cfg.Publisher, 0, actor, lifecycle.ParticipantJoinedPayload{
		RemoteAddr: r.RemoteAddr,
		Moderator:  moderator,
	}, nil)

	writerDone := make(chan struct{})
	go func() {
		session.writePump()
		close(writerDone)
	}()

	reason := h.readLoop(ctx, conn, participant, session)

	session.Close()
	h.hub.unregister(session)
	h.directory.Leave(id)
	<-writerDone
	lifecycle.ParticipantLeft(context.Background(), h.cfg.Publisher, 0, actor, lifecycle.ParticipantLeftPayload{
		Reason:          reason,
		ConnectedMillis: h.cfg.Clock.Now().Sub(joinedAt).Milliseconds(),
		DroppedMessages: session.Dropped(),
	}, nil)
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, participant *directory.Participant, session *Session) string {
	conn.SetReadLimit(h.cfg.MaxMessageBytes)
	actor := logging.ParticipantRef(participant.ID().String())
	for {
		select {
		case <-session.done:
			return "write_failed"
		default:
		}
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "closed"
			}
			return "read_error"
		}

		var kind string
		switch messageType {
		case websocket.BinaryMessage:
			kind, err = h.handleBinary(participant, payload)
		case websocket.TextMessage:
			kind = "control"
			err = h.handleControl(participant, payload)
		default:
			continue
		}
		if err != nil {
			network.InboundRejected(ctx, h.cfg.Publisher, 0, actor, network.InboundRejectedPayload{
				Kind:   kind,
				Bytes:  len(payload),
				Reason: err.Error(),
			}, nil)
		}
	}
}

var errEmptyMessage = errors.New("empty message")

func (h *Handler) handleBinary(participant *directory.Participant, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "binary", errEmptyMessage
	}
	kind, body := payload[0], payload[1:]
	switch kind {
	case KindAvatarData:
		// decoded on the next tick
		participant.Inbound().Push(body)
		return kindName(kind), nil
	case KindIdentity:
		identity, err := avatar.DecodeIdentity(body)
		if err != nil {
			return kindName(kind), err
		}
		return kindName(kind), participant.ApplyIdentity(identity, h.cfg.Clock.Now())
	case KindFrustum:
		var state geom.FrustumState
		if err := cbor.Unmarshal(body, &state); err != nil {
			return kindName(kind), fmt.Errorf("decode frustum: %w", err)
		}
		participant.SetFrustum(state)
		return kindName(kind), nil
	default:
		return kindName(kind), fmt.Errorf("unknown message kind 0x%02x", kind)
	}
}

func (h *Handler) handleControl(participant *directory.Participant, payload []byte) error {
	msg, err := parseControl(payload)
	if err != nil {
		return err
	}
	switch msg.Type {
	case controlIgnore:
		target, err := msg.targetID()
		if err != nil {
			return err
		}
		participant.SetIgnoring(target, msg.Enabled)
	case controlRadiusIgnore:
		participant.SetRadiusIgnore(msg.Enabled)
	case controlRequestsDomainListData:
		participant.SetRequestsDomainListData(msg.Enabled)
	case controlMaxKbps:
		if msg.Kbps < 0 {
			return fmt.Errorf("control %s: negative rate %v", msg.Type, msg.Kbps)
		}
		participant.SetMaxKbps(msg.Kbps)
	default:
		return fmt.Errorf("unknown control message %q", msg.Type)
	}
	return nil
}
