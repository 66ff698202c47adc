package ws

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"avatar-mixer/server/internal/avatar"
	"avatar-mixer/server/internal/directory"
	"avatar-mixer/server/internal/mixer"
	"avatar-mixer/server/internal/packet"
	"avatar-mixer/server/logging/lifecycle"
	"avatar-mixer/server/logging/network"
	"avatar-mixer/server/logging/sinks"
)

type testServer struct {
	dir    *directory.Directory
	hub    *Hub
	events *sinks.MemorySink
	srv    *httptest.Server
}

func newTestServer(t *testing.T, compression packet.Compression) *testServer {
	t.Helper()
	events := sinks.NewMemorySink()
	dir := directory.New(directory.Config{InboundCapacity: 8})
	hub := NewHub(HubConfig{Compression: compression, Publisher: events})
	handler := NewHandler(dir, hub, HandlerConfig{
		Publisher:   events,
		IsModerator: func(token string) bool { return token == "letmein" },
	})
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(srv.Close)
	return &testServer{dir: dir, hub: hub, events: events, srv: srv}
}

func websocketURL(t *testing.T, base string, query url.Values) string {
	t.Helper()
	u, err := url.Parse(base)
	if err != nil {
		t.Fatalf("failed to parse server url: %v", err)
	}
	u.Scheme = "ws"
	u.RawQuery = query.Encode()
	return u.String()
}

func (ts *testServer) dial(t *testing.T, id uuid.UUID, token string) *websocket.Conn {
	t.Helper()
	query := url.Values{"id": {id.String()}}
	if token != "" {
		query.Set("token", token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(websocketURL(t, ts.srv.URL, query), nil)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("failed to open websocket connection: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (ts *testServer) participant(t *testing.T, id uuid.UUID) *directory.Participant {
	t.Helper()
	var p *directory.Participant
	waitFor(t, func() bool {
		var ok bool
		p, ok = ts.dir.Get(id)
		return ok && ts.hub.Len() > 0
	})
	return p
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestHandleQueuesAvatarDataAndAppliesControls(t *testing.T) {
	ts := newTestServer(t, packet.CompressionNone)
	id := uuid.New()
	conn := ts.dial(t, id, "")
	p := ts.participant(t, id)

	if p.CanKick() {
		t.Fatalf("expected no kick privilege without a token")
	}
	update, err := avatar.EncodeUpdate(avatar.Update{Sequence: 1})
	if err != nil {
		t.Fatalf("encode update: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, append([]byte{KindAvatarData}, update...)); err != nil {
		t.Fatalf("write avatar data: %v", err)
	}
	waitFor(t, func() bool { return p.Inbound().Len() == 1 })

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"radiusIgnore","enabled":true}`)); err != nil {
		t.Fatalf("write control: %v", err)
	}
	waitFor(t, p.RadiusIgnoreEnabled)

	other := uuid.New()
	control := `{"type":"ignore","target":"` + other.String() + `","enabled":true}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(control)); err != nil {
		t.Fatalf("write control: %v", err)
	}
	waitFor(t, func() bool { return p.IsIgnoring(other) })

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"maxKbps","kbps":28.8}`)); err != nil {
		t.Fatalf("write control: %v", err)
	}
	waitFor(t, func() bool { return p.MaxKbps() == 28.8 })
}

func TestHandleAppliesIdentity(t *testing.T) {
	ts := newTestServer(t, packet.CompressionNone)
	id := uuid.New()
	conn := ts.dial(t, id, "")
	p := ts.participant(t, id)

	payload, err := avatar.EncodeIdentity(avatar.Identity{DisplayName: "alice"})
	if err != nil {
		t.Fatalf("encode identity: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, append([]byte{KindIdentity}, payload...)); err != nil {
		t.Fatalf("write identity: %v", err)
	}
	p.ApplyUpdate(avatar.Update{Sequence: 1}, time.Now())
	waitFor(t, func() bool {
		s := p.Snapshot()
		return s != nil && s.Identity.DisplayName == "alice"
	})
}

func TestHandleRejectsUnknownMessages(t *testing.T) {
	ts := newTestServer(t, packet.CompressionNone)
	id := uuid.New()
	conn := ts.dial(t, id, "")
	ts.participant(t, id)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x7f, 1, 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return len(ts.events.OfType(network.EventInboundRejected)) == 2 })
	payload := ts.events.OfType(network.EventInboundRejected)[0].Payload.(network.InboundRejectedPayload)
	if payload.Kind != "0x7f" || payload.Bytes != 3 {
		t.Fatalf("unexpected rejection payload %+v", payload)
	}
}

func TestHandleGrantsModeratorPrivilege(t *testing.T) {
	ts := newTestServer(t, packet.CompressionNone)
	id := uuid.New()
	ts.dial(t, id, "letmein")
	p := ts.participant(t, id)
	if !p.CanKick() {
		t.Fatalf("expected kick privilege for moderator token")
	}
	waitFor(t, func() bool { return len(ts.events.OfType(lifecycle.EventParticipantJoined)) == 1 })
	joined := ts.events.OfType(lifecycle.EventParticipantJoined)
	if len(joined) != 1 || !joined[0].Payload.(lifecycle.ParticipantJoinedPayload).Moderator {
		t.Fatalf("expected a moderator join event, got %+v", joined)
	}
}

func TestHandleRejectsDuplicateParticipant(t *testing.T) {
	ts := newTestServer(t, packet.CompressionNone)
	id := uuid.New()
	ts.dial(t, id, "")
	ts.participant(t, id)

	query := url.Values{"id": {id.String()}}
	_, resp, err := websocket.DefaultDialer.Dial(websocketURL(t, ts.srv.URL, query), nil)
	if err == nil {
		t.Fatalf("expected duplicate connection to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected status 409, got %+v", resp)
	}
	resp.Body.Close()
}

func TestHandleLeavesOnDisconnect(t *testing.T) {
	ts := newTestServer(t, packet.CompressionNone)
	id := uuid.New()
	conn := ts.dial(t, id, "")
	p := ts.participant(t, id)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitFor(t, func() bool { return ts.dir.Len() == 0 && ts.hub.Len() == 0 })
	if !p.Departed() {
		t.Fatalf("expected participant marked departed")
	}
	waitFor(t, func() bool { return len(ts.events.OfType(lifecycle.EventParticipantLeft)) == 1 })
}

func TestHubDeliversMixerOutput(t *testing.T) {
	for _, compression := range []packet.Compression{packet.CompressionNone, packet.CompressionLZ4, packet.CompressionZstd} {
		t.Run(compression.String(), func(t *testing.T) {
			ts := newTestServer(t, compression)
			id := uuid.New()
			conn := ts.dial(t, id, "")
			ts.participant(t, id)

			source := uuid.New()
			body := bytes.Repeat([]byte("avatar-record-"), 40)
			ts.hub.SendPacketList(id, [][]byte{body})
			ts.hub.SendIdentity(id, mixer.IdentityRecord{Source: source, Payload: []byte{1, 2, 3}})
			ts.hub.SendBubbleNotice(id, source)

			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("read bulk data: %v", err)
			}
			if msg[0] != KindBulkAvatarData {
				t.Fatalf("expected bulk data kind, got 0x%02x", msg[0])
			}
			decoded, err := packet.Unframe(msg[1:], 1<<16)
			if err != nil {
				t.Fatalf("unframe: %v", err)
			}
			if !bytes.Equal(decoded, body) {
				t.Fatalf("expected packet body to round trip")
			}

			_, msg, err = conn.ReadMessage()
			if err != nil {
				t.Fatalf("read identity: %v", err)
			}
			if msg[0] != KindIdentityRecord || !bytes.Equal(msg[1:17], source[:]) || !bytes.Equal(msg[17:], []byte{1, 2, 3}) {
				t.Fatalf("unexpected identity frame %v", msg)
			}

			_, msg, err = conn.ReadMessage()
			if err != nil {
				t.Fatalf("read notice: %v", err)
			}
			if msg[0] != KindBubbleNotice || !bytes.Equal(msg[1:], source[:]) {
				t.Fatalf("unexpected notice frame %v", msg)
			}
		})
	}
}

func TestSessionDropsWhenQueueFull(t *testing.T) {
	events := sinks.NewMemorySink()
	hub := NewHub(HubConfig{Publisher: events})
	s := newSession(uuid.New(), nil, 1, time.Second)
	hub.register(s)

	hub.SendBubbleNotice(s.ID(), uuid.New())
	hub.SendBubbleNotice(s.ID(), uuid.New())
	if s.Dropped() != 1 {
		t.Fatalf("expected one dropped message, got %d", s.Dropped())
	}
	full := events.OfType(network.EventSendQueueFull)
	if len(full) != 1 || full[0].Payload.(network.SendQueueFullPayload).Kind != "bubble_notice" {
		t.Fatalf("expected a queue full event, got %+v", full)
	}
	if hub.unregister(newSession(s.ID(), nil, 1, time.Second)) {
		t.Fatalf("expected a stale session not to unregister the live one")
	}
	if !hub.unregister(s) {
		t.Fatalf("expected the live session to unregister")
	}
}
