package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Session owns the write side of one client connection. Messages are
// queued without blocking and written by a single goroutine.
type Session struct {
	id           uuid.UUID
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	dropped      atomic.Uint64
}

func newSession(id uuid.UUID, conn *websocket.Conn, queue int, writeTimeout time.Duration) *Session {
	if queue <= 0 {
		queue = 256
	}
	if writeTimeout <= 0 {
		writeTimeout = 2 * time.Second
	}
	return &Session{
		id:           id,
		conn:         conn,
		send:         make(chan []byte, queue),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

// Dropped counts messages discarded because the queue was full.
func (s *Session) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Session) capacity() int {
	return cap(s.send)
}

// enqueue reports false when the message was dropped.
func (s *Session) enqueue(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *Session) writePump() {
	defer s.Close()
	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		}
	}
}

// Close stops the writer. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
