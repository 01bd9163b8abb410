package websocket

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/devicegate/errors"
)

// session adapts one WebSocket to connection.Transport.
type session struct {
	ws  *websocket.Conn
	cfg Config

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	writeErr  atomic.Value // error
}

func newSession(ws *websocket.Conn, cfg Config) *session {
	return &session{
		ws:   ws,
		cfg:  cfg,
		send: make(chan []byte, cfg.SendBuffer),
		done: make(chan struct{}),
	}
}

// Send queues frame for the write pump.
func (s *session) Send(frame []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: session closed", errors.ErrTransport)
	}
	select {
	case s.send <- frame:
		return nil
	default:
		return errors.ErrSendBufferFull
	}
}

// Close stops the write pump, which flushes queued frames and sends a close
// frame. It does not block.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
	return nil
}

func (s *session) Closed() bool { return s.closed.Load() }

// readCause classifies the error that ended the read pump. A normal close
// from either side is nil; anything else is a transport failure.
func (s *session) readCause(err error) error {
	if werr, ok := s.writeErr.Load().(error); ok {
		return fmt.Errorf("%w: write: %v", errors.ErrTransport, werr)
	}
	if s.closed.Load() {
		return nil
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return fmt.Errorf("%w: read: %v", errors.ErrTransport, err)
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			if err := s.write(websocket.TextMessage, frame); err != nil {
				s.fail(err)
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.fail(err)
				return
			}
		case <-s.done:
			s.flush()
			_ = s.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteTimeout))
			return
		}
	}
}

// flush writes whatever is still queued, best effort.
func (s *session) flush() {
	for {
		select {
		case frame := <-s.send:
			if err := s.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *session) write(kind int, data []byte) error {
	_ = s.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.ws.WriteMessage(kind, data)
}

func (s *session) fail(err error) {
	s.writeErr.Store(err)
	_ = s.Close()
}
