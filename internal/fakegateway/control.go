// ABOUTME: Server-side controls tests use to script gateway behaviour
// ABOUTME: Emit events, drop pongs, reject resumes, corrupt frames, and close connections

package fakegateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/2389/kook-gateway/internal/protocol"
)

// ErrNoConnection is returned by controls that need a connected client.
var ErrNoConnection = errors.New("no active connection")

type conn struct {
	ws       *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	deflater *protocol.Deflater

	wmu       sync.Mutex
	closeOnce sync.Once
}

func (c *conn) send(msg protocol.Outbound) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *conn) write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.deflater == nil {
		return c.ws.Write(c.ctx, websocket.MessageText, data)
	}
	frame, err := c.deflater.Deflate(data)
	if err != nil {
		return err
	}
	return c.ws.Write(c.ctx, websocket.MessageBinary, frame)
}

// writeRaw sends bytes as-is, bypassing compression.
func (c *conn) writeRaw(typ websocket.MessageType, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.Write(c.ctx, typ, data)
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		_ = c.ws.Close(code, reason)
		c.cancel()
	})
}

func (c *conn) drop() {
	c.closeOnce.Do(func() {
		_ = c.ws.CloseNow()
		c.cancel()
	})
}

func (s *Server) activeConn() (*conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, ErrNoConnection
	}
	return s.active, nil
}

// Emit appends an event to the current session and sends it to the
// connected client, if any. It returns the event's sequence number.
func (s *Server) Emit(body any) (uint64, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encoding event body: %w", err)
	}

	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return 0, errors.New("no session to emit into")
	}
	s.current.lastSN++
	sn := s.current.lastSN
	s.current.events = append(s.current.events, record{sn: sn, body: raw})
	c := s.active
	s.mu.Unlock()

	if c == nil {
		return sn, nil
	}
	return sn, c.send(protocol.Outbound{Op: protocol.OpEvent, Sequence: sn, HasSequence: true, Body: json.RawMessage(raw)})
}

// SendEvent sends an event with an explicit sequence number without
// recording it, for duplicate and gap scenarios.
func (s *Server) SendEvent(sn uint64, body any) error {
	c, err := s.activeConn()
	if err != nil {
		return err
	}
	return c.send(protocol.Outbound{Op: protocol.OpEvent, Sequence: sn, HasSequence: true, Body: body})
}

// SendReconnect tells the client its session is gone and closes the
// connection. The session is forgotten so a resume attempt fails.
func (s *Server) SendReconnect(code int, reason string) error {
	s.mu.Lock()
	c := s.active
	if s.current != nil {
		delete(s.sessions, s.current.id)
		s.current = nil
	}
	s.mu.Unlock()
	if c == nil {
		return ErrNoConnection
	}

	err := c.send(protocol.Outbound{Op: protocol.OpReconnect, Body: protocol.ReconnectBody{Code: code, Err: reason}})
	c.close(websocket.StatusNormalClosure, "reconnect")
	return err
}

// SendCorrupt writes a frame the client cannot decode: a broken deflate
// block on compressed connections, truncated JSON otherwise.
func (s *Server) SendCorrupt() error {
	c, err := s.activeConn()
	if err != nil {
		return err
	}
	if c.deflater != nil {
		return c.writeRaw(websocket.MessageBinary, []byte{0xff, 0xff, 0xff, 0x00, 0x00, 0xff, 0xff})
	}
	return c.writeRaw(websocket.MessageText, []byte(`{"s":0,"sn":`))
}

// Close closes the active connection with a websocket status code.
func (s *Server) Close(code websocket.StatusCode, reason string) error {
	c, err := s.activeConn()
	if err != nil {
		return err
	}
	c.close(code, reason)
	return nil
}

// Drop severs the active connection without a close handshake.
func (s *Server) Drop() error {
	c, err := s.activeConn()
	if err != nil {
		return err
	}
	c.drop()
	return nil
}

// SetDropPongs stops (or resumes) answering pings.
func (s *Server) SetDropPongs(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropPongs = drop
}

// SetRejectResume answers every Resume with Reconnect.
func (s *Server) SetRejectResume(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectResume = reject
}

// SetSilent stops sending Hello to new connections.
func (s *Server) SetSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// SetRefuse turns away websocket upgrades with 503 until cleared.
func (s *Server) SetRefuse(refuse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse = refuse
}

// FailNextHello answers the next connection's Hello with code.
func (s *Server) FailNextHello(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHelloCode = code
}

// Connections returns every connection accepted so far.
func (s *Server) Connections() []Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Connection(nil), s.connections...)
}

// Pings returns the sequence numbers carried by every ping received.
func (s *Server) Pings() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.pings...)
}

// Messages returns every message posted through the API.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Connected reports whether a client is connected.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// SessionID returns the id of the session events are emitted into.
func (s *Server) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.id
}
