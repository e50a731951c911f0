// ABOUTME: Fake KOOK gateway server built on coder/websocket for tests and local runs
// ABOUTME: Tracks sessions and event logs so resume replays missed events

package fakegateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/kook-gateway/internal/protocol"
)

// Options configures a Server.
type Options struct {
	// Token is the bot token clients must present. Empty accepts any token.
	Token string
	// Compress sends zlib-compressed frames to clients that ask for compress=1.
	Compress bool
	// HeartbeatInterval is advertised in Hello. Zero omits it.
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// Connection describes one accepted websocket connection.
type Connection struct {
	Resume     bool
	SessionID  string
	SN         uint64
	Compressed bool
}

// Message is a message posted through /message/create.
type Message struct {
	TargetID string `json:"target_id"`
	Content  string `json:"content"`
	Nonce    string `json:"nonce"`
	Type     int    `json:"type"`
}

type record struct {
	sn   uint64
	body json.RawMessage
}

type sessionLog struct {
	id     string
	lastSN uint64
	events []record
}

// Server is a fake gateway. The zero value is not usable; call New.
type Server struct {
	opts   Options
	logger *slog.Logger

	mu            sync.Mutex
	sessions      map[string]*sessionLog
	current       *sessionLog
	active        *conn
	nextSession   int
	connections   []Connection
	pings         []uint64
	messages      []Message
	dropPongs     bool
	rejectResume  bool
	silent        bool
	refuse        bool
	nextHelloCode int
}

// New creates a fake gateway.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:     opts,
		logger:   logger.With("component", "fakegateway"),
		sessions: make(map[string]*sessionLog),
	}
}

// Handler returns the HTTP handler serving the API and the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/gateway/index", s.handleGatewayIndex)
	mux.HandleFunc("/api/v3/message/create", s.handleCreateMessage)
	mux.HandleFunc("/gateway", s.handleGateway)
	return mux
}

func (s *Server) authorized(r *http.Request) bool {
	return s.opts.Token == "" || r.Header.Get("Authorization") == "Bot "+s.opts.Token
}

func writeEnvelope(w http.ResponseWriter, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "message": message, "data": data})
}

func (s *Server) handleGatewayIndex(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeEnvelope(w, 401, "invalid token", map[string]any{})
		return
	}

	token := s.opts.Token
	if token == "" {
		token = "fake-token"
	}
	q := url.Values{}
	q.Set("token", token)
	if r.URL.Query().Get("compress") == "1" && s.opts.Compress {
		q.Set("compress", "1")
	} else {
		q.Set("compress", "0")
	}

	u := url.URL{Scheme: "ws", Host: r.Host, Path: "/gateway", RawQuery: q.Encode()}
	writeEnvelope(w, 0, "", map[string]string{"url": u.String()})
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeEnvelope(w, 401, "invalid token", map[string]any{})
		return
	}
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeEnvelope(w, 40000, "invalid body", map[string]any{})
		return
	}

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	id := fmt.Sprintf("msg-%d", len(s.messages))
	s.mu.Unlock()

	writeEnvelope(w, 0, "", map[string]any{
		"msg_id":        id,
		"msg_timestamp": time.Now().UnixMilli(),
		"nonce":         msg.Nonce,
	})
}

func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	s.mu.Lock()
	refuse := s.refuse
	s.mu.Unlock()
	if refuse {
		http.Error(w, "gateway unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
	}
	if q.Get("compress") == "1" && s.opts.Compress {
		c.deflater = protocol.NewDeflater()
	}

	info := Connection{Compressed: c.deflater != nil}
	if q.Get("resume") == "1" {
		info.Resume = true
		info.SessionID = q.Get("session_id")
		info.SN, _ = strconv.ParseUint(q.Get("sn"), 10, 64)
	}

	s.mu.Lock()
	if old := s.active; old != nil {
		go old.close(websocket.StatusGoingAway, "replaced")
	}
	s.active = c
	s.connections = append(s.connections, info)
	silent := s.silent
	helloCode := s.nextHelloCode
	s.nextHelloCode = 0
	if s.opts.Token != "" && q.Get("token") != s.opts.Token {
		helloCode = protocol.HelloInvalidToken
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.active == c {
			s.active = nil
		}
		s.mu.Unlock()
		c.close(websocket.StatusNormalClosure, "")
	}()

	if !silent {
		if err := s.sendHello(c, info, helloCode); err != nil {
			return
		}
		if helloCode != protocol.HelloOK {
			c.close(websocket.StatusPolicyViolation, "hello rejected")
			return
		}
	}

	s.readLoop(c)
}

func (s *Server) sendHello(c *conn, info Connection, code int) error {
	body := protocol.HelloBody{Code: code, Interval: s.opts.HeartbeatInterval.Milliseconds()}
	if code == protocol.HelloOK {
		if info.Resume {
			body.SessionID = info.SessionID
		} else {
			body.SessionID = s.newSession()
		}
	}
	return c.send(protocol.Outbound{Op: protocol.OpHello, Body: body})
}

func (s *Server) newSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSession++
	log := &sessionLog{id: fmt.Sprintf("S%d", s.nextSession)}
	s.sessions[log.id] = log
	s.current = log
	return log.id
}

func (s *Server) readLoop(c *conn) {
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			return
		}
		p, err := protocol.Parse(data)
		if err != nil {
			s.logger.Warn("client sent undecodable frame", "error", err)
			continue
		}

		switch p.Op {
		case protocol.OpPing:
			s.mu.Lock()
			s.pings = append(s.pings, p.Sequence)
			drop := s.dropPongs
			s.mu.Unlock()
			if !drop {
				if err := c.send(protocol.Outbound{Op: protocol.OpPong}); err != nil {
					return
				}
			}

		case protocol.OpResume:
			body, err := p.Resume()
			if err != nil {
				continue
			}
			if err := s.resume(c, body); err != nil {
				return
			}

		default:
			s.logger.Debug("ignoring client payload", "op", p.Op)
		}
	}
}

// resume acknowledges a known session and replays everything after body.SN,
// or answers with Reconnect when the session is gone.
func (s *Server) resume(c *conn, body protocol.ResumeBody) error {
	s.mu.Lock()
	log, ok := s.sessions[body.SessionID]
	reject := s.rejectResume
	var replay []record
	if ok && !reject {
		s.current = log
		for _, r := range log.events {
			if r.sn > body.SN {
				replay = append(replay, r)
			}
		}
	}
	s.mu.Unlock()

	if !ok || reject {
		_ = c.send(protocol.Outbound{Op: protocol.OpReconnect, Body: protocol.ReconnectBody{
			Code: protocol.ReconnectSessionExpired,
			Err:  "session expired",
		}})
		c.close(websocket.StatusNormalClosure, "resume rejected")
		return errors.New("resume rejected")
	}

	if err := c.send(protocol.Outbound{Op: protocol.OpResumeAck, Body: protocol.ResumeAckBody{SessionID: body.SessionID}}); err != nil {
		return err
	}
	for _, r := range replay {
		if err := c.send(protocol.Outbound{Op: protocol.OpEvent, Sequence: r.sn, HasSequence: true, Body: r.body}); err != nil {
			return err
		}
	}
	return nil
}
