// ABOUTME: One websocket connection to the gateway: dial, read pump, and serialized writes
// ABOUTME: The read pump decodes frames, hands pongs to the heartbeat, and queues the rest

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/kook-gateway/internal/protocol"
)

// inbound is one result from the read pump: a payload or the error that
// ended the pump.
type inbound struct {
	payload *protocol.Payload
	err     error
}

// link is a live websocket connection. The engine goroutine reads from
// inbox; writes may come from the engine and the heartbeat monitor.
type link struct {
	id     string
	ws     *websocket.Conn
	codec  *protocol.Codec
	logger *slog.Logger

	writeTimeout time.Duration
	wmu          sync.Mutex

	inbox chan inbound
	pong  atomic.Pointer[func()]

	done      chan struct{}
	closeOnce sync.Once
}

func dialLink(ctx context.Context, dialer *websocket.Dialer, u *URL, o Options, logger *slog.Logger) (*link, error) {
	ctx, cancel := context.WithTimeout(ctx, o.ConnectTimeout)
	defer cancel()

	id := uuid.NewString()
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, newError(KindTransport, "dial", fmt.Errorf("status %d: %w", resp.StatusCode, err))
		}
		return nil, newError(KindTransport, "dial", err)
	}

	ws.SetReadLimit(o.MaxMessageSize)
	codec := protocol.NewCodec(u.Compress)
	codec.SetMaxMessageSize(o.MaxMessageSize)

	l := &link{
		id:           id,
		ws:           ws,
		codec:        codec,
		logger:       logger.With("conn_id", id),
		writeTimeout: o.WriteTimeout,
		inbox:        make(chan inbound, o.DispatchCapacity),
		done:         make(chan struct{}),
	}
	go l.readPump()

	l.logger.Debug("gateway link established", "compress", u.Compress, "resume", u.Resume)
	return l, nil
}

// onPong installs the function called for every Pong.
func (l *link) onPong(f func()) {
	if f == nil {
		l.pong.Store(nil)
		return
	}
	l.pong.Store(&f)
}

// saturated reports whether the inbox is full.
func (l *link) saturated() bool {
	return len(l.inbox) == cap(l.inbox)
}

func (l *link) readPump() {
	for {
		_, data, err := l.ws.ReadMessage()
		if errors.Is(err, websocket.ErrReadLimit) {
			err = &protocol.DecodeError{Stage: protocol.StageSize, Fatal: true, Err: err}
		}
		if err != nil {
			l.deliver(inbound{err: err})
			return
		}

		p, err := l.codec.Decode(data)
		if errors.Is(err, protocol.ErrIncompleteFrame) {
			continue
		}
		if err != nil {
			l.deliver(inbound{err: err})
			return
		}

		if p.Op == protocol.OpPong {
			if f := l.pong.Load(); f != nil {
				(*f)()
			}
			continue
		}

		if !l.deliver(inbound{payload: p}) {
			return
		}
	}
}

// deliver queues in for the engine unless the link is closing.
func (l *link) deliver(in inbound) bool {
	select {
	case l.inbox <- in:
		return true
	case <-l.done:
		return false
	}
}

func (l *link) write(msg protocol.Outbound) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()

	if err := l.ws.SetWriteDeadline(time.Now().Add(l.writeTimeout)); err != nil {
		return err
	}
	if err := l.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return newError(KindTransport, "write", err)
	}
	return nil
}

// close sends a close frame and tears the connection down. Safe to call
// more than once.
func (l *link) close(code int, reason string) {
	l.closeOnce.Do(func() {
		close(l.done)
		l.onPong(nil)

		l.wmu.Lock()
		_ = l.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		l.wmu.Unlock()

		_ = l.ws.Close()
		l.logger.Debug("gateway link closed", "code", code, "reason", reason)
	})
}

// terminalClose reports whether err is a server close that must not be retried.
func terminalClose(err error) (*websocket.CloseError, bool) {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return nil, false
	}
	if ce.Code == websocket.ClosePolicyViolation || (ce.Code >= 4000 && ce.Code <= 4999) {
		return ce, true
	}
	return ce, false
}
