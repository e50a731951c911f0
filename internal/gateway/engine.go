// ABOUTME: Connection engine: owns the state machine, session state, link, and heartbeat for one gateway session
// ABOUTME: A single goroutine drives every transition; the reader and heartbeat report to it over channels

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/kook-gateway/internal/dedupe"
	"github.com/2389/kook-gateway/internal/dispatch"
	"github.com/2389/kook-gateway/internal/heartbeat"
	"github.com/2389/kook-gateway/internal/metrics"
	"github.com/2389/kook-gateway/internal/protocol"
	"github.com/2389/kook-gateway/internal/session"
)

const tracerName = "github.com/2389/kook-gateway/internal/gateway"

// Locator returns a fresh gateway URL. *api.Client implements it.
type Locator interface {
	GatewayURL(ctx context.Context, compress bool) (string, error)
}

// Engine keeps one gateway session alive and delivers its events in order.
type Engine struct {
	opts    Options
	locator Locator

	logger      *slog.Logger
	metrics     *metrics.Metrics
	checkpoints session.Checkpointer
	dedupe      *dedupe.Cache
	hooks       []StateHook
	tracer      trace.Tracer
	dialer      *websocket.Dialer

	dispatcher *dispatch.Dispatcher
	retry      *retrySchedule

	// Owned by the Run goroutine.
	session          session.State
	url              *URL
	link             *link
	helloInterval    time.Duration
	replay           []*protocol.Payload
	handshakeFailure int
	resumeAttempts   int

	// Mirrors read from other goroutines.
	state   atomic.Int32
	lastSeq atomic.Uint64

	started   atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates an engine. Call Run to start it.
func New(opts Options, locator Locator, options ...Option) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine options: %w", err)
	}
	if locator == nil {
		return nil, errors.New("gateway locator is required")
	}

	e := &Engine{
		opts:    opts,
		locator: locator,
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
		dialer:  websocket.DefaultDialer,
		retry:   newRetrySchedule(opts),
		closed:  make(chan struct{}),
	}
	for _, opt := range options {
		opt(e)
	}
	e.logger = e.logger.With("component", "gateway")

	dispatchOpts := []dispatch.Option{dispatch.WithLogger(e.logger), dispatch.WithMetrics(e.metrics)}
	if e.dedupe != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithDedupe(e.dedupe))
	}
	e.dispatcher = dispatch.New(opts.DispatchCapacity, dispatchOpts...)
	e.metrics.SetState(StateDisconnected.String())

	return e, nil
}

// Items returns the consumer channel. It closes when Run returns.
func (e *Engine) Items() <-chan dispatch.Item {
	return e.dispatcher.Items()
}

// State returns the current connection state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Close asks Run to shut down. It does not wait.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.closed) })
}

// Run connects and keeps the session alive until ctx is cancelled, Close is
// called, or a terminal error occurs. A clean shutdown returns nil; a
// terminal error is returned and also delivered as a FatalError.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	e.restoreCheckpoint(ctx)
	e.fire(stimStart)

	err := e.loop(ctx)

	e.shutdown()
	if err != nil && IsFatal(err) {
		e.logger.Error("gateway engine stopped", "error", err)
		// ctx is still live here unless the caller gave up, so the consumer
		// sees the error before the channel closes.
		_ = e.dispatcher.Fatal(ctx, err)
		e.dispatcher.Close()
		return err
	}

	e.dispatcher.Close()
	e.logger.Info("gateway engine stopped")
	return nil
}

func (e *Engine) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		var err error
		switch e.State() {
		case StateConnecting, StateReconnecting:
			err = e.connect(ctx)
		case StateResuming:
			err = e.resume(ctx)
		case StateConnected:
			err = e.serve(ctx)
		default:
			return fmt.Errorf("engine loop in unexpected state %s", e.State())
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// fire applies a stimulus to the state machine.
func (e *Engine) fire(s stimulus) {
	from := e.State()
	to, ok := next(from, s, e.session.HasSession())
	if !ok {
		e.logger.Error("illegal state transition", "state", from.String(), "stimulus", s.String())
		return
	}
	if to == from {
		return
	}

	e.state.Store(int32(to))
	e.metrics.SetState(to.String())
	e.logger.Info("state changed", "from", from.String(), "to", to.String(), "stimulus", s.String())
	for _, hook := range e.hooks {
		hook(from, to)
	}
}

// connect fetches a URL, dials, and waits for Hello. Failures schedule a
// retry and leave the engine in Connecting.
func (e *Engine) connect(ctx context.Context) error {
	if err := e.retry.wait(ctx); err != nil {
		return err
	}

	ctx, span := e.tracer.Start(ctx, "gateway.connect")
	defer span.End()

	err := e.connectOnce(ctx, span)
	e.metrics.ConnectAttempt("fresh", err)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if IsFatal(err) {
		return err
	}
	if KindOf(err) == KindSessionRejected {
		// The token expired: a fresh URL on the next attempt is all it takes.
		e.invalidate(ctx)
		e.fire(stimReconnect)
		e.scheduleRetry(err)
		return nil
	}

	if KindOf(err) == KindHandshakeTimeout || KindOf(err) == KindProtocolViolation {
		e.handshakeFailure++
		if b := e.opts.HandshakeRetryBudget; b > 0 && e.handshakeFailure > b {
			return &Error{Kind: KindFatalShutdown, Op: "connect",
				Err: fmt.Errorf("%w after %d attempts: %v", ErrRetryBudgetExhausted, e.handshakeFailure, err)}
		}
	}

	e.fire(stimConnectFailed)
	e.scheduleRetry(err)
	return nil
}

func (e *Engine) connectOnce(ctx context.Context, span trace.Span) error {
	raw, err := e.locator.GatewayURL(ctx, e.opts.Compress)
	if err != nil {
		return newError(KindTransport, "gateway lookup", err)
	}
	u, err := ParseURL(raw)
	if err != nil {
		return newError(KindTransport, "gateway lookup", err)
	}
	u = u.WithoutResume()

	l, err := dialLink(ctx, e.dialer, u, e.opts, e.logger)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("conn_id", l.id), attribute.Bool("compress", u.Compress))
	e.fire(stimLinkUp)

	hello, err := e.awaitHello(ctx, l)
	if err != nil {
		l.close(websocket.CloseNormalClosure, "handshake failed")
		return err
	}

	e.session.RecordHello(hello.SessionID)
	e.session.SetCompressed(u.Compress)
	e.lastSeq.Store(e.session.LastSequence())
	e.url = u
	e.link = l
	e.helloInterval = hello.HeartbeatInterval()
	e.handshakeFailure = 0
	e.retry.reset()
	span.SetAttributes(attribute.String("session_id", hello.SessionID))

	l.logger.Info("gateway connected", "session_id", hello.SessionID, "compress", u.Compress)
	e.fire(stimHello)
	e.saveCheckpoint(ctx)
	return nil
}

// awaitHello waits for the Hello that opens every connection.
func (e *Engine) awaitHello(ctx context.Context, l *link) (protocol.HelloBody, error) {
	timer := time.NewTimer(e.opts.HelloTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return protocol.HelloBody{}, ctx.Err()

		case <-timer.C:
			return protocol.HelloBody{}, newError(KindHandshakeTimeout, "hello", fmt.Errorf("no hello within %v", e.opts.HelloTimeout))

		case in := <-l.inbox:
			if in.err != nil {
				return protocol.HelloBody{}, e.classifyLinkError("hello", in.err)
			}
			p := in.payload
			switch p.Op {
			case protocol.OpHello:
				return e.checkHello(p)
			case protocol.OpUnknown:
				l.logger.Debug("ignoring unknown opcode", "op", p.RawOp)
			default:
				return protocol.HelloBody{}, newError(KindProtocolViolation, "hello", fmt.Errorf("expected hello, got %s", p.Op))
			}
		}
	}
}

func (e *Engine) checkHello(p *protocol.Payload) (protocol.HelloBody, error) {
	hello, err := p.Hello()
	if err != nil {
		return hello, newError(KindProtocolViolation, "hello", err)
	}

	switch hello.Code {
	case protocol.HelloOK:
		if hello.SessionID == "" {
			return hello, newError(KindProtocolViolation, "hello", errors.New("hello without session id"))
		}
		return hello, nil
	case protocol.HelloMissingParams, protocol.HelloInvalidToken, protocol.HelloTokenCheckFailed:
		return hello, &Error{Kind: KindFatalShutdown, Op: "hello", Code: hello.Code, Err: errors.New("gateway rejected credentials")}
	case protocol.HelloTokenExpired:
		return hello, &Error{Kind: KindSessionRejected, Op: "hello", Code: hello.Code, Err: errors.New("token expired")}
	default:
		return hello, &Error{Kind: KindProtocolViolation, Op: "hello", Code: hello.Code, Err: errors.New("unexpected hello code")}
	}
}

// resume reopens the link to the same endpoint and asks the server to
// continue the held session from last_sequence.
func (e *Engine) resume(ctx context.Context) error {
	if err := e.retry.wait(ctx); err != nil {
		return err
	}

	sid, sn := e.session.SessionID(), e.session.LastSequence()
	ctx, span := e.tracer.Start(ctx, "gateway.resume", trace.WithAttributes(
		attribute.String("session_id", sid),
		attribute.Int64("sn", int64(sn)),
	))
	defer span.End()

	err := e.resumeOnce(ctx, span, sid, sn)
	e.metrics.ConnectAttempt("resume", err)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if IsFatal(err) {
		return err
	}

	e.resumeAttempts++
	if KindOf(err) == KindTransport && e.resumeAttempts < e.opts.MaxResumeAttempts {
		e.logger.Warn("resume attempt failed, retrying", "session_id", sid, "sn", sn, "attempt", e.resumeAttempts, "error", err)
		e.fire(stimResumeRetry)
		e.scheduleRetry(err)
		return nil
	}

	e.logger.Warn("resume failed, starting a new session", "session_id", sid, "sn", sn, "error", err)
	e.resumeAttempts = 0
	e.invalidate(ctx)
	e.fire(stimResumeFailed)
	if KindOf(err) == KindTransport {
		e.scheduleRetry(err)
	}
	return nil
}

func (e *Engine) resumeOnce(ctx context.Context, span trace.Span, sid string, sn uint64) error {
	if e.url == nil {
		return newError(KindSessionRejected, "resume", errors.New("no gateway url to resume against"))
	}

	l, err := dialLink(ctx, e.dialer, e.url.WithResume(sid, sn), e.opts, e.logger)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("conn_id", l.id))

	if err := e.handshakeResume(ctx, l, sid, sn); err != nil {
		l.close(websocket.CloseNormalClosure, "resume failed")
		return err
	}

	e.link = l
	e.resumeAttempts = 0
	e.retry.reset()
	l.logger.Info("gateway session resumed", "session_id", sid, "sn", sn, "replayed", len(e.replay))
	e.fire(stimResumed)
	e.saveCheckpoint(ctx)
	return nil
}

func (e *Engine) handshakeResume(ctx context.Context, l *link, sid string, sn uint64) error {
	hello, err := e.awaitHello(ctx, l)
	if err != nil {
		if KindOf(err) == KindHandshakeTimeout || KindOf(err) == KindProtocolViolation {
			return &Error{Kind: KindSessionRejected, Op: "resume", Code: errCode(err), Err: err}
		}
		return err
	}
	if hello.SessionID != sid {
		return newError(KindSessionRejected, "resume", fmt.Errorf("hello carried session %q, expected %q", hello.SessionID, sid))
	}
	e.helloInterval = hello.HeartbeatInterval()

	if err := l.write(protocol.Resume(sid, sn)); err != nil {
		return err
	}

	timer := time.NewTimer(e.opts.ResumeTimeout)
	defer timer.Stop()
	e.replay = nil

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
			return newError(KindSessionRejected, "resume", fmt.Errorf("no resume ack within %v", e.opts.ResumeTimeout))

		case in := <-l.inbox:
			if in.err != nil {
				return e.classifyLinkError("resume", in.err)
			}
			p := in.payload
			switch p.Op {
			case protocol.OpResumeAck:
				ack, err := p.ResumeAck()
				if err != nil {
					return newError(KindSessionRejected, "resume", err)
				}
				if ack.SessionID != "" && ack.SessionID != sid {
					return newError(KindSessionRejected, "resume", fmt.Errorf("ack for session %q, expected %q", ack.SessionID, sid))
				}
				return nil
			case protocol.OpReconnect:
				body, _ := p.Reconnect()
				return &Error{Kind: KindSessionRejected, Op: "resume", Code: body.Code, Err: errors.New(body.Err)}
			case protocol.OpEvent:
				// Held until the ack so they go through the normal sequence checks.
				e.replay = append(e.replay, p)
			default:
				l.logger.Debug("ignoring payload while resuming", "op", p.Op.String())
			}
		}
	}
}

func errCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// serve runs the Connected state: events flow and heartbeats run until the
// link fails, the server asks for a reconnect, or ctx ends.
func (e *Engine) serve(ctx context.Context) error {
	l := e.link

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()

	interval := e.helloInterval
	if interval <= 0 {
		interval = e.opts.HeartbeatInterval
	}
	mon := heartbeat.New(heartbeat.Config{
		Interval:      interval,
		DeadlineRatio: e.opts.HeartbeatDeadlineRatio,
		MaxMissed:     e.opts.MaxMissedHeartbeats,
	}, func(sn uint64) error {
		return l.write(protocol.Ping(sn))
	}, e.lastSeq.Load,
		heartbeat.WithSaturation(func() bool { return l.saturated() || e.dispatcher.Stalled() }),
		heartbeat.WithLogger(l.logger),
	)
	l.onPong(mon.Ack)
	go mon.Run(hbCtx)

	replay := e.replay
	e.replay = nil
	for _, p := range replay {
		if err := e.handleEvent(ctx, p); err != nil {
			return e.afterServeError(ctx, err)
		}
	}

	findings := mon.Findings()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case f, ok := <-findings:
			if !ok {
				findings = nil
				continue
			}
			switch f.Kind {
			case heartbeat.Acked:
				e.metrics.HeartbeatAck(f.RTT)
				e.saveCheckpoint(ctx)
			case heartbeat.Missed:
				e.metrics.HeartbeatMiss()
			case heartbeat.Failed:
				e.metrics.HeartbeatMiss()
				l.logger.Warn("heartbeat lost", "misses", f.Misses, "sn", f.Sequence, "error", f.Err)
				e.teardown(websocket.CloseGoingAway, "heartbeat timeout")
				e.metrics.Reconnect("heartbeat")
				e.fire(stimLinkLost)
				return nil
			}

		case in := <-l.inbox:
			if in.err != nil {
				return e.afterServeError(ctx, e.classifyLinkError("read", in.err))
			}
			if err := e.handlePayload(ctx, in.payload); err != nil {
				return e.afterServeError(ctx, err)
			}
		}
	}
}

// afterServeError turns a Connected-state failure into its transition.
func (e *Engine) afterServeError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	switch KindOf(err) {
	case KindFatalShutdown:
		return err

	case KindDecode, KindProtocolViolation:
		e.logger.Warn("connection unusable, reconnecting", "error", err)
		e.metrics.Reconnect(KindOf(err).String())
		e.teardown(websocket.CloseProtocolError, "protocol error")
		e.invalidate(ctx)
		e.fire(stimReconnect)
		return nil

	case KindSessionRejected:
		e.logger.Warn("server requested reconnect", "error", err)
		e.metrics.Reconnect("server")
		e.teardown(websocket.CloseNormalClosure, "reconnect requested")
		e.invalidate(ctx)
		e.fire(stimReconnect)
		return nil

	default:
		if errors.Is(err, errGapTooLarge) {
			e.logger.Warn("sequence gap too large, resuming", "error", err)
			e.metrics.Reconnect("gap")
		} else {
			e.logger.Warn("gateway link lost", "error", err)
			e.metrics.Reconnect("transport")
		}
		e.teardown(websocket.CloseGoingAway, "link lost")
		e.fire(stimLinkLost)
		return nil
	}
}

func (e *Engine) handlePayload(ctx context.Context, p *protocol.Payload) error {
	switch p.Op {
	case protocol.OpEvent:
		return e.handleEvent(ctx, p)

	case protocol.OpReconnect:
		body, err := p.Reconnect()
		if err != nil {
			e.logger.Warn("undecodable reconnect body", "error", err)
		}
		return &Error{Kind: KindSessionRejected, Op: "reconnect", Code: body.Code, Err: errors.New(body.Err)}

	case protocol.OpHello:
		return newError(KindProtocolViolation, "serve", errors.New("hello while connected"))

	case protocol.OpResumeAck:
		e.logger.Debug("ignoring stray resume ack")
		return nil

	default:
		e.logger.Debug("ignoring payload", "op", p.Op.String(), "raw_op", p.RawOp)
		return nil
	}
}

var errGapTooLarge = errors.New("sequence gap exceeds resume threshold")

// handleEvent applies the sequence rules and dispatches the event.
// last_sequence moves only after the dispatcher has taken the event.
func (e *Engine) handleEvent(ctx context.Context, p *protocol.Payload) error {
	if !p.HasSequence {
		return newError(KindProtocolViolation, "event", errors.New("event without sequence number"))
	}

	sn := p.Sequence
	last := e.session.LastSequence()
	sid := e.session.SessionID()

	if last != 0 && sn <= last {
		e.logger.Debug("discarding duplicate event", "sn", sn, "last_sn", last)
		e.metrics.Duplicate("sequence")
		return nil
	}

	if last != 0 && sn > last+1 {
		gap := dispatch.GapMarker{SessionID: sid, After: last, Next: sn}
		if t := e.opts.GapResumeThreshold; t > 0 && gap.Missing() > t {
			return fmt.Errorf("%w: %d missing after sn %d", errGapTooLarge, gap.Missing(), last)
		}
		e.logger.Warn("sequence gap", "last_sn", last, "sn", sn, "missing", gap.Missing())
		if err := e.dispatcher.Gap(ctx, gap); err != nil {
			return err
		}
	}

	if _, err := e.dispatcher.Dispatch(ctx, sid, sn, p.Body); err != nil {
		return err
	}
	e.session.Advance(sn)
	e.lastSeq.Store(sn)
	return nil
}

// classifyLinkError maps a read pump failure onto the error taxonomy.
func (e *Engine) classifyLinkError(op string, err error) error {
	if protocol.IsFatal(err) {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			e.metrics.DecodeError(de.Stage)
		}
		return newError(KindDecode, op, err)
	}
	if ce, terminal := terminalClose(err); terminal {
		return &Error{Kind: KindFatalShutdown, Op: op, Code: ce.Code, Err: err}
	}
	return newError(KindTransport, op, err)
}

func (e *Engine) scheduleRetry(cause error) {
	d := e.retry.schedule(time.Now())
	e.logger.Info("retrying gateway connection", "in", d, "state", e.State().String(), "error", cause)
}

func (e *Engine) teardown(code int, reason string) {
	if e.link == nil {
		return
	}
	e.link.close(code, reason)
	e.link = nil
}

// invalidate drops the session so the next handshake starts fresh.
func (e *Engine) invalidate(ctx context.Context) {
	if !e.session.HasSession() {
		return
	}
	e.logger.Info("session invalidated", "session_id", e.session.SessionID(), "last_sn", e.session.LastSequence())
	e.session.Invalidate()
	e.lastSeq.Store(0)
	e.replay = nil
	if e.checkpoints != nil {
		if err := e.checkpoints.ClearCheckpoint(ctx); err != nil {
			e.logger.Warn("failed to clear session checkpoint", "error", err)
		}
	}
}

func (e *Engine) shutdown() {
	e.teardown(websocket.CloseNormalClosure, "shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.saveCheckpoint(ctx)

	e.fire(stimShutdown)
}

func (e *Engine) restoreCheckpoint(ctx context.Context) {
	if e.checkpoints == nil {
		return
	}
	cp, err := e.checkpoints.LoadCheckpoint(ctx)
	if errors.Is(err, session.ErrNoCheckpoint) {
		return
	}
	if err != nil {
		e.logger.Warn("failed to load session checkpoint", "error", err)
		return
	}
	if !cp.Fresh(time.Now(), e.opts.CheckpointMaxAge) {
		e.logger.Info("ignoring stale session checkpoint", "session_id", cp.SessionID, "updated_at", cp.UpdatedAt)
		return
	}
	u, err := ParseURL(cp.GatewayURL)
	if err != nil {
		e.logger.Warn("ignoring checkpoint with bad gateway url", "error", err)
		return
	}

	e.session.Restore(cp)
	e.lastSeq.Store(cp.LastSequence)
	e.url = u.WithoutResume()
	e.logger.Info("restored session checkpoint", "session_id", cp.SessionID, "sn", cp.LastSequence)
}

func (e *Engine) saveCheckpoint(ctx context.Context) {
	if e.checkpoints == nil || !e.session.HasSession() || e.url == nil {
		return
	}
	cp := e.session.Snapshot(e.url.String(), time.Now())
	if err := e.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		e.logger.Warn("failed to save session checkpoint", "error", err)
	}
}
