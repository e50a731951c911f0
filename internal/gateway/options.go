// ABOUTME: Engine tuning knobs with documented defaults and validation
// ABOUTME: Functional options wire in collaborators: logger, metrics, checkpoints, dedupe, tracing

package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/kook-gateway/internal/dedupe"
	"github.com/2389/kook-gateway/internal/metrics"
	"github.com/2389/kook-gateway/internal/protocol"
	"github.com/2389/kook-gateway/internal/session"
)

// Options are the engine's tuning knobs. Start from DefaultOptions.
type Options struct {
	// Compress asks the gateway for zlib-compressed frames.
	Compress bool

	// ConnectTimeout bounds the dial and websocket upgrade.
	ConnectTimeout time.Duration
	// HelloTimeout bounds the wait for Hello after the link is up.
	HelloTimeout time.Duration
	// ResumeTimeout bounds the wait for ResumeAck after sending Resume.
	ResumeTimeout time.Duration
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration

	// HeartbeatInterval is used when Hello does not carry one.
	HeartbeatInterval time.Duration
	// HeartbeatDeadlineRatio sets the pong deadline as a fraction of the interval.
	HeartbeatDeadlineRatio float64
	// MaxMissedHeartbeats is how many consecutive deadlines may pass before the link is considered dead.
	MaxMissedHeartbeats int

	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BackoffJitter float64

	// DispatchCapacity is the size of the consumer channel.
	DispatchCapacity int

	// GapResumeThreshold is the largest sequence gap accepted with a
	// GapMarker. Larger gaps force a Resume instead. Zero accepts every gap.
	GapResumeThreshold uint64
	// HandshakeRetryBudget is how many consecutive Hello failures are
	// tolerated before the engine gives up. Zero means unlimited.
	HandshakeRetryBudget int
	// MaxResumeAttempts is how many times a resume dial is retried before
	// the session is abandoned.
	MaxResumeAttempts int

	// MaxMessageSize bounds each frame read from the gateway and each
	// inflated message. Larger messages drop the connection.
	MaxMessageSize int64

	// CheckpointMaxAge is how old a stored checkpoint may be and still be resumed.
	CheckpointMaxAge time.Duration
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		Compress:               true,
		ConnectTimeout:         10 * time.Second,
		HelloTimeout:           6 * time.Second,
		ResumeTimeout:          6 * time.Second,
		WriteTimeout:           10 * time.Second,
		HeartbeatInterval:      30 * time.Second,
		HeartbeatDeadlineRatio: 0.2,
		MaxMissedHeartbeats:    2,
		BackoffBase:            time.Second,
		BackoffMax:             60 * time.Second,
		BackoffJitter:          0.5,
		DispatchCapacity:       256,
		GapResumeThreshold:     0,
		HandshakeRetryBudget:   0,
		MaxResumeAttempts:      3,
		MaxMessageSize:         protocol.DefaultMaxMessageSize,
		CheckpointMaxAge:       5 * time.Minute,
	}
}

// Validate returns the first invalid knob.
func (o Options) Validate() error {
	switch {
	case o.ConnectTimeout <= 0:
		return errors.New("connect timeout must be positive")
	case o.HelloTimeout <= 0:
		return errors.New("hello timeout must be positive")
	case o.ResumeTimeout <= 0:
		return errors.New("resume timeout must be positive")
	case o.WriteTimeout <= 0:
		return errors.New("write timeout must be positive")
	case o.HeartbeatInterval <= 0:
		return errors.New("heartbeat interval must be positive")
	case o.HeartbeatDeadlineRatio <= 0 || o.HeartbeatDeadlineRatio >= 1:
		return fmt.Errorf("heartbeat deadline ratio must be in (0, 1), got %v", o.HeartbeatDeadlineRatio)
	case o.MaxMissedHeartbeats < 1:
		return errors.New("max missed heartbeats must be at least 1")
	case o.BackoffBase <= 0:
		return errors.New("backoff base must be positive")
	case o.BackoffMax < o.BackoffBase:
		return fmt.Errorf("backoff max (%v) must not be below backoff base (%v)", o.BackoffMax, o.BackoffBase)
	case o.BackoffJitter < 0 || o.BackoffJitter > 1:
		return fmt.Errorf("backoff jitter must be in [0, 1], got %v", o.BackoffJitter)
	case o.DispatchCapacity < 1:
		return errors.New("dispatch capacity must be at least 1")
	case o.HandshakeRetryBudget < 0:
		return errors.New("handshake retry budget must not be negative")
	case o.MaxResumeAttempts < 1:
		return errors.New("max resume attempts must be at least 1")
	case o.MaxMessageSize < 1:
		return errors.New("max message size must be positive")
	case o.CheckpointMaxAge < 0:
		return errors.New("checkpoint max age must not be negative")
	}
	return nil
}

// StateHook is called after every state change, from the engine's goroutine.
// It must not block.
type StateHook func(from, to State)

// Option wires a collaborator into the engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics records engine activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCheckpointer persists session state so a restart can resume.
func WithCheckpointer(cp session.Checkpointer) Option {
	return func(e *Engine) { e.checkpoints = cp }
}

// WithDedupe drops events whose msg_id was delivered recently, across
// resume and reconnect boundaries.
func WithDedupe(cache *dedupe.Cache) Option {
	return func(e *Engine) { e.dedupe = cache }
}

// WithStateHook observes state changes.
func WithStateHook(hook StateHook) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, hook) }
}

// WithTracerProvider sets where connect and resume spans go.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(e *Engine) { e.dialer = d }
}
