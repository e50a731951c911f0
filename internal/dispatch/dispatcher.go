// ABOUTME: Bounded, blocking dispatcher that turns event payloads into consumer Items
// ABOUTME: Skips undecodable bodies and msg_id duplicates without stopping the pipeline

package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/2389/kook-gateway/internal/dedupe"
	"github.com/2389/kook-gateway/internal/metrics"
)

// DefaultCapacity is the consumer channel size used when none is given.
const DefaultCapacity = 256

// Outcome reports what Dispatch did with an event.
type Outcome int

const (
	Delivered Outcome = iota
	// Skipped means the body could not be decoded.
	Skipped
	// Duplicate means the msg_id was delivered recently.
	Duplicate
)

// Dispatcher owns the consumer channel. Only one goroutine may enqueue.
type Dispatcher struct {
	out     chan Item
	seen    *dedupe.Cache
	metrics *metrics.Metrics
	logger  *slog.Logger

	// blocked is set while an enqueue waits on a full channel.
	blocked   atomic.Bool
	closeOnce sync.Once
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDedupe drops events whose msg_id is already in cache.
func WithDedupe(cache *dedupe.Cache) Option {
	return func(d *Dispatcher) { d.seen = cache }
}

// WithMetrics records deliveries, skips and duplicates.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the dispatcher's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger.With("component", "dispatch") }
}

// New creates a Dispatcher with a channel of the given capacity.
func New(capacity int, opts ...Option) *Dispatcher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	d := &Dispatcher{
		out:    make(chan Item, capacity),
		logger: slog.Default().With("component", "dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Items returns the consumer channel. It is closed by Close.
func (d *Dispatcher) Items() <-chan Item {
	return d.out
}

// Stalled reports whether an enqueue is currently waiting on the consumer.
func (d *Dispatcher) Stalled() bool {
	return d.blocked.Load()
}

// Dispatch decodes an event body and enqueues it, blocking while the
// consumer channel is full. The only error it returns is ctx's.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, sequence uint64, body json.RawMessage) (Outcome, error) {
	ev, err := DecodeEvent(sessionID, sequence, body)
	if err != nil {
		d.logger.Warn("skipping undecodable event", "sn", sequence, "error", err)
		d.metrics.DecodeError("body")
		return Skipped, nil
	}

	if d.seen != nil && ev.MsgID != "" && d.seen.CheckAndMark(ev.MsgID) {
		d.logger.Debug("dropping duplicate message", "sn", sequence, "msg_id", ev.MsgID)
		d.metrics.Duplicate("msg_id")
		return Duplicate, nil
	}

	if err := d.enqueue(ctx, ev); err != nil {
		return Delivered, err
	}
	d.metrics.EventDelivered()
	return Delivered, nil
}

// Gap enqueues a GapMarker.
func (d *Dispatcher) Gap(ctx context.Context, gap GapMarker) error {
	d.metrics.Gap(gap.Missing())
	return d.enqueue(ctx, gap)
}

// Fatal enqueues a FatalError. The caller should Close afterwards.
func (d *Dispatcher) Fatal(ctx context.Context, err error) error {
	return d.enqueue(ctx, FatalError{Err: err})
}

// Close closes the consumer channel. It is safe to call multiple times but
// must not race with an enqueue.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.out) })
}

func (d *Dispatcher) enqueue(ctx context.Context, it Item) error {
	select {
	case d.out <- it:
		d.metrics.QueueDepth(len(d.out))
		return nil
	default:
	}

	d.blocked.Store(true)
	defer d.blocked.Store(false)
	d.logger.Debug("consumer channel full, waiting")

	select {
	case d.out <- it:
		d.metrics.QueueDepth(len(d.out))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
