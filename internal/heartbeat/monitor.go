// ABOUTME: Heartbeat monitor that pings on an interval and enforces an acknowledgement deadline
// ABOUTME: Reports acks and liveness failures over a channel instead of mutating connection state

package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Defaults used when Config leaves a field unset.
const (
	DefaultInterval      = 30 * time.Second
	DefaultDeadlineRatio = 0.2
	DefaultMaxMissed     = 2
)

// ErrMissed is carried by a Failed finding after too many unanswered pings.
var ErrMissed = errors.New("heartbeat acknowledgement missed")

// Config controls ping cadence and failure detection.
type Config struct {
	Interval      time.Duration
	DeadlineRatio float64
	MaxMissed     int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.DeadlineRatio <= 0 || c.DeadlineRatio >= 1 {
		c.DeadlineRatio = DefaultDeadlineRatio
	}
	if c.MaxMissed <= 0 {
		c.MaxMissed = DefaultMaxMissed
	}
	return c
}

// Deadline is how long a ping may go unanswered.
func (c Config) Deadline() time.Duration {
	c = c.withDefaults()
	return time.Duration(float64(c.Interval) * c.DeadlineRatio)
}

// FindingKind classifies a Finding.
type FindingKind int

const (
	// Acked means a Pong answered the pending ping.
	Acked FindingKind = iota
	// Missed means one deadline passed without a Pong.
	Missed
	// Failed means the connection should be considered dead. The monitor
	// stops after reporting it.
	Failed
)

func (k FindingKind) String() string {
	switch k {
	case Acked:
		return "acked"
	case Missed:
		return "missed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("finding(%d)", int(k))
	}
}

// Finding is something the monitor observed.
type Finding struct {
	Kind FindingKind
	// Sequence is the sequence number the ping carried.
	Sequence uint64
	// RTT is set for Acked findings.
	RTT time.Duration
	// Misses is the consecutive miss count at the time of the finding.
	Misses int
	Err    error
}

// PendingPing is a ping that has been sent and not yet acknowledged.
type PendingPing struct {
	SentAt         time.Time
	SequenceAtSend uint64
}

// PingFunc writes one Ping carrying sequence to the connection.
type PingFunc func(sequence uint64) error

// Monitor drives heartbeats for one connection. Create one per Connected
// period; a Monitor cannot be restarted after Run returns.
type Monitor struct {
	cfg       Config
	ping      PingFunc
	sequence  func() uint64
	saturated func() bool
	logger    *slog.Logger

	pongs    chan time.Time
	findings chan Finding
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSaturation installs a probe that reports whether the inbound path is
// backed up. While it returns true, the pending ping's expired deadline is
// re-armed instead of counted as a miss, since its Pong may be queued behind
// undelivered frames.
func WithSaturation(probe func() bool) Option {
	return func(m *Monitor) { m.saturated = probe }
}

// WithLogger sets the monitor's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger.With("component", "heartbeat") }
}

// New creates a Monitor. sequence is read at every ping to fill in the sn.
func New(cfg Config, ping PingFunc, sequence func() uint64, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:       cfg.withDefaults(),
		ping:      ping,
		sequence:  sequence,
		saturated: func() bool { return false },
		logger:    slog.Default().With("component", "heartbeat"),
		pongs:     make(chan time.Time, 1),
		findings:  make(chan Finding, 4),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Findings returns the channel the monitor reports on. It is closed when
// Run returns.
func (m *Monitor) Findings() <-chan Finding {
	return m.findings
}

// Ack records that a Pong arrived. It never blocks; a second Pong arriving
// before the monitor has consumed the first is dropped.
func (m *Monitor) Ack() {
	select {
	case m.pongs <- time.Now():
	default:
	}
}

// Run pings on the configured interval until ctx is cancelled or a liveness
// failure is reported.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.findings)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	deadline := time.NewTimer(m.cfg.Interval)
	deadline.Stop()
	defer deadline.Stop()

	var (
		pending *PendingPing
		misses  int
	)

	m.logger.Debug("heartbeat started", "interval", m.cfg.Interval, "deadline", m.cfg.Deadline())

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if pending != nil {
				// At most one ping in flight; its deadline decides.
				continue
			}
			sn := m.sequence()
			if err := m.ping(sn); err != nil {
				m.report(ctx, Finding{Kind: Failed, Sequence: sn, Misses: misses, Err: fmt.Errorf("sending ping: %w", err)})
				return
			}
			pending = &PendingPing{SentAt: time.Now(), SequenceAtSend: sn}
			resetTimer(deadline, m.cfg.Deadline())

		case at := <-m.pongs:
			if pending == nil {
				m.logger.Debug("pong without pending ping")
				continue
			}
			rtt := at.Sub(pending.SentAt)
			sn := pending.SequenceAtSend
			pending = nil
			misses = 0
			deadline.Stop()
			m.report(ctx, Finding{Kind: Acked, Sequence: sn, RTT: rtt})

		case <-deadline.C:
			if pending == nil {
				continue
			}
			if m.saturated() {
				m.logger.Debug("inbound saturated, re-arming heartbeat deadline", "sn", pending.SequenceAtSend)
				resetTimer(deadline, m.cfg.Deadline())
				continue
			}
			misses++
			sn := pending.SequenceAtSend
			pending = nil
			if misses >= m.cfg.MaxMissed {
				m.logger.Warn("heartbeat failed", "misses", misses, "sn", sn)
				m.report(ctx, Finding{Kind: Failed, Sequence: sn, Misses: misses, Err: ErrMissed})
				return
			}
			m.logger.Info("heartbeat missed", "misses", misses, "sn", sn)
			m.report(ctx, Finding{Kind: Missed, Sequence: sn, Misses: misses})
		}
	}
}

// report delivers f unless ctx ends first. Acked and Missed findings are
// informational and are dropped rather than stalling the monitor.
func (m *Monitor) report(ctx context.Context, f Finding) {
	if f.Kind != Failed {
		select {
		case m.findings <- f:
		default:
		}
		return
	}
	select {
	case m.findings <- f:
	case <-ctx.Done():
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
