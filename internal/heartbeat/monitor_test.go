// ABOUTME: Tests for the heartbeat monitor's ping cadence and deadline handling
// ABOUTME: Covers acks, consecutive misses, saturation re-arming, send failures, and cancellation

package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingRecorder struct {
	mu     sync.Mutex
	sent   []uint64
	onSend func()
	err    error
}

func (r *pingRecorder) ping(sn uint64) error {
	r.mu.Lock()
	r.sent = append(r.sent, sn)
	onSend, err := r.onSend, r.err
	r.mu.Unlock()
	if onSend != nil {
		go onSend()
	}
	return err
}

func (r *pingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func collect(t *testing.T, m *Monitor, timeout time.Duration) []Finding {
	t.Helper()
	var out []Finding
	deadline := time.After(timeout)
	for {
		select {
		case f, ok := <-m.Findings():
			if !ok {
				return out
			}
			out = append(out, f)
		case <-deadline:
			t.Fatalf("findings channel not closed after %v (got %d findings)", timeout, len(out))
		}
	}
}

func TestConfig_Deadline(t *testing.T) {
	assert.Equal(t, 6*time.Second, Config{Interval: 30 * time.Second, DeadlineRatio: 0.2}.Deadline())
	assert.Equal(t, 6*time.Second, Config{}.Deadline(), "defaults give 30s x 0.2")

	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultMaxMissed, cfg.MaxMissed)
}

func TestMonitor_AckedPings(t *testing.T) {
	rec := &pingRecorder{}
	var seq atomic.Uint64
	seq.Store(41)

	m := New(Config{Interval: 20 * time.Millisecond, DeadlineRatio: 0.8}, rec.ping, seq.Load)
	rec.onSend = m.Ack

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	var acks int
	timeout := time.After(2 * time.Second)
	for acks < 3 {
		select {
		case f := <-m.Findings():
			require.Equal(t, Acked, f.Kind, "unexpected finding %+v", f)
			assert.Equal(t, uint64(41), f.Sequence)
			assert.GreaterOrEqual(t, f.RTT, time.Duration(0))
			acks++
		case <-timeout:
			t.Fatalf("only %d acks before timeout", acks)
		}
	}

	cancel()
	collect(t, m, time.Second)
	assert.GreaterOrEqual(t, rec.count(), 3)
}

func TestMonitor_ConsecutiveMissesFail(t *testing.T) {
	rec := &pingRecorder{}
	m := New(Config{Interval: 20 * time.Millisecond, DeadlineRatio: 0.25, MaxMissed: 2}, rec.ping, func() uint64 { return 7 })

	go m.Run(context.Background())
	findings := collect(t, m, 2*time.Second)

	require.Len(t, findings, 2)
	assert.Equal(t, Missed, findings[0].Kind)
	assert.Equal(t, 1, findings[0].Misses)
	assert.Equal(t, Failed, findings[1].Kind)
	assert.Equal(t, 2, findings[1].Misses)
	assert.ErrorIs(t, findings[1].Err, ErrMissed)

	// A fresh ping went out after the first miss.
	assert.Equal(t, 2, rec.count())
}

func TestMonitor_PongResetsMissCounter(t *testing.T) {
	rec := &pingRecorder{}
	var n atomic.Int32
	m := New(Config{Interval: 40 * time.Millisecond, DeadlineRatio: 0.5, MaxMissed: 2}, rec.ping, func() uint64 { return 1 })
	// Answer every other ping: miss, ack, miss, ack...
	rec.onSend = func() {
		if n.Add(1)%2 == 0 {
			m.Ack()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	go m.Run(ctx)

	for _, f := range collect(t, m, 2*time.Second) {
		assert.NotEqual(t, Failed, f.Kind, "alternating pongs must never reach the miss limit")
	}
}

func TestMonitor_SaturationRearmsDeadline(t *testing.T) {
	rec := &pingRecorder{}
	var saturated atomic.Bool
	saturated.Store(true)

	m := New(Config{Interval: 20 * time.Millisecond, DeadlineRatio: 0.5, MaxMissed: 1}, rec.ping,
		func() uint64 { return 3 }, WithSaturation(saturated.Load))

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, rec.count(), "one ping stays outstanding while saturated")

	// The queued Pong finally arrives, and the next tick pings again.
	m.Ack()
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 2, rec.count())
	cancel()

	findings := collect(t, m, time.Second)
	require.Len(t, findings, 1)
	assert.Equal(t, Acked, findings[0].Kind)
	assert.Equal(t, uint64(3), findings[0].Sequence)
}

func TestMonitor_SendFailure(t *testing.T) {
	rec := &pingRecorder{err: errors.New("broken pipe")}
	m := New(Config{Interval: 10 * time.Millisecond}, rec.ping, func() uint64 { return 0 })

	go m.Run(context.Background())
	findings := collect(t, m, time.Second)

	require.Len(t, findings, 1)
	assert.Equal(t, Failed, findings[0].Kind)
	assert.ErrorContains(t, findings[0].Err, "broken pipe")
}

func TestMonitor_StrayPongIgnored(t *testing.T) {
	rec := &pingRecorder{}
	m := New(Config{Interval: time.Hour}, rec.ping, func() uint64 { return 0 })
	m.Ack()
	m.Ack()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	go m.Run(ctx)

	assert.Empty(t, collect(t, m, time.Second))
	assert.Equal(t, 0, rec.count())
}

func TestMonitor_CancelStopsPromptly(t *testing.T) {
	rec := &pingRecorder{}
	m := New(Config{Interval: time.Hour}, rec.ping, func() uint64 { return 0 })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
