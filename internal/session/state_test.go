// ABOUTME: Tests for session state transitions used by resume and reconnect
// ABOUTME: Validates monotonic Advance, Hello bookkeeping, invalidation, and checkpoint freshness

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestState_AdvanceIsMonotonic(t *testing.T) {
	var s State
	s.RecordHello("S1")

	assert.True(t, s.Advance(1))
	assert.True(t, s.Advance(2))
	assert.True(t, s.Advance(5))
	assert.Equal(t, uint64(5), s.LastSequence())

	// Replays and stale sequences are no-ops.
	assert.False(t, s.Advance(5))
	assert.False(t, s.Advance(3))
	assert.Equal(t, uint64(5), s.LastSequence())
}

func TestState_RecordHelloSameSessionKeepsSequence(t *testing.T) {
	var s State
	s.RecordHello("S1")
	s.Advance(10)

	s.RecordHello("S1")
	assert.Equal(t, uint64(10), s.LastSequence())
}

func TestState_RecordHelloNewSessionResetsSequence(t *testing.T) {
	var s State
	s.RecordHello("S1")
	s.Advance(10)

	s.RecordHello("S2")
	assert.Equal(t, "S2", s.SessionID())
	assert.Equal(t, uint64(0), s.LastSequence())
}

func TestState_Invalidate(t *testing.T) {
	var s State
	s.RecordHello("S1")
	s.Advance(4)
	s.SetCompressed(true)

	s.Invalidate()

	assert.False(t, s.HasSession())
	assert.Equal(t, "", s.SessionID())
	assert.Equal(t, uint64(0), s.LastSequence())
	assert.True(t, s.Compressed(), "compression is a connection property, not session identity")
}

func TestState_SnapshotRestore(t *testing.T) {
	var s State
	s.RecordHello("S1")
	s.Advance(12)
	s.SetCompressed(true)

	now := time.Now()
	cp := s.Snapshot("wss://gw.example/gateway?token=t", now)

	var restored State
	restored.Restore(cp)

	assert.Equal(t, "S1", restored.SessionID())
	assert.Equal(t, uint64(12), restored.LastSequence())
	assert.True(t, restored.Compressed())
	assert.Equal(t, now, cp.UpdatedAt)
}

func TestCheckpoint_Fresh(t *testing.T) {
	now := time.Now()
	cp := Checkpoint{GatewayURL: "wss://gw", SessionID: "S1", UpdatedAt: now.Add(-time.Minute)}

	assert.True(t, cp.Fresh(now, 5*time.Minute))
	assert.False(t, cp.Fresh(now, 30*time.Second))

	cp.SessionID = ""
	assert.False(t, cp.Fresh(now, 5*time.Minute))
}
