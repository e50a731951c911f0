// ABOUTME: Session state for gateway resume: session id, last sequence, compression flag
// ABOUTME: Owned by the connection state machine; Advance is monotonic and Invalidate forces a fresh handshake

package session

import (
	"context"
	"errors"
	"time"
)

// State is the durable memory needed to resume a session after a drop.
type State struct {
	sessionID    string
	lastSequence uint64
	compressed   bool
}

// RecordHello starts tracking the session handed out by a Hello payload.
// A different session id than the one held means a brand new session, so the
// sequence counter restarts.
func (s *State) RecordHello(sessionID string) {
	if sessionID != s.sessionID {
		s.lastSequence = 0
	}
	s.sessionID = sessionID
}

// Advance moves the last accepted sequence forward. It reports whether the
// sequence changed; sequences at or below the current one are ignored.
func (s *State) Advance(sequence uint64) bool {
	if sequence <= s.lastSequence {
		return false
	}
	s.lastSequence = sequence
	return true
}

// Invalidate clears the session so the next connect performs a full handshake.
func (s *State) Invalidate() {
	s.sessionID = ""
	s.lastSequence = 0
}

// SetCompressed records whether the current connection negotiated compression.
func (s *State) SetCompressed(compressed bool) { s.compressed = compressed }

// SessionID returns the held session id, or "" when there is none.
func (s *State) SessionID() string { return s.sessionID }

// HasSession reports whether a resumable session is held.
func (s *State) HasSession() bool { return s.sessionID != "" }

// LastSequence returns the highest accepted sequence number. Zero means unset.
func (s *State) LastSequence() uint64 { return s.lastSequence }

// Compressed reports whether compression was negotiated.
func (s *State) Compressed() bool { return s.compressed }

// Restore loads a checkpoint into the state.
func (s *State) Restore(cp Checkpoint) {
	s.sessionID = cp.SessionID
	s.lastSequence = cp.LastSequence
	s.compressed = cp.Compressed
}

// Checkpoint is a persisted snapshot of a State.
type Checkpoint struct {
	GatewayURL   string
	SessionID    string
	LastSequence uint64
	Compressed   bool
	UpdatedAt    time.Time
}

// Snapshot captures the state for persistence.
func (s *State) Snapshot(gatewayURL string, now time.Time) Checkpoint {
	return Checkpoint{
		GatewayURL:   gatewayURL,
		SessionID:    s.sessionID,
		LastSequence: s.lastSequence,
		Compressed:   s.compressed,
		UpdatedAt:    now,
	}
}

// Fresh reports whether the checkpoint is young enough to attempt a resume.
func (cp Checkpoint) Fresh(now time.Time, maxAge time.Duration) bool {
	if cp.SessionID == "" || cp.GatewayURL == "" {
		return false
	}
	return now.Sub(cp.UpdatedAt) <= maxAge
}

// ErrNoCheckpoint is returned by a Checkpointer that has nothing saved.
var ErrNoCheckpoint = errors.New("no session checkpoint")

// Checkpointer persists session checkpoints between process runs.
type Checkpointer interface {
	LoadCheckpoint(ctx context.Context) (Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	ClearCheckpoint(ctx context.Context) error
}
