// ABOUTME: Tests for the SQLite checkpoint store
// ABOUTME: Covers directory creation, save/load round trips, overwrite, clear, and persistence across reopen

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/2389/kook-gateway/internal/session"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestCheckpoint_LoadMissing(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.Checkpointer("bot-1").LoadCheckpoint(context.Background())
	if !errors.Is(err, session.ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}
}

func TestCheckpoint_SaveAndLoad(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	cp := store.Checkpointer("bot-1")

	want := session.Checkpoint{
		GatewayURL:   "wss://gw.example/gateway?token=abc&compress=1",
		SessionID:    "S1",
		LastSequence: 4242,
		Compressed:   true,
		UpdatedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := cp.SaveCheckpoint(ctx, want); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	got, err := cp.LoadCheckpoint(ctx)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if got.GatewayURL != want.GatewayURL || got.SessionID != want.SessionID {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if got.LastSequence != want.LastSequence {
		t.Errorf("LastSequence = %d, want %d", got.LastSequence, want.LastSequence)
	}
	if !got.Compressed {
		t.Error("Compressed was not persisted")
	}
	if !got.UpdatedAt.Equal(want.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, want.UpdatedAt)
	}
}

func TestCheckpoint_SaveOverwrites(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	cp := store.Checkpointer("bot-1")

	for sn := uint64(1); sn <= 3; sn++ {
		if err := cp.SaveCheckpoint(ctx, session.Checkpoint{GatewayURL: "wss://gw", SessionID: "S1", LastSequence: sn}); err != nil {
			t.Fatalf("SaveCheckpoint failed: %v", err)
		}
	}

	got, err := cp.LoadCheckpoint(ctx)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if got.LastSequence != 3 {
		t.Errorf("LastSequence = %d, want 3", got.LastSequence)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should default to now when unset")
	}
}

func TestCheckpoint_ScopedPerBot(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.Checkpointer("bot-1").SaveCheckpoint(ctx, session.Checkpoint{GatewayURL: "wss://gw", SessionID: "S1"}); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	_, err := store.Checkpointer("bot-2").LoadCheckpoint(ctx)
	if !errors.Is(err, session.ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint for other bot, got %v", err)
	}
}

func TestCheckpoint_Clear(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	cp := store.Checkpointer("bot-1")
	if err := cp.SaveCheckpoint(ctx, session.Checkpoint{GatewayURL: "wss://gw", SessionID: "S1"}); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	if err := cp.ClearCheckpoint(ctx); err != nil {
		t.Fatalf("ClearCheckpoint failed: %v", err)
	}

	if _, err := cp.LoadCheckpoint(ctx); !errors.Is(err, session.ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint after clear, got %v", err)
	}

	// Clearing twice is fine.
	if err := cp.ClearCheckpoint(ctx); err != nil {
		t.Fatalf("second ClearCheckpoint failed: %v", err)
	}
}

func TestCheckpoint_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "gateway.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := first.Checkpointer("bot-1").SaveCheckpoint(ctx, session.Checkpoint{GatewayURL: "wss://gw", SessionID: "S9", LastSequence: 99}); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer second.Close()

	got, err := second.Checkpointer("bot-1").LoadCheckpoint(ctx)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if got.SessionID != "S9" || got.LastSequence != 99 {
		t.Errorf("got %+v after reopen", got)
	}
}

func TestMockStore_MatchesSQLiteBehaviour(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	cp := m.Checkpointer("bot-1")

	if _, err := cp.LoadCheckpoint(ctx); !errors.Is(err, session.ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}
	if err := cp.SaveCheckpoint(ctx, session.Checkpoint{GatewayURL: "wss://gw", SessionID: "S1", LastSequence: 5}); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	got, err := cp.LoadCheckpoint(ctx)
	if err != nil || got.LastSequence != 5 {
		t.Fatalf("LoadCheckpoint = %+v, %v", got, err)
	}
	if m.Saves() != 1 {
		t.Errorf("Saves() = %d, want 1", m.Saves())
	}
	if err := cp.ClearCheckpoint(ctx); err != nil {
		t.Fatalf("ClearCheckpoint failed: %v", err)
	}
	if _, err := cp.LoadCheckpoint(ctx); !errors.Is(err, session.ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint after clear, got %v", err)
	}
}
