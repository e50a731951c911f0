// ABOUTME: Checkpoint store types shared by the SQLite and in-memory implementations
// ABOUTME: Binds a store to a bot id so it satisfies session.Checkpointer

package store

import (
	"context"

	"github.com/2389/kook-gateway/internal/session"
)

// checkpointStore is implemented by every backend in this package.
type checkpointStore interface {
	loadCheckpoint(ctx context.Context, botID string) (session.Checkpoint, error)
	saveCheckpoint(ctx context.Context, botID string, cp session.Checkpoint) error
	clearCheckpoint(ctx context.Context, botID string) error
}

// boundCheckpointer adapts a store to session.Checkpointer for one bot.
type boundCheckpointer struct {
	backend checkpointStore
	botID   string
}

var _ session.Checkpointer = (*boundCheckpointer)(nil)

func (b *boundCheckpointer) LoadCheckpoint(ctx context.Context) (session.Checkpoint, error) {
	return b.backend.loadCheckpoint(ctx, b.botID)
}

func (b *boundCheckpointer) SaveCheckpoint(ctx context.Context, cp session.Checkpoint) error {
	return b.backend.saveCheckpoint(ctx, b.botID, cp)
}

func (b *boundCheckpointer) ClearCheckpoint(ctx context.Context) error {
	return b.backend.clearCheckpoint(ctx, b.botID)
}
