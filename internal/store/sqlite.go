// ABOUTME: SQLite implementation of the checkpoint store using modernc.org/sqlite
// ABOUTME: Persists per-bot session checkpoints with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/kook-gateway/internal/session"
)

// SQLiteStore stores session checkpoints in SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps ":memory:" databases from splitting per connection.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS session_checkpoints (
			bot_id TEXT PRIMARY KEY,
			gateway_url TEXT NOT NULL,
			session_id TEXT NOT NULL,
			last_sequence INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('session_checkpoints') WHERE name = 'compressed'`,
			apply:  `ALTER TABLE session_checkpoints ADD COLUMN compressed INTEGER NOT NULL DEFAULT 0`,
			column: "compressed",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking column %s: %w", m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding column %s: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Checkpointer returns a session.Checkpointer scoped to one bot.
func (s *SQLiteStore) Checkpointer(botID string) session.Checkpointer {
	return &boundCheckpointer{backend: s, botID: botID}
}

func (s *SQLiteStore) saveCheckpoint(ctx context.Context, botID string, cp session.Checkpoint) error {
	query := `
		INSERT OR REPLACE INTO session_checkpoints
			(bot_id, gateway_url, session_id, last_sequence, compressed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	updatedAt := cp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		botID,
		cp.GatewayURL,
		cp.SessionID,
		int64(cp.LastSequence),
		cp.Compressed,
		updatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}

	s.logger.Debug("saved checkpoint", "bot_id", botID, "session_id", cp.SessionID, "sn", cp.LastSequence)
	return nil
}

// loadCheckpoint returns session.ErrNoCheckpoint if the bot has nothing saved.
func (s *SQLiteStore) loadCheckpoint(ctx context.Context, botID string) (session.Checkpoint, error) {
	query := `
		SELECT gateway_url, session_id, last_sequence, compressed, updated_at
		FROM session_checkpoints WHERE bot_id = ?
	`

	var (
		cp        session.Checkpoint
		lastSeq   int64
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, query, botID).Scan(
		&cp.GatewayURL,
		&cp.SessionID,
		&lastSeq,
		&cp.Compressed,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Checkpoint{}, session.ErrNoCheckpoint
	}
	if err != nil {
		return session.Checkpoint{}, fmt.Errorf("querying checkpoint: %w", err)
	}

	cp.LastSequence = uint64(lastSeq)
	cp.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return session.Checkpoint{}, fmt.Errorf("parsing checkpoint time %q: %w", updatedAt, err)
	}
	return cp, nil
}

func (s *SQLiteStore) clearCheckpoint(ctx context.Context, botID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_checkpoints WHERE bot_id = ?`, botID); err != nil {
		return fmt.Errorf("clearing checkpoint: %w", err)
	}
	return nil
}
