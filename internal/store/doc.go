// Package store persists gateway session checkpoints in SQLite.
//
// # Overview
//
// The engine writes a checkpoint after every Hello, every heartbeat
// acknowledgement and at shutdown. On the next start a fresh checkpoint lets
// the engine resume the previous session instead of starting a new one, so
// events sent while the process was restarting are replayed by the server.
//
// Only session bookkeeping is stored. Events themselves are never persisted.
//
// # Schema
//
//	session_checkpoints(
//	    bot_id        TEXT PRIMARY KEY,
//	    gateway_url   TEXT,
//	    session_id    TEXT,
//	    last_sequence INTEGER,
//	    compressed    INTEGER,
//	    updated_at    DATETIME
//	)
//
// # Usage
//
//	s, err := store.NewSQLiteStore("/var/lib/kook/gateway.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	engine := gateway.New(opts, locator, logger, gateway.WithCheckpointer(s.Checkpointer("my-bot")))
//
// MemoryStore offers the same behaviour without a database for tests.
package store
