// Package session holds the resumable state of one gateway session.
//
// A State records the session id handed out by Hello, the highest accepted
// sequence number, and whether the connection negotiated compression. It is
// a plain value owned by the connection state machine; it performs no I/O
// and has no locking of its own.
//
// A Checkpoint is the serializable snapshot of a State plus the gateway URL
// it belongs to, used to resume after a process restart.
package session
