// Package gateway keeps a KOOK bot gateway session alive.
//
// # Overview
//
// The Engine owns one logical session with the gateway. It fetches a
// websocket URL, dials, waits for Hello, answers heartbeats, and delivers
// every event to a single consumer channel in sequence order. When the link
// drops it resumes the same session; when the server invalidates the session
// it starts a fresh one.
//
// # State Machine
//
// One goroutine drives every transition:
//
//	disconnected -> connecting -> awaiting_hello -> connected
//	connected    -> resuming      (link lost, session held)
//	connected    -> reconnecting  (server Reconnect, corrupt stream)
//	resuming     -> connected     (ResumeAck)
//	resuming     -> reconnecting  (resume refused or timed out)
//	any          -> disconnected  (Close, cancellation, terminal error)
//
// The read pump and the heartbeat monitor report to that goroutine over
// channels and never touch session state themselves.
//
// # Sequence Rules
//
// Event sequence numbers only move forward. An event at or below the last
// accepted sn is dropped. A jump forward delivers a GapMarker before the
// event, or forces a resume when Options.GapResumeThreshold is set and the
// jump is larger. last_sequence advances only after the dispatcher took the
// event, so a crash mid-dispatch resumes from before it.
//
// # Errors
//
// Every failure carries a Kind, which picks the recovery:
//
//   - KindTransport: retry with backoff, resuming when a session is held
//   - KindHandshakeTimeout: fresh connect, bounded by HandshakeRetryBudget
//   - KindDecode, KindProtocolViolation: drop the session and reconnect
//   - KindSessionRejected: drop the session and reconnect
//   - KindFatalShutdown: stop and hand the error to the consumer
//
// # Lifecycle
//
//	e, err := gateway.New(gateway.DefaultOptions(), api.New(api.DefaultBaseURL, token),
//	    gateway.WithCheckpointer(st.Checkpointer(botID)))
//	go e.Run(ctx)
//	for it := range e.Items() {
//	    ...
//	}
//
// # Key Files
//
//   - engine.go: Engine, connect, resume, serve
//   - link.go: websocket connection and read pump
//   - state.go: states and the transition function
//   - url.go: gateway URL parsing and resume parameters
//   - backoff.go: reconnect scheduling
//   - errors.go: error kinds
package gateway
