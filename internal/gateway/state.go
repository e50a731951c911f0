// ABOUTME: Connection states and the transition function of the engine's state machine
// ABOUTME: Every stimulus maps to exactly one next state; anything else is rejected

package gateway

import "fmt"

// State is the engine's connection phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHello
	StateConnected
	StateResuming
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateConnected:
		return "connected"
	case StateResuming:
		return "resuming"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// stimulus is something that happened to the engine.
type stimulus int

const (
	// stimStart is the explicit start call.
	stimStart stimulus = iota
	// stimLinkUp means the websocket handshake completed.
	stimLinkUp
	// stimHello means a successful Hello was received.
	stimHello
	// stimConnectFailed covers dial, lookup, Hello timeout and Hello errors.
	stimConnectFailed
	// stimLinkLost means the link died or heartbeats stopped being answered.
	stimLinkLost
	// stimReconnect means the session is unusable: server Reconnect, corrupt
	// stream, protocol violation or an expired token.
	stimReconnect
	// stimResumed means ResumeAck arrived.
	stimResumed
	// stimResumeRetry means a resume dial failed but the session may still be valid.
	stimResumeRetry
	// stimResumeFailed means the server refused the resume or it timed out.
	stimResumeFailed
	// stimShutdown is an explicit stop or a terminal error.
	stimShutdown
)

func (s stimulus) String() string {
	switch s {
	case stimStart:
		return "start"
	case stimLinkUp:
		return "link_up"
	case stimHello:
		return "hello"
	case stimConnectFailed:
		return "connect_failed"
	case stimLinkLost:
		return "link_lost"
	case stimReconnect:
		return "reconnect"
	case stimResumed:
		return "resumed"
	case stimResumeRetry:
		return "resume_retry"
	case stimResumeFailed:
		return "resume_failed"
	case stimShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("stimulus(%d)", int(s))
	}
}

// next returns the state that follows from applying s in from. hasSession
// decides between resuming and reconnecting. ok is false for stimuli that
// are illegal in from.
func next(from State, s stimulus, hasSession bool) (to State, ok bool) {
	if s == stimShutdown {
		return StateDisconnected, true
	}

	switch from {
	case StateDisconnected:
		if s == stimStart {
			if hasSession {
				return StateResuming, true
			}
			return StateConnecting, true
		}

	case StateConnecting, StateReconnecting:
		switch s {
		case stimLinkUp:
			return StateAwaitingHello, true
		case stimConnectFailed:
			return StateConnecting, true
		}

	case StateAwaitingHello:
		switch s {
		case stimHello:
			return StateConnected, true
		case stimConnectFailed:
			return StateConnecting, true
		case stimReconnect:
			return StateReconnecting, true
		}

	case StateConnected:
		switch s {
		case stimLinkLost:
			if hasSession {
				return StateResuming, true
			}
			return StateReconnecting, true
		case stimReconnect:
			return StateReconnecting, true
		}

	case StateResuming:
		switch s {
		case stimResumed:
			return StateConnected, true
		case stimResumeRetry:
			return StateResuming, true
		case stimResumeFailed, stimReconnect:
			return StateReconnecting, true
		}
	}

	return from, false
}
