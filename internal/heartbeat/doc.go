// Package heartbeat keeps a gateway connection's liveness in check.
//
// A Monitor runs as its own goroutine while the connection is in the
// Connected state. Every interval it sends a Ping carrying the current
// sequence number, records the ping as pending and arms a deadline that is a
// fraction of the interval. A Pong clears the pending ping. A deadline that
// passes without a Pong counts as a miss; enough consecutive misses are
// reported as a liveness failure.
//
// The monitor never touches connection state. It reports what it observes as
// Findings on a channel and the connection owner decides what to do.
//
// When the connection's inbound path is saturated by a slow consumer, Pongs
// may be sitting unread behind queued events. In that case an expired
// deadline is re-armed instead of counted, and pings keep going out.
package heartbeat
