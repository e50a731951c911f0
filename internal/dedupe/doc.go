// Package dedupe provides message deduplication using a time-based cache
// to prevent delivering the same gateway message twice when a Resume or
// Reconnect replays events the client already dispatched.
package dedupe
