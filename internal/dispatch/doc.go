// Package dispatch hands decoded gateway events to application code.
//
// The consumer reads Items from one bounded channel. An Item is one of:
//
//   - Event: a KOOK message or system event
//   - GapMarker: sequence numbers were skipped before the next Event
//   - FatalError: the engine stopped for good; the channel closes after it
//
// Enqueueing blocks while the channel is full. That is the only backpressure
// point in the pipeline: a slow consumer slows the connection down rather
// than losing events. Events whose body cannot be decoded are logged and
// skipped without affecting the connection.
package dispatch
