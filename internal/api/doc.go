// Package api is a small client for the KOOK HTTP API.
//
// Only the calls the gateway needs are implemented: looking up the gateway
// URL and posting a message. Every response uses the envelope
//
//	{"code": 0, "message": "", "data": {...}}
//
// where a non-zero code is an *Error. Requests authenticate with
// "Authorization: Bot <token>".
//
// The gateway lookup runs behind a circuit breaker so a reconnect storm
// against a failing API backs off instead of hammering it.
package api
