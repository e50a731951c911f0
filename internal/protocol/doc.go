// Package protocol implements the gateway wire format.
//
// # Overview
//
// Every websocket frame carries exactly one JSON payload:
//
//	{"s": 0, "sn": 42, "d": {...}}
//
// where s is the opcode, sn the optional sequence number and d the body.
//
// # Opcodes
//
//	0 Event      server -> client, carries sn
//	1 Hello      server -> client, {code, session_id, interval}
//	2 Ping       client -> server, carries the last accepted sn
//	3 Pong       server -> client
//	4 Resume     client -> server, {session_id, sn}
//	5 Reconnect  server -> client, {code, err}
//	6 ResumeAck  server -> client, {session_id}
//
// Unknown opcodes decode to OpUnknown rather than failing.
//
// # Compression
//
// When compression is negotiated the server writes one zlib stream per
// connection and sync-flushes after every message. A Codec owns the
// connection's Inflater, which keeps the 32KB history window between frames
// and buffers frames until a flushed segment is complete. Servers that
// compress each message as its own zlib stream are detected from the first
// frame and handled too.
//
// Inflate failures poison the Inflater: the connection must be dropped and
// a new Codec built for the next one.
package protocol
