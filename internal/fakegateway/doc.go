// Package fakegateway is a scriptable stand-in for the KOOK gateway.
//
// It serves the two endpoints a bot touches: the HTTP API
// (/api/v3/gateway/index and /api/v3/message/create) and the websocket
// gateway (/gateway). Tests mount Handler on an httptest.Server, point the
// engine at it and then drive the connection from the server side: emit
// events, drop pongs, send Reconnect, corrupt the stream or close with a
// terminal code.
//
// Sessions survive disconnects, so a client that reconnects with resume=1
// gets a ResumeAck followed by every event it missed.
package fakegateway
