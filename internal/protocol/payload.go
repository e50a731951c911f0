// ABOUTME: Gateway payload model: opcodes, the decoded Payload, and typed control bodies
// ABOUTME: Encodes outbound control messages deterministically as {"s","sn","d"} JSON

package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Op identifies the kind of payload carried by a frame.
type Op int

// Gateway opcodes.
const (
	OpEvent     Op = 0
	OpHello     Op = 1
	OpPing      Op = 2
	OpPong      Op = 3
	OpResume    Op = 4
	OpReconnect Op = 5
	OpResumeAck Op = 6

	// OpUnknown marks an opcode this client does not understand.
	OpUnknown Op = -1
)

func (o Op) String() string {
	switch o {
	case OpEvent:
		return "event"
	case OpHello:
		return "hello"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	case OpResume:
		return "resume"
	case OpReconnect:
		return "reconnect"
	case OpResumeAck:
		return "resume_ack"
	default:
		return "unknown"
	}
}

func knownOp(v int) bool {
	return v >= int(OpEvent) && v <= int(OpResumeAck)
}

// Hello result codes.
const (
	HelloOK               = 0
	HelloMissingParams    = 40100
	HelloInvalidToken     = 40101
	HelloTokenCheckFailed = 40102
	HelloTokenExpired     = 40103
)

// Reconnect reason codes.
const (
	ReconnectResumeParamsMissing = 40106
	ReconnectSessionExpired      = 40107
	ReconnectInvalidSequence     = 40108
)

// Payload is one decoded frame.
type Payload struct {
	Op Op
	// RawOp holds the opcode as received, which differs from Op only for OpUnknown.
	RawOp       int
	Sequence    uint64
	HasSequence bool
	Body        json.RawMessage
}

// HelloBody is the body of an OpHello payload.
type HelloBody struct {
	Code      int    `json:"code"`
	SessionID string `json:"session_id"`
	// Interval is the heartbeat interval in milliseconds; zero means the client default.
	Interval int64 `json:"interval,omitempty"`
}

// HeartbeatInterval returns the server-requested interval, or zero if none was sent.
func (h HelloBody) HeartbeatInterval() time.Duration {
	if h.Interval <= 0 {
		return 0
	}
	return time.Duration(h.Interval) * time.Millisecond
}

// ReconnectBody is the body of an OpReconnect payload.
type ReconnectBody struct {
	Code int    `json:"code"`
	Err  string `json:"err,omitempty"`
}

// ResumeBody is the body of an OpResume payload.
type ResumeBody struct {
	SessionID string `json:"session_id"`
	SN        uint64 `json:"sn"`
}

// ResumeAckBody is the body of an OpResumeAck payload.
type ResumeAckBody struct {
	SessionID string `json:"session_id"`
}

// Hello decodes the payload body as a HelloBody.
func (p *Payload) Hello() (HelloBody, error) {
	var h HelloBody
	err := p.decodeBody(&h)
	return h, err
}

// Reconnect decodes the payload body as a ReconnectBody.
func (p *Payload) Reconnect() (ReconnectBody, error) {
	var r ReconnectBody
	err := p.decodeBody(&r)
	return r, err
}

// ResumeAck decodes the payload body as a ResumeAckBody.
func (p *Payload) ResumeAck() (ResumeAckBody, error) {
	var r ResumeAckBody
	err := p.decodeBody(&r)
	return r, err
}

// Resume decodes the payload body as a ResumeBody.
func (p *Payload) Resume() (ResumeBody, error) {
	var r ResumeBody
	err := p.decodeBody(&r)
	return r, err
}

func (p *Payload) decodeBody(v any) error {
	if len(p.Body) == 0 || string(p.Body) == "null" {
		return nil
	}
	if err := json.Unmarshal(p.Body, v); err != nil {
		return &DecodeError{Stage: StageBody, Err: fmt.Errorf("%s body: %w", p.Op, err)}
	}
	return nil
}

// wireFrame is the on-the-wire envelope. Field order fixes the encoded byte order.
type wireFrame struct {
	S  *int            `json:"s"`
	SN *uint64         `json:"sn,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

// Outbound is a payload to be encoded for the wire.
type Outbound struct {
	Op          Op
	Sequence    uint64
	HasSequence bool
	Body        any
}

// Ping builds the liveness ping carrying the last accepted sequence number.
func Ping(sn uint64) Outbound {
	return Outbound{Op: OpPing, Sequence: sn, HasSequence: true}
}

// Resume builds the session resume request.
func Resume(sessionID string, sn uint64) Outbound {
	return Outbound{
		Op:          OpResume,
		Sequence:    sn,
		HasSequence: true,
		Body:        ResumeBody{SessionID: sessionID, SN: sn},
	}
}

// Encode serializes an outbound payload. Output is stable for equal inputs.
func Encode(msg Outbound) ([]byte, error) {
	op := int(msg.Op)
	frame := wireFrame{S: &op}
	if msg.HasSequence {
		sn := msg.Sequence
		frame.SN = &sn
	}
	if msg.Body != nil {
		body, err := json.Marshal(msg.Body)
		if err != nil {
			return nil, fmt.Errorf("encoding %s body: %w", msg.Op, err)
		}
		frame.D = body
	}
	return json.Marshal(frame)
}

// Parse decodes one uncompressed frame into a Payload.
func Parse(data []byte) (*Payload, error) {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, &DecodeError{Stage: StageJSON, Fatal: true, Err: err}
	}
	if frame.S == nil {
		return nil, &DecodeError{Stage: StageJSON, Fatal: true, Err: fmt.Errorf("missing opcode in %s", abbreviate(data))}
	}

	p := &Payload{Op: Op(*frame.S), RawOp: *frame.S, Body: frame.D}
	if !knownOp(*frame.S) {
		p.Op = OpUnknown
	}
	if frame.SN != nil {
		p.Sequence = *frame.SN
		p.HasSequence = true
	}
	return p, nil
}

// abbreviate keeps error messages bounded when a frame is large.
func abbreviate(data []byte) string {
	const max = 64
	if len(data) <= max {
		return strconv.Quote(string(data))
	}
	return strconv.Quote(string(data[:max])) + "..."
}
