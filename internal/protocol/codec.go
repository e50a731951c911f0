// ABOUTME: Connection-scoped frame codec with a streaming zlib inflater
// ABOUTME: Keeps the deflate history window across sync-flushed frames for one connection

package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
)

// ErrIncompleteFrame is returned while a compressed segment is still being
// assembled from several frames. It is not a failure; the caller should wait
// for the next frame.
var ErrIncompleteFrame = errors.New("compressed segment incomplete")

// ErrMessageTooLarge is returned when a message, compressed or inflated,
// exceeds the codec's size limit.
var ErrMessageTooLarge = errors.New("message exceeds size limit")

// errInflaterBroken is returned for every frame after an inflate failure.
var errInflaterBroken = errors.New("inflater unusable after earlier failure")

// DefaultMaxMessageSize bounds a single decoded message.
const DefaultMaxMessageSize int64 = 16 << 20

// Decode stages.
const (
	StageInflate = "inflate"
	StageJSON    = "json"
	StageBody    = "body"
	StageSize    = "size"
)

// DecodeError reports a frame or body that could not be decoded.
// Fatal errors leave the connection unusable and require a fresh one.
type DecodeError struct {
	Stage string
	Fatal bool
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a connection-fatal DecodeError.
func IsFatal(err error) bool {
	var de *DecodeError
	return errors.As(err, &de) && de.Fatal
}

const historySize = 32 << 10

var syncFlushMarker = []byte{0x00, 0x00, 0xff, 0xff}

type inflateMode int

const (
	modeUndecided inflateMode = iota
	modeStream
	modePerMessage
)

// Inflater decompresses the server-to-client zlib stream of one connection.
// It is not safe for concurrent use.
type Inflater struct {
	mode       inflateMode
	pending    []byte
	headerSeen bool
	history    []byte
	fr         io.ReadCloser
	limit      int64
	err        error
}

// NewInflater returns an Inflater for a new connection.
func NewInflater() *Inflater {
	return &Inflater{limit: DefaultMaxMessageSize}
}

// Inflate returns the decompressed bytes carried by frame. It returns
// ErrIncompleteFrame while a segment or message spans several frames.
//
// The mode is settled by the first complete unit: a buffer ending in the
// sync-flush marker means one shared stream, a buffer holding a whole zlib
// stream means one stream per message.
func (in *Inflater) Inflate(frame []byte) ([]byte, error) {
	if in.err != nil {
		return nil, in.err
	}

	in.pending = append(in.pending, frame...)
	if int64(len(in.pending)) > in.limit {
		return nil, in.fail(ErrMessageTooLarge)
	}

	switch in.mode {
	case modeUndecided:
		if bytes.HasSuffix(in.pending, syncFlushMarker) {
			in.mode = modeStream
			return in.inflateSegment()
		}
		out, err := in.inflateMessage()
		if err != nil {
			return nil, err
		}
		in.mode = modePerMessage
		return out, nil
	case modePerMessage:
		return in.inflateMessage()
	default:
		if !bytes.HasSuffix(in.pending, syncFlushMarker) {
			return nil, ErrIncompleteFrame
		}
		return in.inflateSegment()
	}
}

func (in *Inflater) inflateSegment() ([]byte, error) {
	segment := in.pending
	in.pending = nil

	if !in.headerSeen {
		if err := checkZlibHeader(segment); err != nil {
			return nil, in.fail(err)
		}
		segment = segment[2:]
		in.headerSeen = true
	}

	src := bytes.NewReader(segment)
	if in.fr == nil {
		in.fr = flate.NewReaderDict(src, in.history)
	} else if err := in.fr.(flate.Resetter).Reset(src, in.history); err != nil {
		return nil, in.fail(err)
	}

	// A flushed segment ends on a block boundary without a final block, so the
	// reader runs out of input with ErrUnexpectedEOF after emitting everything.
	out, err := readLimited(in.fr, in.limit)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, in.fail(err)
	}
	in.remember(out)
	return out, nil
}

// inflateMessage decodes pending as one standalone zlib stream. A truncated
// stream keeps its bytes buffered for the next frame.
func (in *Inflater) inflateMessage() ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(in.pending))
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, ErrIncompleteFrame
	}
	if err != nil {
		return nil, in.fail(err)
	}
	defer zr.Close()

	out, err := readLimited(zr, in.limit)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, ErrIncompleteFrame
	}
	if err != nil {
		return nil, in.fail(err)
	}
	in.pending = nil
	return out, nil
}

// readLimited reads r to the end, failing once more than limit bytes come out.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if int64(len(out)) > limit {
		return nil, ErrMessageTooLarge
	}
	return out, err
}

func (in *Inflater) fail(err error) error {
	in.err = fmt.Errorf("%w: %w", errInflaterBroken, err)
	in.pending = nil
	return err
}

func (in *Inflater) remember(out []byte) {
	in.history = append(in.history, out...)
	if len(in.history) > historySize {
		trimmed := make([]byte, historySize)
		copy(trimmed, in.history[len(in.history)-historySize:])
		in.history = trimmed
	}
}

func checkZlibHeader(b []byte) error {
	if len(b) < 2 {
		return errors.New("zlib header truncated")
	}
	cmf, flg := b[0], b[1]
	if cmf&0x0f != 8 {
		return fmt.Errorf("zlib compression method %d not supported", cmf&0x0f)
	}
	if (uint16(cmf)<<8|uint16(flg))%31 != 0 {
		return errors.New("zlib header checksum mismatch")
	}
	if flg&0x20 != 0 {
		return errors.New("zlib preset dictionary not supported")
	}
	return nil
}

// Codec decodes the frames of one connection.
type Codec struct {
	inflater *Inflater
	limit    int64
}

// NewCodec returns a Codec for a new connection. A nil inflater is used when
// compression was not negotiated.
func NewCodec(compressed bool) *Codec {
	c := &Codec{limit: DefaultMaxMessageSize}
	if compressed {
		c.inflater = NewInflater()
	}
	return c
}

// Compressed reports whether frames are inflated before parsing.
func (c *Codec) Compressed() bool { return c.inflater != nil }

// SetMaxMessageSize bounds every frame and every inflated message.
func (c *Codec) SetMaxMessageSize(n int64) {
	c.limit = n
	if c.inflater != nil {
		c.inflater.limit = n
	}
}

// Decode turns one frame into a Payload. It never panics on malformed input;
// corrupt compression or JSON is reported as a fatal *DecodeError.
func (c *Codec) Decode(frame []byte) (*Payload, error) {
	if int64(len(frame)) > c.limit {
		return nil, &DecodeError{Stage: StageSize, Fatal: true, Err: ErrMessageTooLarge}
	}
	data := frame
	if c.inflater != nil {
		out, err := c.inflater.Inflate(frame)
		if errors.Is(err, ErrIncompleteFrame) {
			return nil, err
		}
		if errors.Is(err, ErrMessageTooLarge) {
			return nil, &DecodeError{Stage: StageSize, Fatal: true, Err: err}
		}
		if err != nil {
			return nil, &DecodeError{Stage: StageInflate, Fatal: true, Err: err}
		}
		data = out
	}
	return Parse(data)
}
