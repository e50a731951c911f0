// ABOUTME: Server-side counterpart of the Inflater: one zlib stream per connection
// ABOUTME: Sync-flushes after every message so each frame ends on a block boundary

package protocol

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zlib"
)

// Deflater compresses outbound frames the way the gateway does. It is used
// by the fake gateway and tests.
type Deflater struct {
	buf bytes.Buffer
	zw  *zlib.Writer
}

// NewDeflater starts a new connection-scoped zlib stream.
func NewDeflater() *Deflater {
	d := &Deflater{}
	d.zw = zlib.NewWriter(&d.buf)
	return d
}

// Deflate compresses data and returns the flushed segment for one frame.
func (d *Deflater) Deflate(data []byte) ([]byte, error) {
	if _, err := d.zw.Write(data); err != nil {
		return nil, fmt.Errorf("deflating frame: %w", err)
	}
	if err := d.zw.Flush(); err != nil {
		return nil, fmt.Errorf("flushing frame: %w", err)
	}
	out := make([]byte, d.buf.Len())
	copy(out, d.buf.Bytes())
	d.buf.Reset()
	return out, nil
}

// CompressMessage compresses data as a standalone zlib stream.
func CompressMessage(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
