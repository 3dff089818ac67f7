// Package transport provides the framed TCP link between host and peer:
// a listener that keeps at most one live connection, a dialer, and
// symmetric chunked frame read/write over the byte stream.
package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"mediapair/internal/wire"
)

// ChunkSize bounds how much of a large payload is read or written at
// once, so memory and backpressure scale with the chunk, not the frame.
const ChunkSize = 64 * 1024

// ErrClosed reports that the peer closed the stream before a full frame
// was available. Distinct from transport faults: a clean close is an
// expected end of session, not a fault to alert on.
var ErrClosed = errors.New("connection closed by peer")

// Conn is a framed duplex byte stream. The framing is identical whether
// this side accepted or dialed. Reads must come from a single goroutine;
// writes are internally serialized so one frame is always written as an
// atomic header+payload sequence.
type Conn struct {
	nc        net.Conn
	writeMu   sync.Mutex
	log       zerolog.Logger
	closeOnce sync.Once
}

func newConn(nc net.Conn, log zerolog.Logger) *Conn {
	return &Conn{nc: nc, log: log}
}

// ReadFrame blocks until a complete frame arrives. A header with an
// unknown command code is skipped and reading resumes at the next header
// boundary; one corrupt header never tears down the connection. The
// payload is read in ChunkSize pieces and assembled at the end.
func (c *Conn) ReadFrame() (wire.Frame, error) {
	var hdrBuf [wire.HeaderSize]byte
	for {
		if _, err := io.ReadFull(c.nc, hdrBuf[:]); err != nil {
			return wire.Frame{}, classifyReadErr(err)
		}

		hdr, err := wire.DecodeHeader(hdrBuf[:])
		if err != nil {
			// Resync: the command byte is the first corruption signal,
			// so the declared length is untrusted garbage. Drop this
			// header slot and try the next one.
			c.log.Warn().Err(err).Msg("skipping malformed header")
			continue
		}

		payload, err := c.readPayload(hdr.PayloadSize)
		if err != nil {
			return wire.Frame{}, err
		}
		return wire.Frame{Command: hdr.Command, Info: hdr.Info, Payload: payload}, nil
	}
}

func (c *Conn) readPayload(size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	chunk := make([]byte, ChunkSize)
	for remaining := size; remaining > 0; {
		n := uint64(ChunkSize)
		if remaining < n {
			n = remaining
		}
		if _, err := io.ReadFull(c.nc, chunk[:n]); err != nil {
			return nil, classifyReadErr(err)
		}
		buf.Write(chunk[:n])
		remaining -= n
	}
	return buf.Bytes(), nil
}

// WriteFrame writes the header then streams the payload in ChunkSize
// pieces, letting a slow reader apply backpressure per chunk. The whole
// frame goes out under one lock: the protocol has no interleaving, so a
// concurrent writer waits for the frame boundary.
func (c *Conn) WriteFrame(cmd wire.Command, info string, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	hdr := wire.EncodeHeader(cmd, uint64(len(payload)), info)
	if _, err := c.nc.Write(hdr[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for off := 0; off < len(payload); off += ChunkSize {
		end := off + ChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		if _, err := c.nc.Write(payload[off:end]); err != nil {
			return fmt.Errorf("write payload chunk at %d: %w", off, err)
		}
	}
	return nil
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// CloseGraceful waits for any in-flight frame write to finish before
// closing, so a frame already being streamed goes out whole. Used for
// acknowledged teardown; abrupt faults use Close directly.
func (c *Conn) CloseGraceful() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Close()
}

// Close closes the underlying stream. Safe to call more than once; any
// outstanding chunked write or blocked read unblocks with an error.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.nc.Close()
	})
	return err
}

func classifyReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("read: %w", err)
}
