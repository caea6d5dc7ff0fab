package signal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	frameHeaderLen = 4
	writeTimeout   = 5 * time.Second
)

var ErrFrameTooLarge = errors.New("frame exceeds read limit")

// ReadFrame reads one length-prefixed envelope: a little-endian uint32 byte
// count followed by that many bytes of JSON.
func ReadFrame(r io.Reader, limit int) ([]byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if limit > 0 && uint64(n) > uint64(limit) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, limit)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes payload with its length prefix in a single write.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, frameHeaderLen+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderLen:], payload)
	_, err := w.Write(buf)
	return err
}

type tcpWire struct {
	conn  net.Conn
	r     *bufio.Reader
	limit int
}

func newTCPWire(conn net.Conn, limit int) *tcpWire {
	return &tcpWire{conn: conn, r: bufio.NewReader(conn), limit: limit}
}

func (w *tcpWire) ReadFrame() ([]byte, error) { return ReadFrame(w.r, w.limit) }

func (w *tcpWire) WriteFrame(b []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return WriteFrame(w.conn, b)
}

func (w *tcpWire) SetReadDeadline(t time.Time) error { return w.conn.SetReadDeadline(t) }
func (w *tcpWire) Close() error                       { return w.conn.Close() }
func (w *tcpWire) RemoteAddr() net.Addr               { return w.conn.RemoteAddr() }
