package gocbcorekv

import (
	"bufio"
	"io"
	"net"
	"time"

	"github.com/couchbase/gocbcorekv/memd"
)

// memdConn is a single TCP connection speaking the framed binary
// protocol described in spec.md §3. Grounded on the teacher's
// memdconn.go, trimmed of TLS (not part of the CORE this module
// implements) and rebuilt over the memd package's Packet codec.
type memdConn struct {
	conn       net.Conn
	reader     *bufio.Reader
	localAddr  string
	remoteAddr string
}

// dialMemdConn opens a TCP connection to address with deadline as its
// connect timeout, per spec.md §4.5's 5s socket timeout.
func dialMemdConn(address string, deadline time.Time) (*memdConn, error) {
	d := net.Dialer{Deadline: deadline}
	conn, err := d.Dial("tcp", address)
	if err != nil {
		return nil, NewConnectError(address, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	return &memdConn{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		localAddr:  conn.LocalAddr().String(),
		remoteAddr: address,
	}, nil
}

func (c *memdConn) LocalAddr() string  { return c.localAddr }
func (c *memdConn) RemoteAddr() string { return c.remoteAddr }

func (c *memdConn) Close() error { return c.conn.Close() }

func (c *memdConn) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

// WritePacket encodes and writes pak, wrapping any short write in
// WireError per spec.md §7's Wire kind.
func (c *memdConn) WritePacket(pak *memd.Packet) error {
	if err := pak.Encode(c.conn); err != nil {
		return &WireError{Err: err}
	}
	return nil
}

// ReadPacket reads exactly one frame, wrapping ErrShortRead/EOF in
// WireError per spec.md §7's Wire kind.
func (c *memdConn) ReadPacket() (*memd.Packet, error) {
	pak, err := memd.Decode(c.reader)
	if err != nil {
		if err == io.EOF {
			return nil, &WireError{Err: err}
		}
		return nil, &WireError{Err: err}
	}
	return pak, nil
}
