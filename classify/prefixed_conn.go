package classify

import (
	"bytes"
	"net"
	"time"
)

// PrefixedConn is a net.Conn that drains a buffered prefix before
// delegating reads to the underlying socket. It is safe to use as the
// transport of a TLS server handshake: the handshake's first Read gets
// the buffered ClientHello bytes, and once the buffer is empty every
// subsequent Read goes straight to the socket with no copying overhead.
//
// The prefix is held in a bytes.Reader; reads drain it first and then
// pass through to the embedded connection.
type PrefixedConn struct {
	net.Conn
	prefix *bytes.Reader
}

// NewPrefixedConn wraps conn so that Read first yields prefix, then falls
// through to conn.Read.
func NewPrefixedConn(conn net.Conn, prefix []byte) *PrefixedConn {
	return &PrefixedConn{
		Conn:   conn,
		prefix: bytes.NewReader(prefix),
	}
}

// Read drains the buffered prefix before reading from the underlying
// connection (I3: no byte loss, no reordering).
func (c *PrefixedConn) Read(b []byte) (int, error) {
	if c.prefix.Len() > 0 {
		return c.prefix.Read(b)
	}
	return c.Conn.Read(b)
}

// Write goes straight to the socket; only reads are buffered.
func (c *PrefixedConn) Write(b []byte) (int, error) {
	return c.Conn.Write(b)
}

func (c *PrefixedConn) SetDeadline(t time.Time) error      { return c.Conn.SetDeadline(t) }
func (c *PrefixedConn) SetReadDeadline(t time.Time) error  { return c.Conn.SetReadDeadline(t) }
func (c *PrefixedConn) SetWriteDeadline(t time.Time) error { return c.Conn.SetWriteDeadline(t) }
