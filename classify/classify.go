// Package classify peeks the first bytes of a freshly accepted client
// connection and decides whether the stream is TLS-wrapped or clear-text
// proxy traffic (§4.A), without losing any of the peeked bytes for
// whichever reader consumes the stream next.
package classify

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/quietwire/localproxy/perrors"
)

// PeekDeadline is the maximum time allowed to receive the first bytes of
// a new connection before it is abandoned (§4.A).
const PeekDeadline = 5 * time.Second

// MaxPeek is the number of bytes classification inspects.
const MaxPeek = 5

// Classification is the outcome of peeking a connection.
type Classification struct {
	IsTLS  bool
	Stream *PrefixedConn
}

// Classify reads up to MaxPeek bytes from conn under PeekDeadline,
// classifies them, and returns a stream that replays those bytes before
// falling through to conn (§4.A, I3). Returns an error if zero bytes
// arrive or the deadline expires.
func Classify(conn net.Conn) (Classification, error) {
	if err := conn.SetReadDeadline(time.Now().Add(PeekDeadline)); err != nil {
		return Classification{}, err
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, MaxPeek)
	n, err := readAtLeastOne(conn, buf)
	if err != nil {
		return Classification{}, classifyReadError(err)
	}
	prefix := buf[:n]

	return Classification{
		IsTLS:  IsTLS(prefix),
		Stream: NewPrefixedConn(conn, prefix),
	}, nil
}

// classifyReadError categorizes the §4.A "on timeout/EOF, log and close"
// failure as a distinct §7 error kind, so callers can branch without
// string-matching net.Error.
func classifyReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return perrors.New(perrors.ClassifyTimeout, "peek first bytes", err)
	}
	return perrors.New(perrors.ClientDisconnect, "peek first bytes", err)
}

// readAtLeastOne performs a single Read call and requires at least one
// byte; it does not loop to fill buf, since classification only needs
// whatever arrived within the deadline (a slow-trickling client yields a
// shorter, still-valid prefix).
func readAtLeastOne(conn net.Conn, buf []byte) (int, error) {
	n, err := conn.Read(buf)
	if n == 0 {
		if err == nil {
			err = io.ErrNoProgress
		}
		return 0, err
	}
	return n, nil
}

// IsTLS is a pure function of the leading bytes of a stream: true iff the
// prefix looks like a TLS handshake record (content type 0x16, major
// version 0x03, minor version in [0x01, 0x04], i.e. TLS 1.0 through 1.3)
// (§4.A, §8).
func IsTLS(prefix []byte) bool {
	if len(prefix) < 3 {
		return false
	}
	return prefix[0] == 0x16 &&
		prefix[1] == 0x03 &&
		prefix[2] >= 0x01 && prefix[2] <= 0x04
}
