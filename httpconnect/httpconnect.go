// Package httpconnect implements the client half of an HTTP CONNECT
// tunnel through an upstream HTTP proxy (§4.E).
package httpconnect

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/quietwire/localproxy/perrors"
)

// Dial issues `CONNECT host:port HTTP/1.1` over conn, an already-open
// TCP connection to an HTTP proxy, and returns conn as a live tunnel to
// targetHost:targetPort on success. conn is closed on any failure.
func Dial(ctx context.Context, conn net.Conn, targetHost string, targetPort int) (net.Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	target := net.JoinHostPort(targetHost, strconv.Itoa(targetPort))
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\nProxy-Connection: Keep-Alive\r\n\r\n", target, target)

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, perrors.New(perrors.UpstreamHandshakeFailure, "write CONNECT request", err)
	}

	status, _, err := readHeaders(conn)
	if err != nil {
		conn.Close()
		return nil, perrors.New(perrors.UpstreamHandshakeFailure, "read CONNECT response", err)
	}

	code, reason, err := parseStatusLine(status)
	if err != nil {
		conn.Close()
		return nil, perrors.New(perrors.UpstreamHandshakeFailure, "parse CONNECT status line", err)
	}
	if code != 200 {
		conn.Close()
		return nil, perrors.New(perrors.UpstreamHandshakeFailure, "CONNECT rejected",
			fmt.Errorf("upstream rejected: %d %s", code, reason))
	}

	return conn, nil
}

// readHeaders reads byte-by-byte until the "\r\n\r\n" header terminator
// is seen, returning the status line and the remaining header lines.
// Reading byte-by-byte (rather than via bufio's buffered reader, which
// could swallow bytes belonging to the tunnel past the terminator) keeps
// every byte after the terminator untouched on the wire.
func readHeaders(conn net.Conn) (statusLine string, headers []string, err error) {
	var lines []string
	var line strings.Builder
	buf := make([]byte, 1)
	var tail [4]byte
	filled := 0

	for {
		if _, err := conn.Read(buf); err != nil {
			return "", nil, err
		}
		b := buf[0]
		line.WriteByte(b)

		copy(tail[:], tail[1:])
		tail[3] = b
		filled++

		if filled >= 4 && tail[0] == '\r' && tail[1] == '\n' && tail[2] == '\r' && tail[3] == '\n' {
			full := line.String()
			full = strings.TrimSuffix(full, "\r\n\r\n")
			lines = append(lines, strings.Split(full, "\r\n")...)
			break
		}
	}

	if len(lines) == 0 {
		return "", nil, fmt.Errorf("empty response")
	}
	return lines[0], lines[1:], nil
}

func parseStatusLine(line string) (code int, reason string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0, "", fmt.Errorf("malformed status line %q", line)
	}
	c, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", fmt.Errorf("non-numeric status code in %q: %w", line, err)
	}
	if len(parts) == 3 {
		reason = parts[2]
	}
	return c, reason, nil
}
