// Package socks5 implements the client half of RFC 1928's no-auth
// handshake and CONNECT command (§4.D), for dialing an upstream SOCKS5
// proxy. The wire format below is mirrored from the server-side framing
// seen in the pack's SOCKS5 servers (VER/CMD/RSV/ATYP layout and reply
// codes) rather than from any client implementation, since no client was
// available to crib from directly.
package socks5

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quietwire/localproxy/perrors"
)

const (
	version5     = 0x05
	methodNoAuth = 0x00

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	replySucceeded           = 0x00
	replyGeneralFailure      = 0x01
	replyNotAllowed          = 0x02
	replyNetworkUnreachable  = 0x03
	replyHostUnreachable     = 0x04
	replyConnectionRefused   = 0x05
	replyTTLExpired          = 0x06
	replyCommandNotSupported = 0x07
	replyAtypNotSupported    = 0x08
)

// replyReason maps a SOCKS5 reply byte to a human-readable reason (§4.D).
func replyReason(code byte) string {
	switch code {
	case replyGeneralFailure:
		return "general SOCKS server failure"
	case replyNotAllowed:
		return "connection not allowed by ruleset"
	case replyNetworkUnreachable:
		return "network unreachable"
	case replyHostUnreachable:
		return "host unreachable"
	case replyConnectionRefused:
		return "connection refused by destination host"
	case replyTTLExpired:
		return "TTL expired"
	case replyCommandNotSupported:
		return "command not supported"
	case replyAtypNotSupported:
		return "address type not supported"
	default:
		return fmt.Sprintf("unknown reply code 0x%02x", code)
	}
}

// Dial performs the RFC 1928 no-auth handshake against a SOCKS5 server
// already reachable at conn, then issues a CONNECT request for
// targetHost:targetPort. On success it returns conn unchanged — it is now
// a live tunnel to the target. conn is closed on any failure.
func Dial(ctx context.Context, conn net.Conn, targetHost string, targetPort int) (net.Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if err := methodSelect(conn); err != nil {
		conn.Close()
		return nil, err
	}

	if err := connectRequest(conn, targetHost, targetPort); err != nil {
		conn.Close()
		return nil, err
	}

	if err := readConnectReply(conn); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

func methodSelect(conn net.Conn) error {
	req := []byte{version5, 0x01, methodNoAuth}
	if _, err := conn.Write(req); err != nil {
		return perrors.New(perrors.UpstreamHandshakeFailure, "write method-selection", err)
	}

	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return perrors.New(perrors.UpstreamHandshakeFailure, "read method-selection reply", err)
	}
	if resp[0] != version5 || resp[1] != methodNoAuth {
		return perrors.New(perrors.UpstreamHandshakeFailure, "handshake rejected",
			fmt.Errorf("server selected method 0x%02x (version 0x%02x)", resp[1], resp[0]))
	}
	return nil
}

func connectRequest(conn net.Conn, host string, port int) error {
	var req []byte
	req = append(req, version5, cmdConnect, 0x00)

	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			req = append(req, atypIPv4)
			req = append(req, v4...)
		} else {
			req = append(req, atypIPv6)
			req = append(req, ip.To16()...)
		}
	} else {
		if len(host) > 255 {
			return perrors.New(perrors.BadRequest, "connect request", fmt.Errorf("domain name too long: %d bytes", len(host)))
		}
		req = append(req, atypDomain, byte(len(host)))
		req = append(req, []byte(host)...)
	}

	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, uint16(port))
	req = append(req, portBytes...)

	if _, err := conn.Write(req); err != nil {
		return perrors.New(perrors.UpstreamHandshakeFailure, "write connect request", err)
	}
	return nil
}

func readConnectReply(conn net.Conn) error {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return perrors.New(perrors.UpstreamHandshakeFailure, "read connect reply header", err)
	}

	if header[0] != version5 {
		return perrors.New(perrors.UpstreamHandshakeFailure, "connect reply", fmt.Errorf("unexpected version 0x%02x", header[0]))
	}

	atyp := header[3]
	if err := consumeBoundAddress(conn, atyp); err != nil {
		return perrors.New(perrors.UpstreamHandshakeFailure, "consume bound address", err)
	}

	if header[1] != replySucceeded {
		return perrors.New(perrors.UpstreamHandshakeFailure, "connect rejected", fmt.Errorf("%s", replyReason(header[1])))
	}
	return nil
}

// consumeBoundAddress reads and discards the BND.ADDR/BND.PORT tail of a
// CONNECT reply so no bytes leak into the tunnel (§4.D, §8).
func consumeBoundAddress(conn net.Conn, atyp byte) error {
	switch atyp {
	case atypIPv4:
		return discard(conn, 4+2)
	case atypIPv6:
		return discard(conn, 16+2)
	case atypDomain:
		lenByte := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenByte); err != nil {
			return err
		}
		return discard(conn, int(lenByte[0])+2)
	default:
		return fmt.Errorf("unsupported ATYP 0x%02x in reply", atyp)
	}
}

func discard(r io.Reader, n int) error {
	_, err := io.CopyN(io.Discard, r, int64(n))
	return err
}
