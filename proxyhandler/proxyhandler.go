// Package proxyhandler implements the per-connection proxy request state
// machine (§4.G): classify, optional TLS termination, request parsing,
// CONNECT/forward-HTTP dispatch, and the bidirectional relay.
package proxyhandler

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/quietwire/localproxy/classify"
	"github.com/quietwire/localproxy/config"
	"github.com/quietwire/localproxy/dialer"
	"github.com/quietwire/localproxy/hostport"
	"github.com/quietwire/localproxy/perrors"
	"github.com/quietwire/localproxy/upstream"
)

// State names the connection's position in the pipeline (§3, §4.G).
// There is no transition out of Closed.
type State int

const (
	Accepted State = iota
	Peeked
	TlsTerminated
	Parsed
	UpstreamConnected
	Relaying
	Closed
)

func (s State) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Peeked:
		return "peeked"
	case TlsTerminated:
		return "tls_terminated"
	case Parsed:
		return "parsed"
	case UpstreamConnected:
		return "upstream_connected"
	case Relaying:
		return "relaying"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// relayBufSize is the generic-relay copy buffer size (§4.G.5).
const relayBufSize = 80 * 1024

// Handler serves one accepted connection end to end.
type Handler struct {
	Cert     *tls.Certificate // nil when TLS on the listener is disabled
	Upstream *upstream.Selector
	Config   *config.ProxyConfig
	Log      *zap.Logger
}

// Handle runs the full state machine for one accepted connection. It
// always closes conn before returning.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	log := h.Log.With(zap.String("remote", conn.RemoteAddr().String()))
	state := Accepted
	defer conn.Close()

	cls, err := classify.Classify(conn)
	if err != nil {
		log.Warn("classify failed", zap.Error(err))
		return
	}
	state = Peeked

	stream := net.Conn(cls.Stream)
	if cls.IsTLS {
		if h.Cert == nil {
			log.Warn("TLS connection rejected: TLS not enabled", zap.Error(perrors.New(perrors.TlsNotEnabled, "tls handshake", nil)))
			return
		}
		tlsConn, err := h.terminateTLS(ctx, cls.Stream)
		if err != nil {
			log.Warn("TLS handshake failed", zap.Error(err))
			return
		}
		stream = tlsConn
		state = TlsTerminated
	}

	reader := bufio.NewReader(stream)

	method, target, version, err := readRequestLine(reader)
	if err != nil {
		log.Error("bad request line", zap.Error(err))
		return
	}
	state = Parsed

	family := clientFamily(conn)

	if strings.EqualFold(method, "CONNECT") {
		h.handleConnect(ctx, log, stream, reader, target, family, &state)
		return
	}
	h.handleForwardHTTP(ctx, log, stream, reader, method, target, version, family, &state)
}

// clientFamily reports which address family the client connected from, so
// that family preference can propagate to the upstream dial (§1 point 4,
// §3 PerConnection.clientAddressFamily).
func clientFamily(conn net.Conn) dialer.Family {
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok || tcpAddr.IP == nil {
		return dialer.FamilyAny
	}
	if tcpAddr.IP.To4() != nil {
		return dialer.FamilyV4
	}
	return dialer.FamilyV6
}

func (h *Handler) terminateTLS(ctx context.Context, raw net.Conn) (net.Conn, error) {
	tlsConn := tls.Server(raw, &tls.Config{
		Certificates: []tls.Certificate{*h.Cert},
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS13,
		ClientAuth:   tls.NoClientCert,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, perrors.New(perrors.TlsHandshakeFailure, "server handshake", err)
	}
	return tlsConn, nil
}

func (h *Handler) handleConnect(ctx context.Context, log *zap.Logger, stream net.Conn, reader *bufio.Reader, target string, family dialer.Family, state *State) {
	host, port, err := hostport.Parse(target, 443)
	if err != nil {
		log.Error("bad CONNECT target", zap.String("target", target), zap.Error(err))
		return
	}

	up, err := h.selectUpstream(ctx, host, port, family)
	if err != nil {
		log.Warn("upstream connect failed", zap.String("target", target), zap.Error(err))
		return
	}
	defer up.Close()
	*state = UpstreamConnected

	if _, err := stream.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		log.Debug("failed writing 200 response", zap.Error(err))
		return
	}

	*state = Relaying
	relay(log, reader, stream, up)
	*state = Closed
}

func (h *Handler) handleForwardHTTP(ctx context.Context, log *zap.Logger, stream net.Conn, reader *bufio.Reader, method, target, version string, family dialer.Family, state *State) {
	host, port, path, err := splitForwardTarget(target, h.Config.Port)
	if err != nil {
		log.Error("bad forward-HTTP target", zap.String("target", target), zap.Error(err))
		return
	}

	headers, err := readHeaders(reader)
	if err != nil {
		log.Error("bad headers", zap.Error(err))
		return
	}

	if host == "" {
		for _, line := range headers {
			if idx := strings.IndexByte(line, ':'); idx > 0 && strings.EqualFold(strings.TrimSpace(line[:idx]), "host") {
				h2, p2, err := hostport.Parse(strings.TrimSpace(line[idx+1:]), port)
				if err != nil {
					continue
				}
				host, port = h2, p2
				break
			}
		}
	}
	if host == "" {
		log.Error("bad forward-HTTP request: no host", zap.Error(perrors.New(perrors.BadRequest, "forward-http", nil)))
		return
	}

	up, err := h.selectUpstream(ctx, host, port, family)
	if err != nil {
		log.Warn("upstream connect failed", zap.String("target", target), zap.Error(err))
		return
	}
	defer up.Close()
	*state = UpstreamConnected

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\r\n", method, path, version)
	for _, line := range headers {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")

	if _, err := up.Write([]byte(b.String())); err != nil {
		log.Debug("failed writing rewritten request", zap.Error(err))
		return
	}

	*state = Relaying
	relay(log, reader, stream, up)
	*state = Closed
}

func (h *Handler) selectUpstream(ctx context.Context, host string, port int, family dialer.Family) (net.Conn, error) {
	enabled := h.Config.EnabledUpstreams()
	return h.Upstream.Select(ctx, enabled, h.Config.LoadBalancingStrategy, family, host, port)
}

// relay runs the bidirectional copy (§4.G.5). clientReader carries any
// bytes already buffered past the parsed request (e.g. a forward-HTTP
// request body) ahead of the raw client connection.
func relay(log *zap.Logger, clientReader io.Reader, client, upstreamConn net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	// closeWrite half-closes c (looking through a PrefixedConn to its
	// socket) so the peer sees EOF; a conn with no CloseWrite is closed.
	closeWrite := func(c net.Conn) {
		if pc, ok := c.(*classify.PrefixedConn); ok {
			c = pc.Conn
		}
		if cw, ok := c.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
			return
		}
		c.Close()
	}

	go func() {
		defer wg.Done()
		buf := make([]byte, relayBufSize)
		n, err := io.CopyBuffer(upstreamConn, clientReader, buf)
		log.Debug("client->upstream relay done", zap.Int64("bytes", n), zap.Error(err))
		closeWrite(upstreamConn)
	}()

	go func() {
		defer wg.Done()
		buf := make([]byte, relayBufSize)
		n, err := io.CopyBuffer(client, upstreamConn, buf)
		log.Debug("upstream->client relay done", zap.Int64("bytes", n), zap.Error(err))
		closeWrite(client)
	}()

	wg.Wait()
}

// readRequestLine reads one CRLF-terminated ASCII line and splits it into
// method, target, and version (§4.G.3).
func readRequestLine(r *bufio.Reader) (method, target, version string, err error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", "", "", perrors.New(perrors.BadRequest, "read request line", err)
	}
	line = strings.TrimRight(line, "\r\n")
	parts := strings.Fields(line)
	if len(parts) < 3 {
		return "", "", "", perrors.New(perrors.BadRequest, "parse request line", fmt.Errorf("expected 3 tokens, got %d: %q", len(parts), line))
	}
	return parts[0], parts[1], parts[2], nil
}

// readHeaders reads header lines until a blank line, returning each
// trimmed (CRLF-stripped) header line verbatim for forwarding (§9(a)).
func readHeaders(r *bufio.Reader) ([]string, error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, perrors.New(perrors.BadRequest, "read headers", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

// splitForwardTarget extracts (host, port, path-and-query) from a
// forward-HTTP request target (§4.G.4). An absolute-form target
// (http://... or https://...) carries its own host/port; otherwise host
// is returned empty for the caller to fill from the Host header, and the
// target itself is the path-and-query.
func splitForwardTarget(target string, currentPort int) (host string, port int, path string, err error) {
	lower := strings.ToLower(target)
	switch {
	case strings.HasPrefix(lower, "http://"):
		return splitAbsoluteURL(target, "http://", 80)
	case strings.HasPrefix(lower, "https://"):
		return splitAbsoluteURL(target, "https://", 443)
	default:
		return "", 80, target, nil
	}
}

func splitAbsoluteURL(target, scheme string, defaultPort int) (host string, port int, path string, err error) {
	rest := target[len(scheme):]
	slash := strings.IndexByte(rest, '/')
	authority := rest
	path = "/"
	if slash >= 0 {
		authority = rest[:slash]
		path = rest[slash:]
	}
	host, port, err = hostport.Parse(authority, defaultPort)
	if err != nil {
		return "", 0, "", perrors.New(perrors.BadRequest, "parse absolute-form target", err)
	}
	return host, port, path, nil
}
