// Package listener implements the dual-stack accept loop (§4.H).
package listener

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/quietwire/localproxy/perrors"
)

// Handler is invoked once per accepted connection, in its own goroutine.
type Handler interface {
	Handle(ctx context.Context, conn net.Conn)
}

// Listener binds one TCP socket and dispatches accepted connections to a
// Handler until Stop is called (§4.H).
type Listener struct {
	Addr    string // e.g. ":8080"; empty host binds dual-stack where available
	Handler Handler
	Log     *zap.Logger

	ln       net.Listener
	wg       sync.WaitGroup
	stopping atomic.Bool
}

// New returns a Listener for the given port. A dual-stack "::" bind is
// attempted first; platforms without IPv6 support fall back to "0.0.0.0"
// (§4.H).
func New(port int, handler Handler, log *zap.Logger) *Listener {
	return &Listener{
		Addr:    net.JoinHostPort("::", strconv.Itoa(port)),
		Handler: handler,
		Log:     log,
	}
}

// Start binds the socket and launches the accept loop in the background.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		// No IPv6 support: fall back to a v4-only bind on the same port
		// (§4.H).
		if idx := strings.LastIndexByte(l.Addr, ':'); idx >= 0 {
			ln, err = net.Listen("tcp", "0.0.0.0"+l.Addr[idx:])
		}
		if err != nil {
			return fmt.Errorf("listener: bind %s: %w", l.Addr, err)
		}
	}
	l.ln = ln

	l.wg.Add(1)
	go l.acceptLoop(ctx)
	return nil
}

func (l *Listener) acceptLoop(ctx context.Context) {
	defer l.wg.Done()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.stopping.Load() {
				return
			}
			l.Log.Error("accept failed", zap.Error(perrors.New(perrors.AcceptFailure, "accept", err)))
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.Handler.Handle(ctx, conn)
		}()
	}
}

// Stop sets the stop flag, closes the listening socket, and waits for
// outstanding handlers to finish.
func (l *Listener) Stop() {
	l.stopping.Store(true)
	if l.ln != nil {
		l.ln.Close()
	}
	l.wg.Wait()
}
