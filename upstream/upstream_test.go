package upstream

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quietwire/localproxy/config"
	"github.com/quietwire/localproxy/dialer"
	"github.com/quietwire/localproxy/perrors"
)

// fakeSocks5Upstream listens and, for every connection it accepts,
// performs the minimal SOCKS5 no-auth + CONNECT handshake and records
// that it served a request onto served.
func fakeSocks5Upstream(t *testing.T, served chan<- string, name string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 3)
				if _, err := io.ReadFull(c, buf); err != nil {
					return
				}
				c.Write([]byte{0x05, 0x00})

				head := make([]byte, 4)
				if _, err := io.ReadFull(c, head); err != nil {
					return
				}
				switch head[3] {
				case 0x01:
					io.ReadFull(c, make([]byte, 4+2))
				case 0x04:
					io.ReadFull(c, make([]byte, 16+2))
				case 0x03:
					lb := make([]byte, 1)
					io.ReadFull(c, lb)
					io.ReadFull(c, make([]byte, int(lb[0])+2))
				}
				c.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
				served <- name
			}(conn)
		}
	}()
	return ln
}

func upstreamFor(ln net.Listener, typ config.UpstreamType) config.Upstream {
	addr := ln.Addr().(*net.TCPAddr)
	return config.Upstream{Enabled: true, Type: typ, Host: addr.IP.String(), Port: addr.Port}
}

func TestSelectRoundRobinFairness(t *testing.T) {
	served := make(chan string, 100)
	l0 := fakeSocks5Upstream(t, served, "u0")
	l1 := fakeSocks5Upstream(t, served, "u1")
	l2 := fakeSocks5Upstream(t, served, "u2")
	defer l0.Close()
	defer l1.Close()
	defer l2.Close()

	ups := []config.Upstream{upstreamFor(l0, config.UpstreamSOCKS5), upstreamFor(l1, config.UpstreamSOCKS5), upstreamFor(l2, config.UpstreamSOCKS5)}
	sel := New(dialer.New(), zap.NewNop())

	var order []string
	for i := 0; i < 6; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		conn, err := sel.Select(ctx, ups, config.StrategyRoundRobin, dialer.FamilyAny, "example.test", 443)
		cancel()
		if err != nil {
			t.Fatalf("Select #%d: %v", i, err)
		}
		conn.Close()
		order = append(order, <-served)
	}

	want := []string{"u0", "u1", "u2", "u0", "u1", "u2"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("selection %d = %s, want %s (full order %v)", i, order[i], want[i], order)
		}
	}
}

func TestSelectFailoverMonotonicity(t *testing.T) {
	served := make(chan string, 10)
	good := fakeSocks5Upstream(t, served, "u3")
	defer good.Close()

	ups := []config.Upstream{
		{Enabled: true, Type: config.UpstreamSOCKS5, Host: "127.0.0.1", Port: 1},
		{Enabled: true, Type: config.UpstreamSOCKS5, Host: "127.0.0.1", Port: 2},
		upstreamFor(good, config.UpstreamSOCKS5),
	}
	sel := New(dialer.New(), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := sel.Select(ctx, ups, config.StrategyFailover, dialer.FamilyAny, "example.test", 443)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	defer conn.Close()

	select {
	case name := <-served:
		if name != "u3" {
			t.Errorf("served by %s, want u3", name)
		}
	case <-time.After(time.Second):
		t.Fatal("upstream never served the connection")
	}
}

func TestSelectAllUpstreamsFailed(t *testing.T) {
	ups := []config.Upstream{
		{Enabled: true, Type: config.UpstreamSOCKS5, Host: "127.0.0.1", Port: 1},
		{Enabled: true, Type: config.UpstreamDirect, Host: "127.0.0.1", Port: 2},
	}
	sel := New(dialer.New(), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := sel.Select(ctx, ups, config.StrategyFailover, dialer.FamilyAny, "example.test", 443)
	if err == nil {
		t.Fatal("expected AllUpstreamsFailed")
	}
	var pe *perrors.Error
	if !errors.As(err, &pe) || pe.Kind != perrors.AllUpstreamsFailed {
		t.Fatalf("error = %v, want AllUpstreamsFailed", err)
	}
	agg, ok := pe.Err.(*perrors.AggregateError)
	if !ok {
		t.Fatalf("underlying error = %T, want *perrors.AggregateError", pe.Err)
	}
	if len(agg.Causes) != 2 {
		t.Fatalf("got %d causes, want 2", len(agg.Causes))
	}
}

func TestSelectEmptyUpstreamsDialsDirect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan struct{})
	go func() {
		c, err := ln.Accept()
		if err == nil {
			close(accepted)
			c.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)

	sel := New(dialer.New(), zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := sel.Select(ctx, nil, config.StrategyFailover, dialer.FamilyAny, addr.IP.String(), addr.Port)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	conn.Close()

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("direct dial never reached the listener")
	}
}
