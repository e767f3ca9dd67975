package listener

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type countingHandler struct {
	count atomic.Int64
}

func (h *countingHandler) Handle(ctx context.Context, conn net.Conn) {
	h.count.Add(1)
	conn.Close()
}

func TestListenerAcceptsAndDispatches(t *testing.T) {
	h := &countingHandler{}
	l := &Listener{Addr: "127.0.0.1:0", Handler: h, Log: zap.NewNop()}

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	addr := l.ln.Addr().String()
	for i := 0; i < 3; i++ {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conn.Close()
	}

	deadline := time.Now().Add(time.Second)
	for h.count.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := h.count.Load(); got != 3 {
		t.Fatalf("handled %d connections, want 3", got)
	}
}

func TestListenerStopIsIdempotentAndDrains(t *testing.T) {
	h := &countingHandler{}
	l := &Listener{Addr: "127.0.0.1:0", Handler: h, Log: zap.NewNop()}

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	addr := l.ln.Addr().String()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	l.Stop()
	l.Stop() // must not panic or block

	if _, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
		t.Fatalf("expected dial to closed listener to fail")
	}
}
