package supervisor

import (
	"context"
	"net"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quietwire/localproxy/config"
)

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

func sleepCommand(seconds int) config.ProcessConfig {
	if runtime.GOOS == "windows" {
		return config.ProcessConfig{
			AutoStart:          true,
			FileName:           "cmd",
			Arguments:          []string{"/C", "timeout", "/T", itoaTest(seconds)},
			StartupDelayMs:     intPtr(10),
			RedirectOutput:     boolPtr(false),
			AutoRestart:        boolPtr(false),
			MaxRestartAttempts: intPtr(0),
			RestartDelayMs:     intPtr(10),
		}
	}
	return config.ProcessConfig{
		AutoStart:          true,
		FileName:           "sleep",
		Arguments:          []string{itoaTest(seconds)},
		StartupDelayMs:     intPtr(10),
		RedirectOutput:     boolPtr(false),
		AutoRestart:        boolPtr(false),
		MaxRestartAttempts: intPtr(0),
		RestartDelayMs:     intPtr(10),
	}
}

func itoaTest(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestSupervisorLaunchAndStop(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil && runtime.GOOS != "windows" {
		t.Skip("sleep binary not available")
	}

	sup := New("test", sleepCommand(5), nil, "", 0, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sup.mu.Lock()
	cmd := sup.cmd
	sup.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		t.Fatal("expected a running child process")
	}

	sup.Stop()

	sup.mu.Lock()
	exited := sup.exited
	sup.mu.Unlock()
	if !hasExited(exited) {
		t.Error("expected child to have exited after Stop")
	}
}

// fakeHealthTarget is a TCP server that accepts for a bounded window and
// then stops, to drive the health-check-restart testable property (§8).
type fakeHealthTarget struct {
	ln net.Listener
}

func newFakeHealthTarget(t *testing.T, acceptFor time.Duration) *fakeHealthTarget {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeHealthTarget{ln: ln}
	// Closing the listener (not just ceasing to Accept) is what makes
	// later dials fail: the kernel completes handshakes on an open
	// listener whether or not Accept is called.
	time.AfterFunc(acceptFor, func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return f
}

func TestProbeFailsAfterTargetStops(t *testing.T) {
	target := newFakeHealthTarget(t, 150*time.Millisecond)
	addr := target.ln.Addr().(*net.TCPAddr)

	health := &config.HealthCheckConfig{
		Enabled:          boolPtr(true),
		IntervalMs:       50,
		TimeoutMs:        30,
		FailureThreshold: 3,
	}

	sup := &Supervisor{
		Name:        "health-test",
		Health:      health,
		Host:        "127.0.0.1",
		Port:        addr.Port,
		Log:         zap.NewNop(),
		containment: newContainment(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deadline := time.Now().Add(2 * time.Second)
	failing := false
	for time.Now().Before(deadline) {
		ok, _ := sup.probe(ctx)
		if !ok {
			failing = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !failing {
		t.Fatal("expected probes to eventually fail once the fake target stopped accepting")
	}
}
