// Package supervisor implements the helper-process lifecycle (§4.I):
// launch, crash-restart with bounded attempts, active TCP health-check
// restart, and guaranteed termination on stop.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quietwire/localproxy/config"
	"github.com/quietwire/localproxy/perrors"
)

const crashPollInterval = time.Second

// containment abstracts the platform-specific process-group mechanism
// used to guarantee a child and its descendants die with the supervisor
// (§4.I.2, §9 "platform containment of child processes").
type containment interface {
	// prepare configures cmd.SysProcAttr before Start (process group on
	// POSIX, no console window on Windows).
	prepare(cmd *exec.Cmd)
	// adopt is called immediately after a successful Start, to finish
	// attaching the now-live child to the containment mechanism.
	adopt(cmd *exec.Cmd) error
	// killTree terminates the child and any descendants it spawned.
	killTree(cmd *exec.Cmd)
	// dispose releases any containment-wide resource (e.g. the Job Object
	// handle). Safe to call multiple times.
	dispose()
}

// Supervisor owns one configured helper process (§3
// UpstreamSupervisorState).
type Supervisor struct {
	Name    string
	Process config.ProcessConfig
	Health  *config.HealthCheckConfig
	Host    string
	Port    int
	Log     *zap.Logger

	containment containment

	mu              sync.Mutex
	cmd             *exec.Cmd
	exited          chan struct{} // closed once cmd.Wait() returns
	restartAttempts int

	// respawnMu serializes the detect-exit -> kill -> launch sequence
	// across crashMonitor and healthMonitor, so the two never respawn at
	// the same time. crashMonitor re-checks for exit after acquiring it
	// and so never counts a child the health monitor already replaced
	// (I5); healthMonitor always replaces the current child.
	respawnMu sync.Mutex

	stopping atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	healthConsecutiveFailures int
}

// New returns a Supervisor for a configured process upstream.
func New(name string, proc config.ProcessConfig, health *config.HealthCheckConfig, host string, port int, log *zap.Logger) *Supervisor {
	return &Supervisor{
		Name:        name,
		Process:     proc,
		Health:      health,
		Host:        host,
		Port:        port,
		Log:         log.With(zap.String("supervisor", name)),
		containment: newContainment(),
	}
}

// Start launches the child process and, if configured, the crash and
// health monitors. Returns an error only if the initial launch fails.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.Process.AutoStart {
		return nil
	}

	if err := s.launch(); err != nil {
		return perrors.New(perrors.SupervisorLaunchFailure, "launch "+s.Name, err)
	}

	monitorCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.Process.ShouldAutoRestart() {
		s.wg.Add(1)
		go s.crashMonitor(monitorCtx)
	}

	if s.Health != nil && s.Health.Enabled != nil && *s.Health.Enabled && s.Host != "" {
		s.wg.Add(1)
		go s.healthMonitor(monitorCtx)
	}

	return nil
}

// launch expands %NAME% variables, spawns the child with no visible
// window, and waits StartupDelay before declaring readiness (§4.I.1).
func (s *Supervisor) launch() error {
	expanded := config.ExpandProcess(&s.Process)

	cmd := exec.Command(expanded.FileName, expanded.Arguments...)
	cmd.Dir = expanded.WorkingDirectory
	if s.Process.Redirect() {
		cmd.Stdout = &lineLogger{log: s.Log, level: zapcoreInfo}
		cmd.Stderr = &lineLogger{log: s.Log, level: zapcoreWarn}
	}
	s.containment.prepare(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", expanded.FileName, err)
	}
	if err := s.containment.adopt(cmd); err != nil {
		s.Log.Warn("containment adopt failed", zap.Error(err))
	}

	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()

	s.mu.Lock()
	s.cmd = cmd
	s.exited = exited
	s.mu.Unlock()

	time.Sleep(time.Duration(s.Process.StartupDelay()) * time.Millisecond)

	select {
	case <-exited:
		return fmt.Errorf("child exited during startup delay with code %d", exitCode(cmd))
	default:
	}
	return nil
}

// crashMonitor polls for unexpected exit and respawns with bounded
// attempts (§4.I.3).
func (s *Supervisor) crashMonitor(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(crashPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.stopping.Load() {
				return
			}
			s.respawnMu.Lock()
			s.mu.Lock()
			cmd := s.cmd
			exited := s.exited
			s.mu.Unlock()
			if cmd == nil || !hasExited(exited) {
				s.respawnMu.Unlock()
				continue
			}

			max := s.Process.MaxRestarts()
			if max > 0 && s.restartAttempts >= max {
				s.Log.Error("max restart attempts reached",
					zap.Error(perrors.New(perrors.SupervisorMaxRestarts, s.Name, nil)),
					zap.Int("attempts", s.restartAttempts))
				s.respawnMu.Unlock()
				return
			}

			time.Sleep(time.Duration(s.Process.RestartDelay()) * time.Millisecond)
			if s.stopping.Load() {
				s.respawnMu.Unlock()
				return
			}

			s.restartAttempts++
			s.Log.Info("respawning after crash",
				zap.Int("exit_code", exitCode(cmd)),
				zap.Int("attempt", s.restartAttempts))
			if err := s.launch(); err != nil {
				s.Log.Error("respawn failed", zap.Error(err))
			}
			s.respawnMu.Unlock()
		}
	}
}

// healthMonitor actively probes Host:Port and triggers a restart after
// failureThreshold consecutive failures, without touching
// restartAttempts (§4.I.4, I4, I5).
func (s *Supervisor) healthMonitor(ctx context.Context) {
	defer s.wg.Done()

	interval := time.Duration(s.Health.IntervalMs) * time.Millisecond
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if s.stopping.Load() {
			return
		}

		ok, probeErr := s.probe(ctx)
		if ok {
			if s.healthConsecutiveFailures > 0 {
				s.Log.Info("health check recovered", zap.Int("previous_failures", s.healthConsecutiveFailures))
			}
			s.healthConsecutiveFailures = 0
		} else {
			s.Log.Debug("health check probe failed", zap.Error(probeErr))
			s.healthConsecutiveFailures++
			if s.healthConsecutiveFailures >= s.Health.FailureThreshold {
				s.Log.Warn("health check threshold reached, restarting",
					zap.Int("failures", s.healthConsecutiveFailures))
				s.healthConsecutiveFailures = 0
				if s.stopping.Load() {
					return
				}
				s.respawnMu.Lock()
				s.mu.Lock()
				cmd := s.cmd
				exited := s.exited
				s.mu.Unlock()
				if cmd != nil && !hasExited(exited) {
					s.containment.killTree(cmd)
				}
				if err := s.launch(); err != nil {
					s.Log.Error("health-check-driven respawn failed", zap.Error(err))
				}
				s.respawnMu.Unlock()
			}
		}

		timer.Reset(interval)
	}
}

// probe opens one TCP connection to Host:Port under TimeoutMs (§4.I.4). The
// returned error, when non-nil, is classified as HealthCheckTimeout or
// HealthCheckRejected (§7) purely for diagnostic logging — it never
// influences the consecutive-failure count, which is driven by the bool.
func (s *Supervisor) probe(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(s.Health.TimeoutMs)*time.Millisecond)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(s.Host, strconv.Itoa(s.Port)))
	if err != nil {
		if dialCtx.Err() != nil {
			return false, perrors.New(perrors.HealthCheckTimeout, s.Name, err)
		}
		return false, perrors.New(perrors.HealthCheckRejected, s.Name, err)
	}
	conn.Close()
	return true, nil
}

// Stop sets stopping before cancelling the monitors (I6), then attempts
// a polite close before tree-killing, and finally disposes the
// containment resource last (§4.I.5).
func (s *Supervisor) Stop() {
	s.stopping.Store(true)
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	s.mu.Unlock()

	if cmd != nil && !hasExited(exited) {
		politeStop(cmd)
		select {
		case <-exited:
		case <-time.After(5 * time.Second):
			s.containment.killTree(cmd)
			select {
			case <-exited:
			case <-time.After(2 * time.Second):
			}
		}
	}

	s.containment.dispose()
}

// hasExited reports whether cmd.Wait() has returned, i.e. ProcessState is
// safe to read. exited is nil before the first launch.
func hasExited(exited chan struct{}) bool {
	if exited == nil {
		return false
	}
	select {
	case <-exited:
		return true
	default:
		return false
	}
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

// lineLogger adapts an io.Writer onto structured log records at a fixed
// level (info for stdout, warn for stderr). Each Write call becomes one
// record holding the written bytes as-is; output is not split or
// reassembled at line boundaries.
type lineLogger struct {
	log   *zap.Logger
	level logLevel
}

type logLevel int

const (
	zapcoreInfo logLevel = iota
	zapcoreWarn
)

func (w *lineLogger) Write(p []byte) (int, error) {
	msg := string(p)
	switch w.level {
	case zapcoreWarn:
		w.log.Warn("child stderr", zap.String("line", msg))
	default:
		w.log.Info("child stdout", zap.String("line", msg))
	}
	return len(p), nil
}
