// Package orchestrator composes the listener, proxy handler, upstream
// selector, and process supervisors; owns their lifetimes; and converges
// shutdown signals on one idempotent cleanup path (§4.J).
package orchestrator

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/quietwire/localproxy/certstore"
	"github.com/quietwire/localproxy/config"
	"github.com/quietwire/localproxy/crlserver"
	"github.com/quietwire/localproxy/dialer"
	"github.com/quietwire/localproxy/listener"
	"github.com/quietwire/localproxy/proxyhandler"
	"github.com/quietwire/localproxy/supervisor"
	"github.com/quietwire/localproxy/upstream"
)

// Orchestrator owns every long-lived resource the proxy needs for one
// run and guarantees they are released exactly once.
type Orchestrator struct {
	Config *config.ProxyConfig
	Log    *zap.Logger

	listener    *listener.Listener
	crl         *crlserver.Server
	supervisors []*supervisor.Supervisor
	stopOnce    sync.Once
}

// New builds an Orchestrator from a loaded configuration. It does not
// bind any socket or start any process; call Start for that.
func New(cfg *config.ProxyConfig, log *zap.Logger) *Orchestrator {
	return &Orchestrator{Config: cfg, Log: log}
}

// Start brings up supervisors, the certificate (if TLS is enabled), the
// CRL responder (if configured), and the listener, in that order
// (§4.J). Supervisor start failures are logged but do not abort the
// proxy; only bind failure and required-certificate acquisition failure
// are fatal (§7); on a fatal failure Start stops whatever it had already
// started before returning the error.
func (o *Orchestrator) Start(ctx context.Context) error {
	enabled := o.Config.EnabledUpstreams()
	for i := range enabled {
		u := enabled[i]
		if u.Process == nil || !u.Process.AutoStart {
			continue
		}
		name := fmt.Sprintf("upstream-%d-%s", i, u.Host)
		sup := supervisor.New(name, *u.Process, u.HealthCheck, u.Host, u.Port, o.Log)
		if err := sup.Start(ctx); err != nil {
			o.Log.Error("supervisor start failed", zap.String("name", name), zap.Error(err))
		}
		o.supervisors = append(o.supervisors, sup)
	}

	var cert *tls.Certificate
	if o.Config.UseHTTPS {
		c, err := certstore.Load(o.Config.CertFile, o.Config.KeyFile)
		if err != nil {
			o.Stop()
			return fmt.Errorf("orchestrator: certificate acquisition: %w", err)
		}
		cert = c
	}

	if o.Config.CrlPort != 0 {
		crl, err := crlserver.New(o.Config.CrlPort, o.Config.CrlFile, o.Log)
		if err != nil {
			o.Log.Error("crl responder start failed", zap.Error(err))
		} else if err := crl.Start(); err != nil {
			o.Log.Error("crl responder start failed", zap.Error(err))
		} else {
			o.crl = crl
		}
	}

	d := dialer.New()
	if o.Config.DnsServer != "" {
		d = dialer.NewWithResolver(dialer.NewDNSResolver(o.Config.DnsServer))
	}
	sel := upstream.New(d, o.Log)
	handler := &proxyhandler.Handler{
		Cert:     cert,
		Upstream: sel,
		Config:   o.Config,
		Log:      o.Log,
	}

	ln := listener.New(o.Config.Port, handler, o.Log)
	if err := ln.Start(ctx); err != nil {
		o.Stop()
		return fmt.Errorf("orchestrator: %w", err)
	}
	o.listener = ln

	return nil
}

// Run blocks until an interrupt/terminate signal arrives or ctx is
// cancelled, then performs cleanup.
func (o *Orchestrator) Run(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		o.Log.Info("shutdown signal received")
	case <-ctx.Done():
	}

	o.Stop()
}

// Stop idempotently releases every owned resource: listener, CRL
// responder, then every supervisor in order (§4.J).
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		if o.listener != nil {
			o.listener.Stop()
		}
		if o.crl != nil {
			o.crl.Stop(context.Background())
		}
		for _, sup := range o.supervisors {
			sup.Stop()
		}
	})
}
