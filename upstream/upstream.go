// Package upstream implements the upstream selector (§4.F): ranking a set
// of enabled upstreams by load-balancing strategy, walking them with
// failover, and dispatching to each upstream's wire protocol.
package upstream

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/quietwire/localproxy/config"
	"github.com/quietwire/localproxy/dialer"
	"github.com/quietwire/localproxy/httpconnect"
	"github.com/quietwire/localproxy/perrors"
	"github.com/quietwire/localproxy/socks5"
)

// Selector walks a configured, ordered list of enabled upstreams and
// opens a tunnel to a target through the first one that succeeds.
type Selector struct {
	Dialer *dialer.Dialer
	Log    *zap.Logger

	// roundRobinCounter is the single atomic counter of §5's shared-state
	// rule (b); it only ever fetch-adds, never resets, so it can overflow
	// and wrap without signed-overflow ambiguity (§9(c)).
	roundRobinCounter atomic.Uint64
}

// New returns a Selector dialing direct connections with d. Per-attempt
// outcomes are logged through log (§8 scenario 4: one warn per failed
// attempt, one info for the attempt that succeeds).
func New(d *dialer.Dialer, log *zap.Logger) *Selector {
	return &Selector{Dialer: d, Log: log}
}

// Select opens a stream to targetHost:targetPort, preferring family pref,
// by walking upstreams in the order strategy prescribes. If upstreams is
// empty, it dials directly (§4.F: "If U is empty, delegate to 4.C
// (direct) and return").
func (s *Selector) Select(ctx context.Context, upstreams []config.Upstream, strategy config.Strategy, pref dialer.Family, targetHost string, targetPort int) (net.Conn, error) {
	if len(upstreams) == 0 {
		return s.Dialer.Dial(ctx, targetHost, targetPort, pref)
	}

	order := s.attemptOrder(upstreams, strategy)

	var causes []error
	for _, u := range order {
		if u.Host == "" {
			continue
		}
		conn, err := s.dialOne(ctx, u, pref, targetHost, targetPort)
		if err == nil {
			s.Log.Info("upstream attempt succeeded",
				zap.String("type", string(u.Type)),
				zap.String("upstream", net.JoinHostPort(u.Host, fmt.Sprint(u.Port))),
				zap.String("target", fmt.Sprintf("%s:%d", targetHost, targetPort)))
			return conn, nil
		}
		s.Log.Warn("upstream attempt failed",
			zap.String("type", string(u.Type)),
			zap.String("upstream", net.JoinHostPort(u.Host, fmt.Sprint(u.Port))),
			zap.String("target", fmt.Sprintf("%s:%d", targetHost, targetPort)),
			zap.Error(err))
		causes = append(causes, err)
	}

	return nil, perrors.New(perrors.AllUpstreamsFailed, fmt.Sprintf("dial %s:%d", targetHost, targetPort),
		&perrors.AggregateError{Causes: causes})
}

// attemptOrder builds the walk order per §4.F: failover tries upstreams
// in declared order; roundRobin rotates the starting index.
func (s *Selector) attemptOrder(upstreams []config.Upstream, strategy config.Strategy) []config.Upstream {
	if strategy != config.StrategyRoundRobin {
		return upstreams
	}

	n := uint64(len(upstreams))
	// Fetch-add then subtract one so the first call after construction
	// (counter value 1) maps to index 0 (I2; §8 "the first selection after
	// construction is index 0").
	raw := s.roundRobinCounter.Add(1) - 1
	k := int(raw % n)

	rotated := make([]config.Upstream, 0, len(upstreams))
	rotated = append(rotated, upstreams[k:]...)
	rotated = append(rotated, upstreams[:k]...)
	return rotated
}

// dialOne dispatches to a single upstream entry by Type (§4.F).
func (s *Selector) dialOne(ctx context.Context, u config.Upstream, pref dialer.Family, targetHost string, targetPort int) (net.Conn, error) {
	switch u.Type {
	case config.UpstreamSOCKS5:
		conn, err := s.Dialer.Dial(ctx, u.Host, u.Port, pref)
		if err != nil {
			return nil, perrors.New(perrors.UpstreamHandshakeFailure, fmt.Sprintf("dial socks5 upstream %s:%d", u.Host, u.Port), err)
		}
		return socks5.Dial(ctx, conn, targetHost, targetPort)

	case config.UpstreamHTTP:
		conn, err := s.Dialer.Dial(ctx, u.Host, u.Port, pref)
		if err != nil {
			return nil, perrors.New(perrors.UpstreamHandshakeFailure, fmt.Sprintf("dial http upstream %s:%d", u.Host, u.Port), err)
		}
		return httpconnect.Dial(ctx, conn, targetHost, targetPort)

	default:
		// Includes UpstreamDirect: accepted at config load but not a
		// retryable dispatch target (§4.F, §9(d)).
		return nil, perrors.New(perrors.UnsupportedUpstreamType, fmt.Sprintf("upstream type %q", u.Type), nil)
	}
}
