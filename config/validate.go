package config

import (
	"fmt"
	"strings"
)

// Validate checks the case-insensitive enums (§3, §6) and upstream shape.
// Must run after MergeLegacyUpstream and ApplyDefaults.
func Validate(cfg *ProxyConfig) error {
	switch strings.ToLower(string(cfg.LoadBalancingStrategy)) {
	case strings.ToLower(string(StrategyFailover)):
		cfg.LoadBalancingStrategy = StrategyFailover
	case strings.ToLower(string(StrategyRoundRobin)):
		cfg.LoadBalancingStrategy = StrategyRoundRobin
	default:
		return fmt.Errorf("loadBalancingStrategy: unknown value %q", cfg.LoadBalancingStrategy)
	}

	for i, u := range cfg.Upstreams {
		if !u.Enabled {
			continue
		}
		switch strings.ToLower(string(u.Type)) {
		case strings.ToLower(string(UpstreamSOCKS5)):
			cfg.Upstreams[i].Type = UpstreamSOCKS5
		case strings.ToLower(string(UpstreamHTTP)):
			cfg.Upstreams[i].Type = UpstreamHTTP
		case strings.ToLower(string(UpstreamDirect)):
			cfg.Upstreams[i].Type = UpstreamDirect
		default:
			return fmt.Errorf("upstreams[%d].type: unknown value %q", i, u.Type)
		}
	}

	return nil
}
