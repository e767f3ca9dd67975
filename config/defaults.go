package config

const (
	DefaultPort                   = 8080
	defaultStartupDelayMs         = 1000
	defaultRestartDelayMs         = 3000
	defaultMaxRestartAttempts     = 5
	defaultHealthIntervalMs       = 30000
	defaultHealthTimeoutMs        = 5000
	defaultHealthFailureThreshold = 3
)

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

// ApplyDefaults fills in the defaults from §3/§6 for any field left at its
// zero value. Must run after MergeLegacyUpstream and before Validate.
func ApplyDefaults(cfg *ProxyConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.LoadBalancingStrategy == "" {
		cfg.LoadBalancingStrategy = StrategyFailover
	}

	for i := range cfg.Upstreams {
		applyUpstreamDefaults(&cfg.Upstreams[i])
	}
}

func applyUpstreamDefaults(u *Upstream) {
	if u.Process != nil {
		applyProcessDefaults(u.Process)
	}
	if u.HealthCheck != nil {
		applyHealthCheckDefaults(u.HealthCheck)
	}
}

func applyProcessDefaults(p *ProcessConfig) {
	if p.StartupDelayMs == nil {
		p.StartupDelayMs = intPtr(defaultStartupDelayMs)
	}
	if p.RedirectOutput == nil {
		p.RedirectOutput = boolPtr(true)
	}
	if p.AutoRestart == nil {
		p.AutoRestart = boolPtr(true)
	}
	if p.MaxRestartAttempts == nil {
		p.MaxRestartAttempts = intPtr(defaultMaxRestartAttempts)
	}
	if p.RestartDelayMs == nil {
		p.RestartDelayMs = intPtr(defaultRestartDelayMs)
	}
}

func applyHealthCheckDefaults(h *HealthCheckConfig) {
	if h.Enabled == nil {
		h.Enabled = boolPtr(true)
	}
	if h.IntervalMs == 0 {
		h.IntervalMs = defaultHealthIntervalMs
	}
	if h.TimeoutMs == 0 {
		h.TimeoutMs = defaultHealthTimeoutMs
	}
	if h.FailureThreshold == 0 {
		h.FailureThreshold = defaultHealthFailureThreshold
	}
}
