// Package config loads and normalizes the proxy's YAML configuration
// (§3, §6). Parsing, defaulting, merging, and validation live in separate
// files so each pass can be tested independently.
package config

// UpstreamType enumerates the supported upstream dispatch modes (§3).
type UpstreamType string

const (
	UpstreamSOCKS5 UpstreamType = "socks5"
	UpstreamHTTP   UpstreamType = "http"
	UpstreamDirect UpstreamType = "direct"
)

// Strategy enumerates the load-balancing policies (§3).
type Strategy string

const (
	StrategyFailover   Strategy = "failover"
	StrategyRoundRobin Strategy = "roundRobin"
)

// ProcessConfig describes an optional helper process an upstream entry
// owns (§3). Fields are subject to %NAME% expansion at launch time.
type ProcessConfig struct {
	AutoStart        bool     `yaml:"autoStart"`
	FileName         string   `yaml:"fileName"`
	Arguments        []string `yaml:"arguments"`
	WorkingDirectory string   `yaml:"workingDirectory"`
	StartupDelayMs   *int     `yaml:"startupDelayMs"`
	RedirectOutput   *bool    `yaml:"redirectOutput"`
	AutoRestart      *bool    `yaml:"autoRestart"`
	// MaxRestartAttempts: nil means "use the default of 5"; an explicit 0
	// means unlimited restarts (§3). Distinguishing these requires a
	// pointer since YAML's int zero value can't tell "absent" from "0".
	MaxRestartAttempts *int `yaml:"maxRestartAttempts"`
	RestartDelayMs     *int `yaml:"restartDelayMs"`
}

// StartupDelay returns the configured startup delay. Call only after
// ApplyDefaults has run.
func (p *ProcessConfig) StartupDelay() int { return *p.StartupDelayMs }

// Redirect returns whether child stdout/stderr are captured.
func (p *ProcessConfig) Redirect() bool { return *p.RedirectOutput }

// ShouldAutoRestart returns whether the crash monitor should run.
func (p *ProcessConfig) ShouldAutoRestart() bool { return *p.AutoRestart }

// MaxRestarts returns the bounded attempt count, or 0 for unlimited.
func (p *ProcessConfig) MaxRestarts() int { return *p.MaxRestartAttempts }

// RestartDelay returns the configured restart delay in milliseconds.
func (p *ProcessConfig) RestartDelay() int { return *p.RestartDelayMs }

// HealthCheckConfig describes the active TCP health check for a process
// upstream (§3). Active only when the owning upstream's process has
// AutoStart=true; otherwise loaded but inert.
type HealthCheckConfig struct {
	Enabled          *bool `yaml:"enabled"`
	IntervalMs       int   `yaml:"intervalMs"`
	TimeoutMs        int   `yaml:"timeoutMs"`
	FailureThreshold int   `yaml:"failureThreshold"`
}

// Upstream describes one configured upstream (§3).
type Upstream struct {
	Enabled     bool               `yaml:"enabled"`
	Type        UpstreamType       `yaml:"type"`
	Host        string             `yaml:"host"`
	Port        int                `yaml:"port"`
	Process     *ProcessConfig     `yaml:"process"`
	HealthCheck *HealthCheckConfig `yaml:"healthCheck"`
}

// ProxyConfig is the top-level, typed configuration value the core
// consumes (§3, §6). Loading and merging happen before the orchestrator
// ever sees a ProxyConfig.
type ProxyConfig struct {
	Port     int  `yaml:"port"`
	UseHTTPS bool `yaml:"useHttps"`
	CrlPort  int  `yaml:"crlPort"`

	// Upstream is the legacy single-upstream field. Merge folds it into
	// Upstreams (as the first entry) before use.
	Upstream *Upstream `yaml:"upstream"`

	Upstreams []Upstream `yaml:"upstreams"`

	LoadBalancingStrategy Strategy `yaml:"loadBalancingStrategy"`

	// CertFile/KeyFile locate the pre-built server certificate (§3
	// ServerCert) consumed by certstore. Only read when UseHTTPS is true.
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`

	// CrlFile is the path to the static CRL bytes served by crlserver
	// when CrlPort != 0.
	CrlFile string `yaml:"crlFile"`

	// DnsServer, when set (e.g. "1.1.1.1:53"), makes the dialer resolve
	// names by querying this server directly with github.com/miekg/dns
	// instead of net.DefaultResolver. The dialer only does its own lookup
	// when an address-family preference is given; a dial with no
	// preference goes through the OS resolver either way. Empty uses the
	// OS resolver.
	DnsServer string `yaml:"dnsServer"`
}

// EnabledUpstreams returns the subset of Upstreams with Enabled=true, in
// declared order (I1: only enabled upstreams are ever dialed).
func (c *ProxyConfig) EnabledUpstreams() []Upstream {
	out := make([]Upstream, 0, len(c.Upstreams))
	for _, u := range c.Upstreams {
		if u.Enabled {
			out = append(out, u)
		}
	}
	return out
}
