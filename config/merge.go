package config

// MergeLegacyUpstream folds the legacy single Upstream field into the
// Upstreams list, as the first entry, before use (§3, §6). The list's
// declared order is authoritative for failover and round-robin, so the
// legacy entry — being the historical "the" upstream — leads.
func MergeLegacyUpstream(cfg *ProxyConfig) {
	if cfg.Upstream == nil {
		return
	}
	merged := make([]Upstream, 0, len(cfg.Upstreams)+1)
	merged = append(merged, *cfg.Upstream)
	merged = append(merged, cfg.Upstreams...)
	cfg.Upstreams = merged
	cfg.Upstream = nil
}
