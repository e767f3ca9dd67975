package config

import "testing"

func TestMergeLegacyUpstream(t *testing.T) {
	cfg := &ProxyConfig{
		Upstream:  &Upstream{Enabled: true, Type: UpstreamDirect, Host: "legacy"},
		Upstreams: []Upstream{{Enabled: true, Type: UpstreamSOCKS5, Host: "modern"}},
	}

	MergeLegacyUpstream(cfg)

	if cfg.Upstream != nil {
		t.Fatalf("expected Upstream cleared after merge")
	}
	if len(cfg.Upstreams) != 2 {
		t.Fatalf("expected 2 upstreams after merge, got %d", len(cfg.Upstreams))
	}
	if cfg.Upstreams[0].Host != "legacy" {
		t.Errorf("expected legacy entry first, got %q", cfg.Upstreams[0].Host)
	}
	if cfg.Upstreams[1].Host != "modern" {
		t.Errorf("expected modern entry second, got %q", cfg.Upstreams[1].Host)
	}
}

func TestMergeLegacyUpstreamNoop(t *testing.T) {
	cfg := &ProxyConfig{
		Upstreams: []Upstream{{Enabled: true, Type: UpstreamSOCKS5, Host: "only"}},
	}
	MergeLegacyUpstream(cfg)
	if len(cfg.Upstreams) != 1 {
		t.Fatalf("expected no change, got %d upstreams", len(cfg.Upstreams))
	}
}
