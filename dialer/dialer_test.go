package dialer

import (
	"net"
	"testing"
)

func mustIP(s string) net.IPAddr {
	ip := net.ParseIP(s)
	if ip == nil {
		panic("bad ip: " + s)
	}
	return net.IPAddr{IP: ip}
}

func TestSelectAddress(t *testing.T) {
	v4 := mustIP("10.0.0.1")
	v6 := mustIP("::1")

	tests := []struct {
		name  string
		addrs []net.IPAddr
		pref  Family
		want  net.IPAddr
	}{
		{"prefer v4 present", []net.IPAddr{v6, v4}, FamilyV4, v4},
		{"prefer v6 present", []net.IPAddr{v4, v6}, FamilyV6, v6},
		{"prefer v4 absent falls back to first", []net.IPAddr{v6}, FamilyV4, v6},
		{"prefer v6 absent falls back to first", []net.IPAddr{v4}, FamilyV6, v4},
		{"no preference returns first", []net.IPAddr{v4, v6}, FamilyAny, v4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectAddress(tt.addrs, tt.pref)
			if err != nil {
				t.Fatalf("SelectAddress: %v", err)
			}
			if !got.IP.Equal(tt.want.IP) {
				t.Errorf("SelectAddress() = %v, want %v", got.IP, tt.want.IP)
			}
		})
	}
}

func TestSelectAddressEmpty(t *testing.T) {
	if _, err := SelectAddress(nil, FamilyAny); err == nil {
		t.Fatalf("expected error for empty address list")
	}
}
