package geo

import "testing"

func TestResolveCountryShortCircuitsPrivateRanges(t *testing.T) {
	called := false
	r := NewResolver(func(ip string) string {
		called = true
		return "DE"
	})

	for _, ip := range []string{"127.0.0.1", "10.1.2.3", "192.168.0.42", "172.16.9.9", "unknown", ""} {
		if got := r.ResolveCountry(ip); got != LocalCountry {
			t.Fatalf("ResolveCountry(%q) = %q, want %q", ip, got, LocalCountry)
		}
	}
	if called {
		t.Fatal("backend must not be consulted for private addresses")
	}
}

func TestResolveCountryDelegatesPublicAddresses(t *testing.T) {
	r := NewResolver(func(ip string) string {
		if ip != "8.8.8.8" {
			t.Fatalf("unexpected lookup for %q", ip)
		}
		return "US"
	})

	if got := r.ResolveCountry("8.8.8.8"); got != "US" {
		t.Fatalf("ResolveCountry = %q, want US", got)
	}
}

func TestResolveCountryWithoutBackend(t *testing.T) {
	r := NewResolver(nil)
	if got := r.ResolveCountry("8.8.8.8"); got != "" {
		t.Fatalf("expected empty country without backend, got %q", got)
	}
}
