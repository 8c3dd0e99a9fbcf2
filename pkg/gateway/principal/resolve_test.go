package principal

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/vai-bridge/pkg/gateway/config"
)

func TestResolve_UsesRemoteAddrByDefault(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/live", nil)
	r.RemoteAddr = "203.0.113.7:51234"
	r.Header.Set("X-Forwarded-For", "198.51.100.1")

	got := Resolve(r, config.Config{})
	if got.Kind != KindIP || got.Raw != "203.0.113.7" {
		t.Fatalf("resolved=%+v", got)
	}
	if got.Key == "" || got.Key == got.Raw {
		t.Fatalf("key=%q should be hashed", got.Key)
	}
}

func TestResolve_TrustedProxyHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/live", nil)
	r.RemoteAddr = "10.0.0.2:443"
	r.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")

	got := Resolve(r, config.Config{TrustProxyHeaders: true})
	if got.Raw != "198.51.100.1" {
		t.Fatalf("raw=%q, want left-most forwarded address", got.Raw)
	}

	r.Header.Set("CF-Connecting-IP", "192.0.2.9")
	if got := Resolve(r, config.Config{TrustProxyHeaders: true}); got.Raw != "192.0.2.9" {
		t.Fatalf("raw=%q, want CF-Connecting-IP", got.Raw)
	}
}

func TestResolve_UnparseableAddressIsAnonymous(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/live", nil)
	r.RemoteAddr = "not-an-ip"
	if got := Resolve(r, config.Config{}); got.Kind != KindAnon || got.Key != "anonymous" {
		t.Fatalf("resolved=%+v", got)
	}
	if got := Resolve(nil, config.Config{}); got.Kind != KindAnon {
		t.Fatalf("nil request resolved=%+v", got)
	}
}
