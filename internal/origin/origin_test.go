package origin

import (
	"net/http/httptest"
	"testing"
)

func TestNormalizeHeader(t *testing.T) {
	tests := []struct {
		in       string
		wantOK   bool
		wantNorm string
		wantHost string
	}{
		{in: "HTTPS://Example.COM:443", wantOK: true, wantNorm: "https://example.com", wantHost: "example.com"},
		{in: "http://localhost:5173/", wantOK: true, wantNorm: "http://localhost:5173", wantHost: "localhost:5173"},
		{in: "http://[::1]:8080", wantOK: true, wantNorm: "http://[::1]:8080", wantHost: "[::1]:8080"},
		{in: "null", wantOK: true, wantNorm: "null"},
		{in: ""},
		{in: "ftp://example.com"},
		{in: "https://example.com/path"},
		{in: "https://example.com/?q=1"},
		{in: "https://user@example.com"},
		{in: "https://example.com/#frag"},
		{in: "https://example.com:0"},
		{in: "https://example.com:99999"},
	}
	for _, tc := range tests {
		norm, host, ok := NormalizeHeader(tc.in)
		if ok != tc.wantOK {
			t.Fatalf("NormalizeHeader(%q) ok=%v, want %v", tc.in, ok, tc.wantOK)
		}
		if !ok {
			continue
		}
		if norm != tc.wantNorm || host != tc.wantHost {
			t.Fatalf("NormalizeHeader(%q)=(%q,%q), want (%q,%q)", tc.in, norm, host, tc.wantNorm, tc.wantHost)
		}
		// Normalized output is a fixed point.
		if n2, h2, ok := NormalizeHeader(norm); !ok || n2 != norm || h2 != host {
			t.Fatalf("NormalizeHeader(%q) not idempotent: (%q,%q,%v)", norm, n2, h2, ok)
		}
	}
}

func TestIsAllowed(t *testing.T) {
	t.Run("default is same host", func(t *testing.T) {
		norm, host, _ := NormalizeHeader("https://app.example.com")
		if !IsAllowed(norm, host, "app.example.com", nil) {
			t.Fatalf("expected same host to be allowed")
		}
		if !IsAllowed(norm, host, "app.example.com:443", nil) {
			t.Fatalf("expected default port to be equivalent")
		}
		if IsAllowed(norm, host, "relay.example.com", nil) {
			t.Fatalf("expected different host to be rejected")
		}
	})

	t.Run("star and explicit entries", func(t *testing.T) {
		norm, host, _ := NormalizeHeader("https://app.example.com")
		if !IsAllowed(norm, host, "whatever:1234", []string{"*"}) {
			t.Fatalf("expected * to allow any origin")
		}
		if !IsAllowed(norm, host, "relay.example.com", []string{"https://app.example.com"}) {
			t.Fatalf("expected explicit origin to be allowed")
		}
		if IsAllowed(norm, host, "relay.example.com", []string{"https://other.example.com"}) {
			t.Fatalf("expected non-matching origin to be rejected")
		}
	})

	t.Run("null only when listed", func(t *testing.T) {
		if IsAllowed("null", "", "relay.example.com", nil) {
			t.Fatalf("null must not match a host")
		}
		if !IsAllowed("null", "", "relay.example.com", []string{"null"}) {
			t.Fatalf("expected listed null origin to be allowed")
		}
	})
}

func TestPolicyCheck(t *testing.T) {
	p := NewPolicy([]string{"http://localhost:3000"})

	r := httptest.NewRequest("GET", "http://relay.local/ws", nil)
	if got, ok := p.Check(r); !ok || got != "" {
		t.Fatalf("no Origin header: got (%q,%v), want allowed", got, ok)
	}

	r.Header.Set("Origin", "http://localhost:3000")
	if got, ok := p.Check(r); !ok || got != "http://localhost:3000" {
		t.Fatalf("listed origin: got (%q,%v)", got, ok)
	}

	r.Header.Set("Origin", "http://evil.example")
	if p.CheckOrigin(r) {
		t.Fatalf("expected unlisted origin to be rejected")
	}

	r.Header.Set("Origin", "not a url")
	if p.CheckOrigin(r) {
		t.Fatalf("expected malformed origin to be rejected")
	}

	var nilPolicy *Policy
	r.Header.Set("Origin", "http://relay.local")
	if !nilPolicy.CheckOrigin(r) {
		t.Fatalf("nil policy should fall back to same host")
	}
}
