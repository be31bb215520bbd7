package ipfilter

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		allowedIPs []string
		wantCount  int
	}{
		{"empty list", nil, 0},
		{"single IP", []string{"192.168.1.1"}, 1},
		{"CIDR range", []string{"10.0.0.0/8"}, 1},
		{"multiple entries", []string{"192.168.1.1", "10.0.0.0/8", "172.16.0.0/12"}, 3},
		{"with whitespace", []string{"  192.168.1.1  ", " 10.0.0.0/8 ", " "}, 2},
		{"invalid entries ignored", []string{"192.168.1.1", "invalid", "10.0.0.0/33"}, 1},
		{"IPv6", []string{"::1", "2001:db8::/32"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.allowedIPs, newTestLogger())
			if f.Count() != tt.wantCount {
				t.Errorf("Count() = %d, want %d", f.Count(), tt.wantCount)
			}
			if f.Enabled() != (tt.wantCount > 0) {
				t.Errorf("Enabled() = %v, want %v", f.Enabled(), tt.wantCount > 0)
			}
		})
	}
}

func TestParseEntry(t *testing.T) {
	tests := []struct {
		entry   string
		want    string
		wantErr bool
	}{
		{"192.168.1.1", "192.168.1.1/32", false},
		{"::1", "::1/128", false},
		{"10.1.2.3/8", "10.0.0.0/8", false},
		{"::ffff:10.0.0.1", "10.0.0.1/32", false},
		{"example.com", "", true},
		{"10.0.0.0/40", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.entry, func(t *testing.T) {
			got, err := ParseEntry(tt.entry)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseEntry() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got.String() != tt.want {
				t.Errorf("ParseEntry() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	if err := Validate([]string{"10.0.0.0/8", "", "::1"}); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if err := Validate([]string{"10.0.0.0/8", "nope"}); err == nil {
		t.Error("Validate() expected error for invalid entry")
	}
}

func TestFilter_IsAllowed(t *testing.T) {
	tests := []struct {
		name       string
		allowedIPs []string
		testIP     string
		want       bool
	}{
		{"empty filter allows all", nil, "1.2.3.4", true},
		{"exact IP match", []string{"192.168.1.1"}, "192.168.1.1", true},
		{"exact IP no match", []string{"192.168.1.1"}, "192.168.1.2", false},
		{"CIDR contains", []string{"192.168.0.0/16"}, "192.168.1.100", true},
		{"CIDR not contains", []string{"192.168.0.0/16"}, "10.0.0.1", false},
		{"multiple ranges one matches", []string{"10.0.0.0/8", "172.16.0.0/12"}, "172.20.1.1", true},
		{"mapped IPv4", []string{"10.0.0.0/8"}, "::ffff:10.1.1.1", true},
		{"IPv6 exact", []string{"::1"}, "::1", true},
		{"IPv6 CIDR", []string{"2001:db8::/32"}, "2001:db8::1", true},
		{"IPv4 list denies IPv6", []string{"10.0.0.0/8"}, "2001:db8::1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.allowedIPs, newTestLogger())
			addr := netip.MustParseAddr(tt.testIP)
			if got := f.IsAllowed(addr); got != tt.want {
				t.Errorf("IsAllowed(%s) = %v, want %v", tt.testIP, got, tt.want)
			}
		})
	}
}

func TestNilFilter(t *testing.T) {
	var f *Filter
	if f.Enabled() {
		t.Error("nil filter should be disabled")
	}
	if !f.IsAllowed(netip.MustParseAddr("1.2.3.4")) {
		t.Error("nil filter should allow all")
	}
}

func TestClientIP(t *testing.T) {
	proxies := []string{"127.0.0.1", "10.0.0.0/8"}

	tests := []struct {
		name       string
		proxies    []string
		xff        string
		xri        string
		remoteAddr string
		wantIP     string
		wantOK     bool
	}{
		{"X-Forwarded-For single", proxies, "203.0.113.50", "", "127.0.0.1:12345", "203.0.113.50", true},
		{"X-Forwarded-For chain takes last untrusted hop", proxies, "198.51.100.9, 203.0.113.50", "", "127.0.0.1:12345", "203.0.113.50", true},
		{"X-Forwarded-For skips trusted hops", proxies, "203.0.113.50, 10.1.1.1", "", "127.0.0.1:12345", "203.0.113.50", true},
		{"X-Real-IP", proxies, "", "198.51.100.25", "127.0.0.1:12345", "198.51.100.25", true},
		{"X-Forwarded-For takes priority", proxies, "203.0.113.50", "198.51.100.25", "127.0.0.1:12345", "203.0.113.50", true},
		{"garbage header falls through", proxies, "unknown", "", "127.0.0.1:54321", "127.0.0.1", true},
		{"untrusted peer ignores X-Forwarded-For", proxies, "10.0.0.1", "", "203.0.113.5:4444", "203.0.113.5", true},
		{"untrusted peer ignores X-Real-IP", proxies, "", "10.0.0.1", "203.0.113.5:4444", "203.0.113.5", true},
		{"no proxies ignores headers", nil, "10.0.0.1", "10.0.0.2", "127.0.0.1:12345", "127.0.0.1", true},
		{"RemoteAddr without port", nil, "", "", "192.168.1.5", "192.168.1.5", true},
		{"unparseable", nil, "", "", "pipe", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(nil, newTestLogger()).TrustProxies(tt.proxies)

			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}

			addr, ok := f.ClientIP(req)
			if ok != tt.wantOK {
				t.Fatalf("ClientIP() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && addr.String() != tt.wantIP {
				t.Errorf("ClientIP() = %s, want %s", addr, tt.wantIP)
			}
		})
	}
}

func TestFilter_RealIP(t *testing.T) {
	var got string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.RemoteAddr
	})

	tests := []struct {
		name       string
		proxies    []string
		remoteAddr string
		want       string
	}{
		{"trusted proxy", []string{"127.0.0.1"}, "127.0.0.1:8080", "203.0.113.50"},
		{"untrusted peer", []string{"127.0.0.1"}, "198.51.100.1:8080", "198.51.100.1:8080"},
		{"no proxies", nil, "127.0.0.1:8080", "127.0.0.1:8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(nil, newTestLogger()).TrustProxies(tt.proxies)
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			req.Header.Set("X-Forwarded-For", "203.0.113.50")

			f.RealIP(handler).ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("RemoteAddr = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFilter_Middleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		allowedIPs []string
		proxies    []string
		remoteAddr string
		forwarded  string
		wantStatus int
	}{
		{"empty filter allows all", nil, nil, "1.2.3.4:1234", "", http.StatusOK},
		{"allowed IP", []string{"192.168.0.0/16"}, nil, "192.168.1.100:1234", "", http.StatusOK},
		{"denied IP", []string{"192.168.0.0/16"}, nil, "10.0.0.1:1234", "", http.StatusForbidden},
		{"unparseable client", []string{"192.168.0.0/16"}, nil, "pipe", "", http.StatusForbidden},
		{"spoofed forwarded header", []string{"10.0.0.0/8"}, nil, "203.0.113.5:4444", "10.0.0.1", http.StatusForbidden},
		{"forwarded by trusted proxy", []string{"10.0.0.0/8"}, []string{"203.0.113.5"}, "203.0.113.5:4444", "10.0.0.1", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.allowedIPs, newTestLogger()).TrustProxies(tt.proxies)

			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			rr := httptest.NewRecorder()
			f.Middleware(handler).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}
