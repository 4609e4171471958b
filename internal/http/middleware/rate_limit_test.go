package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func request(remote string, headers map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/whatsapp/send-otp", nil)
	r.RemoteAddr = remote
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestClientIPIgnoresHeadersFromUntrustedPeer(t *testing.T) {
	res, err := NewIPResolver(nil)
	if err != nil {
		t.Fatal(err)
	}
	r := request("6.6.6.6:4000", map[string]string{
		"X-Forwarded-For": "10.0.0.1",
		"X-Real-IP":       "10.0.0.2",
	})
	if got := res.ClientIP(r); got != "6.6.6.6" {
		t.Fatalf("ClientIP = %q, want peer address", got)
	}
	if got := ClientIP(r); got != "6.6.6.6" {
		t.Fatalf("package ClientIP = %q", got)
	}
}

func TestClientIPBehindTrustedProxy(t *testing.T) {
	res, err := NewIPResolver([]string{"10.0.0.0/8", "192.168.1.5"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{"rightmost untrusted hop", "10.1.1.1:80", map[string]string{"X-Forwarded-For": "1.2.3.4, 5.6.7.8, 10.2.2.2"}, "5.6.7.8"},
		{"spoofed leftmost entry ignored", "192.168.1.5:80", map[string]string{"X-Forwarded-For": "9.9.9.9, 5.6.7.8"}, "5.6.7.8"},
		{"real ip header", "10.1.1.1:80", map[string]string{"X-Real-IP": "5.6.7.8"}, "5.6.7.8"},
		{"no headers", "10.1.1.1:80", nil, "10.1.1.1"},
		{"garbage header", "10.1.1.1:80", map[string]string{"X-Forwarded-For": "not-an-ip"}, "10.1.1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := res.ClientIP(request(tt.remote, tt.headers)); got != tt.want {
				t.Fatalf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewIPResolverRejectsInvalidEntries(t *testing.T) {
	for _, entry := range []string{"10.0.0.0/40", "proxy.internal"} {
		if _, err := NewIPResolver([]string{entry}); err == nil {
			t.Fatalf("%q should be rejected", entry)
		}
	}
}

func TestRateLimiterRotatedForwardedForSharesBucket(t *testing.T) {
	res, _ := NewIPResolver(nil)
	rl := NewRateLimiter(RateLimitConfig{PerMinute: 5, Burst: 3, KeyFunc: res.ClientIP})
	h := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var codes []int
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, request("6.6.6.6:4000", map[string]string{"X-Forwarded-For": "10.0.0." + string(rune('1'+i))}))
		codes = append(codes, rec.Code)
	}
	want := []int{200, 200, 200, 429, 429}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", codes, want)
		}
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{PerMinute: 1, Burst: 1})
	if !rl.Allow("+6281111111111") || rl.Allow("+6281111111111") {
		t.Fatal("second call for the same key should be limited")
	}
	if !rl.Allow("+6282222222222") {
		t.Fatal("other key should have its own bucket")
	}
}
