package server

import (
	"net/http/httptest"
	"testing"
)

func TestLimiter_Buckets(t *testing.T) {
	l := newLimiter(map[string]int{bucketChat: 2}, 0, nil)

	if !l.allow(bucketChat, "10.0.0.1") || !l.allow(bucketChat, "10.0.0.1") {
		t.Fatal("burst denied")
	}
	if l.allow(bucketChat, "10.0.0.1") {
		t.Error("third request allowed")
	}
	// Separate callers and unconfigured buckets are independent.
	if !l.allow(bucketChat, "10.0.0.2") {
		t.Error("other caller denied")
	}
	if !l.allow(bucketVoice, "10.0.0.1") {
		t.Error("unconfigured bucket denied")
	}
}

func TestLimiter_WSConnections(t *testing.T) {
	l := newLimiter(nil, 2, nil)

	r1, err := l.acquireWS("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := l.acquireWS("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.acquireWS("10.0.0.1"); err == nil {
		t.Fatal("third connection allowed")
	}
	if _, err := l.acquireWS("10.0.0.2"); err != nil {
		t.Error("other IP denied")
	}

	r1()
	r1() // double release must not free a second slot
	if _, err := l.acquireWS("10.0.0.1"); err != nil {
		t.Error("slot not released")
	}
	r2()
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		trusted    []string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{
			name:       "direct",
			remoteAddr: "192.0.2.10:50000",
			want:       "192.0.2.10",
		},
		{
			name:       "forwarded header ignored from untrusted peer",
			remoteAddr: "192.0.2.10:50000",
			forwarded:  "198.51.100.7",
			want:       "192.0.2.10",
		},
		{
			name:       "forwarded header honoured from trusted proxy",
			trusted:    []string{"192.0.2.0/24"},
			remoteAddr: "192.0.2.10:50000",
			forwarded:  "198.51.100.7",
			want:       "198.51.100.7",
		},
		{
			name:       "first hop wins in a forwarded chain",
			trusted:    []string{"192.0.2.0/24"},
			remoteAddr: "192.0.2.10:50000",
			forwarded:  "198.51.100.7, 203.0.113.9",
			want:       "198.51.100.7",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLimiter(nil, 0, tt.trusted)
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := l.clientIP(r); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
