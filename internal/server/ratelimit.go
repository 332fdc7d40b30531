package server

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/renfield-ai/renfield/internal/fault"
)

// limiterCacheSize bounds the number of live per-caller token buckets. Old
// buckets age out after limiterTTL of inactivity; a caller whose bucket was
// evicted simply starts with a full one.
const (
	limiterCacheSize = 4096
	limiterTTL       = 10 * time.Minute
)

// Rate-limit buckets. Each REST route belongs to exactly one.
const (
	bucketDefault = "default"
	bucketAuth    = "auth"
	bucketVoice   = "voice"
	bucketChat    = "chat"
	bucketAdmin   = "admin"
)

// limiter keeps one token bucket per (bucket, caller IP) pair. Limits are
// requests per minute.
type limiter struct {
	perMinute map[string]int
	trusted   []netip.Prefix

	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]

	// WebSocket concurrent-connection accounting per IP.
	wsMax   int
	wsConns map[string]int
}

func newLimiter(perMinute map[string]int, wsMaxPerIP int, trustedProxies []string) *limiter {
	var trusted []netip.Prefix
	for _, cidr := range trustedProxies {
		if p, err := netip.ParsePrefix(cidr); err == nil {
			trusted = append(trusted, p)
		}
	}
	return &limiter{
		perMinute: perMinute,
		trusted:   trusted,
		buckets:   expirable.NewLRU[string, *rate.Limiter](limiterCacheSize, nil, limiterTTL),
		wsMax:     wsMaxPerIP,
		wsConns:   make(map[string]int),
	}
}

// allow consumes one token from the caller's bucket. A bucket with no
// configured limit always allows.
func (l *limiter) allow(bucket, ip string) bool {
	limit, ok := l.perMinute[bucket]
	if !ok || limit <= 0 {
		return true
	}

	key := bucket + "|" + ip
	l.mu.Lock()
	lim, ok := l.buckets.Get(key)
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(limit)), limit)
		l.buckets.Add(key, lim)
	}
	l.mu.Unlock()
	return lim.Allow()
}

// acquireWS claims one WebSocket connection slot for the IP. The returned
// release func must be called exactly once when the connection ends.
func (l *limiter) acquireWS(ip string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.wsMax > 0 && l.wsConns[ip] >= l.wsMax {
		return nil, fault.New(fault.RateLimited,
			"server: connection limit reached for %s", ip)
	}
	l.wsConns[ip]++
	released := false
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if released {
			return
		}
		released = true
		if l.wsConns[ip] <= 1 {
			delete(l.wsConns, ip)
		} else {
			l.wsConns[ip]--
		}
	}, nil
}

// clientIP resolves the caller address. X-Forwarded-For is honoured only
// when the direct peer is inside a trusted proxy range.
func (l *limiter) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return host
	}

	for _, p := range l.trusted {
		if p.Contains(addr) {
			if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
				first, _, _ := strings.Cut(fwd, ",")
				return strings.TrimSpace(first)
			}
			break
		}
	}
	return host
}

// messageLimiter is the per-connection WebSocket message budget: a
// per-second burst bucket and a per-minute sustained bucket. Both must
// admit a message.
type messageLimiter struct {
	second *rate.Limiter
	minute *rate.Limiter
}

func newMessageLimiter(perSecond, perMinute int) *messageLimiter {
	m := &messageLimiter{}
	if perSecond > 0 {
		m.second = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	}
	if perMinute > 0 {
		m.minute = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return m
}

func (m *messageLimiter) allow() bool {
	if m.second != nil && !m.second.Allow() {
		return false
	}
	if m.minute != nil && !m.minute.Allow() {
		return false
	}
	return true
}
