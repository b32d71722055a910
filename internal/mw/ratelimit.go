package mw

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/3xpluto/go-ipset/internal/httpx"
	"github.com/3xpluto/go-ipset/internal/ipset"
	"github.com/3xpluto/go-ipset/internal/ratelimit"
)

type IPResolver struct {
	Trusted *ipset.Set
}

// Addr returns the client address. Forwarded headers are only believed when
// the peer itself is a trusted proxy. X-Forwarded-For is read right to left
// and the first hop outside the trusted set is the client; hops to its left
// are written by the client and ignored.
func (r IPResolver) Addr(req *http.Request) (netip.Addr, bool) {
	remote, ok := parseRemoteAddr(req.RemoteAddr)
	if !ok || !r.Trusted.Contains(remote) {
		return remote, ok
	}

	hops := forwardedHops(req.Header.Values("X-Forwarded-For"))
	if len(hops) == 0 {
		if a, err := netip.ParseAddr(strings.TrimSpace(req.Header.Get("X-Real-Ip"))); err == nil {
			return a.Unmap(), true
		}
		return remote, true
	}

	client := remote
	for i := len(hops) - 1; i >= 0; i-- {
		a, err := netip.ParseAddr(hops[i])
		if err != nil {
			// the last trusted hop appended garbage; stop at it
			break
		}
		client = a.Unmap()
		if !r.Trusted.Contains(client) {
			break
		}
	}
	return client, true
}

// forwardedHops flattens repeated X-Forwarded-For headers into one list,
// left-most first.
func forwardedHops(values []string) []string {
	var hops []string
	for _, v := range values {
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hops = append(hops, h)
			}
		}
	}
	return hops
}

func (r IPResolver) ClientIP(req *http.Request) string {
	if a, ok := r.Addr(req); ok {
		return a.String()
	}
	return req.RemoteAddr
}

func parseRemoteAddr(remoteAddr string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	// dual-stack listeners report IPv4 peers as ::ffff:a.b.c.d
	return a.Unmap(), true
}

func RateLimit(limiter ratelimit.Limiter, ipr IPResolver, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + ipr.ClientIP(r)

		dec, err := limiter.Allow(r.Context(), key)
		if err != nil {
			// Fail open: membership checks must keep working if redis is down.
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit-RPS", trimFloat(dec.LimitRPS))
		w.Header().Set("X-RateLimit-Burst", trimFloat(dec.Burst))
		if dec.Remaining > 0 {
			w.Header().Set("X-RateLimit-Remaining", trimFloat(dec.Remaining))
		}

		if !dec.Allowed {
			retry := dec.RetryAfterSeconds
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Duration(retry)*time.Second).Unix(), 10))
			httpx.Error(w, http.StatusTooManyRequests, "rate_limited", map[string]any{
				"route":               RouteName(r.Context()),
				"retry_after_seconds": retry,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func trimFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" {
		s = "0"
	}
	return s
}
