package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// UnknownClient is the shared key for requests without any usable address.
const UnknownClient = "unknown"

// ClientKey derives the rate-limit key for r. It prefers the edge proxy's
// CF-Connecting-IP, then the first X-Forwarded-For entry, then the
// connection's remote address.
func ClientKey(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
			return host
		}
		return r.RemoteAddr
	}
	return UnknownClient
}

// SetHeaders writes the X-RateLimit-* headers for the tightest window and,
// on denial, Retry-After in whole seconds.
func SetHeaders(h http.Header, d Decision) {
	w := d.Status.Hourly
	if d.Scope == ScopeDaily || (d.Scope == "" && d.Status.Daily.Remaining < w.Remaining) {
		w = d.Status.Daily
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(w.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(w.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(w.ResetAt.Unix(), 10))
	if !d.Allowed {
		h.Set("Retry-After", strconv.Itoa(RetryAfterSeconds(d.RetryAfter)))
	}
}

// RetryAfterSeconds rounds d up to whole seconds, minimum one.
func RetryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
