package clientip

import (
	"net"
	"net/http"
	"strings"
)

// ipv6PrefixBits groups IPv6 clients by their /64, the usual per-host allocation.
const ipv6PrefixBits = 64

// RealClientIP returns the client IP from the request.
// Uses r.RemoteAddr only (no proxy headers), so a client cannot pick its own
// rate limit key.
func RealClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	host = strings.TrimSpace(host)
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}

// LimitKey is the address used for per-client limits: IPv4 as is, IPv6
// truncated to its /64 so one host cannot rotate through its prefix.
func LimitKey(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() != nil {
		return ip
	}
	mask := net.CIDRMask(ipv6PrefixBits, 128)
	return parsed.Mask(mask).String() + "/64"
}
