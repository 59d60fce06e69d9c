// Package clientip resolves the address of the client behind any trusted
// proxies in front of the gateway.
package clientip

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/gaissmai/bart"
)

// Resolver holds the trusted proxy prefixes. It is immutable after New.
type Resolver struct {
	trusted bart.Table[struct{}]
	empty   bool
}

// New builds a resolver trusting the given prefixes. With none, forwarding
// headers are never honored.
func New(prefixes []netip.Prefix) *Resolver {
	r := &Resolver{empty: len(prefixes) == 0}
	for _, p := range prefixes {
		r.trusted.Insert(p.Masked(), struct{}{})
	}
	return r
}

// Trusted reports whether addr belongs to a trusted proxy.
func (r *Resolver) Trusted(addr netip.Addr) bool {
	if r == nil || r.empty || !addr.IsValid() {
		return false
	}
	_, ok := r.trusted.Lookup(addr.Unmap())
	return ok
}

// TrustedString is Trusted for a textual address; unparseable input is untrusted.
func (r *Resolver) TrustedString(s string) bool {
	ip, err := netip.ParseAddr(s)
	return err == nil && r.Trusted(ip)
}

// Enabled reports whether any trusted prefix is configured.
func (r *Resolver) Enabled() bool { return r != nil && !r.empty }

// ClientIP returns the client address of r. X-Forwarded-For is walked right
// to left while hops are trusted; X-Real-IP is honored from a trusted peer.
// Otherwise RemoteAddr is used.
func (r *Resolver) ClientIP(req *http.Request) string {
	peer, ok := remoteAddr(req.RemoteAddr)
	if !ok {
		return req.RemoteAddr
	}
	if !r.Trusted(peer) {
		return peer.String()
	}

	if xff := req.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		client := peer
		for i := len(hops) - 1; i >= 0; i-- {
			ip, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			client = ip.Unmap()
			if !r.Trusted(client) {
				break
			}
		}
		return client.String()
	}

	if xri := strings.TrimSpace(req.Header.Get("X-Real-IP")); xri != "" {
		if ip, err := netip.ParseAddr(xri); err == nil {
			return ip.Unmap().String()
		}
	}
	return peer.String()
}

func remoteAddr(s string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		host = s
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}
