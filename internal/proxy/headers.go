package proxy

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/fabian4/ipam-gateway/internal/clientip"
)

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		cc := make([]string, len(vv))
		copy(cc, vv)
		out[k] = cc
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func joinSlash(a, b string) string {
	as := strings.HasSuffix(a, "/")
	bs := strings.HasPrefix(b, "/")
	switch {
	case as && bs:
		return a + b[1:]
	case !as && !bs:
		return a + "/" + b
	default:
		return a + b
	}
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"TE":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			k = textproto.TrimString(k)
			if k != "" {
				h.Del(k)
			}
		}
	}
	for k := range hopByHop {
		if k == "TE" && h.Get("TE") == "trailers" {
			continue
		}
		h.Del(k)
	}
}

// addXFF appends the peer address. A chain sent by an untrusted peer is
// dropped first when trusted proxies are configured.
func addXFF(h http.Header, remoteAddr string, trust *clientip.Resolver) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || ip == "" {
		return
	}
	const key = "X-Forwarded-For"
	if trust.Enabled() && !trust.TrustedString(ip) {
		h.Del(key)
	}
	if prior := strings.Join(h.Values(key), ", "); prior != "" {
		h.Set(key, prior+", "+ip)
	} else {
		h.Set(key, ip)
	}
}

func setXFHost(h http.Header, host string) {
	h.Set("X-Forwarded-Host", host)
}

func setXFProto(h http.Header, r *http.Request) {
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
}

// announceTrailers declares the upstream trailer keys before the header is written.
func announceTrailers(h http.Header, tr http.Header) {
	if len(tr) == 0 {
		return
	}
	keys := make([]string, 0, len(tr))
	for k := range tr {
		keys = append(keys, k)
	}
	h.Set("Trailer", strings.Join(keys, ","))
}

// redirectHeaders strips what must not follow an internal redirect: the
// original body and any conditional or range request.
func redirectHeaders(h http.Header) http.Header {
	out := cloneHeader(h)
	for _, k := range []string{
		"Content-Length", "Content-Type", "Content-Encoding", "Expect",
		"Range", "If-Range", "If-Match", "If-None-Match", "If-Modified-Since", "If-Unmodified-Since",
	} {
		out.Del(k)
	}
	return out
}
