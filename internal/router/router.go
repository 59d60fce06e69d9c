package router

import (
	"sort"
	"strings"

	"github.com/fabian4/ipam-gateway/internal/config"
)

type bucket struct {
	exact    map[string]*config.Route // Path -> route
	prefixes []*config.Route          // sorted by prefix desc
}

type wildcardBucket struct {
	suffix string // e.g. "example.com" for host "*.example.com"
	bucket
}

// Table is the immutable route table. Reload builds a new one.
type Table struct {
	byHost   map[string]*bucket // exact host
	wildcard []wildcardBucket   // "*.example.com" ordered by longest suffix first
	any      bucket             // routes without a host
	def      *config.Route
	routes   []config.Route
}

func New(routes []config.Route) *Table {
	t := &Table{
		byHost: make(map[string]*bucket),
		routes: make([]config.Route, len(routes)),
	}
	copy(t.routes, routes)

	wildBySuffix := make(map[string]*wildcardBucket)
	for i := range t.routes {
		r := &t.routes[i]
		if r.Default && t.def == nil {
			t.def = r
		}
		h := strings.ToLower(strings.TrimSpace(r.Host))
		switch {
		case h == "":
			t.any.add(r)
		case strings.HasPrefix(h, "*.") && len(h) > 2:
			suffix := strings.TrimPrefix(h, "*.")
			b, ok := wildBySuffix[suffix]
			if !ok {
				b = &wildcardBucket{suffix: suffix}
				wildBySuffix[suffix] = b
			}
			b.add(r)
		default:
			b, ok := t.byHost[h]
			if !ok {
				b = &bucket{}
				t.byHost[h] = b
			}
			b.add(r)
		}
	}

	for _, b := range t.byHost {
		b.sort()
	}
	for _, b := range wildBySuffix {
		b.sort()
		t.wildcard = append(t.wildcard, *b)
	}
	// more specific wildcard suffixes should be checked first
	sort.SliceStable(t.wildcard, func(i, j int) bool {
		return len(t.wildcard[i].suffix) > len(t.wildcard[j].suffix)
	})
	t.any.sort()
	return t
}

func (b *bucket) add(r *config.Route) {
	if r.Path != "" {
		if b.exact == nil {
			b.exact = make(map[string]*config.Route)
		}
		if _, dup := b.exact[r.Path]; !dup {
			b.exact[r.Path] = r
		}
		return
	}
	b.prefixes = append(b.prefixes, r)
}

func (b *bucket) sort() {
	sort.SliceStable(b.prefixes, func(i, j int) bool {
		return len(b.prefixes[i].PathPrefix) > len(b.prefixes[j].PathPrefix)
	})
}

func (b *bucket) match(path string) *config.Route {
	if r, ok := b.exact[path]; ok {
		return r
	}
	for _, r := range b.prefixes {
		if pathPrefixMatch(path, r.PathPrefix) {
			return r
		}
	}
	return nil
}

// Match resolves a client request. Internal routes are returned too; callers
// must refuse them for direct requests (see Route.Internal).
// When nothing matches the default route is returned, or nil without one.
func (t *Table) Match(host, path string) *config.Route {
	h := strings.ToLower(hostOnly(host))
	if b, ok := t.byHost[h]; ok {
		if r := b.match(path); r != nil {
			return r
		}
	}

	// wildcard hosts: "*.example.com" style, only matching subdomains
	for i := range t.wildcard {
		if wildcardHostMatch(h, t.wildcard[i].suffix) {
			if r := t.wildcard[i].match(path); r != nil {
				return r
			}
		}
	}

	if r := t.any.match(path); r != nil {
		return r
	}
	return t.def
}

// pathPrefixMatch ensures PathPrefix behaves like a path-segment prefix, not a raw string prefix.
// Examples:
//
//	prefix="/api"  matches "/api", "/api/", "/api/v1" but NOT "/apiary"
//	prefix="/api/" matches "/api/v1", "/api/foo" but NOT "/api"
//	prefix="/"     matches everything.
func pathPrefixMatch(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}

// wildcardHostMatch reports whether a concrete host is matched by a wildcard suffix.
// "api.example.com" matches suffix "example.com"; "example.com" itself does not.
func wildcardHostMatch(host, suffix string) bool {
	if host == "" || suffix == "" {
		return false
	}
	if len(host) <= len(suffix) {
		return false
	}
	if !strings.HasSuffix(host, suffix) {
		return false
	}
	// require a dot before the suffix to ensure we only match subdomains
	idx := len(host) - len(suffix) - 1
	return idx >= 0 && host[idx] == '.'
}

// hostOnly strips the port, including from bracketed IPv6 literals.
func hostOnly(h string) string {
	if strings.HasPrefix(h, "[") {
		if i := strings.IndexByte(h, ']'); i > 0 {
			return h[1:i]
		}
		return h
	}
	if i := strings.LastIndexByte(h, ':'); i >= 0 && strings.Count(h, ":") == 1 {
		return h[:i]
	}
	return h
}
