package config

import (
	"net/netip"
	"net/url"
	"time"
)

// Endpoint roles within a service.
const (
	RolePrimary = "primary"
	RoleBackup  = "backup"
)

// Service upstream group with protocol and ordered endpoints.
type Service struct {
	Name        string
	Proto       string     // "http1" | "auto" | "h2c"
	Endpoints   []Endpoint // config order, at least one primary
	MaxFails    int        // failures before the endpoint is skipped
	FailTimeout time.Duration
}

type Endpoint struct {
	URL    *url.URL
	Role   string // RolePrimary | RoleBackup
	Weight int    // 0 means default (1)
}

// Route match + action.
type Route struct {
	Name         string
	Host         string // empty => wildcard
	Path         string // exact match; set instead of PathPrefix
	PathPrefix   string // must start with "/"
	Service      string // Service.Name
	Default      bool   // used when nothing else matches
	Internal     bool   // reachable only via internal redirect
	PreserveHost bool   // forward the inbound Host (default true)
	HostRewrite  string // optional; if set, overrides PreserveHost
	StaticFile   string // optional; serve this file instead of proxying
	ErrorPages   []ErrorPage
}

// ErrorPage redirects internally to URI when the upstream answers one of Codes.
type ErrorPage struct {
	Codes  []int
	URI    string
	Status int // response status for the page; 0 keeps the upstream code
}

// Page returns the error page configured for status, or nil.
func (r *Route) Page(status int) *ErrorPage {
	for i := range r.ErrorPages {
		for _, c := range r.ErrorPages[i].Codes {
			if c == status {
				return &r.ErrorPages[i]
			}
		}
	}
	return nil
}

type Listener struct {
	Name    string
	Address string
}

type FailoverConfig struct {
	On           []string // "error", "timeout", "http_502", ...
	Tries        int
	MaxRetryBody int64
}

type AccessLogConfig struct {
	Path     string // "stdout", "stderr", "off" or a file path
	Sampling float64
	Fields   []string
}

type MetricsConfig struct {
	Enabled bool
	Address string
	Path    string
}

type LogConfig struct {
	Level  string
	Format string // "json" | "text"
}

type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Connect  time.Duration
	Upstream time.Duration
}

type Config struct {
	Listeners      []Listener
	Services       map[string]Service
	Routes         []Route
	Timeouts       Timeouts
	Failover       FailoverConfig
	AccessLog      AccessLogConfig
	Metrics        MetricsConfig
	Log            LogConfig
	TrustedProxies []netip.Prefix
}

// Addresses returns the listen address of every entrypoint.
func (c *Config) Addresses() []string {
	out := make([]string, 0, len(c.Listeners))
	for _, l := range c.Listeners {
		out = append(out, l.Address)
	}
	return out
}
