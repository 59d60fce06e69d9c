package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fabian4/ipam-gateway/internal/failover"
)

type rawConfig struct {
	EntryPoint []struct {
		Name    string `yaml:"name"`
		Address string `yaml:"address"`
	} `yaml:"entrypoint"`
	Services []struct {
		Name        string `yaml:"name"`
		Proto       string `yaml:"proto"`
		MaxFails    *int   `yaml:"max_fails"`
		FailTimeout string `yaml:"fail_timeout"`
		Endpoints   []any  `yaml:"endpoints"`
	} `yaml:"services"`
	Routes []struct {
		Name  string `yaml:"name"`
		Match struct {
			Host       string `yaml:"host"`
			Path       string `yaml:"path"`
			PathPrefix string `yaml:"path_prefix"`
		} `yaml:"match"`
		Service    string `yaml:"service"`
		Default    bool   `yaml:"default"`
		Internal   bool   `yaml:"internal"`
		StaticFile string `yaml:"static_file"`
		Options    struct {
			PreserveHost *bool  `yaml:"preserve_host"`
			HostRewrite  string `yaml:"host_rewrite"`
		} `yaml:"options"`
		ErrorPages []struct {
			Codes  []int  `yaml:"codes"`
			URI    string `yaml:"uri"`
			Status int    `yaml:"status"`
		} `yaml:"error_pages"`
	} `yaml:"routes"`
	Failover struct {
		On           []string `yaml:"on"`
		Tries        int      `yaml:"tries"`
		MaxRetryBody *int64   `yaml:"max_retry_body"`
	} `yaml:"failover"`
	Timeouts struct {
		Read     string `yaml:"read"`
		Write    string `yaml:"write"`
		Idle     string `yaml:"idle"`
		Connect  string `yaml:"connect"`
		Upstream string `yaml:"upstream"`
	} `yaml:"timeouts"`
	AccessLog struct {
		Path     string   `yaml:"path"`
		Sampling *float64 `yaml:"sampling"`
		Fields   []string `yaml:"fields"`
	} `yaml:"access_log"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// Load reads the YAML file at path, applies environment overrides and validates it.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := Parse(b)
	if err != nil {
		return nil, err
	}
	resolveStaticFiles(c, filepath.Dir(path))
	applyEnvOverrides(c)
	return c, nil
}

// resolveStaticFiles anchors relative static_file paths at the config
// directory, so the binary can run from any working directory.
func resolveStaticFiles(c *Config, dir string) {
	for i := range c.Routes {
		f := c.Routes[i].StaticFile
		if f != "" && !filepath.IsAbs(f) {
			c.Routes[i].StaticFile = filepath.Join(dir, f)
		}
	}
}

// Parse validates a YAML document and returns the normalized config.
func Parse(b []byte) (*Config, error) {
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	// listeners; both stacks by default
	var listeners []Listener
	for i, ep := range rc.EntryPoint {
		addr := strings.TrimSpace(ep.Address)
		if addr == "" {
			return nil, fmt.Errorf("entrypoint[%d]: address is required", i)
		}
		name := strings.TrimSpace(ep.Name)
		if name == "" {
			name = fmt.Sprintf("entrypoint-%d", i)
		}
		listeners = append(listeners, Listener{Name: name, Address: addr})
	}
	if len(listeners) == 0 {
		listeners = DefaultListeners()
	}

	svcs, err := parseServices(&rc)
	if err != nil {
		return nil, err
	}
	routes, err := parseRoutes(&rc, svcs)
	if err != nil {
		return nil, err
	}

	// failover
	fo := FailoverConfig{
		On:           rc.Failover.On,
		Tries:        rc.Failover.Tries,
		MaxRetryBody: 1 << 20,
	}
	def := failover.DefaultPolicy()
	if len(fo.On) == 0 {
		for _, r := range def.On {
			fo.On = append(fo.On, r.String())
		}
	}
	if _, err := failover.ParseReasons(fo.On); err != nil {
		return nil, fmt.Errorf("failover.on: %w", err)
	}
	if fo.Tries == 0 {
		fo.Tries = def.Tries
	}
	if fo.Tries < 1 {
		return nil, fmt.Errorf("failover.tries: must be >= 1, got %d", fo.Tries)
	}
	if rc.Failover.MaxRetryBody != nil {
		if *rc.Failover.MaxRetryBody < 0 {
			return nil, fmt.Errorf("failover.max_retry_body: must be >= 0")
		}
		fo.MaxRetryBody = *rc.Failover.MaxRetryBody
	}

	// timeouts
	timeouts := Timeouts{
		Idle:     60 * time.Second,
		Connect:  5 * time.Second,
		Upstream: 60 * time.Second,
	}
	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"read", rc.Timeouts.Read, &timeouts.Read},
		{"write", rc.Timeouts.Write, &timeouts.Write},
		{"idle", rc.Timeouts.Idle, &timeouts.Idle},
		{"connect", rc.Timeouts.Connect, &timeouts.Connect},
		{"upstream", rc.Timeouts.Upstream, &timeouts.Upstream},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("timeouts.%s: %w", d.key, err)
		}
		*d.dst = v
	}

	// access log
	alc := AccessLogConfig{
		Path:     strings.TrimSpace(rc.AccessLog.Path),
		Sampling: 1.0,
		Fields:   rc.AccessLog.Fields,
	}
	if alc.Path == "" {
		alc.Path = "stdout"
	}
	if rc.AccessLog.Sampling != nil {
		s := *rc.AccessLog.Sampling
		if s < 0 || s > 1 {
			return nil, fmt.Errorf("access_log.sampling: must be within [0,1], got %v", s)
		}
		alc.Sampling = s
	}

	mc := MetricsConfig{
		Enabled: rc.Metrics.Enabled,
		Address: strings.TrimSpace(rc.Metrics.Address),
		Path:    strings.TrimSpace(rc.Metrics.Path),
	}
	if mc.Address == "" {
		mc.Address = ":9091"
	}
	if mc.Path == "" {
		mc.Path = "/metrics"
	}

	lc := LogConfig{
		Level:  strings.ToLower(strings.TrimSpace(rc.Log.Level)),
		Format: strings.ToLower(strings.TrimSpace(rc.Log.Format)),
	}
	if lc.Level == "" {
		lc.Level = "info"
	}
	if lc.Format == "" {
		lc.Format = "json"
	}
	switch lc.Format {
	case "json", "text":
	default:
		return nil, fmt.Errorf("log.format: unknown format %q", lc.Format)
	}

	var trusted []netip.Prefix
	for i, s := range rc.TrustedProxies {
		p, err := ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("trusted_proxies[%d]: %w", i, err)
		}
		trusted = append(trusted, p)
	}

	return &Config{
		Listeners:      listeners,
		Services:       svcs,
		Routes:         routes,
		Timeouts:       timeouts,
		Failover:       fo,
		AccessLog:      alc,
		Metrics:        mc,
		Log:            lc,
		TrustedProxies: trusted,
	}, nil
}

func parseServices(rc *rawConfig) (map[string]Service, error) {
	svcs := make(map[string]Service)
	for i, s := range rc.Services {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, fmt.Errorf("services[%d]: name is required", i)
		}
		proto := strings.ToLower(strings.TrimSpace(s.Proto))
		if proto == "" {
			proto = "http1"
		}
		switch proto {
		case "http1", "auto", "h2c":
		default:
			return nil, fmt.Errorf("services[%d]: unknown proto %q", i, proto)
		}
		if len(s.Endpoints) == 0 {
			return nil, fmt.Errorf("services[%d]: endpoints is empty", i)
		}
		var eps []Endpoint
		primaries := 0
		for j, raw := range s.Endpoints {
			var rawURL string
			weight := 1
			role := RolePrimary

			switch v := raw.(type) {
			case string:
				rawURL = v
			case map[string]any:
				if u, ok := v["url"].(string); ok {
					rawURL = u
				}
				if w, ok := v["weight"].(int); ok {
					weight = w
				}
				if r, ok := v["role"].(string); ok {
					role = strings.ToLower(strings.TrimSpace(r))
				}
				if b, ok := v["backup"].(bool); ok && b {
					role = RoleBackup
				}
			default:
				return nil, fmt.Errorf("services[%d].endpoints[%d]: invalid format", i, j)
			}

			u, err := url.Parse(strings.TrimSpace(rawURL))
			if err != nil {
				return nil, fmt.Errorf("services[%d].endpoints[%d]: parse: %w", i, j, err)
			}
			if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return nil, fmt.Errorf("services[%d].endpoints[%d]: must be http(s) URL with host", i, j)
			}
			if weight <= 0 {
				return nil, fmt.Errorf("services[%d].endpoints[%d]: weight must be positive", i, j)
			}
			switch role {
			case RolePrimary:
				primaries++
			case RoleBackup:
			default:
				return nil, fmt.Errorf("services[%d].endpoints[%d]: unknown role %q", i, j, role)
			}
			eps = append(eps, Endpoint{URL: u, Role: role, Weight: weight})
		}
		if primaries == 0 {
			return nil, fmt.Errorf("services[%d]: at least one primary endpoint is required", i)
		}

		maxFails := 1
		if s.MaxFails != nil {
			if *s.MaxFails < 0 {
				return nil, fmt.Errorf("services[%d]: max_fails must be >= 0", i)
			}
			maxFails = *s.MaxFails
		}
		failTimeout := 10 * time.Second
		if s.FailTimeout != "" {
			d, err := time.ParseDuration(s.FailTimeout)
			if err != nil {
				return nil, fmt.Errorf("services[%d].fail_timeout: %w", i, err)
			}
			failTimeout = d
		}

		if _, dup := svcs[name]; dup {
			return nil, fmt.Errorf("services: duplicate name %q", name)
		}
		svcs[name] = Service{
			Name:        name,
			Proto:       proto,
			Endpoints:   eps,
			MaxFails:    maxFails,
			FailTimeout: failTimeout,
		}
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("services: at least one is required")
	}
	return svcs, nil
}

func parseRoutes(rc *rawConfig, svcs map[string]Service) ([]Route, error) {
	var routes []Route
	seenDefault := false
	for i, r := range rc.Routes {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name = fmt.Sprintf("route-%d", i)
		}
		path := strings.TrimSpace(r.Match.Path)
		pfx := strings.TrimSpace(r.Match.PathPrefix)
		switch {
		case path != "" && pfx != "":
			return nil, fmt.Errorf("routes[%d]: path and path_prefix are mutually exclusive", i)
		case path != "":
			if !strings.HasPrefix(path, "/") {
				return nil, fmt.Errorf("routes[%d]: path must start with '/'", i)
			}
		case pfx == "" && r.Default:
			pfx = "/"
		case !strings.HasPrefix(pfx, "/"):
			return nil, fmt.Errorf("routes[%d]: path_prefix must start with '/'", i)
		}
		host := strings.ToLower(strings.TrimSpace(r.Match.Host))

		service := strings.TrimSpace(r.Service)
		static := strings.TrimSpace(r.StaticFile)
		switch {
		case service == "" && static == "":
			return nil, fmt.Errorf("routes[%d]: service (service name) is required", i)
		case service != "":
			if _, ok := svcs[service]; !ok {
				return nil, fmt.Errorf("routes[%d]: service=%q not found in services", i, service)
			}
		}

		if r.Default {
			if seenDefault {
				return nil, fmt.Errorf("routes[%d]: only one default route is allowed", i)
			}
			if r.Internal {
				return nil, fmt.Errorf("routes[%d]: default route cannot be internal", i)
			}
			seenDefault = true
		}

		preserve := true
		if r.Options.PreserveHost != nil {
			preserve = *r.Options.PreserveHost
		}

		var pages []ErrorPage
		for j, p := range r.ErrorPages {
			uri := strings.TrimSpace(p.URI)
			if !strings.HasPrefix(uri, "/") {
				return nil, fmt.Errorf("routes[%d].error_pages[%d]: uri must start with '/'", i, j)
			}
			if len(p.Codes) == 0 {
				return nil, fmt.Errorf("routes[%d].error_pages[%d]: codes is empty", i, j)
			}
			for _, c := range p.Codes {
				if c < 300 || c > 599 {
					return nil, fmt.Errorf("routes[%d].error_pages[%d]: code %d out of range", i, j, c)
				}
			}
			if p.Status != 0 && (p.Status < 100 || p.Status > 599) {
				return nil, fmt.Errorf("routes[%d].error_pages[%d]: status %d out of range", i, j, p.Status)
			}
			pages = append(pages, ErrorPage{Codes: p.Codes, URI: uri, Status: p.Status})
		}

		routes = append(routes, Route{
			Name:         name,
			Host:         host, // empty => wildcard
			Path:         path,
			PathPrefix:   pfx,
			Service:      service,
			Default:      r.Default,
			Internal:     r.Internal,
			PreserveHost: preserve,
			HostRewrite:  strings.TrimSpace(r.Options.HostRewrite),
			StaticFile:   static,
			ErrorPages:   pages,
		})
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("routes: at least one is required")
	}
	return routes, nil
}

// DefaultListeners binds port 8080 on both IPv4 and IPv6.
func DefaultListeners() []Listener {
	return []Listener{
		{Name: "web", Address: "0.0.0.0:8080"},
		{Name: "web6", Address: "[::]:8080"},
	}
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv("GATEWAY_LISTEN"); v != "" {
		var ls []Listener
		for i, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				ls = append(ls, Listener{Name: fmt.Sprintf("env-%d", i), Address: a})
			}
		}
		if len(ls) > 0 {
			c.Listeners = ls
		}
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("GATEWAY_METRICS_ADDR"); v != "" {
		c.Metrics.Enabled = true
		c.Metrics.Address = v
	}
}

// ParsePrefix accepts a CIDR or a bare address (treated as a host prefix).
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Prefix{}, fmt.Errorf("empty prefix")
	}
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid prefix %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid IP address %q: %w", s, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
