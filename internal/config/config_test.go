package config

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTmp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	fp := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(fp, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return fp
}

func TestLoad_V1_Minimal(t *testing.T) {
	yml := `
            entrypoint:
              - name: web
                address: ":8080"

            services:
              - name: service-1
                proto: http1
                endpoints:
                  - "http://127.0.0.1:9001"

            routes:
              - name: route-1
                match:
                  host: "App.Example.COM"
                  path_prefix: "/api"
                service: service-1
            `
	fp := writeTmp(t, yml)
	cfg, err := Load(fp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Listeners) != 1 || cfg.Listeners[0].Address != ":8080" || cfg.Listeners[0].Name != "web" {
		t.Fatalf("listeners: got %+v", cfg.Listeners)
	}
	if len(cfg.Services) != 1 {
		t.Fatalf("services len: got %d, want 1", len(cfg.Services))
	}
	svc, ok := cfg.Services["service-1"]
	if !ok {
		t.Fatalf("service service-1 not found")
	}
	if got, want := svc.Proto, "http1"; got != want {
		t.Fatalf("service proto: got %q, want %q", got, want)
	}
	if len(svc.Endpoints) != 1 || svc.Endpoints[0].URL.Host != "127.0.0.1:9001" {
		t.Fatalf("endpoints parsed unexpected: %+v", svc.Endpoints)
	}
	if svc.Endpoints[0].Role != RolePrimary {
		t.Fatalf("default role: got %q, want primary", svc.Endpoints[0].Role)
	}
	if svc.MaxFails != 1 || svc.FailTimeout != 10*time.Second {
		t.Fatalf("passive health defaults: max_fails=%d fail_timeout=%v", svc.MaxFails, svc.FailTimeout)
	}
	if len(cfg.Routes) != 1 {
		t.Fatalf("routes len: got %d, want 1", len(cfg.Routes))
	}
	rt := cfg.Routes[0]
	if got, want := rt.Name, "route-1"; got != want {
		t.Fatalf("route name: got %q, want %q", got, want)
	}
	if got, want := rt.PathPrefix, "/api"; got != want {
		t.Fatalf("route prefix: got %q, want %q", got, want)
	}
	if got, want := rt.Service, "service-1"; got != want {
		t.Fatalf("route service: got %q, want %q", got, want)
	}
	// host should be normalized to lower-case by loader
	if rt.Host != "app.example.com" {
		t.Fatalf("host normalized unexpected: %q", rt.Host)
	}
	if !rt.PreserveHost {
		t.Fatalf("preserve_host should default to true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	yml := `
services:
  - name: s1
    endpoints: ["http://e1:80"]
routes:
  - match: { path_prefix: "/" }
    service: s1
`
	cfg, err := Load(writeTmp(t, yml))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := strings.Join(cfg.Addresses(), ","); got != "0.0.0.0:8080,[::]:8080" {
		t.Errorf("default listeners: got %q", got)
	}
	if got := strings.Join(cfg.Failover.On, ","); got != "error,timeout,http_502" {
		t.Errorf("failover.on: got %q", got)
	}
	if cfg.Failover.Tries != 2 {
		t.Errorf("failover.tries: got %d, want 2", cfg.Failover.Tries)
	}
	if cfg.Failover.MaxRetryBody != 1<<20 {
		t.Errorf("failover.max_retry_body: got %d", cfg.Failover.MaxRetryBody)
	}
	if cfg.Timeouts.Upstream != 60*time.Second || cfg.Timeouts.Connect != 5*time.Second {
		t.Errorf("timeouts: got %+v", cfg.Timeouts)
	}
	if cfg.AccessLog.Path != "stdout" || cfg.AccessLog.Sampling != 1.0 {
		t.Errorf("access_log: got %+v", cfg.AccessLog)
	}
	if cfg.Metrics.Enabled || cfg.Metrics.Address != ":9091" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("metrics: got %+v", cfg.Metrics)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("log: got %+v", cfg.Log)
	}
	if cfg.Routes[0].Name != "route-0" {
		t.Errorf("route name: got %q, want route-0", cfg.Routes[0].Name)
	}
}

func TestLoad_WeightedEndpoints(t *testing.T) {
	yml := `
services:
  - name: s1
    endpoints:
      - "http://e1:80"
      - { url: "http://e2:80", weight: 5 }
      - { url: "http://e3:8080", backup: true }
      - { url: "http://e4:8080", role: backup, weight: 2 }
routes:
  - match: { path_prefix: "/" }
    service: s1
`
	fp := writeTmp(t, yml)
	cfg, err := Load(fp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	svc := cfg.Services["s1"]
	if len(svc.Endpoints) != 4 {
		t.Fatalf("want 4 endpoints, got %d", len(svc.Endpoints))
	}
	if svc.Endpoints[0].Weight != 1 {
		t.Errorf("e1 weight: got %d, want 1", svc.Endpoints[0].Weight)
	}
	if svc.Endpoints[1].Weight != 5 {
		t.Errorf("e2 weight: got %d, want 5", svc.Endpoints[1].Weight)
	}
	for i, want := range []string{RolePrimary, RolePrimary, RoleBackup, RoleBackup} {
		if svc.Endpoints[i].Role != want {
			t.Errorf("endpoint %d role: got %q, want %q", i, svc.Endpoints[i].Role, want)
		}
	}
	if svc.Endpoints[3].Weight != 2 {
		t.Errorf("e4 weight: got %d, want 2", svc.Endpoints[3].Weight)
	}
}

func TestLoad_Timeouts(t *testing.T) {
	yml := `
services:
  - name: s1
    endpoints: ["http://e1:80"]
routes:
  - match: { path_prefix: "/" }
    service: s1
timeouts:
  read: 1s
  write: 2m
  upstream: 500ms
`
	fp := writeTmp(t, yml)
	cfg, err := Load(fp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timeouts.Read.Seconds() != 1 {
		t.Errorf("read timeout: got %v, want 1s", cfg.Timeouts.Read)
	}
	if cfg.Timeouts.Write.Minutes() != 2 {
		t.Errorf("write timeout: got %v, want 2m", cfg.Timeouts.Write)
	}
	if cfg.Timeouts.Upstream.Milliseconds() != 500 {
		t.Errorf("upstream timeout: got %v, want 500ms", cfg.Timeouts.Upstream)
	}
}

func TestLoad_IPAM(t *testing.T) {
	yml := `
entrypoint:
  - { name: web, address: "0.0.0.0:8080" }
  - { name: web6, address: "[::]:8080" }
services:
  - name: ui
    endpoints:
      - "http://ipam-ui:80"
      - { url: "http://ipam-ui:8080", backup: true }
  - name: engine
    endpoints:
      - "http://ipam-engine:80"
      - { url: "http://ipam-engine:8080", backup: true }
routes:
  - name: ui
    default: true
    service: ui
    error_pages:
      - { codes: [404], uri: /404.html, status: 200 }
  - name: engine
    match: { path_prefix: /api }
    service: engine
  - name: not-found
    match: { path: /404.html }
    internal: true
    static_file: ./404.html
failover:
  on: [error, timeout, http_502]
trusted_proxies: ["10.0.0.0/8", "fd00::1"]
`
	fp := writeTmp(t, yml)
	cfg, err := Load(fp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ui := cfg.Routes[0]
	if !ui.Default || ui.PathPrefix != "/" {
		t.Errorf("ui route: default=%v prefix=%q", ui.Default, ui.PathPrefix)
	}
	page := ui.Page(404)
	if page == nil || page.URI != "/404.html" || page.Status != 200 {
		t.Fatalf("ui error page: got %+v", page)
	}
	if ui.Page(500) != nil {
		t.Errorf("unexpected page for 500")
	}
	nf := cfg.Routes[2]
	if !nf.Internal || nf.Path != "/404.html" || nf.StaticFile != filepath.Join(filepath.Dir(fp), "404.html") || nf.Service != "" {
		t.Errorf("not-found route: got %+v", nf)
	}
	if got := cfg.Services["engine"].Endpoints[1]; got.Role != RoleBackup || got.URL.Host != "ipam-engine:8080" {
		t.Errorf("engine backup: got %+v", got)
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[1].String() != "fd00::1/128" {
		t.Errorf("trusted proxies: got %v", cfg.TrustedProxies)
	}
}

func TestLoad_ShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "cmd", "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := strings.Join(cfg.Addresses(), ","); got != "0.0.0.0:8080,[::]:8080" {
		t.Errorf("listeners: got %q", got)
	}
	for name, hosts := range map[string][2]string{
		"ui":     {"ipam-ui:80", "ipam-ui:8080"},
		"engine": {"ipam-engine:80", "ipam-engine:8080"},
	} {
		eps := cfg.Services[name].Endpoints
		if len(eps) != 2 || eps[0].URL.Host != hosts[0] || eps[0].Role != RolePrimary ||
			eps[1].URL.Host != hosts[1] || eps[1].Role != RoleBackup {
			t.Errorf("%s endpoints: got %+v", name, eps)
		}
	}
	if got := strings.Join(cfg.Failover.On, ","); got != "error,timeout,http_502" {
		t.Errorf("failover.on: got %q", got)
	}
}

func TestLoad_StaticFileRelativeToConfigDir(t *testing.T) {
	shipped, err := filepath.Abs(filepath.Join("..", "..", "cmd", "config.yaml"))
	if err != nil {
		t.Fatalf("abs: %v", err)
	}
	t.Chdir(t.TempDir())

	cfg, err := Load(shipped)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var page string
	for _, r := range cfg.Routes {
		if r.StaticFile != "" {
			page = r.StaticFile
		}
	}
	if want := filepath.Join(filepath.Dir(shipped), "404.html"); page != want {
		t.Fatalf("static_file: got %q, want %q", page, want)
	}
	if _, err := os.Stat(page); err != nil {
		t.Fatalf("fallback page not found from another working directory: %v", err)
	}

	abs := filepath.Join(t.TempDir(), "page.html")
	yml := `
services:
  - name: s1
    endpoints: ["http://e1:80"]
routes:
  - match: { path_prefix: "/" }
    service: s1
  - match: { path: "/page.html" }
    static_file: ` + abs + `
`
	cfg, err = Load(writeTmp(t, yml))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Routes[1].StaticFile; got != abs {
		t.Fatalf("absolute static_file: got %q, want %q", got, abs)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	yml := `
services:
  - name: s1
    endpoints: ["http://e1:80"]
routes:
  - match: { path_prefix: "/" }
    service: s1
`
	t.Setenv("GATEWAY_LISTEN", "127.0.0.1:18080, [::1]:18080")
	t.Setenv("GATEWAY_LOG_LEVEL", "DEBUG")
	t.Setenv("GATEWAY_METRICS_ADDR", "127.0.0.1:9999")

	cfg, err := Load(writeTmp(t, yml))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := strings.Join(cfg.Addresses(), ","); got != "127.0.0.1:18080,[::1]:18080" {
		t.Errorf("listen override: got %q", got)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level: got %q, want debug", cfg.Log.Level)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Address != "127.0.0.1:9999" {
		t.Errorf("metrics override: got %+v", cfg.Metrics)
	}
}

func TestLoad_Errors(t *testing.T) {
	const svc = `
services:
  - name: s1
    endpoints: ["http://127.0.0.1:9001"]
`
	cases := []struct {
		name string
		yml  string
		want string
	}{
		{
			name: "missing service reference",
			yml:  svc + "routes:\n  - { name: r1, match: { path_prefix: /api }, service: s2 }\n",
			want: `routes[0]: service="s2" not found in services`,
		},
		{
			name: "prefix without slash",
			yml:  svc + "routes:\n  - { name: r1, match: { path_prefix: api }, service: s1 }\n",
			want: "path_prefix must start with '/'",
		},
		{
			name: "path and prefix",
			yml:  svc + "routes:\n  - { match: { path: /a, path_prefix: /b }, service: s1 }\n",
			want: "mutually exclusive",
		},
		{
			name: "two defaults",
			yml:  svc + "routes:\n  - { default: true, service: s1 }\n  - { default: true, service: s1 }\n",
			want: "only one default route",
		},
		{
			name: "internal default",
			yml:  svc + "routes:\n  - { default: true, internal: true, service: s1 }\n",
			want: "cannot be internal",
		},
		{
			name: "no service or file",
			yml:  svc + "routes:\n  - { match: { path_prefix: / } }\n",
			want: "service (service name) is required",
		},
		{
			name: "backup only",
			yml: `
services:
  - name: s1
    endpoints: [{ url: "http://e:80", backup: true }]
routes:
  - { match: { path_prefix: / }, service: s1 }
`,
			want: "at least one primary endpoint",
		},
		{
			name: "bad role",
			yml: `
services:
  - name: s1
    endpoints: [{ url: "http://e:80", role: spare }]
routes:
  - { match: { path_prefix: / }, service: s1 }
`,
			want: `unknown role "spare"`,
		},
		{
			name: "non-http endpoint",
			yml: `
services:
  - name: s1
    endpoints: ["tcp://e:80"]
routes:
  - { match: { path_prefix: / }, service: s1 }
`,
			want: "must be http(s) URL with host",
		},
		{
			name: "unknown failover reason",
			yml:  svc + "routes:\n  - { match: { path_prefix: / }, service: s1 }\nfailover: { on: [error, http_418] }\n",
			want: "failover.on",
		},
		{
			name: "error page without slash",
			yml:  svc + "routes:\n  - { match: { path_prefix: / }, service: s1, error_pages: [{ codes: [404], uri: x }] }\n",
			want: "uri must start with '/'",
		},
		{
			name: "error page code",
			yml:  svc + "routes:\n  - { match: { path_prefix: / }, service: s1, error_pages: [{ codes: [200], uri: /x }] }\n",
			want: "code 200 out of range",
		},
		{
			name: "sampling",
			yml:  svc + "routes:\n  - { match: { path_prefix: / }, service: s1 }\naccess_log: { sampling: 1.5 }\n",
			want: "access_log.sampling",
		},
		{
			name: "trusted proxy",
			yml:  svc + "routes:\n  - { match: { path_prefix: / }, service: s1 }\ntrusted_proxies: [nope]\n",
			want: "trusted_proxies[0]",
		},
		{
			name: "bad duration",
			yml:  svc + "routes:\n  - { match: { path_prefix: / }, service: s1 }\ntimeouts: { upstream: soon }\n",
			want: "timeouts.upstream",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTmp(t, tc.yml))
			if err == nil {
				t.Fatalf("want error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error: got %q, want it to contain %q", err, tc.want)
			}
		})
	}
}

func TestParse_ErrorsWrapCause(t *testing.T) {
	_, err := Parse([]byte(`
services:
  - name: s1
    endpoints: ["http://[::1"]
routes:
  - service: s1
`))
	var ue *url.Error
	if !errors.As(err, &ue) {
		t.Fatalf("endpoint parse error: got %v, want a wrapped *url.Error", err)
	}
}

func TestParsePrefix(t *testing.T) {
	for in, want := range map[string]string{
		"10.1.2.3/8":  "10.0.0.0/8",
		"192.0.2.7":   "192.0.2.7/32",
		"2001:db8::1": "2001:db8::1/128",
	} {
		p, err := ParsePrefix(in)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if p.String() != want {
			t.Errorf("%s: got %s, want %s", in, p, want)
		}
	}
	if _, err := ParsePrefix(""); err == nil {
		t.Error("empty prefix should fail")
	}
}
