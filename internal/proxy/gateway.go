package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fabian4/ipam-gateway/internal/clientip"
	"github.com/fabian4/ipam-gateway/internal/config"
	"github.com/fabian4/ipam-gateway/internal/failover"
	fwd "github.com/fabian4/ipam-gateway/internal/forward"
	"github.com/fabian4/ipam-gateway/internal/lb"
	"github.com/fabian4/ipam-gateway/internal/metrics"
	"github.com/fabian4/ipam-gateway/internal/router"
)

const (
	// nginx convention for a client that went away before the response
	statusClientClosed = 499
	// bytes read from a failed attempt before its connection is given up
	drainLimit = 64 << 10
)

// GatewayState is the per-config view of the gateway. Reload swaps it whole.
type GatewayState struct {
	Routes          *router.Table
	Services        map[string]config.Service
	pools           map[string]*lb.Pool
	Policy          failover.Policy
	UpstreamTimeout time.Duration
	MaxRetryBody    int64
	AccessLogConfig config.AccessLogConfig
	clientIP        *clientip.Resolver
}

type Gateway struct {
	stateMu    sync.RWMutex
	state      *GatewayState
	Transports fwd.Factory
	AccessLog  io.Writer
	Metrics    *metrics.Registry

	logMu     sync.Mutex
	throttles sync.Map // service/endpoint host -> *rate.Sometimes
}

func NewGateway(c *config.Config, f fwd.Factory, accessLog io.Writer, m *metrics.Registry) (*Gateway, error) {
	if accessLog == nil {
		accessLog = io.Discard
	}
	g := &Gateway{Transports: f, AccessLog: accessLog, Metrics: m}
	if err := g.UpdateState(c); err != nil {
		return nil, err
	}
	return g, nil
}

// UpdateState builds fresh routes and pools from c and swaps them in.
// In-flight requests finish on the state they started with.
func (g *Gateway) UpdateState(c *config.Config) error {
	policy, err := failover.NewPolicy(c.Failover.On, c.Failover.Tries)
	if err != nil {
		return fmt.Errorf("failover: %w", err)
	}
	if g.Metrics != nil {
		g.Metrics.ResetEndpoints()
	}
	pools := make(map[string]*lb.Pool, len(c.Services))
	for name, svc := range c.Services {
		pools[name] = lb.NewPool(svc, g.observe)
		if g.Metrics != nil {
			for _, ep := range svc.Endpoints {
				g.Metrics.SetEndpointUp(name, ep.URL.Host, ep.Role, true)
			}
		}
	}
	st := &GatewayState{
		Routes:          router.New(c.Routes),
		Services:        c.Services,
		pools:           pools,
		Policy:          policy,
		UpstreamTimeout: c.Timeouts.Upstream,
		MaxRetryBody:    c.Failover.MaxRetryBody,
		AccessLogConfig: c.AccessLog,
		clientIP:        clientip.New(c.TrustedProxies),
	}
	g.stateMu.Lock()
	g.state = st
	g.stateMu.Unlock()
	g.throttles.Clear()
	return nil
}

func (g *Gateway) current() *GatewayState {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	return g.state
}

func (g *Gateway) observe(service string, u *url.URL, role string, up bool) {
	if up {
		slog.Info("endpoint recovered", "service", service, "endpoint", u.Host, "role", role)
	} else {
		slog.Warn("endpoint marked unavailable", "service", service, "endpoint", u.Host, "role", role)
	}
	if g.Metrics != nil {
		g.Metrics.SetEndpointUp(service, u.Host, role, up)
	}
}

// Upstreams reports the passive health of every endpoint by service.
func (g *Gateway) Upstreams() map[string][]lb.Status {
	st := g.current()
	out := make(map[string][]lb.Status, len(st.pools))
	for name, p := range st.pools {
		out[name] = p.Snapshot()
	}
	return out
}

// UpstreamsHandler serves Upstreams as JSON.
func (g *Gateway) UpstreamsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(g.Upstreams()); err != nil {
			slog.Error("encode upstreams", "error", err)
		}
	})
}

var _ http.Handler = (*Gateway)(nil)

// record collects what the access log and metrics report for one request.
type record struct {
	route      string
	service    string
	upstream   string
	trail      failover.Trail
	redirected string
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := g.current()
	start := time.Now()
	lw := &loggingResponseWriter{ResponseWriter: w}
	rec := &record{}
	defer g.finish(st, lw, r, start, rec)

	route := st.Routes.Match(r.Host, r.URL.Path)
	if route == nil || route.Internal {
		http.NotFound(lw, r)
		return
	}
	rec.route = route.Name
	rec.service = route.Service
	g.serveRoute(st, lw, r, route, rec, true)
}

func (g *Gateway) finish(st *GatewayState, lw *loggingResponseWriter, r *http.Request, start time.Time, rec *record) {
	status := lw.statusCode
	if status == 0 {
		status = http.StatusOK
	}
	duration := time.Since(start)

	alc := st.AccessLogConfig
	if alc.Sampling >= 1.0 || rand.Float64() < alc.Sampling {
		entry := AccessLog{
			Time:         start,
			Method:       r.Method,
			Path:         r.URL.Path,
			Protocol:     r.Proto,
			Status:       status,
			Duration:     duration.Milliseconds(),
			RemoteIP:     st.clientIP.ClientIP(r),
			UserAgent:    r.UserAgent(),
			Referer:      r.Referer(),
			Route:        rec.route,
			Service:      rec.service,
			Upstream:     rec.upstream,
			Attempts:     rec.trail.String(),
			Redirected:   rec.redirected,
			BytesWritten: lw.bytes,
		}
		var out any = entry
		if len(alc.Fields) > 0 {
			out = entry.filter(alc.Fields)
		}
		g.logMu.Lock()
		err := json.NewEncoder(g.AccessLog).Encode(out)
		g.logMu.Unlock()
		if err != nil {
			slog.Error("access log write failed", "error", err)
		}
	}

	if rec.trail.Failedover() {
		slog.Info("request failed over",
			"route", rec.route, "service", rec.service, "attempts", rec.trail.String(), "status", status)
	}
	if g.Metrics != nil {
		g.Metrics.IncRequest(rec.service, rec.route, r.Method, strconv.Itoa(status))
		g.Metrics.ObserveLatency(rec.service, rec.route, duration)
	}
}

// serveRoute answers r from route. direct is false while serving an error
// page, which disables further error pages and keeps the record untouched.
func (g *Gateway) serveRoute(st *GatewayState, w http.ResponseWriter, r *http.Request, route *config.Route, rec *record, direct bool) {
	if route.StaticFile != "" {
		serveFile(w, r, route.StaticFile)
		return
	}
	g.forward(st, w, r, route, rec, direct)
}

func serveFile(w http.ResponseWriter, r *http.Request, path string) {
	f, err := os.Open(path)
	if err != nil {
		slog.Warn("static file unavailable", "path", path, "error", err)
		http.NotFound(w, r)
		return
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}

// forward runs the attempt plan: the first endpoint, then at most one more
// while the policy allows it and the body can be replayed.
func (g *Gateway) forward(st *GatewayState, w http.ResponseWriter, r *http.Request, route *config.Route, rec *record, direct bool) {
	svc, ok := st.Services[route.Service]
	pool := st.pools[route.Service]
	if !ok || pool == nil {
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	plan := pool.Plan(st.Policy.Tries)
	if len(plan) == 0 {
		slog.Error("no upstream to try", "service", svc.Name, "error", lb.ErrNoEndpoint)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	body, err := bufferBody(r, st.MaxRetryBody)
	if err != nil {
		slog.Debug("client body", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	tr := g.Transports.Get(svc.Proto)
	hdr := cloneHeader(r.Header)
	dropHopByHop(hdr)
	addXFF(hdr, r.RemoteAddr, st.clientIP)
	setXFProto(hdr, r)
	setXFHost(hdr, r.Host)

	for i, ep := range plan {
		n := i + 1
		a := g.attempt(st, tr, r, route, ep, hdr, body)
		reason := failover.Classify(a.err, a.status())
		if direct {
			rec.upstream = a.url
			rec.trail = append(rec.trail, failover.Step{
				Role:     ep.Role(),
				Endpoint: ep.URL().Host,
				Status:   a.status(),
				Reason:   reason,
			})
		}
		clientGone := r.Context().Err() != nil
		if !clientGone {
			ep.Feedback(!st.Policy.Unhealthy(reason))
		}
		g.countAttempt(svc.Name, ep, reason)
		if a.err != nil && !clientGone {
			g.logUpstreamError(svc.Name, ep, a.err)
		}

		if n < len(plan) && !clientGone && body.Replayable() && st.Policy.Retry(reason, n) {
			a.discard()
			if g.Metrics != nil {
				g.Metrics.IncFailover(svc.Name, reason.String())
			}
			slog.Debug("failing over", "service", svc.Name, "from", ep.URL().Host, "to", plan[n].URL().Host, "reason", reason.String())
			continue
		}

		if a.err != nil {
			a.discard()
			switch {
			case clientGone:
				w.WriteHeader(statusClientClosed)
			case reason == failover.Timeout:
				http.Error(w, http.StatusText(http.StatusGatewayTimeout), http.StatusGatewayTimeout)
			default:
				http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			}
			return
		}
		g.respond(st, w, r, route, a, rec, direct)
		return
	}
}

func (g *Gateway) countAttempt(service string, ep lb.Endpoint, reason failover.Reason) {
	if g.Metrics == nil {
		return
	}
	outcome := "ok"
	if reason != failover.None {
		outcome = reason.String()
	}
	g.Metrics.IncAttempt(service, ep.URL().Host, ep.Role(), outcome)
}

func (g *Gateway) logUpstreamError(service string, ep lb.Endpoint, err error) {
	v, _ := g.throttles.LoadOrStore(service+"/"+ep.URL().Host, &rate.Sometimes{First: 3, Interval: 10 * time.Second})
	v.(*rate.Sometimes).Do(func() {
		slog.Warn("upstream attempt failed",
			"service", service, "endpoint", ep.URL().Host, "role", ep.Role(), "error", err)
	})
}

// attempt is one round trip to one endpoint. Its context stays alive until
// the response body is done with.
type attempt struct {
	url    string
	res    *http.Response
	err    error
	cancel context.CancelCauseFunc
	timer  *time.Timer
}

func (a *attempt) status() int {
	if a.res == nil {
		return 0
	}
	return a.res.StatusCode
}

func (a *attempt) done() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.cancel(nil)
}

// discard drains a little of the body so the connection can be reused, then releases it.
func (a *attempt) discard() {
	if a.res != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(a.res.Body, drainLimit))
		_ = a.res.Body.Close()
	}
	a.done()
}

func (g *Gateway) attempt(st *GatewayState, tr http.RoundTripper, r *http.Request, route *config.Route, ep lb.Endpoint, hdr http.Header, body *replayBody) *attempt {
	base := ep.URL()
	u := new(url.URL)
	*u = *base
	u.Path = joinSlash(base.Path, r.URL.Path)
	u.RawPath = ""
	if r.URL.RawPath != "" {
		u.RawPath = joinSlash(base.EscapedPath(), r.URL.RawPath)
	}
	u.RawQuery = r.URL.RawQuery
	u.Fragment = ""

	ctx, cancel := context.WithCancelCause(r.Context())
	a := &attempt{url: u.String(), cancel: cancel}
	if st.UpstreamTimeout > 0 {
		a.timer = time.AfterFunc(st.UpstreamTimeout, func() { cancel(failover.ErrAttemptTimeout) })
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, a.url, body.Reader())
	if err != nil {
		a.err = err
		return a
	}
	req.ContentLength = body.Size()
	req.Header = hdr

	// Host policy
	switch {
	case route.HostRewrite != "":
		req.Host = route.HostRewrite
	case route.PreserveHost:
		req.Host = r.Host
	default:
		req.Host = base.Host
	}

	res, err := tr.RoundTrip(req)
	if err != nil {
		if errors.Is(context.Cause(ctx), failover.ErrAttemptTimeout) {
			err = fmt.Errorf("%w: %w", failover.ErrAttemptTimeout, err)
		}
		a.err = err
		return a
	}
	if a.timer != nil {
		// from here on the timeout bounds the gap between body reads
		a.timer.Reset(st.UpstreamTimeout)
		res.Body = &idleBody{ReadCloser: res.Body, timer: a.timer, d: st.UpstreamTimeout}
	}
	a.res = res
	return a
}

type idleBody struct {
	io.ReadCloser
	timer *time.Timer
	d     time.Duration
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.timer.Reset(b.d)
	}
	return n, err
}

// respond streams the final upstream response, or swaps it for the route's
// error page.
func (g *Gateway) respond(st *GatewayState, w http.ResponseWriter, r *http.Request, route *config.Route, a *attempt, rec *record, direct bool) {
	res := a.res
	if direct {
		if page := route.Page(res.StatusCode); page != nil {
			a.discard()
			g.internalRedirect(st, w, r, page, res.StatusCode, rec)
			return
		}
	}
	defer func() {
		if err := res.Body.Close(); err != nil {
			slog.Debug("closing upstream body", "error", err)
		}
		a.done()
	}()

	dropHopByHop(res.Header)
	copyHeaders(w.Header(), res.Header)
	announceTrailers(w.Header(), res.Trailer)

	w.WriteHeader(res.StatusCode)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if _, err := io.Copy(w, res.Body); err != nil {
		slog.Debug("copy upstream body", "url", a.url, "error", err)
	}

	for k, vv := range res.Trailer {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
}

// internalRedirect serves page in place of an upstream status. The page is
// looked up like any request path, internal routes included.
func (g *Gateway) internalRedirect(st *GatewayState, w http.ResponseWriter, r *http.Request, page *config.ErrorPage, status int, rec *record) {
	rec.redirected = page.URI
	target, err := url.Parse(page.URI)
	if err != nil {
		http.Error(w, http.StatusText(status), status)
		return
	}
	route := st.Routes.Match(r.Host, target.Path)
	if route == nil {
		http.Error(w, http.StatusText(status), status)
		return
	}

	r2 := r.Clone(r.Context())
	r2.Method = http.MethodGet
	if r.Method == http.MethodHead {
		r2.Method = http.MethodHead
	}
	r2.URL.Path = target.Path
	r2.URL.RawPath = target.RawPath
	r2.URL.RawQuery = target.RawQuery
	r2.RequestURI = target.RequestURI()
	r2.Header = redirectHeaders(r.Header)
	r2.Body = http.NoBody
	r2.ContentLength = 0

	code := page.Status
	if code == 0 {
		code = status
	}
	g.serveRoute(st, &pageWriter{ResponseWriter: w, status: code}, r2, route, rec, false)
}
