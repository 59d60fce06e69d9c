package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	cfg "github.com/fabian4/ipam-gateway/internal/config"
	fwd "github.com/fabian4/ipam-gateway/internal/forward"
	"github.com/fabian4/ipam-gateway/internal/listener"
	"github.com/fabian4/ipam-gateway/internal/metrics"
	"github.com/fabian4/ipam-gateway/internal/proxy"
	"github.com/fabian4/ipam-gateway/internal/version"
)

const reloadDebounce = 250 * time.Millisecond

func main() {
	configPath := flag.String("config", "./cmd/config.yaml", "path to YAML config")
	flag.Parse()

	c, err := cfg.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogging(c.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, c, *configPath); err != nil {
		slog.Error("gateway stopped", "error", err)
		stop()
		os.Exit(1)
	}
}

func setupLogging(lc cfg.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if lc.Format == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

func run(ctx context.Context, c *cfg.Config, configPath string) error {
	accessLog, err := proxy.OpenAccessLog(c.AccessLog.Path)
	if err != nil {
		return err
	}
	defer func() { _ = accessLog.Close() }()

	m := metrics.NewRegistry()
	reg := fwd.NewRegistry(fwd.OptionsFrom(c.Timeouts))
	defer reg.CloseIdle()

	gw, err := proxy.NewGateway(c, reg, accessLog, m)
	if err != nil {
		return err
	}

	lns, err := listener.Listen(ctx, c.Listeners)
	if err != nil {
		return err
	}

	if c.Metrics.Enabled {
		go serveMetrics(ctx, c.Metrics, m, gw)
	}

	listen := c.Addresses()
	w, err := cfg.NewWatcher(configPath, reloadDebounce, func(nc *cfg.Config) error {
		if !slices.Equal(nc.Addresses(), listen) {
			slog.Warn("entrypoint changes need a restart", "running", strings.Join(listen, ","), "configured", strings.Join(nc.Addresses(), ","))
		}
		if err := gw.UpdateState(nc); err != nil {
			return err
		}
		reg.CloseIdle()
		return nil
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "error", err)
	} else {
		defer func() { _ = w.Close() }()
	}

	slog.Info("starting ipam-gateway",
		"version", version.Value,
		"listen", strings.Join(listen, ","),
		"routes", len(c.Routes),
		"services", len(c.Services))

	return listener.NewServer(gw, c.Timeouts, lns, m).Serve(ctx)
}

func serveMetrics(ctx context.Context, mc cfg.MetricsConfig, m *metrics.Registry, gw *proxy.Gateway) {
	mux := http.NewServeMux()
	mux.Handle(mc.Path, m.Handler())
	mux.Handle("/upstreams", gw.UpstreamsHandler())
	srv := &http.Server{
		Addr:              mc.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	slog.Info("metrics listening", "address", mc.Address, "path", mc.Path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server", "error", err)
	}
}
