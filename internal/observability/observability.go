// Package observability wires logging, tracing and Prometheus metrics for
// the group ledger and owns their shutdown.
package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Observability holds the process-wide logger, meters and tracer.
type Observability struct {
	Logger         *slog.Logger
	Metrics        *Metrics
	TracerProvider trace.TracerProvider

	service string
	version string
	started time.Time
	closers closeStack
}

// ObsConfig is the config subset needed by the observability package.
type ObsConfig struct {
	LogLevel       string
	LogFormat      string
	OTLPEndpoint   string
	OTLPProtocol   string
	ServiceName    string
	ServiceVersion string
}

// New sets up logging to w, a fresh metrics registry and, when an OTLP
// endpoint is configured, span export. The logger becomes slog's default.
func New(ctx context.Context, cfg ObsConfig, w io.Writer) (*Observability, error) {
	o := &Observability{
		Logger:  SetupLogger(cfg.LogLevel, cfg.LogFormat, w),
		Metrics: NewMetrics(),
		service: cfg.ServiceName,
		version: cfg.ServiceVersion,
		started: time.Now(),
	}

	if cfg.OTLPEndpoint == "" {
		o.TracerProvider = tracenoop.NewTracerProvider()
		o.Logger.Debug("tracing disabled", "reason", "no otlp_endpoint")
		return o, nil
	}

	tp, err := newTracerProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	o.TracerProvider = tp
	o.OnClose("tracer", tp.Shutdown)
	return o, nil
}

// OnClose registers fn to run on Close. Handlers run newest first.
func (o *Observability) OnClose(name string, fn func(context.Context) error) {
	o.closers.push(name, fn)
}

// Close flushes spans and stops everything registered with OnClose.
func (o *Observability) Close(ctx context.Context) error {
	return o.closers.closeAll(ctx, o.Logger)
}

// health is the body of GET /health.
type health struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version,omitempty"`
	Uptime  string `json:"uptime"`
}

// ServeMetrics serves /metrics and /health on addr until Close. It returns
// the bound address, which differs from addr when addr asks for port 0.
func (o *Observability) ServeMetrics(ctx context.Context, addr string) (string, error) {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listen metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(o.Metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(health{
			Status:  "ok",
			Service: o.service,
			Version: o.version,
			Uptime:  time.Since(o.started).Round(time.Second).String(),
		})
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	bound := ln.Addr().String()
	go func() {
		o.Logger.Info("metrics server listening", "addr", bound)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.Logger.Error("metrics server stopped", "error", err)
		}
	}()

	o.OnClose("metrics-server", srv.Shutdown)
	return bound, nil
}
