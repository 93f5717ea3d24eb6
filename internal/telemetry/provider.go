// Package telemetry exposes the profiler's own metrics over Prometheus and
// provides the tracer used for session spans.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config holds telemetry configuration
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Address is where Serve listens, e.g. ":9464"
	Address string
	// Path serves the Prometheus exposition
	Path string
	// RuntimeMetrics adds the Go and process collectors to the registry
	RuntimeMetrics bool
	Logger         *zap.Logger
}

// DefaultConfig returns default telemetry configuration
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:    serviceName,
		ServiceVersion: "dev",
		Address:        ":9464",
		Path:           "/metrics",
		RuntimeMetrics: true,
	}
}

// Provider holds the meter and tracer providers
type Provider struct {
	config         *Config
	registry       *promclient.Registry
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	logger         *zap.Logger
}

// NewProvider creates the providers. Metrics land in a private registry so
// several providers can live in one process.
func NewProvider(ctx context.Context, config *Config) (*Provider, error) {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
			attribute.String("tracepipe.component", config.ServiceName),
		),
		resource.WithProcessPID(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	registry := promclient.NewRegistry()
	if config.RuntimeMetrics {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	return &Provider{
		config:   config,
		registry: registry,
		meterProvider: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		),
		tracerProvider: sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		),
		logger: config.Logger,
	}, nil
}

// Meter returns a named meter backed by the Prometheus exporter
func (p *Provider) Meter(name string) metric.Meter {
	return p.meterProvider.Meter(name)
}

// Tracer returns a named tracer
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tracerProvider.Tracer(name)
}

// RegisterSpanProcessor attaches a span processor, e.g. for tests or a
// logging exporter
func (p *Provider) RegisterSpanProcessor(sp sdktrace.SpanProcessor) {
	p.tracerProvider.RegisterSpanProcessor(sp)
}

// Handler serves the registry in the Prometheus text format
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(p.logger),
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Serve runs the metrics endpoint until ctx is done
func (p *Provider) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.config.Address, err)
	}
	return p.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener
func (p *Provider) ServeListener(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(p.config.Path, p.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	p.logger.Info("Serving metrics",
		zap.String("address", ln.Addr().String()),
		zap.String("path", p.config.Path))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if serr := <-errCh; !errors.Is(serr, http.ErrServerClosed) {
		err = multierr.Append(err, serr)
	}
	return err
}

// Shutdown gracefully shuts down all providers
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	if shutdownErr := p.tracerProvider.Shutdown(ctx); shutdownErr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to shutdown tracer provider: %w", shutdownErr))
	}
	if shutdownErr := p.meterProvider.Shutdown(ctx); shutdownErr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to shutdown meter provider: %w", shutdownErr))
	}
	return err
}
