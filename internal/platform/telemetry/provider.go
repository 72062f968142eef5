package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/animus-labs/flowgate/internal/platform/env"
)

const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

type Config struct {
	Exporter string
	Interval time.Duration
}

func ConfigFromEnv() (Config, error) {
	exporter, err := env.OneOf("METRICS_EXPORTER", ExporterNone, ExporterNone, ExporterStdout)
	if err != nil {
		return Config{}, err
	}
	interval, err := env.Duration("METRICS_EXPORT_INTERVAL", time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{Exporter: exporter, Interval: interval}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch strings.TrimSpace(c.Exporter) {
	case "", ExporterNone, ExporterStdout:
	default:
		return fmt.Errorf("METRICS_EXPORTER %q is not supported", c.Exporter)
	}
	if c.Exporter == ExporterStdout && c.Interval <= 0 {
		return errors.New("METRICS_EXPORT_INTERVAL must be positive")
	}
	return nil
}

// Provider owns the SDK meter provider. Its manual reader always collects,
// so counters stay readable when no exporter is configured.
type Provider struct {
	mp      *sdkmetric.MeterProvider
	reader  *sdkmetric.ManualReader
	metrics *Metrics
}

// Setup builds the provider. out receives exported metrics when the stdout
// exporter is selected; nil means os.Stdout.
func Setup(cfg Config, out io.Writer) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reader := sdkmetric.NewManualReader()
	opts := []sdkmetric.Option{sdkmetric.WithReader(reader)}
	if cfg.Exporter == ExporterStdout {
		if out == nil {
			out = os.Stdout
		}
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(out))
		if err != nil {
			return nil, fmt.Errorf("stdout exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.Interval))))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	metrics, err := New(mp.Meter(instrumentationName))
	if err != nil {
		_ = mp.Shutdown(context.Background())
		return nil, err
	}
	return &Provider{mp: mp, reader: reader, metrics: metrics}, nil
}

// InstallGlobal makes p the process-wide meter provider.
func (p *Provider) InstallGlobal() {
	if p != nil {
		otel.SetMeterProvider(p.mp)
	}
}

func (p *Provider) Metrics() *Metrics {
	if p == nil {
		return nil
	}
	return p.metrics
}

// Counter is one counter summed across its attribute sets.
type Counter struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

// Snapshot collects every int64 sum recorded so far, sorted by name.
func (p *Provider) Snapshot(ctx context.Context) ([]Counter, error) {
	if p == nil {
		return nil, nil
	}
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	var out []Counter
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			c := Counter{Name: m.Name}
			for _, dp := range sum.DataPoints {
				c.Value += dp.Value
			}
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Shutdown flushes the exporter, if any.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.mp.Shutdown(ctx)
}
