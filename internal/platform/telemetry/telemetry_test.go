package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
)

func TestNew_RequiresMeter(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error for nil meter")
	}
}

func TestMetrics_RecordWithNoopMeter(t *testing.T) {
	m, err := New(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	m.RunStarted(ctx, "tpl")
	m.RunTerminal(ctx, "COMPLETED")
	m.StepDispatched(ctx, "echo")
	m.RetryScheduled(ctx, "s1")
	m.PolicyDecision(ctx, "allow")
	m.TicketOpened(ctx, "approver")
	m.TicketResolved(ctx, "APPROVED")
	m.LedgerAppend(ctx, "RUN_STARTED")
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.RunStarted(context.Background(), "tpl")
	m.LedgerAppend(context.Background(), "RUN_STARTED")
}

func counterValue(t *testing.T, p *Provider, name string) int64 {
	t.Helper()
	counters, err := p.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	for _, c := range counters {
		if c.Name == name {
			return c.Value
		}
	}
	return 0
}

func TestSetup_CountersAreRecorded(t *testing.T) {
	p, err := Setup(Config{Exporter: ExporterNone}, nil)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	ctx := context.Background()
	m := p.Metrics()
	m.RunStarted(ctx, "refund")
	m.RunStarted(ctx, "review")
	m.TicketOpened(ctx, "approver")

	if got := counterValue(t, p, "flowgate.runs.started"); got != 2 {
		t.Fatalf("runs.started=%d, want 2", got)
	}
	if got := counterValue(t, p, "flowgate.tickets.opened"); got != 1 {
		t.Fatalf("tickets.opened=%d, want 1", got)
	}
}

func TestSetup_StdoutExporterFlushesOnShutdown(t *testing.T) {
	var buf bytes.Buffer
	p, err := Setup(Config{Exporter: ExporterStdout, Interval: time.Hour}, &buf)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	p.Metrics().LedgerAppend(context.Background(), "RUN_STARTED")
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "flowgate.ledger.appends") {
		t.Fatalf("export=%q, want flowgate.ledger.appends", buf.String())
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Exporter: "prometheus"}).Validate(); err == nil {
		t.Fatalf("expected unsupported exporter error")
	}
	if err := (Config{Exporter: ExporterStdout}).Validate(); err == nil {
		t.Fatalf("expected interval error")
	}
	if _, err := Setup(Config{Exporter: "bogus"}, nil); err == nil {
		t.Fatalf("Setup accepted a bogus exporter")
	}
}

func TestProvider_NilIsSafe(t *testing.T) {
	var p *Provider
	if p.Metrics() != nil {
		t.Fatalf("nil provider returned metrics")
	}
	if counters, err := p.Snapshot(context.Background()); err != nil || counters != nil {
		t.Fatalf("Snapshot()=%v err=%v", counters, err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
