package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	documentStages  metric.Int64Counter
	routingDecision metric.Int64Counter
	journalEntries  metric.Int64Counter
	reconciliations metric.Int64Counter
	bankImports     metric.Int64Counter
	rateLimits      metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "autocompta"
	}
	meter := provider.Meter(name)

	documentStages, err := meter.Int64Counter("autocompta_document_stage_total")
	if err != nil {
		return nil, err
	}
	routingDecision, err := meter.Int64Counter("autocompta_routing_decision_total")
	if err != nil {
		return nil, err
	}
	journalEntries, err := meter.Int64Counter("autocompta_journal_entries_total")
	if err != nil {
		return nil, err
	}
	reconciliations, err := meter.Int64Counter("autocompta_reconciliations_total")
	if err != nil {
		return nil, err
	}
	bankImports, err := meter.Int64Counter("autocompta_bank_transactions_imported_total")
	if err != nil {
		return nil, err
	}
	rateLimits, err := meter.Int64Counter("autocompta_rate_limit_decisions_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		documentStages:  documentStages,
		routingDecision: routingDecision,
		journalEntries:  journalEntries,
		reconciliations: reconciliations,
		bankImports:     bankImports,
		rateLimits:      rateLimits,
	}, nil
}

// NewNoop returns instruments backed by the no-op provider.
func NewNoop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

func (m *Metrics) RecordDocumentStage(ctx context.Context, stage, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("stage", strings.TrimSpace(stage)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.documentStages.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRoutingDecision counts auto postings and queued exceptions by issue type.
func (m *Metrics) RecordRoutingDecision(ctx context.Context, issueType string) {
	if m == nil {
		return
	}
	if issueType == "" {
		issueType = "auto"
	}
	attrs := FilterAttributes(attribute.String("issue_type", issueType))
	m.routingDecision.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordJournalEntry(ctx context.Context, sourceType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source_type", strings.TrimSpace(sourceType)))
	m.journalEntries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordReconciliation(ctx context.Context, reconciliationType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reconciliation_type", strings.TrimSpace(reconciliationType)))
	m.reconciliations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordBankImport(ctx context.Context, provider string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("provider", strings.TrimSpace(provider)))
	m.bankImports.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordRateLimit counts allowed and denied requests per endpoint.
func (m *Metrics) RecordRateLimit(ctx context.Context, endpoint string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("outcome", outcome),
	)
	m.rateLimits.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"stage":               {},
	"outcome":             {},
	"issue_type":          {},
	"source_type":         {},
	"reconciliation_type": {},
	"provider":            {},
	"status":              {},
	"reason":              {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
