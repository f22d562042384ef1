package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("stage", "extraction"),
		attribute.String("document_id", "456"),
		attribute.String("provider", "sandbox"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "stage" && attrs[1].Key != "stage" {
		t.Fatalf("expected stage to be retained")
	}
	if attrs[0].Key != "provider" && attrs[1].Key != "provider" {
		t.Fatalf("expected provider to be retained")
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordDocumentStage(context.Background(), "extraction", "ok")
	m.RecordBankImport(context.Background(), "sandbox", 3)
}
