package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("event", "TransactionStatusChanged"),
		attribute.String("invoice_id", "6000123"),
		attribute.String("state", "ACKNOWLEDGED"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "invoice_id" {
			t.Fatalf("expected invoice_id to be dropped")
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordPaymentEvent(context.Background(), "TransactionStatusChanged", "reconciled")
	m.RecordWebhookDelivery(context.Background(), "ACKNOWLEDGED", 200)
	m.RecordReconcileRetry(context.Background(), "RefundStatusChanged")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordPaymentEvent(context.Background(), "BalanceTransferred", "audited")
}

func TestNewExporterRejectsUnknownProtocol(t *testing.T) {
	if _, err := newExporter(context.Background(), "zipkin", ""); err == nil {
		t.Fatalf("expected unsupported protocol error")
	}
}
