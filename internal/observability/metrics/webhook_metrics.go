package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	WebhookReasonDeadlineExceeded     = "deadline_exceeded"
	WebhookReasonCanceled             = "canceled"
	WebhookReasonSerializationFailure = "serialization_failure"
	WebhookReasonDeadlock             = "deadlock"
	WebhookReasonLockTimeout          = "db_lock_timeout"
	WebhookReasonUniqueViolation      = "unique_violation"
	WebhookReasonInFlight             = "in_flight"
	WebhookReasonPanic                = "panic"
	WebhookReasonUnknown              = "unknown"
)

// WebhookMetrics captures webhook pipeline outcomes.
type WebhookMetrics struct {
	deliveries *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	failures   *prometheus.CounterVec
	retries    *prometheus.CounterVec
}

// NewWebhookMetrics registers the webhook collectors on the default registerer.
func NewWebhookMetrics(cfg Config) (*WebhookMetrics, error) {
	return newWebhookMetrics(prometheus.DefaultRegisterer, cfg)
}

func newWebhookMetrics(registerer prometheus.Registerer, cfg Config) (*WebhookMetrics, error) {
	constLabels := serviceLabels(cfg)

	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "mawared_webhook_deliveries_total",
		Help:        "Webhook deliveries by terminal state and event kind.",
		ConstLabels: constLabels,
	}, []string{"state", "event"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "mawared_webhook_processing_seconds",
		Help:        "Time from receipt to terminal state.",
		Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		ConstLabels: constLabels,
	}, []string{"state"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "mawared_webhook_failures_total",
		Help:        "Failed webhook processing by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"event", "reason"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "mawared_webhook_retries_total",
		Help:        "In-request reconciliation retries after transient store errors.",
		ConstLabels: constLabels,
	}, []string{"event"})

	var err error
	if deliveries, err = registerCounterVec(registerer, deliveries); err != nil {
		return nil, err
	}
	if duration, err = registerHistogramVec(registerer, duration); err != nil {
		return nil, err
	}
	if failures, err = registerCounterVec(registerer, failures); err != nil {
		return nil, err
	}
	if retries, err = registerCounterVec(registerer, retries); err != nil {
		return nil, err
	}

	return &WebhookMetrics{
		deliveries: deliveries,
		duration:   duration,
		failures:   failures,
		retries:    retries,
	}, nil
}

// ObserveDelivery records the terminal state of one delivery.
func (m *WebhookMetrics) ObserveDelivery(state, event string, elapsed time.Duration) {
	if m == nil {
		return
	}
	state = normalizeLabel(state)
	m.deliveries.WithLabelValues(state, normalizeLabel(event)).Inc()
	m.duration.WithLabelValues(state).Observe(elapsed.Seconds())
}

func (m *WebhookMetrics) IncFailure(event string, err error) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(normalizeLabel(event), ClassifyWebhookFailure(err)).Inc()
}

// IncFailureReason records a failure whose reason the caller already knows.
func (m *WebhookMetrics) IncFailureReason(event, reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(normalizeLabel(event), normalizeLabel(reason)).Inc()
}

func (m *WebhookMetrics) IncRetry(event string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(normalizeLabel(event)).Inc()
}

// ClassifyWebhookFailure maps a processing error to a bounded reason label.
func ClassifyWebhookFailure(err error) string {
	if err == nil {
		return WebhookReasonUnknown
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return WebhookReasonDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return WebhookReasonCanceled
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return WebhookReasonUniqueViolation
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001":
			return WebhookReasonSerializationFailure
		case "40P01":
			return WebhookReasonDeadlock
		case "55P03":
			return WebhookReasonLockTimeout
		case "23505":
			return WebhookReasonUniqueViolation
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "sqlite_busy"):
		return WebhookReasonLockTimeout
	case strings.Contains(msg, "unique constraint"):
		return WebhookReasonUniqueViolation
	}
	return WebhookReasonUnknown
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "none"
	}
	return value
}
