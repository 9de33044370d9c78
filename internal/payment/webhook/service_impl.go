package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/smallbiznis/mawared/internal/clock"
	obslogger "github.com/smallbiznis/mawared/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/mawared/internal/observability/metrics"
	"github.com/smallbiznis/mawared/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/mawared/internal/payment/domain"
	"github.com/smallbiznis/mawared/internal/payment/event"
	"github.com/smallbiznis/mawared/internal/payment/reconcile"
	"github.com/smallbiznis/mawared/internal/payment/signature"
	settingsdomain "github.com/smallbiznis/mawared/internal/settings/domain"
	"github.com/smallbiznis/mawared/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// maxRetryDelay bounds the in-request wait between reconcile attempts.
const maxRetryDelay = 2 * time.Second

var errReconcilePanic = errors.New("reconcile_panic")

// Reconciler applies a classified event to payment state.
type Reconciler interface {
	Reconcile(ctx context.Context, ev event.Event, raw []byte) (reconcile.Outcome, error)
}

type Params struct {
	fx.In

	Log            *zap.Logger
	Settings       settingsdomain.Provider
	Reconciler     Reconciler
	Clock          clock.Clock                `optional:"true"`
	WebhookMetrics *obsmetrics.WebhookMetrics `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	log            *zap.Logger
	settings       settingsdomain.Provider
	reconciler     Reconciler
	clock          clock.Clock
	tracer         trace.Tracer
	webhookMetrics *obsmetrics.WebhookMetrics
	obsMetrics     *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		log:            p.Log.Named("payment.webhook"),
		settings:       p.Settings,
		reconciler:     p.Reconciler,
		clock:          clk,
		tracer:         otel.Tracer("mawared/payment/webhook"),
		webhookMetrics: p.WebhookMetrics,
		obsMetrics:     p.ObsMetrics,
	}
}

// Ingest runs one delivery through settings, signature, classification and
// reconciliation. It never returns internal error text to the caller.
func (s *Service) Ingest(ctx context.Context, payload []byte, headers http.Header) (result Result) {
	started := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, "webhook.ingest")
	log := obslogger.WithContext(ctx, s.log)
	kind := ""
	steps := []State{StateReceived}
	step := func(state State) {
		steps = append(steps, state)
		span.AddEvent("webhook.step", trace.WithAttributes(attribute.String("webhook.state", string(state))))
	}

	defer func() {
		result.Steps = append(steps, result.State)
		span.SetAttributes(tracing.SafeAttributes(
			attribute.String("webhook.state", string(result.State)),
			attribute.String("webhook.event", kind),
		)...)
		span.End()
		s.webhookMetrics.ObserveDelivery(string(result.State), kind, s.clock.Now().Sub(started))
		s.obsMetrics.RecordWebhookDelivery(ctx, string(result.State), result.StatusCode)
		log.Debug("webhook delivery finished",
			zap.String("webhook_state", string(result.State)),
			zap.String("event", kind),
			zap.Int("status_code", result.StatusCode),
		)
	}()

	settings := s.settings.GetWebhookSettings(ctx)
	if !settings.Enabled {
		log.Info("webhook delivery rejected, webhook disabled")
		return rejected(StateRejectedDisabled, http.StatusForbidden, CodeWebhookDisabled, "Webhook disabled")
	}
	step(StateSettingsChecked)

	if settings.SecretEnabled {
		if res, ok := s.verify(log, payload, headers, settings); !ok {
			return res
		}
		step(StateSignatureVerified)
	} else {
		log.Debug("webhook signature verification disabled")
	}

	env, err := event.Parse(payload)
	if err != nil {
		log.Info("webhook payload rejected", zap.Error(err))
		return rejected(StateRejectedPayload, http.StatusBadRequest, CodeInvalidPayload, "Invalid payload")
	}
	kind = string(env.Kind())
	if kind == "" {
		log.Info("webhook payload rejected, event missing")
		return rejected(StateRejectedPayload, http.StatusBadRequest, CodeInvalidPayload, "Invalid payload")
	}

	// Disabled kinds are acknowledged without looking at Data.
	if !event.Allowed(env.Kind(), settings.Events) {
		log.Info("webhook event not enabled", zap.String("event", kind))
		return skipped(kind)
	}

	ev, err := event.Classify(env)
	if err != nil {
		log.Info("webhook data rejected", zap.String("event", kind), zap.Error(err))
		res := rejected(StateRejectedPayload, http.StatusBadRequest, CodeInvalidPayload, "Invalid payload")
		res.Event = kind
		return res
	}
	step(StateEventClassified)
	if _, ok := ev.(event.Unrecognized); ok {
		log.Warn("unrecognized webhook event acknowledged", zap.String("event", kind))
	}

	outcome, err := s.reconcileWithRetry(ctx, log, ev, payload, settings)
	if err != nil {
		return s.failed(log, kind, err)
	}

	step(StateReconciled)
	span.SetAttributes(attribute.String("webhook.outcome", string(outcome)))
	log.Info("webhook event processed",
		zap.String("event", kind),
		zap.String("outcome", string(outcome)),
	)
	return acknowledged(kind)
}

func (s *Service) verify(log *zap.Logger, payload []byte, headers http.Header, settings settingsdomain.WebhookSettings) (Result, bool) {
	sig := signature.HeaderSignature(headers)
	if sig == "" {
		log.Warn("webhook signature missing",
			zap.String("security_event", "webhook_signature_missing"),
		)
		return rejected(StateRejectedSignature, http.StatusUnauthorized, CodeSignatureMissing, "Signature missing"), false
	}

	version, ok := signature.ParseVersion(settings.SigningVersion)
	if !ok || !signature.Verify(payload, sig, settings.SecretKey, version) {
		log.Warn("webhook signature invalid",
			zap.String("security_event", "webhook_signature_invalid"),
			zap.String("signing_version", settings.SigningVersion),
		)
		return rejected(StateRejectedSignature, http.StatusUnauthorized, CodeSignatureInvalid, "Invalid signature"), false
	}
	return Result{}, true
}

func (s *Service) failed(log *zap.Logger, kind string, err error) Result {
	code := CodeProcessingFailed
	switch {
	case errors.Is(err, paymentdomain.ErrDeliveryInFlight):
		code = CodeDeliveryInFlight
		s.webhookMetrics.IncFailureReason(kind, obsmetrics.WebhookReasonInFlight)
	case errors.Is(err, errReconcilePanic):
		s.webhookMetrics.IncFailureReason(kind, obsmetrics.WebhookReasonPanic)
	default:
		s.webhookMetrics.IncFailure(kind, err)
	}

	log.Error("webhook processing failed", zap.String("event", kind), zap.Error(err))
	res := rejected(StateFailedProcessing, http.StatusInternalServerError, code, "Webhook processing failed")
	res.Event = kind
	return res
}

// reconcileWithRetry retries transient store errors up to RetryCount times.
func (s *Service) reconcileWithRetry(
	ctx context.Context,
	log *zap.Logger,
	ev event.Event,
	payload []byte,
	settings settingsdomain.WebhookSettings,
) (reconcile.Outcome, error) {
	kind := string(ev.Kind())
	delay := settings.RetryDelay
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}

	for attempt := 0; ; attempt++ {
		outcome, err := s.safeReconcile(ctx, ev, payload)
		if err == nil {
			return outcome, nil
		}
		if attempt >= settings.RetryCount || !isRetryable(err) {
			return "", err
		}

		s.webhookMetrics.IncRetry(kind)
		s.obsMetrics.RecordReconcileRetry(ctx, kind)
		trace.SpanFromContext(ctx).AddEvent("reconcile.retry", trace.WithAttributes(
			attribute.Int("webhook.attempt", attempt+1),
		))
		log.Warn("retrying webhook reconciliation",
			zap.String("event", kind),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := wait(ctx, delay); err != nil {
			return "", err
		}
	}
}

func (s *Service) safeReconcile(ctx context.Context, ev event.Event, payload []byte) (outcome reconcile.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = ""
			err = fmt.Errorf("%w: %v", errReconcilePanic, r)
		}
	}()
	return s.reconciler.Reconcile(ctx, ev, payload)
}

// Status reports the current webhook configuration without the secret.
func (s *Service) Status(ctx context.Context) Introspection {
	settings := s.settings.GetWebhookSettings(ctx)
	events := settings.Events
	if events == nil {
		events = []string{}
	}
	return Introspection{
		Enabled:        settings.Enabled,
		Endpoint:       settings.Endpoint,
		Events:         events,
		SigningVersion: settings.SigningVersion,
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, paymentdomain.ErrStaleStatus) || db.IsRetryableErr(err)
}

func wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
