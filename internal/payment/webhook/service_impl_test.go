package webhook_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/smallbiznis/mawared/internal/clock"
	"github.com/smallbiznis/mawared/internal/config"
	paymentdomain "github.com/smallbiznis/mawared/internal/payment/domain"
	"github.com/smallbiznis/mawared/internal/payment/event"
	"github.com/smallbiznis/mawared/internal/payment/paymenttest"
	"github.com/smallbiznis/mawared/internal/payment/reconcile"
	paymentrepo "github.com/smallbiznis/mawared/internal/payment/repository"
	"github.com/smallbiznis/mawared/internal/payment/signature"
	"github.com/smallbiznis/mawared/internal/payment/webhook"
	settingsdomain "github.com/smallbiznis/mawared/internal/settings/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const secret = "whsec_test_4f1c"

type staticSettings settingsdomain.WebhookSettings

func (s staticSettings) GetWebhookSettings(context.Context) settingsdomain.WebhookSettings {
	return settingsdomain.WebhookSettings(s)
}

func enabledSettings() staticSettings {
	return staticSettings{
		Enabled:        true,
		Endpoint:       "https://mawared.example.sa/api/payments/webhook",
		SecretEnabled:  true,
		SecretKey:      secret,
		Events:         []string{},
		SigningVersion: "v2",
		RetryCount:     2,
		RetryDelay:     0,
	}
}

type mockReconciler struct {
	mock.Mock
}

func (m *mockReconciler) Reconcile(ctx context.Context, ev event.Event, raw []byte) (reconcile.Outcome, error) {
	args := m.Called(ctx, ev, raw)
	return args.Get(0).(reconcile.Outcome), args.Error(1)
}

type reconcilerFunc func(ctx context.Context, ev event.Event, raw []byte) (reconcile.Outcome, error)

func (f reconcilerFunc) Reconcile(ctx context.Context, ev event.Event, raw []byte) (reconcile.Outcome, error) {
	return f(ctx, ev, raw)
}

func newStoreService(t *testing.T, settings staticSettings) (*webhook.Service, *gorm.DB) {
	t.Helper()

	db := paymenttest.OpenDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC))
	reconciler := reconcile.NewService(reconcile.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: paymenttest.Node(t),
		Repo:  paymentrepo.Provide(),
		Cfg:   config.Config{},
		Clock: fake,
	})
	svc := webhook.NewService(webhook.Params{
		Log:        zap.NewNop(),
		Settings:   settings,
		Reconciler: reconciler,
		Clock:      fake,
	})
	return svc, db
}

func newFakeService(settings staticSettings, reconciler webhook.Reconciler) *webhook.Service {
	return webhook.NewService(webhook.Params{
		Log:        zap.NewNop(),
		Settings:   settings,
		Reconciler: reconciler,
	})
}

func signedHeaders(t *testing.T, payload []byte, version signature.Version) http.Header {
	t.Helper()
	sig, err := signature.Sign(payload, secret, version)
	require.NoError(t, err)
	headers := http.Header{}
	headers.Set("X-MyFatoorah-Signature", sig)
	return headers
}

const paidPayload = `{"Event":"TransactionStatusChanged","Data":{"InvoiceId":12345,"InvoiceStatus":"Paid","CustomerReference":"abc"}}`

func TestIngestPaidEndToEnd(t *testing.T) {
	svc, db := newStoreService(t, enabledSettings())
	fx := paymenttest.SeedPayment(t, db, paymenttest.Node(t), "12345", "abc", paymentdomain.PaymentStatusPending)

	payload := []byte(paidPayload)
	res := svc.Ingest(context.Background(), payload, signedHeaders(t, payload, signature.V2))

	require.Equal(t, webhook.StateAcknowledged, res.State)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	body, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"event":"TransactionStatusChanged"}`, string(body))

	assert.Equal(t, paymentdomain.PaymentStatusCompleted, paymenttest.PaymentStatus(t, db, fx.Payment.ID))
	assert.EqualValues(t, 1, paymenttest.DownloadCount(t, db, fx.Resource.ID))
	purchase := paymenttest.Purchase(t, db, fx.Payment.ID)
	require.NotNil(t, purchase.DownloadExpires)
	assert.True(t, purchase.DownloadExpires.Equal(time.Date(2026, 4, 3, 9, 30, 0, 0, time.UTC)))

	assert.Equal(t, []webhook.State{
		webhook.StateReceived,
		webhook.StateSettingsChecked,
		webhook.StateSignatureVerified,
		webhook.StateEventClassified,
		webhook.StateReconciled,
		webhook.StateAcknowledged,
	}, res.Steps)
}

func TestIngestPaidWithUnusableInvoiceValue(t *testing.T) {
	svc, db := newStoreService(t, enabledSettings())
	fx := paymenttest.SeedPayment(t, db, paymenttest.Node(t), "12345", "abc", paymentdomain.PaymentStatusPending)

	for _, value := range []string{`""`, `"n/a"`, `null`} {
		payload := []byte(`{"Event":"TransactionStatusChanged","Data":{"InvoiceId":12345,"InvoiceStatus":"Paid","CustomerReference":"abc","InvoiceValue":` + value + `}}`)
		res := svc.Ingest(context.Background(), payload, signedHeaders(t, payload, signature.V2))
		require.Equal(t, webhook.StateAcknowledged, res.State, "InvoiceValue %s", value)
		assert.Equal(t, http.StatusOK, res.StatusCode)
	}

	assert.Equal(t, paymentdomain.PaymentStatusCompleted, paymenttest.PaymentStatus(t, db, fx.Payment.ID))
	paymenttest.AssertCount(t, db, "SELECT COUNT(1) FROM purchases", 1)
	assert.EqualValues(t, 1, paymenttest.DownloadCount(t, db, fx.Resource.ID))
}

func TestIngestReplayedPaidIsIdempotent(t *testing.T) {
	svc, db := newStoreService(t, enabledSettings())
	fx := paymenttest.SeedPayment(t, db, paymenttest.Node(t), "12345", "abc", paymentdomain.PaymentStatusPending)

	payload := []byte(paidPayload)
	headers := signedHeaders(t, payload, signature.V2)
	for i := 0; i < 5; i++ {
		res := svc.Ingest(context.Background(), payload, headers)
		require.Equal(t, webhook.StateAcknowledged, res.State, "delivery %d", i)
	}

	paymenttest.AssertCount(t, db, "SELECT COUNT(1) FROM purchases", 1)
	assert.EqualValues(t, 1, paymenttest.DownloadCount(t, db, fx.Resource.ID))
	paymenttest.AssertCount(t, db, "SELECT COUNT(1) FROM payment_webhook_events", 5)
}

func TestIngestLegacySigningVersion(t *testing.T) {
	settings := enabledSettings()
	settings.SigningVersion = "v1"
	svc, db := newStoreService(t, settings)
	fx := paymenttest.SeedPayment(t, db, paymenttest.Node(t), "12345", "abc", paymentdomain.PaymentStatusPending)

	payload := []byte(paidPayload)
	res := svc.Ingest(context.Background(), payload, signedHeaders(t, payload, signature.V1))
	require.Equal(t, webhook.StateAcknowledged, res.State)
	assert.Equal(t, paymentdomain.PaymentStatusCompleted, paymenttest.PaymentStatus(t, db, fx.Payment.ID))

	// A v2 signature is not accepted when v1 is configured.
	res = svc.Ingest(context.Background(), payload, signedHeaders(t, payload, signature.V2))
	assert.Equal(t, webhook.StateRejectedSignature, res.State)
}

func TestIngestMissingSignature(t *testing.T) {
	svc, db := newStoreService(t, enabledSettings())
	fx := paymenttest.SeedPayment(t, db, paymenttest.Node(t), "12345", "abc", paymentdomain.PaymentStatusPending)

	res := svc.Ingest(context.Background(), []byte(paidPayload), http.Header{})

	assert.Equal(t, webhook.StateRejectedSignature, res.State)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.False(t, res.Success)
	assert.Equal(t, "Signature missing", res.Error)
	assert.Equal(t, webhook.CodeSignatureMissing, res.Code)

	assert.Equal(t, paymentdomain.PaymentStatusPending, paymenttest.PaymentStatus(t, db, fx.Payment.ID))
	paymenttest.AssertCount(t, db, "SELECT COUNT(1) FROM payment_webhook_events", 0)
	paymenttest.AssertCount(t, db, "SELECT COUNT(1) FROM purchases", 0)
}

func TestIngestInvalidSignature(t *testing.T) {
	svc, db := newStoreService(t, enabledSettings())
	fx := paymenttest.SeedPayment(t, db, paymenttest.Node(t), "12345", "abc", paymentdomain.PaymentStatusPending)

	signed := signedHeaders(t, []byte(paidPayload), signature.V2)
	tampered := []byte(`{"Event":"TransactionStatusChanged","Data":{"InvoiceId":12345,"InvoiceStatus":"Paid","CustomerReference":"xyz"}}`)
	res := svc.Ingest(context.Background(), tampered, signed)

	assert.Equal(t, webhook.StateRejectedSignature, res.State)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "Invalid signature", res.Error)
	assert.Equal(t, paymentdomain.PaymentStatusPending, paymenttest.PaymentStatus(t, db, fx.Payment.ID))
}

func TestIngestUnknownSigningVersionFailsClosed(t *testing.T) {
	settings := enabledSettings()
	settings.SigningVersion = "v3"
	rec := &mockReconciler{}
	svc := newFakeService(settings, rec)

	payload := []byte(paidPayload)
	res := svc.Ingest(context.Background(), payload, signedHeaders(t, payload, signature.V2))

	assert.Equal(t, webhook.StateRejectedSignature, res.State)
	rec.AssertNotCalled(t, "Reconcile", mock.Anything, mock.Anything, mock.Anything)
}

func TestIngestSecretDisabledSkipsVerification(t *testing.T) {
	settings := enabledSettings()
	settings.SecretEnabled = false
	settings.SecretKey = ""
	svc, db := newStoreService(t, settings)
	fx := paymenttest.SeedPayment(t, db, paymenttest.Node(t), "12345", "abc", paymentdomain.PaymentStatusPending)

	res := svc.Ingest(context.Background(), []byte(paidPayload), http.Header{})

	assert.Equal(t, webhook.StateAcknowledged, res.State)
	assert.Equal(t, paymentdomain.PaymentStatusCompleted, paymenttest.PaymentStatus(t, db, fx.Payment.ID))
}

func TestIngestDisabled(t *testing.T) {
	rec := &mockReconciler{}
	svc := newFakeService(staticSettings(settingsdomain.Disabled()), rec)

	payload := []byte(paidPayload)
	res := svc.Ingest(context.Background(), payload, signedHeaders(t, payload, signature.V2))

	assert.Equal(t, webhook.StateRejectedDisabled, res.State)
	assert.Equal(t, []webhook.State{webhook.StateReceived, webhook.StateRejectedDisabled}, res.Steps)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.False(t, res.Success)
	assert.Equal(t, webhook.CodeWebhookDisabled, res.Code)
	rec.AssertNotCalled(t, "Reconcile", mock.Anything, mock.Anything, mock.Anything)
}

func TestIngestAllowListSkipsOtherKinds(t *testing.T) {
	settings := enabledSettings()
	settings.Events = []string{"TransactionStatusChanged"}
	svc, db := newStoreService(t, settings)
	fx := paymenttest.SeedPayment(t, db, paymenttest.Node(t), "12345", "abc", paymentdomain.PaymentStatusCompleted)

	payload := []byte(`{"Event":"RefundStatusChanged","Data":{"InvoiceId":12345,"RefundStatus":"Approved","RefundAmount":50}}`)
	res := svc.Ingest(context.Background(), payload, signedHeaders(t, payload, signature.V2))

	assert.Equal(t, webhook.StateSkippedEventKind, res.State)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "not enabled")
	assert.Equal(t, "RefundStatusChanged", res.Event)

	assert.Equal(t, paymentdomain.PaymentStatusCompleted, paymenttest.PaymentStatus(t, db, fx.Payment.ID))
	paymenttest.AssertCount(t, db, "SELECT COUNT(1) FROM payment_webhook_events", 0)
}

func TestIngestAllowListSkipsBeforeDecodingData(t *testing.T) {
	settings := enabledSettings()
	settings.Events = []string{"TransactionStatusChanged"}
	rec := &mockReconciler{}
	svc := newFakeService(settings, rec)

	for _, payload := range []string{
		`{"Event":"RefundStatusChanged","Data":{"InvoiceId":12345,"RefundStatus":"Approved","RefundAmount":"n/a"}}`,
		`{"Event":"RefundStatusChanged","Data":{"InvoiceId":{"nested":true},"RefundStatus":42}}`,
		`{"Event":"BalanceTransferred","Data":"oops"}`,
	} {
		body := []byte(payload)
		res := svc.Ingest(context.Background(), body, signedHeaders(t, body, signature.V2))
		assert.Equal(t, webhook.StateSkippedEventKind, res.State, payload)
		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, webhook.CodeEventNotEnabled, res.Code)
		assert.NotContains(t, res.Steps, webhook.StateEventClassified)
	}
	rec.AssertNotCalled(t, "Reconcile", mock.Anything, mock.Anything, mock.Anything)
}

func TestIngestRefundApproved(t *testing.T) {
	svc, db := newStoreService(t, enabledSettings())
	fx := paymenttest.SeedPayment(t, db, paymenttest.Node(t), "12345", "abc", paymentdomain.PaymentStatusPending)

	paid := []byte(paidPayload)
	require.Equal(t, webhook.StateAcknowledged, svc.Ingest(context.Background(), paid, signedHeaders(t, paid, signature.V2)).State)

	refund := []byte(`{"Event":"RefundStatusChanged","Data":{"InvoiceId":12345,"RefundStatus":"Approved","RefundAmount":50}}`)
	res := svc.Ingest(context.Background(), refund, signedHeaders(t, refund, signature.V2))
	require.Equal(t, webhook.StateAcknowledged, res.State)

	purchase := paymenttest.Purchase(t, db, fx.Payment.ID)
	assert.Equal(t, paymentdomain.RefundStatusApproved, purchase.RefundStatus)
	assert.Equal(t, paymentdomain.PaymentStatusRefunded, purchase.PaymentStatus)
	assert.Equal(t, paymentdomain.PaymentStatusRefunded, paymenttest.PaymentStatus(t, db, fx.Payment.ID))
}

func TestIngestMalformedPayload(t *testing.T) {
	settings := enabledSettings()
	settings.SecretEnabled = false
	rec := &mockReconciler{}
	svc := newFakeService(settings, rec)

	cases := map[string]string{
		"not json":      `{"Event":`,
		"missing event": `{"Data":{"InvoiceId":1}}`,
		"bad data":      `{"Event":"TransactionStatusChanged","Data":"oops"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			res := svc.Ingest(context.Background(), []byte(payload), http.Header{})
			assert.Equal(t, webhook.StateRejectedPayload, res.State)
			assert.Equal(t, http.StatusBadRequest, res.StatusCode)
			assert.Equal(t, webhook.CodeInvalidPayload, res.Code)
		})
	}
	rec.AssertNotCalled(t, "Reconcile", mock.Anything, mock.Anything, mock.Anything)
}

func TestIngestUnknownEventIsAcknowledged(t *testing.T) {
	svc, db := newStoreService(t, enabledSettings())
	fx := paymenttest.SeedPayment(t, db, paymenttest.Node(t), "12345", "abc", paymentdomain.PaymentStatusPending)

	payload := []byte(`{"Event":"WalletToppedUp","Data":{"InvoiceId":12345}}`)
	res := svc.Ingest(context.Background(), payload, signedHeaders(t, payload, signature.V2))

	assert.Equal(t, webhook.StateAcknowledged, res.State)
	assert.Equal(t, "WalletToppedUp", res.Event)
	paymenttest.AssertCount(t, db, "SELECT COUNT(1) FROM payment_webhook_events", 0)
	assert.Equal(t, paymentdomain.PaymentStatusPending, paymenttest.PaymentStatus(t, db, fx.Payment.ID))
}

func TestIngestRetriesTransientErrors(t *testing.T) {
	rec := &mockReconciler{}
	rec.On("Reconcile", mock.Anything, mock.Anything, mock.Anything).
		Return(reconcile.Outcome(""), paymentdomain.ErrStaleStatus).Twice()
	rec.On("Reconcile", mock.Anything, mock.Anything, mock.Anything).
		Return(reconcile.OutcomeReconciled, nil).Once()

	settings := enabledSettings()
	settings.SecretEnabled = false
	settings.RetryCount = 3
	settings.RetryDelay = time.Millisecond
	svc := newFakeService(settings, rec)

	res := svc.Ingest(context.Background(), []byte(paidPayload), http.Header{})

	assert.Equal(t, webhook.StateAcknowledged, res.State)
	rec.AssertNumberOfCalls(t, "Reconcile", 3)
}

func TestIngestGivesUpAfterRetryCount(t *testing.T) {
	rec := &mockReconciler{}
	rec.On("Reconcile", mock.Anything, mock.Anything, mock.Anything).
		Return(reconcile.Outcome(""), errors.New("database is locked (5) (SQLITE_BUSY)"))

	settings := enabledSettings()
	settings.SecretEnabled = false
	settings.RetryCount = 2
	svc := newFakeService(settings, rec)

	res := svc.Ingest(context.Background(), []byte(paidPayload), http.Header{})

	assert.Equal(t, webhook.StateFailedProcessing, res.State)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, webhook.CodeProcessingFailed, res.Code)
	assert.NotContains(t, res.Error, "SQLITE")
	rec.AssertNumberOfCalls(t, "Reconcile", 3)
}

func TestIngestDoesNotRetryPermanentErrors(t *testing.T) {
	rec := &mockReconciler{}
	rec.On("Reconcile", mock.Anything, mock.Anything, mock.Anything).
		Return(reconcile.Outcome(""), errors.New("no such table: purchases"))

	settings := enabledSettings()
	settings.SecretEnabled = false
	settings.RetryCount = 5
	svc := newFakeService(settings, rec)

	res := svc.Ingest(context.Background(), []byte(paidPayload), http.Header{})

	assert.Equal(t, webhook.StateFailedProcessing, res.State)
	assert.Equal(t, "TransactionStatusChanged", res.Event)
	rec.AssertNumberOfCalls(t, "Reconcile", 1)
}

func TestIngestStopsRetryingWhenContextEnds(t *testing.T) {
	rec := &mockReconciler{}
	rec.On("Reconcile", mock.Anything, mock.Anything, mock.Anything).
		Return(reconcile.Outcome(""), paymentdomain.ErrStaleStatus)

	settings := enabledSettings()
	settings.SecretEnabled = false
	settings.RetryCount = 3
	settings.RetryDelay = time.Hour
	svc := newFakeService(settings, rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := svc.Ingest(ctx, []byte(paidPayload), http.Header{})

	assert.Equal(t, webhook.StateFailedProcessing, res.State)
	rec.AssertNumberOfCalls(t, "Reconcile", 1)
}

func TestIngestRecoversPanics(t *testing.T) {
	settings := enabledSettings()
	settings.SecretEnabled = false
	svc := newFakeService(settings, reconcilerFunc(func(context.Context, event.Event, []byte) (reconcile.Outcome, error) {
		panic("nil resource")
	}))

	res := svc.Ingest(context.Background(), []byte(paidPayload), http.Header{})

	assert.Equal(t, webhook.StateFailedProcessing, res.State)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.NotContains(t, res.Error, "nil resource")
}

func TestIngestDeliveryInFlight(t *testing.T) {
	settings := enabledSettings()
	settings.SecretEnabled = false
	svc := newFakeService(settings, reconcilerFunc(func(context.Context, event.Event, []byte) (reconcile.Outcome, error) {
		return "", paymentdomain.ErrDeliveryInFlight
	}))

	res := svc.Ingest(context.Background(), []byte(paidPayload), http.Header{})

	assert.Equal(t, webhook.StateFailedProcessing, res.State)
	assert.Equal(t, webhook.CodeDeliveryInFlight, res.Code)
}

func TestStatusOmitsSecret(t *testing.T) {
	settings := enabledSettings()
	settings.Events = nil
	svc := newFakeService(settings, &mockReconciler{})

	status := svc.Status(context.Background())
	assert.True(t, status.Enabled)
	assert.Equal(t, "https://mawared.example.sa/api/payments/webhook", status.Endpoint)
	assert.Equal(t, []string{}, status.Events)
	assert.Equal(t, "v2", status.SigningVersion)

	body, err := json.Marshal(status)
	require.NoError(t, err)
	assert.NotContains(t, string(body), secret)
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, webhook.StateReceived.Terminal())
	assert.False(t, webhook.StateReconciled.Terminal())
	assert.True(t, webhook.StateAcknowledged.Terminal())
	assert.True(t, webhook.StateSkippedEventKind.Terminal())
	assert.True(t, webhook.StateFailedProcessing.Terminal())
}
