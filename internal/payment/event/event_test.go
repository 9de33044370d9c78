package event

import (
	"errors"
	"testing"

	"github.com/smallbiznis/mawared/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyTransactionStatusChanged(t *testing.T) {
	env, err := Parse([]byte(`{"Event":"TransactionStatusChanged","Data":{"InvoiceId":12345,"InvoiceStatus":"Paid","InvoiceValue":"150.50","CustomerReference":"abc","PaymentId":"07076"}}`))
	require.NoError(t, err)

	ev, err := Classify(env)
	require.NoError(t, err)

	tx, ok := ev.(TransactionStatusChanged)
	require.True(t, ok)
	assert.Equal(t, FlexString("12345"), tx.InvoiceID)
	assert.Equal(t, "Paid", tx.InvoiceStatus)
	assert.Equal(t, FlexString("abc"), tx.CustomerReference)
	assert.Equal(t, FlexString("07076"), tx.PaymentID)
	require.True(t, tx.InvoiceValue.Valid)
	assert.Equal(t, "150.5", tx.InvoiceValue.Decimal.String())
}

func TestClassifyRefundStatusChanged(t *testing.T) {
	env, err := Parse([]byte(`{"Event":"RefundStatusChanged","Data":{"InvoiceId":"12345","RefundStatus":"Approved","RefundAmount":50,"Comments":" duplicate order "}}`))
	require.NoError(t, err)

	ev, err := Classify(env)
	require.NoError(t, err)

	refund, ok := ev.(RefundStatusChanged)
	require.True(t, ok)
	assert.Equal(t, "12345", refund.InvoiceID.String())
	assert.Equal(t, "50", refund.RefundAmount.Decimal.String())
	assert.Equal(t, "duplicate order", refund.Reason())
}

func TestClassifyPassthroughAndUnrecognized(t *testing.T) {
	ev, err := Classify(Envelope{Event: "DisputeStatusChanged", Data: []byte(`{"DisputeId":1}`)})
	require.NoError(t, err)
	pass, ok := ev.(Passthrough)
	require.True(t, ok)
	assert.Equal(t, KindDisputeStatusChanged, pass.Kind())
	assert.False(t, pass.Kind().Reconciled())

	ev, err = Classify(Envelope{Event: "SomeFutureEvent"})
	require.NoError(t, err)
	unknown, ok := ev.(Unrecognized)
	require.True(t, ok)
	assert.False(t, unknown.Kind().Known())
}

func TestClassifyRejectsBadDataShape(t *testing.T) {
	_, err := Classify(Envelope{Event: "TransactionStatusChanged", Data: []byte(`{"InvoiceId":{"nested":true}}`)})
	assert.True(t, errors.Is(err, domain.ErrInvalidPayload))

	_, err = Classify(Envelope{Event: "RefundStatusChanged", Data: []byte(`{"RefundStatus":42}`)})
	assert.True(t, errors.Is(err, domain.ErrInvalidPayload))
}

func TestClassifyToleratesUnusableAmounts(t *testing.T) {
	for _, data := range []string{
		`{"InvoiceId":1,"InvoiceStatus":"Paid","InvoiceValue":""}`,
		`{"InvoiceId":1,"InvoiceStatus":"Paid","InvoiceValue":"n/a"}`,
		`{"InvoiceId":1,"InvoiceStatus":"Paid","InvoiceValue":null}`,
		`{"InvoiceId":1,"InvoiceStatus":"Paid","InvoiceValue":{"amount":1}}`,
	} {
		ev, err := Classify(Envelope{Event: "TransactionStatusChanged", Data: []byte(data)})
		require.NoError(t, err, data)
		tx := ev.(TransactionStatusChanged)
		assert.False(t, tx.InvoiceValue.Valid, data)
		assert.Equal(t, "Paid", tx.InvoiceStatus)
	}

	ev, err := Classify(Envelope{Event: "RefundStatusChanged", Data: []byte(`{"InvoiceId":1,"RefundAmount":" 12.75 "}`)})
	require.NoError(t, err)
	assert.Equal(t, "12.75", ev.(RefundStatusChanged).RefundAmount.Decimal.String())

	ev, err = Classify(Envelope{Event: "BalanceTransferred", Data: []byte(`{"InvoiceId":1,"BalanceAmount":"lots"}`)})
	require.NoError(t, err)
	assert.False(t, ev.(BalanceTransferred).BalanceAmount.Valid)
}

func TestClassifyAllowsMissingData(t *testing.T) {
	ev, err := Classify(Envelope{Event: "BalanceTransferred"})
	require.NoError(t, err)
	bal, ok := ev.(BalanceTransferred)
	require.True(t, ok)
	assert.True(t, bal.InvoiceID.Empty())
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`{"Event":`))
	assert.True(t, errors.Is(err, domain.ErrInvalidPayload))
}

func TestAllowed(t *testing.T) {
	assert.True(t, Allowed(KindRefundStatusChanged, nil))
	assert.True(t, Allowed(KindRefundStatusChanged, []string{"refundstatuschanged"}))
	assert.False(t, Allowed(KindRefundStatusChanged, []string{"TransactionStatusChanged"}))
}

func TestKindSets(t *testing.T) {
	for _, kind := range []Kind{
		KindTransactionStatusChanged, KindRefundStatusChanged, KindBalanceTransferred,
		KindSupplierUpdateRequestChanged, KindRecurringStatusChanged,
		KindDisputeStatusChanged, KindSupplierBankDetailsChanged,
	} {
		assert.True(t, kind.Known(), kind)
	}
	assert.True(t, KindBalanceTransferred.Reconciled())
	assert.False(t, KindSupplierBankDetailsChanged.Reconciled())
}
