// Package event decodes provider webhook envelopes into typed events.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/smallbiznis/mawared/internal/payment/domain"
)

type Kind string

const (
	KindTransactionStatusChanged     Kind = "TransactionStatusChanged"
	KindRefundStatusChanged          Kind = "RefundStatusChanged"
	KindBalanceTransferred           Kind = "BalanceTransferred"
	KindSupplierUpdateRequestChanged Kind = "SupplierUpdateRequestChanged"
	KindRecurringStatusChanged       Kind = "RecurringStatusChanged"
	KindDisputeStatusChanged         Kind = "DisputeStatusChanged"
	KindSupplierBankDetailsChanged   Kind = "SupplierBankDetailsChanged"
)

var knownKinds = map[Kind]struct{}{
	KindTransactionStatusChanged:     {},
	KindRefundStatusChanged:          {},
	KindBalanceTransferred:           {},
	KindSupplierUpdateRequestChanged: {},
	KindRecurringStatusChanged:       {},
	KindDisputeStatusChanged:         {},
	KindSupplierBankDetailsChanged:   {},
}

// Known reports whether the provider documents this kind.
func (k Kind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// Reconciled reports whether the kind mutates or audits payment state.
func (k Kind) Reconciled() bool {
	switch k {
	case KindTransactionStatusChanged, KindRefundStatusChanged, KindBalanceTransferred:
		return true
	default:
		return false
	}
}

// Allowed applies the configured allow-list. An empty list allows every kind.
func Allowed(kind Kind, allowList []string) bool {
	if len(allowList) == 0 {
		return true
	}
	for _, allowed := range allowList {
		if strings.EqualFold(strings.TrimSpace(allowed), string(kind)) {
			return true
		}
	}
	return false
}

// Envelope is the top-level webhook body.
type Envelope struct {
	Event string          `json:"Event"`
	Data  json.RawMessage `json:"Data"`
}

func (e Envelope) Kind() Kind {
	return Kind(strings.TrimSpace(e.Event))
}

// Parse decodes the envelope. Malformed JSON yields domain.ErrInvalidPayload.
func Parse(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return env, nil
}

// Event is the sum of all webhook variants.
type Event interface {
	Kind() Kind
}

type TransactionStatusChanged struct {
	InvoiceID         FlexString  `json:"InvoiceId"`
	InvoiceStatus     string      `json:"InvoiceStatus"`
	InvoiceValue      FlexDecimal `json:"InvoiceValue"`
	CustomerReference FlexString  `json:"CustomerReference"`
	PaymentID         FlexString  `json:"PaymentId"`
	PaymentMethod     string      `json:"PaymentMethod"`
	ErrorCode         FlexString  `json:"ErrorCode"`
	Error             string      `json:"Error"`
}

func (TransactionStatusChanged) Kind() Kind { return KindTransactionStatusChanged }

type RefundStatusChanged struct {
	InvoiceID    FlexString  `json:"InvoiceId"`
	PaymentID    FlexString  `json:"PaymentId"`
	RefundID     FlexString  `json:"RefundId"`
	RefundStatus string      `json:"RefundStatus"`
	RefundAmount FlexDecimal `json:"RefundAmount"`
	Comments     string      `json:"Comments"`
	Error        string      `json:"Error"`
}

func (RefundStatusChanged) Kind() Kind { return KindRefundStatusChanged }

// Reason picks the provider's explanation for the refund outcome.
func (r RefundStatusChanged) Reason() string {
	if reason := strings.TrimSpace(r.Comments); reason != "" {
		return reason
	}
	return strings.TrimSpace(r.Error)
}

type BalanceTransferred struct {
	InvoiceID     FlexString  `json:"InvoiceId"`
	BalanceAmount FlexDecimal `json:"BalanceAmount"`
}

func (BalanceTransferred) Kind() Kind { return KindBalanceTransferred }

// Passthrough carries a documented kind that has no reconciliation logic.
type Passthrough struct {
	EventKind Kind
	Data      json.RawMessage
}

func (p Passthrough) Kind() Kind { return p.EventKind }

// Unrecognized carries a kind outside the documented set.
type Unrecognized struct {
	Name string
	Data json.RawMessage
}

func (u Unrecognized) Kind() Kind { return Kind(u.Name) }

// Classify selects the variant for an envelope. Only the reconciled kinds
// decode Data; an identifier or status of the wrong JSON type yields
// domain.ErrInvalidPayload. Amounts never fail decoding.
func Classify(env Envelope) (Event, error) {
	kind := env.Kind()
	switch kind {
	case KindTransactionStatusChanged:
		var ev TransactionStatusChanged
		if err := decodeData(env.Data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case KindRefundStatusChanged:
		var ev RefundStatusChanged
		if err := decodeData(env.Data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case KindBalanceTransferred:
		var ev BalanceTransferred
		if err := decodeData(env.Data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	}
	if kind.Known() {
		return Passthrough{EventKind: kind, Data: env.Data}, nil
	}
	return Unrecognized{Name: string(kind), Data: env.Data}, nil
}

func decodeData(data json.RawMessage, out any) error {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return nil
}
