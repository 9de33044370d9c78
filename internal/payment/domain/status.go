package domain

import "strings"

// MapInvoiceStatus maps a provider invoice status onto PaymentStatus.
// Unknown strings map to PENDING.
func MapInvoiceStatus(status string) PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "paid":
		return PaymentStatusCompleted
	case "failed":
		return PaymentStatusFailed
	case "canceled", "cancelled":
		return PaymentStatusCancelled
	default:
		return PaymentStatusPending
	}
}

// MapRefundStatus maps a provider refund status onto RefundStatus.
// Unknown strings map to NONE.
func MapRefundStatus(status string) RefundStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "approved", "success":
		return RefundStatusApproved
	case "rejected", "failed":
		return RefundStatusRejected
	case "pending":
		return RefundStatusRequested
	default:
		return RefundStatusNone
	}
}

func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusRefunded:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a payment may move from one status to another.
// Re-applying the current status is not a transition.
func CanTransition(from, to PaymentStatus) bool {
	if from == "" {
		from = PaymentStatusPending
	}
	if from == to {
		return false
	}
	if !from.Terminal() {
		return true
	}
	return from == PaymentStatusCompleted && to == PaymentStatusRefunded
}

// CanTransitionRefund reports whether a purchase refund status may change.
// NONE never overwrites a known state and APPROVED is final.
func CanTransitionRefund(from, to RefundStatus) bool {
	if from == "" {
		from = RefundStatusNone
	}
	if to == RefundStatusNone || from == to {
		return false
	}
	switch from {
	case RefundStatusNone, RefundStatusRequested:
		return true
	case RefundStatusRejected:
		return to == RefundStatusRequested || to == RefundStatusApproved
	default:
		return false
	}
}
