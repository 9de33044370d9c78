package domain

import "errors"

var (
	ErrInvalidPayload     = errors.New("invalid_payload")
	ErrInvalidEvent       = errors.New("invalid_event")
	ErrStaleStatus        = errors.New("payment_status_changed_concurrently")
	ErrDeliveryInFlight   = errors.New("delivery_in_flight")
	ErrPurchaseNotCreated = errors.New("purchase_not_created")
)
