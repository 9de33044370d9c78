package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindPaymentByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*Payment, error)
	FindPaymentByCustomerReference(ctx context.Context, db *gorm.DB, reference string) (*Payment, error)
	// LockPayment re-reads a payment and holds its row lock until the transaction ends.
	LockPayment(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	// UpdatePaymentStatus only applies when the row still holds from; otherwise ErrStaleStatus.
	UpdatePaymentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to PaymentStatus, now time.Time) error
	// ClaimCompletion marks the first completion of a payment and reports whether this call won it.
	ClaimCompletion(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)

	AppendAuditEntry(ctx context.Context, db *gorm.DB, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]AuditEntry, error)

	FindPurchase(ctx context.Context, db *gorm.DB, userID, resourceID, paymentID snowflake.ID) (*Purchase, error)
	InsertPurchase(ctx context.Context, db *gorm.DB, purchase *Purchase) (bool, error)
	UpdatePurchaseCompletion(ctx context.Context, db *gorm.DB, id snowflake.ID, expires time.Time, now time.Time) error
	UpdatePurchaseRefund(ctx context.Context, db *gorm.DB, id snowflake.ID, update RefundUpdate, now time.Time) error

	IncrementDownloadCount(ctx context.Context, db *gorm.DB, resourceID snowflake.ID, now time.Time) error
}

type RefundUpdate struct {
	Status        RefundStatus
	Reason        string
	PaymentStatus *PaymentStatus
}
