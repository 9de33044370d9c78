package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
)

type RefundStatus string

const (
	RefundStatusNone      RefundStatus = "NONE"
	RefundStatusRequested RefundStatus = "REQUESTED"
	RefundStatusApproved  RefundStatus = "APPROVED"
	RefundStatusRejected  RefundStatus = "REJECTED"
)

// Resource is the marketplace item a purchase unlocks.
type Resource struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	Title         string       `json:"title" gorm:"type:text"`
	DownloadCount int64        `json:"download_count" gorm:"not null;default:0"`
	CreatedAt     time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt     time.Time    `json:"updated_at" gorm:"not null"`
}

func (Resource) TableName() string { return "resources" }

// Payment is one attempted charge, created at checkout and mutated only by webhook reconciliation.
type Payment struct {
	ID                snowflake.ID    `json:"id" gorm:"primaryKey"`
	ExternalID        string          `json:"external_id" gorm:"type:text;not null;uniqueIndex"`
	CustomerReference *string         `json:"customer_reference" gorm:"type:text;uniqueIndex"`
	UserID            snowflake.ID    `json:"user_id" gorm:"not null"`
	ResourceID        snowflake.ID    `json:"resource_id" gorm:"not null"`
	Amount            decimal.Decimal `json:"amount" gorm:"type:numeric"`
	Currency          string          `json:"currency" gorm:"type:text"`
	PaymentStatus     PaymentStatus   `json:"payment_status" gorm:"type:text;not null"`
	PaymentMethod     string          `json:"payment_method" gorm:"type:text"`
	CompletedAt       *time.Time      `json:"completed_at"`
	CreatedAt         time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt         time.Time       `json:"updated_at" gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

// Purchase is the buyer's entitlement derived from a completed payment.
type Purchase struct {
	ID              snowflake.ID    `json:"id" gorm:"primaryKey"`
	UserID          snowflake.ID    `json:"user_id" gorm:"not null"`
	ResourceID      snowflake.ID    `json:"resource_id" gorm:"not null"`
	PaymentID       snowflake.ID    `json:"payment_id" gorm:"not null"`
	Amount          decimal.Decimal `json:"amount" gorm:"type:numeric"`
	Currency        string          `json:"currency" gorm:"type:text"`
	PaymentStatus   PaymentStatus   `json:"payment_status" gorm:"type:text;not null"`
	PaymentMethod   string          `json:"payment_method" gorm:"type:text"`
	DownloadExpires *time.Time      `json:"download_expires"`
	RefundStatus    RefundStatus    `json:"refund_status" gorm:"type:text;not null"`
	RefundReason    string          `json:"refund_reason" gorm:"type:text"`
	CreatedAt       time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt       time.Time       `json:"updated_at" gorm:"not null"`
}

func (Purchase) TableName() string { return "purchases" }

// AuditEntry is one row of a payment's append-only webhook history.
type AuditEntry struct {
	ID         snowflake.ID   `json:"id" gorm:"primaryKey"`
	PaymentID  snowflake.ID   `json:"payment_id" gorm:"not null;index"`
	EventKind  string         `json:"event_kind" gorm:"type:text;not null"`
	Payload    datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt time.Time      `json:"received_at" gorm:"not null"`
}

func (AuditEntry) TableName() string { return "payment_webhook_events" }
