package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/mawared/internal/payment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const paymentColumns = `id, external_id, customer_reference, user_id, resource_id, amount, currency,
	payment_status, payment_method, completed_at, created_at, updated_at`

func (r *repo) FindPaymentByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*domain.Payment, error) {
	return r.findPayment(ctx, db, "external_id", externalID)
}

func (r *repo) FindPaymentByCustomerReference(ctx context.Context, db *gorm.DB, reference string) (*domain.Payment, error) {
	return r.findPayment(ctx, db, "customer_reference", reference)
}

func (r *repo) findPayment(ctx context.Context, db *gorm.DB, column string, value string) (*domain.Payment, error) {
	if value == "" {
		return nil, nil
	}
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE `+column+` = ?
		 LIMIT 1`,
		value,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// LockPayment takes FOR UPDATE on Postgres. SQLite serializes writers on its
// own and the dialect drops the clause.
func (r *repo) LockPayment(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Where("id = ?", id).
		Limit(1).
		Find(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdatePaymentStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.PaymentStatus, now time.Time) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET payment_status = ?, updated_at = ?
		 WHERE id = ? AND payment_status = ?`,
		to,
		now,
		id,
		from,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrStaleStatus
	}
	return nil
}

func (r *repo) ClaimCompletion(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET payment_status = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND completed_at IS NULL AND payment_status IN (?, ?)`,
		domain.PaymentStatusCompleted,
		now,
		now,
		id,
		domain.PaymentStatusPending,
		domain.PaymentStatusCompleted,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) AppendAuditEntry(ctx context.Context, db *gorm.DB, entry *domain.AuditEntry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_webhook_events (id, payment_id, event_kind, payload, received_at)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.ID,
		entry.PaymentID,
		entry.EventKind,
		entry.Payload,
		entry.ReceivedAt,
	).Error
}

func (r *repo) ListAuditEntries(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]domain.AuditEntry, error) {
	var items []domain.AuditEntry
	err := db.WithContext(ctx).Raw(
		`SELECT id, payment_id, event_kind, payload, received_at
		 FROM payment_webhook_events
		 WHERE payment_id = ?
		 ORDER BY received_at ASC, id ASC`,
		paymentID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindPurchase(ctx context.Context, db *gorm.DB, userID, resourceID, paymentID snowflake.ID) (*domain.Purchase, error) {
	var item domain.Purchase
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, resource_id, payment_id, amount, currency, payment_status,
			payment_method, download_expires, refund_status, refund_reason, created_at, updated_at
		 FROM purchases
		 WHERE user_id = ? AND resource_id = ? AND payment_id = ?
		 LIMIT 1`,
		userID,
		resourceID,
		paymentID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// InsertPurchase reports false when the (user, resource, payment) row already exists.
func (r *repo) InsertPurchase(ctx context.Context, db *gorm.DB, purchase *domain.Purchase) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "resource_id"}, {Name: "payment_id"}},
			DoNothing: true,
		}).
		Create(purchase)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpdatePurchaseCompletion(ctx context.Context, db *gorm.DB, id snowflake.ID, expires time.Time, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE purchases
		 SET payment_status = ?, download_expires = ?, updated_at = ?
		 WHERE id = ?`,
		domain.PaymentStatusCompleted,
		expires,
		now,
		id,
	).Error
}

func (r *repo) UpdatePurchaseRefund(ctx context.Context, db *gorm.DB, id snowflake.ID, update domain.RefundUpdate, now time.Time) error {
	if update.PaymentStatus != nil {
		return db.WithContext(ctx).Exec(
			`UPDATE purchases
			 SET refund_status = ?, refund_reason = ?, payment_status = ?, updated_at = ?
			 WHERE id = ?`,
			update.Status,
			update.Reason,
			*update.PaymentStatus,
			now,
			id,
		).Error
	}
	return db.WithContext(ctx).Exec(
		`UPDATE purchases
		 SET refund_status = ?, refund_reason = ?, updated_at = ?
		 WHERE id = ?`,
		update.Status,
		update.Reason,
		now,
		id,
	).Error
}

func (r *repo) IncrementDownloadCount(ctx context.Context, db *gorm.DB, resourceID snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE resources
		 SET download_count = download_count + 1, updated_at = ?
		 WHERE id = ?`,
		now,
		resourceID,
	).Error
}
