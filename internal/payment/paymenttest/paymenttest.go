// Package paymenttest provides an in-memory store and fixtures for payment tests.
package paymenttest

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/mawared/internal/payment/domain"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

var schema = []string{
	`CREATE TABLE resources (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		download_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE payments (
		id INTEGER PRIMARY KEY,
		external_id TEXT NOT NULL UNIQUE,
		customer_reference TEXT UNIQUE,
		user_id INTEGER NOT NULL,
		resource_id INTEGER NOT NULL,
		amount NUMERIC NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT 'SAR',
		payment_status TEXT NOT NULL,
		payment_method TEXT NOT NULL DEFAULT '',
		completed_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE payment_webhook_events (
		id INTEGER PRIMARY KEY,
		payment_id INTEGER NOT NULL,
		event_kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		received_at DATETIME NOT NULL
	)`,
	`CREATE TABLE purchases (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		resource_id INTEGER NOT NULL,
		payment_id INTEGER NOT NULL,
		amount NUMERIC NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT 'SAR',
		payment_status TEXT NOT NULL,
		payment_method TEXT NOT NULL DEFAULT '',
		download_expires DATETIME,
		refund_status TEXT NOT NULL DEFAULT 'NONE',
		refund_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (user_id, resource_id, payment_id)
	)`,
	`CREATE TABLE settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT '',
		encrypted BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at DATETIME NOT NULL
	)`,
}

// OpenDB returns a fresh in-memory database with the payment schema.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:payments_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func Node(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(7)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

// Fixture is a resource with one payment against it.
type Fixture struct {
	Resource domain.Resource
	Payment  domain.Payment
}

// SeedPayment inserts a resource and a payment with the given external id and status.
func SeedPayment(t *testing.T, db *gorm.DB, node *snowflake.Node, externalID, customerReference string, status domain.PaymentStatus) Fixture {
	t.Helper()

	now := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	resource := domain.Resource{
		ID:        node.Generate(),
		Title:     "Riyadh market report",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.Exec(
		`INSERT INTO resources (id, title, download_count, created_at, updated_at) VALUES (?, ?, 0, ?, ?)`,
		resource.ID, resource.Title, now, now,
	).Error; err != nil {
		t.Fatalf("seed resource: %v", err)
	}

	var ref *string
	if customerReference != "" {
		ref = &customerReference
	}
	payment := domain.Payment{
		ID:                node.Generate(),
		ExternalID:        externalID,
		CustomerReference: ref,
		UserID:            node.Generate(),
		ResourceID:        resource.ID,
		Amount:            decimal.RequireFromString("150.50"),
		Currency:          "SAR",
		PaymentStatus:     status,
		PaymentMethod:     "MADA",
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := db.Exec(
		`INSERT INTO payments (id, external_id, customer_reference, user_id, resource_id, amount, currency,
			payment_status, payment_method, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID, payment.ExternalID, payment.CustomerReference, payment.UserID, payment.ResourceID,
		payment.Amount, payment.Currency, payment.PaymentStatus, payment.PaymentMethod, now, now,
	).Error; err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	return Fixture{Resource: resource, Payment: payment}
}

func AssertCount(t *testing.T, db *gorm.DB, query string, expected int64, args ...any) {
	t.Helper()

	var count int64
	if err := db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("query count: %v", err)
	}
	if count != expected {
		t.Fatalf("%s: expected %d, got %d", query, expected, count)
	}
}

func PaymentStatus(t *testing.T, db *gorm.DB, id snowflake.ID) domain.PaymentStatus {
	t.Helper()
	var status string
	if err := db.Raw("SELECT payment_status FROM payments WHERE id = ?", id).Scan(&status).Error; err != nil {
		t.Fatalf("scan payment_status: %v", err)
	}
	return domain.PaymentStatus(status)
}

func DownloadCount(t *testing.T, db *gorm.DB, resourceID snowflake.ID) int64 {
	t.Helper()
	var count int64
	if err := db.Raw("SELECT download_count FROM resources WHERE id = ?", resourceID).Scan(&count).Error; err != nil {
		t.Fatalf("scan download_count: %v", err)
	}
	return count
}

// Purchase loads the single purchase for a payment, failing the test when absent.
func Purchase(t *testing.T, db *gorm.DB, paymentID snowflake.ID) domain.Purchase {
	t.Helper()
	var item domain.Purchase
	if err := db.Raw(
		`SELECT id, user_id, resource_id, payment_id, amount, currency, payment_status, payment_method,
			download_expires, refund_status, refund_reason, created_at, updated_at
		 FROM purchases WHERE payment_id = ?`,
		paymentID,
	).Scan(&item).Error; err != nil {
		t.Fatalf("scan purchase: %v", err)
	}
	if item.ID == 0 {
		t.Fatalf("expected purchase for payment %s", paymentID)
	}
	return item
}
