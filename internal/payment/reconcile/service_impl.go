package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/mawared/internal/clock"
	"github.com/smallbiznis/mawared/internal/config"
	"github.com/smallbiznis/mawared/internal/lock"
	obslogger "github.com/smallbiznis/mawared/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/mawared/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/mawared/internal/payment/domain"
	"github.com/smallbiznis/mawared/internal/payment/event"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Outcome labels what reconciliation did with an event.
type Outcome string

const (
	OutcomeReconciled      Outcome = "reconciled"
	OutcomeNoChange        Outcome = "no_change"
	OutcomePaymentNotFound Outcome = "payment_not_found"
	OutcomeAudited         Outcome = "audited"
	OutcomeIgnored         Outcome = "ignored"
)

const defaultDownloadWindow = 30 * 24 * time.Hour

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       paymentdomain.Repository
	Cfg        config.Config
	Clock      clock.Clock         `optional:"true"`
	Locker     *lock.Locker        `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	repo           paymentdomain.Repository
	clock          clock.Clock
	locker         *lock.Locker
	obsMetrics     *obsmetrics.Metrics
	downloadWindow time.Duration
	lockTTL        time.Duration
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	window := p.Cfg.PurchaseDownloadWindow
	if window <= 0 {
		window = defaultDownloadWindow
	}
	lockTTL := p.Cfg.WebhookLockTTL
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}

	return &Service{
		db:             p.DB,
		log:            p.Log.Named("payment.reconcile"),
		genID:          p.GenID,
		repo:           p.Repo,
		clock:          clk,
		locker:         p.Locker,
		obsMetrics:     p.ObsMetrics,
		downloadWindow: window,
		lockTTL:        lockTTL,
	}
}

// Reconcile applies one classified event. raw is the untouched request body
// stored in the audit trail.
func (s *Service) Reconcile(ctx context.Context, ev event.Event, raw []byte) (Outcome, error) {
	if ev == nil {
		return "", paymentdomain.ErrInvalidEvent
	}

	var (
		outcome Outcome
		err     error
	)
	switch e := ev.(type) {
	case event.TransactionStatusChanged:
		outcome, err = s.withInvoiceLock(ctx, e.InvoiceID.String(), func() (Outcome, error) {
			return s.handleTransaction(ctx, e, raw)
		})
	case event.RefundStatusChanged:
		outcome, err = s.withInvoiceLock(ctx, e.InvoiceID.String(), func() (Outcome, error) {
			return s.handleRefund(ctx, e, raw)
		})
	case event.BalanceTransferred:
		outcome = s.handleBalance(ctx, e, raw)
	default:
		s.logger(ctx).Info("event acknowledged without reconciliation", zap.String("event", string(ev.Kind())))
		outcome = OutcomeIgnored
	}

	if err == nil {
		s.obsMetrics.RecordPaymentEvent(ctx, string(ev.Kind()), string(outcome))
	}
	return outcome, err
}

func (s *Service) handleTransaction(ctx context.Context, ev event.TransactionStatusChanged, raw []byte) (Outcome, error) {
	log := s.logger(ctx).With(zap.String("event", string(ev.Kind())), zap.String("invoice_id", ev.InvoiceID.String()))
	outcome := OutcomeNoChange

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.findPayment(ctx, tx, ev.InvoiceID.String(), ev.CustomerReference.String())
		if err != nil {
			return err
		}
		if payment != nil {
			payment, err = s.repo.LockPayment(ctx, tx, payment.ID)
			if err != nil {
				return err
			}
		}
		if payment == nil {
			log.Info("no payment matches transaction event")
			outcome = OutcomePaymentNotFound
			return nil
		}

		now := s.clock.Now().UTC()
		if err := s.appendAudit(ctx, tx, payment.ID, ev.Kind(), raw, now); err != nil {
			return err
		}

		target := paymentdomain.MapInvoiceStatus(ev.InvoiceStatus)
		if target == paymentdomain.PaymentStatusCompleted {
			if payment.PaymentStatus != paymentdomain.PaymentStatusCompleted &&
				!paymentdomain.CanTransition(payment.PaymentStatus, target) {
				log.Warn("payment status transition rejected",
					zap.String("from", string(payment.PaymentStatus)),
					zap.String("to", string(target)),
				)
				return nil
			}
			changed, err := s.completePayment(ctx, tx, payment, ev, now)
			if err != nil {
				return err
			}
			if changed {
				outcome = OutcomeReconciled
			}
			return nil
		}

		if payment.PaymentStatus == target {
			return nil
		}
		if !paymentdomain.CanTransition(payment.PaymentStatus, target) {
			log.Warn("payment status transition rejected",
				zap.String("from", string(payment.PaymentStatus)),
				zap.String("to", string(target)),
			)
			return nil
		}
		if err := s.repo.UpdatePaymentStatus(ctx, tx, payment.ID, payment.PaymentStatus, target, now); err != nil {
			return err
		}
		outcome = OutcomeReconciled
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// completePayment grants the purchase on the first completion only. Replays
// make sure the purchase exists but never move its expiry or the counter.
func (s *Service) completePayment(
	ctx context.Context,
	tx *gorm.DB,
	payment *paymentdomain.Payment,
	ev event.TransactionStatusChanged,
	now time.Time,
) (bool, error) {
	claimed, err := s.repo.ClaimCompletion(ctx, tx, payment.ID, now)
	if err != nil {
		return false, err
	}
	if !claimed && payment.CompletedAt == nil {
		// The row left PENDING after it was read; re-run against the new state.
		return false, paymentdomain.ErrStaleStatus
	}

	completedAt := now
	if !claimed && payment.CompletedAt != nil {
		completedAt = payment.CompletedAt.UTC()
	}
	expires := completedAt.Add(s.downloadWindow)

	purchaseChanged, err := s.ensurePurchase(ctx, tx, payment, ev.PaymentMethod, expires, claimed, now)
	if err != nil {
		return false, err
	}
	if !claimed {
		return purchaseChanged, nil
	}

	if err := s.repo.IncrementDownloadCount(ctx, tx, payment.ResourceID, now); err != nil {
		return false, err
	}
	s.logger(ctx).Info("payment completed",
		zap.String("payment_id", payment.ID.String()),
		zap.Time("download_expires", expires),
	)
	return true, nil
}

func (s *Service) ensurePurchase(
	ctx context.Context,
	tx *gorm.DB,
	payment *paymentdomain.Payment,
	method string,
	expires time.Time,
	firstCompletion bool,
	now time.Time,
) (bool, error) {
	purchase, err := s.repo.FindPurchase(ctx, tx, payment.UserID, payment.ResourceID, payment.ID)
	if err != nil {
		return false, err
	}

	if purchase == nil {
		if method == "" {
			method = payment.PaymentMethod
		}
		inserted, err := s.repo.InsertPurchase(ctx, tx, &paymentdomain.Purchase{
			ID:              s.genID.Generate(),
			UserID:          payment.UserID,
			ResourceID:      payment.ResourceID,
			PaymentID:       payment.ID,
			Amount:          payment.Amount,
			Currency:        payment.Currency,
			PaymentStatus:   paymentdomain.PaymentStatusCompleted,
			PaymentMethod:   method,
			DownloadExpires: &expires,
			RefundStatus:    paymentdomain.RefundStatusNone,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		if err != nil {
			return false, err
		}
		if inserted {
			return true, nil
		}
		purchase, err = s.repo.FindPurchase(ctx, tx, payment.UserID, payment.ResourceID, payment.ID)
		if err != nil {
			return false, err
		}
		if purchase == nil {
			return false, paymentdomain.ErrPurchaseNotCreated
		}
	}

	next := purchase.DownloadExpires
	if firstCompletion {
		if next == nil || next.Before(expires) {
			next = &expires
		}
	} else {
		// Replays only fill a missing expiry on a live grant. A refunded or
		// failed purchase is never brought back.
		if purchase.PaymentStatus != paymentdomain.PaymentStatusCompleted || next != nil {
			return false, nil
		}
		next = &expires
	}
	if err := s.repo.UpdatePurchaseCompletion(ctx, tx, purchase.ID, *next, now); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) handleRefund(ctx context.Context, ev event.RefundStatusChanged, raw []byte) (Outcome, error) {
	log := s.logger(ctx).With(zap.String("event", string(ev.Kind())), zap.String("invoice_id", ev.InvoiceID.String()))
	outcome := OutcomeNoChange

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.repo.FindPaymentByExternalID(ctx, tx, ev.InvoiceID.String())
		if err != nil {
			return err
		}
		if payment != nil {
			payment, err = s.repo.LockPayment(ctx, tx, payment.ID)
			if err != nil {
				return err
			}
		}
		if payment == nil {
			log.Info("no payment matches refund event")
			outcome = OutcomePaymentNotFound
			return nil
		}

		now := s.clock.Now().UTC()
		if err := s.appendAudit(ctx, tx, payment.ID, ev.Kind(), raw, now); err != nil {
			return err
		}

		refund := paymentdomain.MapRefundStatus(ev.RefundStatus)
		approved := refund == paymentdomain.RefundStatusApproved

		purchase, err := s.repo.FindPurchase(ctx, tx, payment.UserID, payment.ResourceID, payment.ID)
		if err != nil {
			return err
		}
		switch {
		case purchase == nil:
			log.Warn("refund event has no purchase to update", zap.String("payment_id", payment.ID.String()))
		case paymentdomain.CanTransitionRefund(purchase.RefundStatus, refund):
			update := paymentdomain.RefundUpdate{Status: refund, Reason: ev.Reason()}
			if update.Reason == "" {
				update.Reason = purchase.RefundReason
			}
			if approved {
				refunded := paymentdomain.PaymentStatusRefunded
				update.PaymentStatus = &refunded
			}
			if err := s.repo.UpdatePurchaseRefund(ctx, tx, purchase.ID, update, now); err != nil {
				return err
			}
			outcome = OutcomeReconciled
		default:
			log.Debug("refund status unchanged",
				zap.String("from", string(purchase.RefundStatus)),
				zap.String("to", string(refund)),
			)
		}

		if !approved || payment.PaymentStatus == paymentdomain.PaymentStatusRefunded {
			return nil
		}
		if !paymentdomain.CanTransition(payment.PaymentStatus, paymentdomain.PaymentStatusRefunded) {
			log.Warn("payment status transition rejected",
				zap.String("from", string(payment.PaymentStatus)),
				zap.String("to", string(paymentdomain.PaymentStatusRefunded)),
			)
			return nil
		}
		if err := s.repo.UpdatePaymentStatus(ctx, tx, payment.ID, payment.PaymentStatus, paymentdomain.PaymentStatusRefunded, now); err != nil {
			return err
		}
		outcome = OutcomeReconciled
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// handleBalance only appends to the audit trail; failures are logged and dropped.
func (s *Service) handleBalance(ctx context.Context, ev event.BalanceTransferred, raw []byte) Outcome {
	log := s.logger(ctx).With(zap.String("event", string(ev.Kind())), zap.String("invoice_id", ev.InvoiceID.String()))

	payment, err := s.repo.FindPaymentByExternalID(ctx, s.db, ev.InvoiceID.String())
	if err != nil {
		log.Warn("balance transfer lookup failed", zap.Error(err))
		return OutcomeIgnored
	}
	if payment == nil {
		return OutcomePaymentNotFound
	}
	if err := s.appendAudit(ctx, s.db, payment.ID, ev.Kind(), raw, s.clock.Now().UTC()); err != nil {
		log.Warn("balance transfer audit append failed", zap.Error(err))
		return OutcomeIgnored
	}
	return OutcomeAudited
}

func (s *Service) findPayment(ctx context.Context, tx *gorm.DB, externalID, customerReference string) (*paymentdomain.Payment, error) {
	payment, err := s.repo.FindPaymentByExternalID(ctx, tx, externalID)
	if err != nil || payment != nil {
		return payment, err
	}
	return s.repo.FindPaymentByCustomerReference(ctx, tx, customerReference)
}

func (s *Service) appendAudit(ctx context.Context, db *gorm.DB, paymentID snowflake.ID, kind event.Kind, raw []byte, now time.Time) error {
	return s.repo.AppendAuditEntry(ctx, db, &paymentdomain.AuditEntry{
		ID:         s.genID.Generate(),
		PaymentID:  paymentID,
		EventKind:  string(kind),
		Payload:    datatypes.JSON(raw),
		ReceivedAt: now,
	})
}

// withInvoiceLock serializes deliveries for one invoice across instances when
// Redis is configured. Lock errors fall through to the database guards.
func (s *Service) withInvoiceLock(ctx context.Context, invoiceID string, fn func() (Outcome, error)) (Outcome, error) {
	if s.locker == nil || invoiceID == "" {
		return fn()
	}

	release, err := s.locker.LockInvoice(ctx, invoiceID, s.lockTTL)
	switch {
	case errors.Is(err, paymentdomain.ErrDeliveryInFlight):
		return "", err
	case err != nil:
		if !errors.Is(err, lock.ErrNotConfigured) {
			s.logger(ctx).Warn("invoice lock unavailable", zap.String("invoice_id", invoiceID), zap.Error(err))
		}
		return fn()
	}
	defer func() {
		if err := release(); err != nil {
			s.logger(ctx).Warn("invoice lock release failed", zap.String("invoice_id", invoiceID), zap.Error(err))
		}
	}()
	return fn()
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}
