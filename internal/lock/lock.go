// Package lock serializes webhook deliveries for one invoice across instances.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	paymentdomain "github.com/smallbiznis/mawared/internal/payment/domain"
)

const invoiceKeyPrefix = "mawared:webhook:invoice:"

// releaseScript deletes the key only while it still carries our token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	ErrNotConfigured = errors.New("lock_client_not_configured")
	errEmptyKey      = errors.New("lock key is empty")
	errBadTTL        = errors.New("lock ttl must be positive")
)

// Locker is a single-instance Redis lock. A holder whose TTL lapses loses the
// lock silently; the database guards still apply.
type Locker struct {
	client  *redis.Client
	release *redis.Script
}

// NewLocker returns nil without a client so callers can skip locking.
func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:  client,
		release: redis.NewScript(releaseScript),
	}
}

func InvoiceKey(invoiceID string) string {
	return invoiceKeyPrefix + invoiceID
}

// LockInvoice holds the delivery lock for one invoice until release is
// called. A lock held elsewhere yields domain.ErrDeliveryInFlight. release
// outlives ctx so an aborted request still frees the key.
func (l *Locker) LockInvoice(ctx context.Context, invoiceID string, ttl time.Duration) (release func() error, err error) {
	if invoiceID == "" {
		return nil, errEmptyKey
	}
	key := InvoiceKey(invoiceID)
	token, ok, err := l.TryLock(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, paymentdomain.ErrDeliveryInFlight
	}
	detached := context.WithoutCancel(ctx)
	return func() error {
		return l.Release(detached, key, token)
	}, nil
}

// TryLock sets key with a fresh token if nobody holds it.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error) {
	switch {
	case l == nil || l.client == nil:
		return "", false, ErrNotConfigured
	case key == "":
		return "", false, errEmptyKey
	case ttl <= 0:
		return "", false, errBadTTL
	}

	token = uuid.NewString()
	ok, err = l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil || key == "" || token == "" {
		return nil
	}
	return l.release.Run(ctx, l.client, []string{key}, token).Err()
}
