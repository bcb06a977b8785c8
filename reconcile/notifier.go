package reconcile

import (
	"context"
	"curation-reconciler/database"
	"curation-reconciler/logger"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Donation bundles the finalized ledger entry with the resolved parties for
// side effects.
type Donation struct {
	Tx        *database.Transaction
	Sender    *database.User
	Recipient *database.User
	Target    *database.Article
}

// Notifier receives a best-effort signal after a donation is finalized as
// succeeded. Implementations must never fail the caller.
type Notifier interface {
	DonationSucceeded(ctx context.Context, d *Donation)
}

const notificationList = "notifications:donation"

// RedisNotifier invalidates the cached donation target and hands a
// notification record to the out-of-process mail/notification workers.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) DonationSucceeded(ctx context.Context, d *Donation) {
	cacheKey := fmt.Sprintf("cache:article:%d", d.Target.ID)
	if err := n.client.Del(ctx, cacheKey).Err(); err != nil {
		logger.Warn("cache invalidation for %s failed: %s", cacheKey, err)
	}

	record, err := json.Marshal(map[string]interface{}{
		"type":         "donation_succeeded",
		"tx_id":        d.Tx.ID,
		"sender_id":    d.Sender.ID,
		"recipient_id": d.Recipient.ID,
		"article_id":   d.Target.ID,
		"amount":       d.Tx.Amount.String(),
		"currency":     d.Tx.Currency,
	})
	if err != nil {
		logger.Warn("notification marshal failed: %s", err)
		return
	}

	if err := n.client.RPush(ctx, notificationList, record).Err(); err != nil {
		logger.Warn("notification push for tx %d failed: %s", d.Tx.ID, err)
	}
}

// NopNotifier is used in tests and when redis is not configured.
type NopNotifier struct{}

func (NopNotifier) DonationSucceeded(context.Context, *Donation) {}
