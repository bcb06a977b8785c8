package database

import (
	"context"
	"curation-reconciler/config"
	"curation-reconciler/logger"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// AuditRetentionCheckSeconds is how often the pruning loop wakes up.
var AuditRetentionCheckSeconds uint64 = 60 * 30

// DropAuditHistory periodically deletes curation audit records older than
// intervalSeconds. The dual ledger itself is never pruned.
func DropAuditHistory(ctx context.Context, db *gorm.DB, intervalSeconds, checkInterval uint64) {
	for {
		startTime := time.Now()
		queryCtx, cancel := context.WithTimeout(ctx, config.Timeout)
		err := DropAuditHistoryIteration(db.WithContext(queryCtx), intervalSeconds)
		cancel()
		if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Info("finished audit retention iteration in %v", time.Since(startTime))
		} else {
			logger.Error("audit retention error: %s", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(checkInterval) * time.Second):
		}
	}
}

func DropAuditHistoryIteration(db *gorm.DB, intervalSeconds uint64) error {
	deleteBefore := time.Now().Add(-time.Duration(intervalSeconds) * time.Second)

	res := db.Where("created_at < ?", deleteBefore).Delete(&CurationEventLog{})
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to delete historic audit data")
	}

	if res.RowsAffected > 0 {
		logger.Info("Deleted %d audit records older than %v", res.RowsAffected, deleteBefore)
	}

	return nil
}
