package main

import (
	"context"
	"curation-reconciler/chain"
	"curation-reconciler/config"
	"curation-reconciler/database"
	"curation-reconciler/logger"
	"curation-reconciler/queue"
	"curation-reconciler/reconcile"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

func main() {
	_ = godotenv.Load()
	flag.Parse()

	cfg, err := config.BuildConfig()
	if err != nil {
		fmt.Println("Config error: ", err)
		return
	}
	config.GlobalConfigCallback.Call(cfg)
	logger.Info("Running with configuration: chain: %s, contract: %s, database: %s",
		cfg.Chain.NodeURL, cfg.Chain.ContractAddress, cfg.DB.Database)

	db, err := database.ConnectAndInitialize(&cfg.DB)
	if err != nil {
		logger.Fatal("Database connect and initialize error: %s", err)
	}

	nodeURL, err := cfg.Chain.FullNodeURL()
	if err != nil {
		logger.Fatal("Invalid node URL in config: %s", err)
	}
	reader, err := chain.DialRPCNode(nodeURL, cfg.Chain.ContractAddress)
	if err != nil {
		logger.Fatal("Could not connect to the chain node: %s", err)
	}

	var notifier reconcile.Notifier = reconcile.NopNotifier{}
	if cfg.Redis.Address != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		notifier = reconcile.NewRedisNotifier(redisClient)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q := queue.New()

	confirmer := reconcile.NewConfirmer(db, reader, cfg.Chain, notifier)
	q.Register(reconcile.JobPayToBlockchain, confirmer.Handle, queue.Options{
		Concurrency:     cfg.Confirm.Concurrency,
		MaxAttempts:     cfg.Confirm.MaxAttempts,
		InitialInterval: cfg.Confirm.Backoff(),
	})

	syncer := reconcile.NewSyncer(db, reader, cfg.Chain, cfg.Sync)
	q.Register(reconcile.JobSyncCurationEvents, syncer.Handle, queue.Options{Concurrency: 1})

	if err := q.ScheduleRepeating(ctx, reconcile.JobSyncCurationEvents, nil, cfg.Sync.Interval()); err != nil {
		logger.Fatal("Could not schedule the synchronizer: %s", err)
	}

	if cfg.DB.HistoryDrop > 0 {
		go database.DropAuditHistory(ctx, db, cfg.DB.HistoryDrop, database.AuditRetentionCheckSeconds)
	}

	resumePendingConfirmations(ctx, q, db, cfg)

	<-ctx.Done()
	logger.Info("Shutting down, draining jobs")
	q.Drain()
	logger.SyncFileLogger()
}

// resumePendingConfirmations re-enqueues confirmation jobs for donations
// that were still pending when the previous process stopped.
func resumePendingConfirmations(ctx context.Context, q *queue.Queue, db *gorm.DB, cfg *config.Config) {
	pending, err := database.FetchPendingBlockchainTransactions(db)
	if err != nil {
		logger.Error("Could not list pending donations: %s", err)
		return
	}

	for _, tx := range pending {
		payload := reconcile.ConfirmPayload{TxID: tx.ID}
		if err := q.Enqueue(ctx, reconcile.JobPayToBlockchain, payload, cfg.Confirm.Delay()); err != nil {
			logger.Error("Could not enqueue confirmation for transaction %d: %s", tx.ID, err)
		}
	}

	if len(pending) > 0 {
		logger.Info("Re-enqueued %d pending donation confirmations", len(pending))
	}
}
