package reconcile

import (
	"context"
	"curation-reconciler/chain"
	"curation-reconciler/config"
	"curation-reconciler/database"
	"curation-reconciler/logger"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// JobSyncCurationEvents is the queue job type for the periodic event
// synchronizer. It must run with concurrency 1: two overlapping scans
// would race on the shared watermark.
const JobSyncCurationEvents = "syncCurationEvents"

// DefaultMaxLogRange caps a single log range request, matching the
// provider-side ceiling on eth_getLogs block ranges.
const DefaultMaxLogRange uint64 = 2000

// ErrReorgedLog reports a removed log inside a range that was supposed to
// be final. Applying it would break the finality assumption the whole
// synchronizer rests on, so the batch is aborted instead.
var ErrReorgedLog = errors.New("removed log inside finalized block range")

// Syncer walks the curation contract's event log forward from the durable
// watermark and reconciles each finalized event into the dual ledger. It is
// the fallback path that guarantees eventual consistency even when a
// confirmation job is lost.
type Syncer struct {
	db       *gorm.DB
	reader   chain.Reader
	params   config.ChainConfig
	maxRange uint64
}

func NewSyncer(db *gorm.DB, reader chain.Reader, params config.ChainConfig, syncParams config.SyncConfig) *Syncer {
	maxRange := syncParams.MaxLogRange
	if maxRange == 0 {
		maxRange = DefaultMaxLogRange
	}

	return &Syncer{db: db, reader: reader, params: params, maxRange: maxRange}
}

// Handle adapts Sync to a queue handler.
func (s *Syncer) Handle(ctx context.Context, _ interface{}) error {
	return s.Sync(ctx)
}

// Sync runs one synchronization cycle. When the range ceiling is hit, the
// remainder is picked up by subsequent cycles.
func (s *Syncer) Sync(ctx context.Context) error {
	head, err := s.reader.CurrentBlockNumber(ctx)
	if err != nil {
		return errors.Wrap(err, "Sync: CurrentBlockNumber")
	}
	if head < s.params.ConfirmationDepth {
		logger.Debug("chain head %d below confirmation depth %d", head, s.params.ConfirmationDepth)
		return nil
	}
	safeBlock := head - s.params.ConfirmationDepth

	wm, err := database.FetchWatermark(s.db, s.params.ChainID, s.params.ContractAddress)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.initialSync(ctx, safeBlock)
	}
	if err != nil {
		return errors.Wrap(err, "Sync: FetchWatermark")
	}

	fromBlock := wm.BlockNumber + 1
	toBlock := min(safeBlock, fromBlock+s.maxRange-1)
	if fromBlock >= toBlock {
		logger.Debug("no new finalized blocks past watermark %d", wm.BlockNumber)
		return nil
	}

	events, err := s.reader.CurationLogs(ctx, &fromBlock, &toBlock)
	if err != nil {
		return errors.Wrap(err, "Sync: CurationLogs")
	}
	logger.Info("syncing %d curation events in blocks [%d, %d]", len(events), fromBlock, toBlock)

	wm.BlockNumber = toBlock
	return s.processBatch(ctx, events, wm)
}

// initialSync ingests the full contract history up to the safe block and
// creates the watermark. The watermark never advances past what was
// actually ingested.
func (s *Syncer) initialSync(ctx context.Context, safeBlock uint64) error {
	events, err := s.reader.CurationLogs(ctx, nil, nil)
	if err != nil {
		return errors.Wrap(err, "initialSync: CurationLogs")
	}

	inRange := events[:0:0]
	var maxIngested uint64
	for _, ev := range events {
		if ev.BlockNumber > safeBlock {
			continue
		}
		inRange = append(inRange, ev)
		maxIngested = max(maxIngested, ev.BlockNumber)
	}

	watermarkBlock := safeBlock
	if len(inRange) < len(events) {
		watermarkBlock = maxIngested
	}
	logger.Info("initial sync: %d of %d events below safe block %d, watermark %d",
		len(inRange), len(events), safeBlock, watermarkBlock)

	wm := &database.SyncWatermark{
		ChainID:         s.params.ChainID,
		ContractAddress: strings.ToLower(s.params.ContractAddress),
		BlockNumber:     watermarkBlock,
	}
	return s.processBatch(ctx, inRange, wm)
}

func (s *Syncer) processBatch(ctx context.Context, events []chain.CurationEvent, wm *database.SyncWatermark) error {
	var audits []*database.CurationEventLog
	for i := range events {
		ev := &events[i]
		if ev.Removed {
			return errors.Wrapf(ErrReorgedLog, "tx %s block %d", ev.TxHash, ev.BlockNumber)
		}

		resolved, err := s.handleEvent(ctx, ev)
		if err != nil {
			return err
		}
		if resolved {
			audits = append(audits, auditRecord(s.params.ChainID, ev))
		}
	}

	return database.AppendAuditAndAdvance(s.db, audits, wm)
}

// handleEvent reconciles one finalized curation event into the ledger. It
// reports whether the event was recognized as a platform donation.
func (s *Syncer) handleEvent(ctx context.Context, ev *chain.CurationEvent) (bool, error) {
	if !addressEqual(ev.Token, s.params.TokenAddress) {
		// some other integration on the same contract
		return false, nil
	}
	cid, ok := chain.ExtractCID(ev.URI)
	if !ok {
		return false, nil
	}

	bt, err := database.FindOrCreateBlockchainTransaction(
		s.db, s.params.ChainID, ev.TxHash, database.BtStateSucceeded,
	)
	if err != nil {
		return false, err
	}

	// The donation API records its reference on the ledger side before the
	// back-link on the chain side exists, so linkage is resolved through the
	// provider reference.
	linked, err := database.FetchTransactionByProviderTx(s.db, bt.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		linked = nil
	} else if err != nil {
		return false, errors.Wrapf(err, "handleEvent: linked transaction for chain tx %d", bt.ID)
	}
	if linked != nil && linked.State == database.TxStateSucceeded {
		// already reconciled
		return true, nil
	}

	curator, err := database.FetchUserByAddress(s.db, ev.Curator.Hex())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "handleEvent: curator")
	}

	creator, err := database.FetchUserByAddress(s.db, ev.Creator.Hex())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "handleEvent: creator")
	}

	article, err := database.FetchArticleByAuthorAndCID(s.db, creator.ID, cid)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "handleEvent: article")
	}

	if linked != nil {
		if s.transactionMatches(linked, curator.ID, creator.ID, article.ID, ev) {
			err = database.SucceedBoth(s.db, linked.ID, bt.ID)
		} else {
			// The pending entry does not match on-chain reality. Cancel
			// it and record what actually happened.
			logger.Warn("transaction %d does not match chain tx %s, replacing", linked.ID, ev.TxHash)
			err = database.ReplaceTransaction(s.db, linked.ID, s.transactionFromEvent(curator.ID, creator.ID, article.ID, ev), bt.ID)
		}
	} else {
		err = database.LinkNewTransaction(s.db, s.transactionFromEvent(curator.ID, creator.ID, article.ID, ev), bt.ID)
	}
	if err != nil {
		return false, errors.Wrapf(err, "handleEvent: finalize tx %s", ev.TxHash)
	}

	return true, nil
}

func (s *Syncer) transactionMatches(tx *database.Transaction, curatorID, creatorID, articleID uint64, ev *chain.CurationEvent) bool {
	return tx.SenderID == curatorID &&
		tx.RecipientID == creatorID &&
		tx.TargetID == articleID &&
		tx.TargetType == database.TargetTypeArticle &&
		chain.ToBaseUnits(tx.Amount, s.params.TokenDecimals).Cmp(ev.Amount) == 0
}

func (s *Syncer) transactionFromEvent(curatorID, creatorID, articleID uint64, ev *chain.CurationEvent) *database.Transaction {
	return &database.Transaction{
		Amount:      chain.FromBaseUnits(ev.Amount, s.params.TokenDecimals),
		Currency:    s.params.TokenSymbol,
		Purpose:     database.PurposeDonation,
		Provider:    database.ProviderBlockchain,
		SenderID:    curatorID,
		RecipientID: creatorID,
		TargetID:    articleID,
		TargetType:  database.TargetTypeArticle,
		State:       database.TxStateSucceeded,
	}
}

func auditRecord(chainID uint64, ev *chain.CurationEvent) *database.CurationEventLog {
	return &database.CurationEventLog{
		ChainID:      chainID,
		TxHash:       ev.TxHash,
		LogIndex:     ev.LogIndex,
		BlockNumber:  ev.BlockNumber,
		Curator:      strings.ToLower(ev.Curator.Hex()),
		Creator:      strings.ToLower(ev.Creator.Hex()),
		TokenAddress: strings.ToLower(ev.Token.Hex()),
		URI:          ev.URI,
		Amount:       ev.Amount.String(),
	}
}
