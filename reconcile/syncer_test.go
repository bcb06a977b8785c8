package reconcile

import (
	"context"
	"testing"

	"curation-reconciler/chain"
	"curation-reconciler/database"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestSyncInitialNoEvents(t *testing.T) {
	env := newTestEnv(t)
	env.reader.head = 30000128

	require.NoError(t, env.syncer.Sync(context.Background()))

	// full history was requested and the watermark lands on the safe block
	assert.Nil(t, env.reader.lastFrom)
	assert.Nil(t, env.reader.lastTo)
	assert.Equal(t, uint64(30000000), env.watermarkBlock(t))
}

func TestSyncInitialCapsWatermarkAtIngested(t *testing.T) {
	env := newTestEnv(t)
	env.reader.head = 30000128
	env.reader.logs = []chain.CurationEvent{
		env.curationEvent(100, testTxHash, 0, 5_000_000),
		env.curationEvent(30000100, "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", 0, 1_000_000),
	}

	require.NoError(t, env.syncer.Sync(context.Background()))

	// the event above the safe block was held back, so the watermark must
	// not pass the last block actually ingested
	assert.Equal(t, uint64(100), env.watermarkBlock(t))

	var count int64
	require.NoError(t, env.db.Model(&database.CurationEventLog{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	txs, err := database.FetchPendingBlockchainTransactions(env.db)
	require.NoError(t, err)
	assert.Empty(t, txs)

	var created []database.Transaction
	require.NoError(t, env.db.Find(&created).Error)
	require.Len(t, created, 1)
	assert.Equal(t, database.TxStateSucceeded, created[0].State)
}

func TestSyncIncrementalRangeCeiling(t *testing.T) {
	env := newTestEnv(t)
	env.setWatermark(t, 20000000)
	env.reader.head = 20005128 // safe block 20005000, beyond the range cap

	require.NoError(t, env.syncer.Sync(context.Background()))

	require.NotNil(t, env.reader.lastFrom)
	require.NotNil(t, env.reader.lastTo)
	assert.Equal(t, uint64(20000001), *env.reader.lastFrom)
	assert.Equal(t, uint64(20002000), *env.reader.lastTo)
	assert.Equal(t, uint64(20002000), env.watermarkBlock(t))
}

func TestSyncNoNewFinalizedBlocks(t *testing.T) {
	env := newTestEnv(t)
	env.setWatermark(t, 100)
	env.reader.head = 229 // safe block 101, nothing past the watermark

	require.NoError(t, env.syncer.Sync(context.Background()))

	assert.Zero(t, env.reader.logCalls)
	assert.Equal(t, uint64(100), env.watermarkBlock(t))
}

func TestSyncRemovedLogAborts(t *testing.T) {
	env := newTestEnv(t)
	env.setWatermark(t, 100)
	env.reader.head = 328

	reorged := env.curationEvent(150, testTxHash, 0, 5_000_000)
	reorged.Removed = true
	env.reader.logs = []chain.CurationEvent{reorged}

	err := env.syncer.Sync(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReorgedLog))

	// the batch must not leave partial progress behind
	assert.Equal(t, uint64(100), env.watermarkBlock(t))
	var count int64
	require.NoError(t, env.db.Model(&database.CurationEventLog{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestSyncChainFirstCreation(t *testing.T) {
	env := newTestEnv(t)
	env.setWatermark(t, 100)
	env.reader.head = 328
	env.reader.logs = []chain.CurationEvent{env.curationEvent(150, testTxHash, 0, 5_000_000)}

	require.NoError(t, env.syncer.Sync(context.Background()))

	bt, err := database.FindOrCreateBlockchainTransaction(env.db, testChainID, testTxHash, database.BtStatePending)
	require.NoError(t, err)
	assert.Equal(t, database.BtStateSucceeded, bt.State)
	require.NotNil(t, bt.TransactionID)

	tx, err := database.FetchTransaction(env.db, *bt.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, database.TxStateSucceeded, tx.State)
	assert.True(t, decimal.RequireFromString("5").Equal(tx.Amount), "amount %s", tx.Amount)
	assert.Equal(t, "USDT", tx.Currency)
	assert.Equal(t, env.curator.ID, tx.SenderID)
	assert.Equal(t, env.creator.ID, tx.RecipientID)
	assert.Equal(t, env.article.ID, tx.TargetID)
	assert.Equal(t, database.TargetTypeArticle, tx.TargetType)

	assert.Equal(t, uint64(200), env.watermarkBlock(t))
	var count int64
	require.NoError(t, env.db.Model(&database.CurationEventLog{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSyncLinkedPendingMatch(t *testing.T) {
	env := newTestEnv(t)
	pending, bt := env.createPendingDonation(t, "5", testTxHash)
	env.setWatermark(t, 100)
	env.reader.head = 328
	env.reader.logs = []chain.CurationEvent{env.curationEvent(150, testTxHash, 0, 5_000_000)}

	// the confirmation job for this donation was lost; the scan must finish
	// the pair instead of creating a duplicate
	require.NoError(t, env.syncer.Sync(context.Background()))

	var txCount int64
	require.NoError(t, env.db.Model(&database.Transaction{}).Count(&txCount).Error)
	assert.Equal(t, int64(1), txCount)

	gotTx, gotBt := env.reload(t, pending.ID, bt.ID)
	assert.Equal(t, database.TxStateSucceeded, gotTx.State)
	assert.Equal(t, database.BtStateSucceeded, gotBt.State)
	require.NotNil(t, gotBt.TransactionID)
	assert.Equal(t, pending.ID, *gotBt.TransactionID)
}

func TestSyncLinkedPendingMismatchReplaced(t *testing.T) {
	env := newTestEnv(t)
	pending, bt := env.createPendingDonation(t, "5", testTxHash)
	env.setWatermark(t, 100)
	env.reader.head = 328
	// the chain says 7 tokens were donated, not the 5 the ledger expected
	env.reader.logs = []chain.CurationEvent{env.curationEvent(150, testTxHash, 0, 7_000_000)}

	require.NoError(t, env.syncer.Sync(context.Background()))

	gotStale, gotBt := env.reload(t, pending.ID, bt.ID)
	assert.Equal(t, database.TxStateCanceled, gotStale.State)
	assert.Equal(t, database.RemarkInvalid, gotStale.Remark)

	assert.Equal(t, database.BtStateSucceeded, gotBt.State)
	require.NotNil(t, gotBt.TransactionID)
	assert.NotEqual(t, pending.ID, *gotBt.TransactionID)

	corrected, err := database.FetchTransaction(env.db, *gotBt.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, database.TxStateSucceeded, corrected.State)
	assert.True(t, decimal.RequireFromString("7").Equal(corrected.Amount), "amount %s", corrected.Amount)
}

func TestSyncSkipsUnrecognizedEvents(t *testing.T) {
	env := newTestEnv(t)
	env.setWatermark(t, 100)
	env.reader.head = 328

	wrongToken := env.curationEvent(150, "0x1111111111111111111111111111111111111111111111111111111111111111", 0, 1_000_000)
	wrongToken.Token = common.HexToAddress("0x9999999999999999999999999999999999999999")

	badURI := env.curationEvent(151, "0x2222222222222222222222222222222222222222222222222222222222222222", 0, 1_000_000)
	badURI.URI = "https://example.com/not-ipfs"

	unknownCurator := env.curationEvent(152, "0x3333333333333333333333333333333333333333333333333333333333333333", 0, 1_000_000)
	unknownCurator.Curator = common.HexToAddress("0x8888888888888888888888888888888888888888")

	env.reader.logs = []chain.CurationEvent{wrongToken, badURI, unknownCurator}

	require.NoError(t, env.syncer.Sync(context.Background()))

	var txCount int64
	require.NoError(t, env.db.Model(&database.Transaction{}).Count(&txCount).Error)
	assert.Zero(t, txCount)

	var auditCount int64
	require.NoError(t, env.db.Model(&database.CurationEventLog{}).Count(&auditCount).Error)
	assert.Zero(t, auditCount)

	// only the event carrying the platform token in a well-formed URI gets a
	// chain transaction record at all
	var btCount int64
	require.NoError(t, env.db.Model(&database.BlockchainTransaction{}).Count(&btCount).Error)
	assert.Equal(t, int64(1), btCount)

	// unrecognized events never block the scan
	assert.Equal(t, uint64(200), env.watermarkBlock(t))
}

func TestSyncHeadBelowConfirmationDepth(t *testing.T) {
	env := newTestEnv(t)
	env.reader.head = 50 // below the confirmation depth of 128

	require.NoError(t, env.syncer.Sync(context.Background()))

	assert.Zero(t, env.reader.logCalls)
	_, err := database.FetchWatermark(env.db, testChainID, testContract)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
