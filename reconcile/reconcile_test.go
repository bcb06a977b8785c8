package reconcile

import (
	"context"
	"curation-reconciler/chain"
	"curation-reconciler/config"
	"curation-reconciler/database"
	"math/big"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testChainID     = uint64(137)
	testContract    = "0x4444444444444444444444444444444444444444"
	testToken       = "0x3333333333333333333333333333333333333333"
	testCuratorAddr = "0x1111111111111111111111111111111111111111"
	testCreatorAddr = "0x2222222222222222222222222222222222222222"
	testCID         = "QmTestArticleCid"
	testTxHash      = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
)

// fakeReader serves canned chain data and records the last requested log
// range.
type fakeReader struct {
	head     uint64
	receipts map[string]*chain.Receipt
	logs     []chain.CurationEvent

	lastFrom, lastTo *uint64
	logCalls         int
}

func newFakeReader() *fakeReader {
	return &fakeReader{receipts: make(map[string]*chain.Receipt)}
}

func (f *fakeReader) CurrentBlockNumber(context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeReader) TransactionReceipt(_ context.Context, txHash string) (*chain.Receipt, error) {
	return f.receipts[strings.ToLower(txHash)], nil
}

func (f *fakeReader) CurationLogs(_ context.Context, fromBlock, toBlock *uint64) ([]chain.CurationEvent, error) {
	f.lastFrom, f.lastTo = fromBlock, toBlock
	f.logCalls++

	var out []chain.CurationEvent
	for _, ev := range f.logs {
		if fromBlock != nil && ev.BlockNumber < *fromBlock {
			continue
		}
		if toBlock != nil && ev.BlockNumber > *toBlock {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

type recordingNotifier struct {
	donations []*Donation
}

func (n *recordingNotifier) DonationSucceeded(_ context.Context, d *Donation) {
	n.donations = append(n.donations, d)
}

type testEnv struct {
	db       *gorm.DB
	reader   *fakeReader
	notifier *recordingNotifier

	curator *database.User
	creator *database.User
	article *database.Article

	confirmer *Confirmer
	syncer    *Syncer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.ConnectAndInitializeTestDB(filepath.Join(t.TempDir(), "reconciler.db"))
	require.NoError(t, err)

	curator := &database.User{UserName: "curator", EthAddress: testCuratorAddr}
	require.NoError(t, db.Create(curator).Error)

	creator := &database.User{UserName: "creator", EthAddress: testCreatorAddr}
	require.NoError(t, db.Create(creator).Error)

	article := &database.Article{AuthorID: creator.ID, Title: "an article", DataHash: testCID}
	require.NoError(t, db.Create(article).Error)

	params := config.ChainConfig{
		ChainID:           testChainID,
		ContractAddress:   testContract,
		TokenAddress:      testToken,
		TokenSymbol:       "USDT",
		TokenDecimals:     6,
		ConfirmationDepth: 128,
	}

	reader := newFakeReader()
	notifier := &recordingNotifier{}

	return &testEnv{
		db:        db,
		reader:    reader,
		notifier:  notifier,
		curator:   curator,
		creator:   creator,
		article:   article,
		confirmer: NewConfirmer(db, reader, params, notifier),
		syncer:    NewSyncer(db, reader, params, config.SyncConfig{}),
	}
}

// curationEvent builds an event matching the env's curator, creator, token
// and article. Amount is in the token's base units.
func (e *testEnv) curationEvent(blockNumber uint64, txHash string, logIndex uint, amount int64) chain.CurationEvent {
	return chain.CurationEvent{
		BlockNumber: blockNumber,
		TxHash:      txHash,
		LogIndex:    logIndex,
		Curator:     common.HexToAddress(e.curator.EthAddress),
		Creator:     common.HexToAddress(e.creator.EthAddress),
		Token:       common.HexToAddress(testToken),
		URI:         "ipfs://" + e.article.DataHash,
		Amount:      big.NewInt(amount),
	}
}

// createPendingDonation seeds the dual ledger the way the donation API does
// before a confirmation job runs.
func (e *testEnv) createPendingDonation(t *testing.T, amount string, txHash string) (*database.Transaction, *database.BlockchainTransaction) {
	t.Helper()

	bt, err := database.FindOrCreateBlockchainTransaction(e.db, testChainID, txHash, database.BtStatePending)
	require.NoError(t, err)

	tx := &database.Transaction{
		Amount:       decimal.RequireFromString(amount),
		Currency:     "USDT",
		Purpose:      database.PurposeDonation,
		Provider:     database.ProviderBlockchain,
		ProviderTxID: &bt.ID,
		SenderID:     e.curator.ID,
		RecipientID:  e.creator.ID,
		TargetID:     e.article.ID,
		TargetType:   database.TargetTypeArticle,
		State:        database.TxStatePending,
	}
	require.NoError(t, e.db.Create(tx).Error)

	return tx, bt
}

func (e *testEnv) setWatermark(t *testing.T, blockNumber uint64) {
	t.Helper()

	wm := &database.SyncWatermark{
		ChainID:         testChainID,
		ContractAddress: testContract,
		BlockNumber:     blockNumber,
	}
	require.NoError(t, e.db.Create(wm).Error)
}

func (e *testEnv) watermarkBlock(t *testing.T) uint64 {
	t.Helper()

	wm, err := database.FetchWatermark(e.db, testChainID, testContract)
	require.NoError(t, err)
	return wm.BlockNumber
}

func (e *testEnv) reload(t *testing.T, txID, btID uint64) (*database.Transaction, *database.BlockchainTransaction) {
	t.Helper()

	tx, err := database.FetchTransaction(e.db, txID)
	require.NoError(t, err)
	bt, err := database.FetchBlockchainTransaction(e.db, btID)
	require.NoError(t, err)
	return tx, bt
}
