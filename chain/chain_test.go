package chain

import (
	"context"
	"math/big"
	"net/http/httptest"
	"testing"

	chainmock "curation-reconciler/testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReader(t *testing.T, mock *chainmock.MockChain) *NodeReader {
	t.Helper()

	server := httptest.NewServer(mock.Router())
	t.Cleanup(server.Close)

	client, err := ethclient.Dial(server.URL)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return NewNodeReader(client, testContract.Hex())
}

func TestNodeReaderCurrentBlockNumber(t *testing.T) {
	mock := chainmock.NewMockChain()
	mock.SetLatestBlock(30000128)
	reader := newTestReader(t, mock)

	number, err := reader.CurrentBlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(30000128), number)
}

func TestNodeReaderTransactionReceipt(t *testing.T) {
	mock := chainmock.NewMockChain()
	mock.SetLatestBlock(100)
	reader := newTestReader(t, mock)

	txHash := common.HexToHash("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	log := newCurationLog(t, 90, txHash, 1, "ipfs://QmReceiptCid", big.NewInt(7_000_000))
	mock.AddReceipt(&types.Receipt{
		Status:            types.ReceiptStatusSuccessful,
		CumulativeGasUsed: 21000,
		GasUsed:           21000,
		TxHash:            txHash,
		BlockNumber:       big.NewInt(90),
		Logs:              []*types.Log{&log},
	})

	receipt, err := reader.TransactionReceipt(context.Background(), txHash.Hex())
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.False(t, receipt.Reverted)
	require.Len(t, receipt.Events, 1)
	assert.Equal(t, "ipfs://QmReceiptCid", receipt.Events[0].URI)
	assert.Equal(t, big.NewInt(7_000_000), receipt.Events[0].Amount)
}

func TestNodeReaderTransactionReceiptNotMined(t *testing.T) {
	mock := chainmock.NewMockChain()
	reader := newTestReader(t, mock)

	receipt, err := reader.TransactionReceipt(context.Background(), "0xcccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc")
	require.NoError(t, err)
	assert.Nil(t, receipt)
}

func TestNodeReaderTransactionReceiptReverted(t *testing.T) {
	mock := chainmock.NewMockChain()
	reader := newTestReader(t, mock)

	txHash := common.HexToHash("0xdddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd")
	mock.AddReceipt(&types.Receipt{
		Status:            types.ReceiptStatusFailed,
		CumulativeGasUsed: 21000,
		GasUsed:           21000,
		TxHash:            txHash,
		BlockNumber:       big.NewInt(10),
		Logs:              []*types.Log{},
	})

	receipt, err := reader.TransactionReceipt(context.Background(), txHash.Hex())
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.True(t, receipt.Reverted)
	assert.Empty(t, receipt.Events)
}

func TestNodeReaderCurationLogs(t *testing.T) {
	mock := chainmock.NewMockChain()
	mock.SetLatestBlock(300)
	reader := newTestReader(t, mock)

	early := newCurationLog(t, 50, common.HexToHash("0x01"), 0, "ipfs://QmEarly", big.NewInt(1))
	inRange := newCurationLog(t, 150, common.HexToHash("0x02"), 0, "ipfs://QmInRange", big.NewInt(2))
	late := newCurationLog(t, 250, common.HexToHash("0x03"), 0, "ipfs://QmLate", big.NewInt(3))
	mock.AddLogs(early, inRange, late)

	from, to := uint64(100), uint64(200)
	events, err := reader.CurationLogs(context.Background(), &from, &to)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ipfs://QmInRange", events[0].URI)

	// nil bounds request the full history
	events, err = reader.CurationLogs(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}
