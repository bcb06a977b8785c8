package chain

import (
	"context"
	"curation-reconciler/boff"
	"math/big"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
)

// CurationEvent is a decoded donation log emitted by the curation contract.
// Amount is in the token's integer base units.
type CurationEvent struct {
	BlockNumber uint64
	TxHash      string
	LogIndex    uint
	Curator     common.Address
	Creator     common.Address
	Token       common.Address
	URI         string
	Amount      *big.Int
	Removed     bool
}

// Receipt is the reconciler's view of a mined transaction: whether it
// reverted and which curation events it emitted.
type Receipt struct {
	Reverted bool
	Events   []CurationEvent
}

// Reader is read-only access to the curation contract on one chain.
// Implementations are injected into the confirmer and the synchronizer.
type Reader interface {
	CurrentBlockNumber(ctx context.Context) (uint64, error)
	// TransactionReceipt returns (nil, nil) while the transaction is not
	// yet mined.
	TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error)
	// CurationLogs returns the contract's curation events in the given
	// block range. Nil bounds request the full history.
	CurationLogs(ctx context.Context, fromBlock, toBlock *uint64) ([]CurationEvent, error)
}

// NodeReader implements Reader over an Ethereum JSON-RPC node.
type NodeReader struct {
	client   *ethclient.Client
	contract common.Address
}

func NewNodeReader(client *ethclient.Client, contractAddress string) *NodeReader {
	return &NodeReader{
		client:   client,
		contract: common.HexToAddress(strings.ToLower(contractAddress)),
	}
}

func DialRPCNode(nodeURL *url.URL, contractAddress string) (*NodeReader, error) {
	client, err := ethclient.Dial(nodeURL.String())
	if err != nil {
		return nil, errors.Wrap(err, "ethclient.Dial")
	}

	return NewNodeReader(client, contractAddress), nil
}

func (r *NodeReader) CurrentBlockNumber(ctx context.Context) (uint64, error) {
	number, err := boff.RetryWithMaxElapsed(ctx, func() (uint64, error) {
		return r.client.BlockNumber(ctx)
	}, "BlockNumber")
	if err != nil {
		return 0, errors.Wrap(err, "client.BlockNumber")
	}
	return number, nil
}

func (r *NodeReader) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	receipt, err := boff.RetryWithMaxElapsed(ctx, func() (*types.Receipt, error) {
		receipt, err := r.client.TransactionReceipt(ctx, common.HexToHash(txHash))
		if errors.Is(err, ethereum.NotFound) {
			// not yet mined, not a transport failure
			return nil, nil
		}
		return receipt, err
	}, "TransactionReceipt")
	if err != nil {
		return nil, errors.Wrap(err, "client.TransactionReceipt")
	}
	if receipt == nil {
		return nil, nil
	}

	events, err := ParseCurationLogs(r.contract, receipt.Logs)
	if err != nil {
		return nil, err
	}

	return &Receipt{
		Reverted: receipt.Status == types.ReceiptStatusFailed,
		Events:   events,
	}, nil
}

func (r *NodeReader) CurationLogs(ctx context.Context, fromBlock, toBlock *uint64) ([]CurationEvent, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{r.contract},
		Topics:    [][]common.Hash{{CurationTopic}},
	}
	if fromBlock != nil {
		query.FromBlock = new(big.Int).SetUint64(*fromBlock)
	}
	if toBlock != nil {
		query.ToBlock = new(big.Int).SetUint64(*toBlock)
	}

	logs, err := boff.RetryWithMaxElapsed(ctx, func() ([]types.Log, error) {
		return r.client.FilterLogs(ctx, query)
	}, "FilterLogs")
	if err != nil {
		return nil, errors.Wrap(err, "client.FilterLogs")
	}

	events := make([]CurationEvent, 0, len(logs))
	for i := range logs {
		event, err := DecodeCurationLog(&logs[i])
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, nil
}
