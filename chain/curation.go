package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const curationEventName = "Curation"

// The only part of the contract ABI the reconciler cares about.
const curationABIJSON = `[{"anonymous":false,"inputs":[` +
	`{"indexed":true,"internalType":"address","name":"curator","type":"address"},` +
	`{"indexed":true,"internalType":"address","name":"creator","type":"address"},` +
	`{"indexed":true,"internalType":"contract IERC20","name":"token","type":"address"},` +
	`{"indexed":false,"internalType":"string","name":"uri","type":"string"},` +
	`{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"}],` +
	`"name":"Curation","type":"event"}]`

var (
	curationABI abi.ABI

	// CurationTopic is the topic0 hash of the Curation event signature.
	CurationTopic common.Hash
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(curationABIJSON))
	if err != nil {
		panic(errors.Wrap(err, "parsing curation ABI"))
	}
	curationABI = parsed
	CurationTopic = curationABI.Events[curationEventName].ID
}

// DecodeCurationLog decodes a raw contract log into a CurationEvent. The
// caller is expected to have filtered on CurationTopic already.
func DecodeCurationLog(log *types.Log) (CurationEvent, error) {
	if len(log.Topics) != 4 || log.Topics[0] != CurationTopic {
		return CurationEvent{}, errors.Errorf("not a curation log: tx %s index %d", log.TxHash, log.Index)
	}

	values, err := curationABI.Unpack(curationEventName, log.Data)
	if err != nil {
		return CurationEvent{}, errors.Wrap(err, "unpacking curation log")
	}

	uri, ok := values[0].(string)
	if !ok {
		return CurationEvent{}, errors.New("curation log: uri is not a string")
	}
	amount, ok := values[1].(*big.Int)
	if !ok {
		return CurationEvent{}, errors.New("curation log: amount is not an integer")
	}

	return CurationEvent{
		BlockNumber: log.BlockNumber,
		TxHash:      strings.ToLower(log.TxHash.Hex()),
		LogIndex:    log.Index,
		Curator:     common.BytesToAddress(log.Topics[1].Bytes()),
		Creator:     common.BytesToAddress(log.Topics[2].Bytes()),
		Token:       common.BytesToAddress(log.Topics[3].Bytes()),
		URI:         uri,
		Amount:      amount,
		Removed:     log.Removed,
	}, nil
}

// ParseCurationLogs extracts the curation events emitted to the given
// contract from a receipt's logs. Logs from other contracts or with other
// signatures are ignored.
func ParseCurationLogs(contract common.Address, logs []*types.Log) ([]CurationEvent, error) {
	var events []CurationEvent
	for _, log := range logs {
		if log.Address != contract {
			continue
		}
		if len(log.Topics) == 0 || log.Topics[0] != CurationTopic {
			continue
		}

		event, err := DecodeCurationLog(log)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, nil
}

// ExtractCID returns the content identifier of an ipfs://<cid> URI.
func ExtractCID(uri string) (string, bool) {
	cid, found := strings.CutPrefix(uri, "ipfs://")
	if !found || cid == "" {
		return "", false
	}
	return cid, true
}

// ToBaseUnits scales a decimal token amount to integer base units.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).BigInt()
}

// FromBaseUnits converts integer base units back to a decimal amount.
func FromBaseUnits(amount *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(amount, -decimals)
}
