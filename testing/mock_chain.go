// Package testing provides a mock JSON-RPC chain node serving canned
// blocks, receipts and logs for tests of the chain reader.
package testing

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/mux"
)

type MockChain struct {
	mu          sync.Mutex
	latestBlock uint64
	receipts    map[common.Hash]*types.Receipt
	logs        []types.Log
}

func NewMockChain() *MockChain {
	return &MockChain{receipts: make(map[common.Hash]*types.Receipt)}
}

func (m *MockChain) SetLatestBlock(number uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latestBlock = number
}

func (m *MockChain) AddReceipt(receipt *types.Receipt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[receipt.TxHash] = receipt
}

func (m *MockChain) AddLogs(logs ...types.Log) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, logs...)
}

// Router serves the JSON-RPC methods the reader uses. Mount it on an
// httptest server and dial its URL.
func (m *MockChain) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", m.handleRPC)
	return r
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result"`
}

func (m *MockChain) handleRPC(writer http.ResponseWriter, request *http.Request) {
	body, err := io.ReadAll(request.Body)
	if err != nil {
		http.Error(writer, "Invalid request body", http.StatusBadRequest)
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(writer, "Invalid json", http.StatusBadRequest)
		return
	}

	var result interface{}
	switch req.Method {
	case "eth_blockNumber":
		m.mu.Lock()
		result = hexutil.Uint64(m.latestBlock)
		m.mu.Unlock()

	case "eth_getTransactionReceipt":
		var hash common.Hash
		if err := json.Unmarshal(req.Params[0], &hash); err != nil {
			http.Error(writer, "Invalid params", http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		if receipt, ok := m.receipts[hash]; ok {
			result = receipt
		}
		m.mu.Unlock()

	case "eth_getLogs":
		filtered, err := m.filterLogs(req.Params[0])
		if err != nil {
			http.Error(writer, "Invalid filter", http.StatusBadRequest)
			return
		}
		result = filtered

	default:
		http.Error(writer, "Unknown method "+req.Method, http.StatusBadRequest)
		return
	}

	writer.Header().Set("Content-Type", "application/json")
	err = json.NewEncoder(writer).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
	if err != nil {
		http.Error(writer, "Encoding error", http.StatusInternalServerError)
	}
}

type logFilter struct {
	FromBlock string           `json:"fromBlock"`
	ToBlock   string           `json:"toBlock"`
	Address   []common.Address `json:"address"`
	Topics    [][]common.Hash  `json:"topics"`
}

func (m *MockChain) filterLogs(rawFilter json.RawMessage) ([]types.Log, error) {
	var filter logFilter
	if err := json.Unmarshal(rawFilter, &filter); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	from, err := m.parseBlockTag(filter.FromBlock, 0)
	if err != nil {
		return nil, err
	}
	to, err := m.parseBlockTag(filter.ToBlock, m.latestBlock)
	if err != nil {
		return nil, err
	}

	matched := make([]types.Log, 0)
	for _, log := range m.logs {
		if log.BlockNumber < from || log.BlockNumber > to {
			continue
		}
		if len(filter.Address) > 0 && !containsAddress(filter.Address, log.Address) {
			continue
		}
		if len(filter.Topics) > 0 && len(filter.Topics[0]) > 0 {
			if len(log.Topics) == 0 || !containsHash(filter.Topics[0], log.Topics[0]) {
				continue
			}
		}
		matched = append(matched, log)
	}

	return matched, nil
}

func (m *MockChain) parseBlockTag(tag string, fallback uint64) (uint64, error) {
	switch {
	case tag == "" || tag == "latest":
		return fallback, nil
	case strings.HasPrefix(tag, "0x"):
		value, err := hexutil.DecodeUint64(tag)
		if err != nil {
			return 0, err
		}
		return value, nil
	default:
		return fallback, nil
	}
}

func containsAddress(addresses []common.Address, a common.Address) bool {
	for _, candidate := range addresses {
		if candidate == a {
			return true
		}
	}
	return false
}

func containsHash(hashes []common.Hash, h common.Hash) bool {
	for _, candidate := range hashes {
		if candidate == h {
			return true
		}
	}
	return false
}
