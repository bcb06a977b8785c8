package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionState is the lifecycle state of the provider-agnostic ledger
// entry. Succeeded, failed and canceled are terminal.
type TransactionState string

const (
	TxStatePending   TransactionState = "pending"
	TxStateSucceeded TransactionState = "succeeded"
	TxStateFailed    TransactionState = "failed"
	TxStateCanceled  TransactionState = "canceled"
)

// BlockchainTransactionState is the observed on-chain outcome.
type BlockchainTransactionState string

const (
	BtStatePending   BlockchainTransactionState = "pending"
	BtStateReverted  BlockchainTransactionState = "reverted"
	BtStateSucceeded BlockchainTransactionState = "succeeded"
)

// Provider identifies the payment rail of a Transaction. The set is closed;
// code switching on it must handle every constant and reject the rest.
type Provider string

const (
	ProviderBlockchain Provider = "blockchain"
)

type Purpose string

const (
	PurposeDonation Purpose = "donation"
)

type TargetType string

const (
	TargetTypeArticle TargetType = "article"
)

// RemarkInvalid marks a Transaction whose paired chain transaction is real
// but does not correspond to the expected donation parameters.
const RemarkInvalid = "INVALID"

// BaseEntity is an abstract entity, all other entities should be derived from it
type BaseEntity struct {
	ID uint64 `gorm:"primaryKey"`
}

// Transaction is the abstract ledger entry. ProviderTxID references the
// BlockchainTransaction when Provider is blockchain.
type Transaction struct {
	BaseEntity
	Amount       decimal.Decimal `gorm:"type:decimal(40,18)"`
	Currency     string          `gorm:"type:varchar(16)"`
	Purpose      Purpose         `gorm:"type:varchar(32)"`
	Provider     Provider        `gorm:"type:varchar(32);index"`
	ProviderTxID *uint64         `gorm:"index"`
	SenderID     uint64
	RecipientID  uint64
	TargetID     uint64
	TargetType   TargetType       `gorm:"type:varchar(32)"`
	State        TransactionState `gorm:"type:varchar(16);index"`
	Remark       string           `gorm:"type:varchar(64)"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BlockchainTransaction is the chain-specific ledger entry. A chain tx may
// exist before any Transaction references it, so TransactionID is nullable.
type BlockchainTransaction struct {
	BaseEntity
	ChainID       uint64                     `gorm:"uniqueIndex:idx_chain_tx_hash"`
	TxHash        string                     `gorm:"type:varchar(66);uniqueIndex:idx_chain_tx_hash"`
	State         BlockchainTransactionState `gorm:"type:varchar(16);index"`
	TransactionID *uint64                    `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SyncWatermark records the last fully ingested block per chain and
// contract. It only moves forward under normal operation.
type SyncWatermark struct {
	BaseEntity
	ChainID         uint64 `gorm:"uniqueIndex:idx_chain_contract"`
	ContractAddress string `gorm:"type:varchar(42);uniqueIndex:idx_chain_contract"`
	BlockNumber     uint64
	Updated         time.Time
}

// CurationEventLog is the append-only audit record of every resolved
// curation event. The unique index keeps re-ingestion after a crash from
// duplicating rows.
type CurationEventLog struct {
	BaseEntity
	ChainID      uint64 `gorm:"uniqueIndex:idx_chain_event"`
	TxHash       string `gorm:"type:varchar(66);uniqueIndex:idx_chain_event"`
	LogIndex     uint   `gorm:"uniqueIndex:idx_chain_event"`
	BlockNumber  uint64 `gorm:"index"`
	Curator      string `gorm:"type:varchar(42)"`
	Creator      string `gorm:"type:varchar(42)"`
	TokenAddress string `gorm:"type:varchar(42)"`
	URI          string `gorm:"type:varchar(255)"`
	Amount       string `gorm:"type:varchar(78)"` // integer base units
	CreatedAt    time.Time
}

// User carries the minimum the reconciler needs to resolve on-chain
// addresses to platform accounts. EthAddress is stored lowercased.
type User struct {
	BaseEntity
	UserName   string `gorm:"type:varchar(40);uniqueIndex"`
	EthAddress string `gorm:"type:varchar(42);index"`
	CreatedAt  time.Time
}

// Article is the donation target, identified on chain by the IPFS CID of
// its content.
type Article struct {
	BaseEntity
	AuthorID  uint64 `gorm:"index"`
	Title     string `gorm:"type:varchar(255)"`
	DataHash  string `gorm:"type:varchar(64);index"` // IPFS CID
	CreatedAt time.Time
}
