package database

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func FetchTransaction(db *gorm.DB, id uint64) (*Transaction, error) {
	var tx Transaction
	err := db.First(&tx, id).Error
	return &tx, err
}

func FetchBlockchainTransaction(db *gorm.DB, id uint64) (*BlockchainTransaction, error) {
	var bt BlockchainTransaction
	err := db.First(&bt, id).Error
	return &bt, err
}

// FindOrCreateBlockchainTransaction is the idempotent entry point for a
// chain transaction. Whichever path observes the (chain, txHash) pair first
// creates the row; later observers get the existing one.
func FindOrCreateBlockchainTransaction(
	db *gorm.DB, chainID uint64, txHash string, defaultState BlockchainTransactionState,
) (*BlockchainTransaction, error) {
	bt := BlockchainTransaction{
		ChainID: chainID,
		TxHash:  strings.ToLower(txHash),
	}
	err := db.
		Where(&BlockchainTransaction{ChainID: bt.ChainID, TxHash: bt.TxHash}).
		Attrs(&BlockchainTransaction{State: defaultState}).
		FirstOrCreate(&bt).Error
	if err != nil {
		return nil, errors.Wrap(err, "FindOrCreateBlockchainTransaction")
	}
	return &bt, nil
}

func FetchWatermark(db *gorm.DB, chainID uint64, contractAddress string) (*SyncWatermark, error) {
	var wm SyncWatermark
	err := db.
		Where(&SyncWatermark{ChainID: chainID, ContractAddress: strings.ToLower(contractAddress)}).
		First(&wm).Error
	return &wm, err
}

// FetchPendingBlockchainTransactions lists ledger entries still awaiting
// confirmation, so their jobs can be re-enqueued after a restart.
func FetchPendingBlockchainTransactions(db *gorm.DB) ([]Transaction, error) {
	var txs []Transaction
	err := db.
		Where(&Transaction{Provider: ProviderBlockchain, State: TxStatePending}).
		Find(&txs).Error
	return txs, err
}

// FetchTransactionByProviderTx finds the ledger entry referencing the given
// chain transaction. After a replacement more than one entry references it;
// the newest is the authoritative one.
func FetchTransactionByProviderTx(db *gorm.DB, btID uint64) (*Transaction, error) {
	var tx Transaction
	err := db.
		Where(&Transaction{Provider: ProviderBlockchain, ProviderTxID: &btID}).
		Order("id DESC").
		First(&tx).Error
	return &tx, err
}

func FetchUser(db *gorm.DB, id uint64) (*User, error) {
	var user User
	err := db.First(&user, id).Error
	return &user, err
}

// FetchUserByAddress resolves a platform user by wallet address,
// case-insensitively.
func FetchUserByAddress(db *gorm.DB, address string) (*User, error) {
	var user User
	err := db.Where(&User{EthAddress: strings.ToLower(address)}).First(&user).Error
	return &user, err
}

func FetchArticle(db *gorm.DB, id uint64) (*Article, error) {
	var article Article
	err := db.First(&article, id).Error
	return &article, err
}

func FetchArticleByAuthorAndCID(db *gorm.DB, authorID uint64, cid string) (*Article, error) {
	var article Article
	err := db.Where(&Article{AuthorID: authorID, DataHash: cid}).First(&article).Error
	return &article, err
}

// finalize transitions a Transaction and its paired BlockchainTransaction
// together. Both writes commit in one database transaction or not at all;
// this is the sole mutation path out of the pending state. A Transaction
// already in a terminal state makes the whole call a no-op, so two racing
// finalizers cannot produce an inconsistent pair.
func finalize(
	db *gorm.DB,
	txID uint64, txState TransactionState, remark string,
	btID uint64, btState BlockchainTransactionState,
) error {
	return db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Transaction{}).
			Where("id = ? AND state = ?", txID, TxStatePending).
			Updates(map[string]interface{}{"state": txState, "remark": remark})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// already finalized by a concurrent run
			return nil
		}

		return tx.Model(&BlockchainTransaction{}).
			Where("id = ?", btID).
			Updates(map[string]interface{}{"state": btState, "transaction_id": txID}).Error
	})
}

// SucceedBoth finalizes a confirmed donation.
func SucceedBoth(db *gorm.DB, txID, btID uint64) error {
	return finalize(db, txID, TxStateSucceeded, "", btID, BtStateSucceeded)
}

// FailBoth finalizes a donation whose chain transaction reverted.
func FailBoth(db *gorm.DB, txID, btID uint64) error {
	return finalize(db, txID, TxStateFailed, "", btID, BtStateReverted)
}

// CancelInvalid finalizes a donation whose chain transaction is real but
// does not match the expected parameters: the Transaction is canceled while
// the BlockchainTransaction is still recorded as succeeded.
func CancelInvalid(db *gorm.DB, txID, btID uint64) error {
	return finalize(db, txID, TxStateCanceled, RemarkInvalid, btID, BtStateSucceeded)
}

// LinkNewTransaction creates a Transaction for a chain-first discovered
// event and links it to the BlockchainTransaction, atomically.
func LinkNewTransaction(db *gorm.DB, newTx *Transaction, btID uint64) error {
	return db.Transaction(func(tx *gorm.DB) error {
		newTx.ProviderTxID = &btID
		if err := tx.Create(newTx).Error; err != nil {
			return err
		}

		return tx.Model(&BlockchainTransaction{}).
			Where("id = ?", btID).
			Updates(map[string]interface{}{
				"state":          BtStateSucceeded,
				"transaction_id": newTx.ID,
			}).Error
	})
}

// ReplaceTransaction cancels a stale pending Transaction that turned out
// not to match on-chain reality and creates the corrected one linked to the
// same BlockchainTransaction. Rolls back entirely on any failure.
func ReplaceTransaction(db *gorm.DB, staleTxID uint64, newTx *Transaction, btID uint64) error {
	return db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Transaction{}).
			Where("id = ? AND state = ?", staleTxID, TxStatePending).
			Updates(map[string]interface{}{"state": TxStateCanceled, "remark": RemarkInvalid})
		if res.Error != nil {
			return res.Error
		}

		newTx.ProviderTxID = &btID
		if err := tx.Create(newTx).Error; err != nil {
			return err
		}

		return tx.Model(&BlockchainTransaction{}).
			Where("id = ?", btID).
			Updates(map[string]interface{}{
				"state":          BtStateSucceeded,
				"transaction_id": newTx.ID,
			}).Error
	})
}

// AppendAuditAndAdvance persists the audit records for a processed batch
// together with the advanced watermark. A crash before this commit leaves
// the watermark behind the batch, which is safe to re-ingest.
func AppendAuditAndAdvance(db *gorm.DB, events []*CurationEventLog, wm *SyncWatermark) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if len(events) > 0 {
			err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(events).Error
			if err != nil {
				return errors.Wrap(err, "audit append")
			}
		}

		wm.ContractAddress = strings.ToLower(wm.ContractAddress)
		wm.Updated = time.Now()
		return tx.Save(wm).Error
	})
}
