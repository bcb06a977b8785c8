package reconcile

import (
	"context"
	"curation-reconciler/chain"
	"curation-reconciler/config"
	"curation-reconciler/database"
	"curation-reconciler/logger"
	"curation-reconciler/queue"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// JobPayToBlockchain is the queue job type for confirming a pending
// blockchain donation.
const JobPayToBlockchain = "payTo:blockchain"

// ErrTxNotMined is returned while the paired chain transaction has no
// receipt yet. The queue retries it with backoff.
var ErrTxNotMined = errors.New("transaction not yet mined")

// ConfirmPayload references the pending Transaction to confirm.
type ConfirmPayload struct {
	TxID uint64
}

// Confirmer finalizes a user-initiated donation once its chain transaction
// is mined, validating the emitted events against the expected parameters.
type Confirmer struct {
	db       *gorm.DB
	reader   chain.Reader
	params   config.ChainConfig
	notifier Notifier
}

func NewConfirmer(db *gorm.DB, reader chain.Reader, params config.ChainConfig, notifier Notifier) *Confirmer {
	return &Confirmer{db: db, reader: reader, params: params, notifier: notifier}
}

// Handle adapts Confirm to a queue handler.
func (c *Confirmer) Handle(ctx context.Context, payload interface{}) error {
	p, ok := payload.(ConfirmPayload)
	if !ok {
		return queue.Discard(errors.Errorf("unexpected payload type %T", payload))
	}
	return c.Confirm(ctx, p.TxID)
}

// Confirm runs one confirmation attempt for the given Transaction. It is
// idempotent: an already-finalized Transaction is a successful no-op.
func (c *Confirmer) Confirm(ctx context.Context, txID uint64) error {
	tx, err := database.FetchTransaction(c.db, txID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return queue.Discard(errors.Errorf("transaction %d not found", txID))
	}
	if err != nil {
		return errors.Wrap(err, "Confirm: FetchTransaction")
	}

	switch tx.Provider {
	case database.ProviderBlockchain:
	default:
		return queue.Discard(errors.Errorf(
			"transaction %d has provider %q, expected %q",
			txID, tx.Provider, database.ProviderBlockchain,
		))
	}

	if tx.State != database.TxStatePending {
		logger.Debug("transaction %d already in state %s, nothing to do", txID, tx.State)
		return nil
	}

	if tx.ProviderTxID == nil {
		return queue.Discard(errors.Errorf("transaction %d has no chain transaction reference", txID))
	}
	bt, err := database.FetchBlockchainTransaction(c.db, *tx.ProviderTxID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return queue.Discard(errors.Errorf("chain transaction %d not found", *tx.ProviderTxID))
	}
	if err != nil {
		return errors.Wrap(err, "Confirm: FetchBlockchainTransaction")
	}

	receipt, err := c.reader.TransactionReceipt(ctx, bt.TxHash)
	if err != nil {
		return errors.Wrap(err, "Confirm: TransactionReceipt")
	}
	if receipt == nil {
		return errors.Wrapf(ErrTxNotMined, "tx %s", bt.TxHash)
	}

	if receipt.Reverted {
		logger.Info("chain tx %s reverted, failing transaction %d", bt.TxHash, tx.ID)
		return database.FailBoth(c.db, tx.ID, bt.ID)
	}

	donation, expectedAmount, err := c.expectedDonation(tx)
	if err != nil {
		return err
	}

	if !c.matchEvent(receipt.Events, donation, expectedAmount) {
		// The chain transaction is real but paid someone or something
		// else. Record it as succeeded on chain and cancel the ledger
		// entry.
		logger.Warn("chain tx %s does not match expected donation for transaction %d", bt.TxHash, tx.ID)
		return database.CancelInvalid(c.db, tx.ID, bt.ID)
	}

	if err := database.SucceedBoth(c.db, tx.ID, bt.ID); err != nil {
		return errors.Wrap(err, "Confirm: SucceedBoth")
	}
	logger.Info("confirmed donation %d via chain tx %s", tx.ID, bt.TxHash)

	// Best effort only. Failures are logged inside the notifier and never
	// affect the job outcome.
	c.notifier.DonationSucceeded(ctx, donation)

	return nil
}

func (c *Confirmer) expectedDonation(tx *database.Transaction) (*Donation, *big.Int, error) {
	sender, err := database.FetchUser(c.db, tx.SenderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, queue.Discard(errors.Errorf("sender %d not found", tx.SenderID))
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "expectedDonation: sender")
	}

	recipient, err := database.FetchUser(c.db, tx.RecipientID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, queue.Discard(errors.Errorf("recipient %d not found", tx.RecipientID))
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "expectedDonation: recipient")
	}

	if tx.TargetType != database.TargetTypeArticle {
		return nil, nil, queue.Discard(errors.Errorf("unsupported target type %q", tx.TargetType))
	}
	target, err := database.FetchArticle(c.db, tx.TargetID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, queue.Discard(errors.Errorf("article %d not found", tx.TargetID))
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "expectedDonation: target")
	}

	donation := &Donation{Tx: tx, Sender: sender, Recipient: recipient, Target: target}
	return donation, chain.ToBaseUnits(tx.Amount, c.params.TokenDecimals), nil
}

// matchEvent scans the receipt's curation events for one matching the
// expected (curator, creator, token, amount, cid) tuple. Addresses compare
// case-insensitively and the amount in integer base units.
func (c *Confirmer) matchEvent(events []chain.CurationEvent, donation *Donation, amount *big.Int) bool {
	for i := range events {
		ev := &events[i]

		cid, ok := chain.ExtractCID(ev.URI)
		if !ok {
			continue
		}

		if addressEqual(ev.Curator, donation.Sender.EthAddress) &&
			addressEqual(ev.Creator, donation.Recipient.EthAddress) &&
			addressEqual(ev.Token, c.params.TokenAddress) &&
			ev.Amount.Cmp(amount) == 0 &&
			cid == donation.Target.DataHash {
			return true
		}
	}

	return false
}

func addressEqual(a common.Address, hex string) bool {
	return strings.EqualFold(a.Hex(), hex)
}
