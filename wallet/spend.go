package wallet

import (
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wtxmgr"
)

var (
	// ErrInsufficientFunds is returned when the wallet's unspent outputs
	// cannot cover the amount and fee of a send.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount is returned when the payment output would be
	// rejected by relay policy.
	ErrInvalidAmount = errors.New("invalid payment amount")

	// ErrNoKeys is returned when spending from a wallet without keys.
	ErrNoKeys = errors.New("wallet has no keys")
)

// Spend is a signed transaction created by the wallet that has not been
// recorded in its history yet.
type Spend struct {
	// Tx is the signed transaction.
	Tx *wire.MsgTx

	// Fee is the difference between the inputs and the outputs.
	Fee btcutil.Amount

	// ChangeIndex is the index of the change output, or -1.
	ChangeIndex int

	// Inputs is the total value of the spent outputs.
	Inputs btcutil.Amount
}

// byAmount sorts credits by their output amount.
type byAmount []wtxmgr.Credit

func (s byAmount) Len() int           { return len(s) }
func (s byAmount) Less(i, j int) bool { return s[i].Amount < s[j].Amount }
func (s byAmount) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// CreateTransaction builds and signs a transaction paying amount to dest with
// exactly fee left for the miner. Change returns to the wallet's first key.
// The wallet is not modified. Pass the result to CommitTransaction once it
// has been handed to the network.
func (w *Wallet) CreateTransaction(dest btcutil.Address, amount,
	fee btcutil.Amount) (*Spend, error) {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	if len(w.order) == 0 {
		return nil, ErrNoKeys
	}
	if fee < 0 {
		return nil, fmt.Errorf("%w: negative fee %v", ErrInvalidAmount,
			fee)
	}

	destScript, err := txscript.PayToAddrScript(dest)
	if err != nil {
		return nil, err
	}
	payment := wire.NewTxOut(int64(amount), destScript)
	err = txrules.CheckOutput(payment, txrules.DefaultRelayFeePerKb)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	credits, err := w.unspent()
	if err != nil {
		return nil, err
	}

	// Pick largest outputs first.
	sort.Sort(sort.Reverse(byAmount(credits)))

	target := amount + fee
	tx := wire.NewMsgTx(wire.TxVersion)
	var (
		total       btcutil.Amount
		prevScripts [][]byte
		prevValues  []btcutil.Amount
	)
	for _, credit := range credits {
		if total >= target {
			break
		}

		tx.AddTxIn(wire.NewTxIn(&credit.OutPoint, nil, nil))
		prevScripts = append(prevScripts, credit.PkScript)
		prevValues = append(prevValues, credit.Amount)
		total += credit.Amount
	}

	if total < target {
		return nil, fmt.Errorf("%w: need %v, have %v",
			ErrInsufficientFunds, target, total)
	}

	tx.AddTxOut(payment)

	changeIndex := -1
	if change := total - target; change > 0 {
		changeScript, err := txscript.PayToAddrScript(w.order[0].addr)
		if err != nil {
			return nil, err
		}

		changeOut := wire.NewTxOut(int64(change), changeScript)
		if txrules.IsDustOutput(changeOut, txrules.DefaultRelayFeePerKb) {
			log.Warnf("Change output of %v is below the dust limit",
				change)
		}

		changeIndex = len(tx.TxOut)
		tx.AddTxOut(changeOut)
	}

	authored := &txauthor.AuthoredTx{
		Tx:              tx,
		PrevScripts:     prevScripts,
		PrevInputValues: prevValues,
		TotalInput:      total,
		ChangeIndex:     changeIndex,
	}
	err = authored.AddAllInputScripts(secretSource{
		keys:   w.keys,
		params: w.cfg.Params,
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("Created transaction %v paying %v to %v with fee %v",
		tx.TxHash(), amount, dest, fee)

	return &Spend{
		Tx:          tx,
		Fee:         fee,
		ChangeIndex: changeIndex,
		Inputs:      total,
	}, nil
}

// CommitTransaction records a spend created by CreateTransaction as an
// unmined transaction. Its inputs stop counting towards the balance and its
// change output starts counting.
func (w *Wallet) CommitTransaction(spend *Spend) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	rec, err := wtxmgr.NewTxRecordFromMsgTx(spend.Tx, w.cfg.Clock.Now())
	if err != nil {
		return err
	}

	// The change output, and the payment if it was sent to ourselves,
	// become unmined credits.
	owned := w.ownedOutputs(spend.Tx)
	if err := w.insert(rec, nil, owned, true); err != nil {
		return err
	}

	log.Infof("Committed transaction %v", rec.Hash)

	return nil
}
