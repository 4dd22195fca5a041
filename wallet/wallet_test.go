package wallet

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/multibit/multibitd/chainstore"
	"github.com/stretchr/testify/require"
)

var testTime = time.Unix(1700000000, 0)

func testConfig() Config {
	return Config{
		Params: &chaincfg.RegressionNetParams,
		Clock:  clock.NewTestClock(testTime),
	}
}

// newTestWallet creates a wallet with a single key.
func newTestWallet(t *testing.T) (*Wallet, btcutil.Address) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.wallet")
	w, err := Create(path, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, w.Close())
	})

	addr, err := w.NewAddress()
	require.NoError(t, err)

	return w, addr
}

// payTo returns a transaction from an unknown outpoint paying each amount to
// addr.
func payTo(t *testing.T, addr btcutil.Address,
	amounts ...btcutil.Amount) *wire.MsgTx {

	t.Helper()

	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: chainhash.Hash{0x01}, Index: 0}, nil, nil,
	))
	for _, amount := range amounts {
		tx.AddTxOut(wire.NewTxOut(int64(amount), script))
	}

	return tx
}

// testBlock returns a stored block at height carrying no real header.
func testBlock(height uint32) *chainstore.StoredBlock {
	return chainstore.NewStoredBlock(wire.BlockHeader{
		Nonce:     height,
		Timestamp: testTime.Add(time.Duration(height) * time.Minute),
	}, height)
}

// otherAddress returns an address the test wallet does not own.
func otherAddress(t *testing.T) btcutil.Address {
	t.Helper()

	key, err := newKeyPair(&chaincfg.RegressionNetParams, testTime)
	require.NoError(t, err)

	return key.addr
}

// TestCreateAndLoad checks that keys and metadata survive a reload.
func TestCreateAndLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "reload.wallet")
	w, err := Create(path, testConfig())
	require.NoError(t, err)

	addr, err := w.NewAddress()
	require.NoError(t, err)
	require.NoError(t, w.Save(true))
	require.NoError(t, w.Close())

	w, err = Load(path, testConfig())
	require.NoError(t, err)
	defer w.Close()

	require.Equal(t, 1, w.NumKeys())
	require.Equal(t, addr.String(), w.Addresses()[0].String())
	require.Equal(t, testTime, w.Birthday().UnwrapOr(time.Time{}))

	desc, err := w.Description()
	require.NoError(t, err)
	require.Equal(t, DefaultDescription, desc)

	numTxns, err := w.NumTransactions()
	require.NoError(t, err)
	require.Zero(t, numTxns)

	// The file has been saved once already.
	require.ErrorIs(t, w.Save(true), ErrWalletExists)
	require.NoError(t, w.Save(false))
}

// TestLoadMissing checks the error for a missing wallet file.
func TestLoadMissing(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "missing.wallet")
	_, err := Load(path, testConfig())
	require.ErrorIs(t, err, ErrWalletNotFound)
}

// TestCreateExisting checks that Create refuses to overwrite a wallet.
func TestCreateExisting(t *testing.T) {
	t.Parallel()

	w, _ := newTestWallet(t)

	_, err := Create(w.Path(), testConfig())
	require.ErrorIs(t, err, ErrWalletExists)
}

// TestProcessTransaction checks relevance detection and balance tracking.
func TestProcessTransaction(t *testing.T) {
	t.Parallel()

	w, addr := newTestWallet(t)

	relevant, err := w.ProcessTransaction(
		payTo(t, otherAddress(t), 5000), fn.None[*chainstore.StoredBlock](),
	)
	require.NoError(t, err)
	require.False(t, relevant)

	relevant, err = w.ProcessTransaction(
		payTo(t, addr, 40000, 60000), fn.Some(testBlock(5)),
	)
	require.NoError(t, err)
	require.True(t, relevant)

	balance, err := w.Balance()
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(100000), balance)

	numTxns, err := w.NumTransactions()
	require.NoError(t, err)
	require.Equal(t, 1, numTxns)
}

// TestSpend checks that a created transaction pays the exact fee, is validly
// signed and updates the balance once committed.
func TestSpend(t *testing.T) {
	t.Parallel()

	w, addr := newTestWallet(t)

	funding := payTo(t, addr, btcutil.SatoshiPerBitcoin)
	_, err := w.ProcessTransaction(funding, fn.Some(testBlock(1)))
	require.NoError(t, err)

	const (
		amount = btcutil.Amount(30000000)
		fee    = btcutil.Amount(1000)
	)
	spend, err := w.CreateTransaction(otherAddress(t), amount, fee)
	require.NoError(t, err)
	require.Equal(t, fee, spend.Fee)
	require.Len(t, spend.Tx.TxIn, 1)
	require.Len(t, spend.Tx.TxOut, 2)

	var outputs btcutil.Amount
	for _, out := range spend.Tx.TxOut {
		outputs += btcutil.Amount(out.Value)
	}
	require.Equal(t, fee, spend.Inputs-outputs)

	// The input script must satisfy the funding output.
	prevScript := funding.TxOut[0].PkScript
	fetcher := txscript.NewCannedPrevOutputFetcher(
		prevScript, funding.TxOut[0].Value,
	)
	vm, err := txscript.NewEngine(
		prevScript, spend.Tx, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(spend.Tx, fetcher),
		funding.TxOut[0].Value, fetcher,
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())

	// Creating does not touch the wallet.
	balance, err := w.Balance()
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(btcutil.SatoshiPerBitcoin), balance)

	require.NoError(t, w.CommitTransaction(spend))

	balance, err = w.Balance()
	require.NoError(t, err)
	require.Equal(
		t, btcutil.Amount(btcutil.SatoshiPerBitcoin)-amount-fee, balance,
	)

	numTxns, err := w.NumTransactions()
	require.NoError(t, err)
	require.Equal(t, 2, numTxns)
}

// TestSpendDustChange checks that change below the dust limit is still paid
// back to the wallet, so the fee stays exactly as requested.
func TestSpendDustChange(t *testing.T) {
	t.Parallel()

	w, addr := newTestWallet(t)
	_, err := w.ProcessTransaction(
		payTo(t, addr, 100000), fn.Some(testBlock(1)),
	)
	require.NoError(t, err)

	const fee = btcutil.Amount(1000)
	spend, err := w.CreateTransaction(otherAddress(t), 98900, fee)
	require.NoError(t, err)
	require.Equal(t, fee, spend.Fee)
	require.Len(t, spend.Tx.TxOut, 2)
	require.Equal(t, int64(100), spend.Tx.TxOut[1].Value)
	require.True(t, txrules.IsDustOutput(
		spend.Tx.TxOut[1], txrules.DefaultRelayFeePerKb,
	))
}

// TestSpendFailures checks the rejected sends.
func TestSpendFailures(t *testing.T) {
	t.Parallel()

	w, addr := newTestWallet(t)
	_, err := w.ProcessTransaction(
		payTo(t, addr, 50000), fn.Some(testBlock(1)),
	)
	require.NoError(t, err)

	testCases := []struct {
		name   string
		amount btcutil.Amount
		fee    btcutil.Amount
		expErr error
	}{{
		name:   "not enough",
		amount: 49500,
		fee:    1000,
		expErr: ErrInsufficientFunds,
	}, {
		name:   "dust",
		amount: 1,
		fee:    1000,
		expErr: ErrInvalidAmount,
	}, {
		name:   "negative fee",
		amount: 10000,
		fee:    -1,
		expErr: ErrInvalidAmount,
	}}

	for _, tc := range testCases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			_, err := w.CreateTransaction(
				otherAddress(t), tc.amount, tc.fee,
			)
			require.ErrorIs(t, err, tc.expErr)
		})
	}
}

// TestChainReorganized checks that a reorg rewinds the sync height and keeps
// the history.
func TestChainReorganized(t *testing.T) {
	t.Parallel()

	w, addr := newTestWallet(t)

	_, err := w.ProcessTransaction(
		payTo(t, addr, 70000), fn.Some(testBlock(8)),
	)
	require.NoError(t, err)
	require.NoError(t, w.BlockConnected(testBlock(8)))

	height, err := w.SyncHeight()
	require.NoError(t, err)
	require.Equal(t, uint32(8), height)

	require.NoError(t, w.ChainReorganized(testBlock(3)))

	height, err = w.SyncHeight()
	require.NoError(t, err)
	require.Equal(t, uint32(3), height)

	numTxns, err := w.NumTransactions()
	require.NoError(t, err)
	require.Equal(t, 1, numTxns)

	balance, err := w.Balance()
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(70000), balance)
}

// TestFilterData checks that the filter elements cover the address hash and
// the public key of every key.
func TestFilterData(t *testing.T) {
	t.Parallel()

	w, addr := newTestWallet(t)
	_, err := w.NewAddress()
	require.NoError(t, err)

	data := w.FilterData()
	require.Len(t, data, 4)
	require.Equal(t, addr.ScriptAddress(), data[0])
	require.Len(t, data[1], 33)
	require.Equal(t, btcutil.Hash160(data[1]), data[0])
}
