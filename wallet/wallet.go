package wallet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	// Register the bolt walletdb driver used by kvdb.
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/multibit/multibitd/chainstore"
)

// DefaultDescription is the description given to newly created wallets.
const DefaultDescription = "Your wallet"

var (
	// keysBucket maps a key's hash160 to its encoded private key.
	keysBucket = []byte("keys")

	// txmgrBucket is the namespace of the transaction store.
	txmgrBucket = []byte("wtxmgr")

	// metaBucket holds the wallet's small metadata records.
	metaBucket = []byte("meta")

	// descriptionKey holds the user supplied wallet description.
	descriptionKey = []byte("description")

	// syncHeightKey holds the height of the last block the wallet saw.
	syncHeightKey = []byte("sync-height")

	// savedKey holds the unix time of the last Save.
	savedKey = []byte("saved")
)

var (
	// ErrWalletNotFound is returned when loading a wallet file that does
	// not exist.
	ErrWalletNotFound = errors.New("wallet file does not exist")

	// ErrWalletExists is returned when saving a wallet as a new file that
	// has been saved before.
	ErrWalletExists = errors.New("wallet file already exists")

	// ErrCorruptWallet is returned when a wallet file is missing records.
	ErrCorruptWallet = errors.New("wallet file is corrupt")

	// ErrUnknownAddress is returned when signing for an address the
	// wallet has no key for.
	ErrUnknownAddress = errors.New("address does not belong to wallet")
)

// Config holds the dependencies of a wallet.
type Config struct {
	// Params is the network the wallet's keys are used on.
	Params *chaincfg.Params

	// Clock stamps received transactions and new keys.
	Clock clock.Clock
}

// Wallet is a keychain and the transaction history of the outputs paying to
// it, persisted in a single file. A wallet is mutated by one writer at a
// time.
type Wallet struct {
	cfg  Config
	path string

	db      kvdb.Backend
	txStore *wtxmgr.Store

	// mtx serializes every mutation of the keys and the history.
	mtx  sync.Mutex
	keys map[string]*keyPair

	// order holds the keys in creation order.
	order []*keyPair
}

// withDefaults fills in missing dependencies.
func (c Config) withDefaults() Config {
	if c.Params == nil {
		c.Params = &chaincfg.MainNetParams
	}
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}

	return c
}

// Create creates an empty wallet file at path. It fails if the file already
// exists.
func Create(path string, cfg Config) (*Wallet, error) {
	cfg = cfg.withDefaults()

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %v", ErrWalletExists, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}

	db, err := kvdb.Create(
		kvdb.BoltBackendName, path, true, kvdb.DefaultDBTimeout, false,
	)
	if err != nil {
		return nil, err
	}

	err = kvdb.Update(db, func(tx kvdb.RwTx) error {
		if _, err := tx.CreateTopLevelBucket(keysBucket); err != nil {
			return err
		}

		meta, err := tx.CreateTopLevelBucket(metaBucket)
		if err != nil {
			return err
		}
		err = meta.Put(descriptionKey, []byte(DefaultDescription))
		if err != nil {
			return err
		}

		ns, err := tx.CreateTopLevelBucket(txmgrBucket)
		if err != nil {
			return err
		}

		return wtxmgr.Create(ns)
	}, func() {})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Infof("Created wallet %v", path)

	return open(db, path, cfg)
}

// Load opens an existing wallet file.
func Load(path string, cfg Config) (*Wallet, error) {
	cfg = cfg.withDefaults()

	db, err := kvdb.Open(
		kvdb.BoltBackendName, path, true, kvdb.DefaultDBTimeout, false,
	)
	switch {
	case errors.Is(err, kvdb.ErrDbDoesNotExist):
		return nil, fmt.Errorf("%w: %v", ErrWalletNotFound, path)

	case err != nil:
		return nil, err
	}

	w, err := open(db, path, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Infof("Loaded wallet %v with %d keys", path, len(w.order))

	return w, nil
}

// open reads the keys and opens the transaction store of a wallet database.
func open(db kvdb.Backend, path string, cfg Config) (*Wallet, error) {
	w := &Wallet{
		cfg:  cfg,
		path: path,
		db:   db,
		keys: make(map[string]*keyPair),
	}

	err := kvdb.View(db, func(tx kvdb.RTx) error {
		keys := tx.ReadBucket(keysBucket)
		ns := tx.ReadBucket(txmgrBucket)
		if keys == nil || ns == nil || tx.ReadBucket(metaBucket) == nil {
			return ErrCorruptWallet
		}

		err := keys.ForEach(func(k, v []byte) error {
			key, err := decodeKeyPair(v, cfg.Params)
			if err != nil {
				return fmt.Errorf("%w: key %x: %v",
					ErrCorruptWallet, k, err)
			}

			w.keys[string(key.id())] = key
			w.order = append(w.order, key)

			return nil
		})
		if err != nil {
			return err
		}

		w.txStore, err = wtxmgr.Open(ns, cfg.Params)
		return err
	}, func() {
		w.keys = make(map[string]*keyPair)
		w.order = nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(w.order, func(i, j int) bool {
		return w.order[i].birthday.Before(w.order[j].birthday)
	})

	return w, nil
}

// Path returns the wallet file.
func (w *Wallet) Path() string {
	return w.path
}

// Params returns the network the wallet belongs to.
func (w *Wallet) Params() *chaincfg.Params {
	return w.cfg.Params
}

// NewAddress generates and stores a new key, returning its address.
func (w *Wallet) NewAddress() (btcutil.Address, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	key, err := newKeyPair(w.cfg.Params, w.cfg.Clock.Now())
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := key.encode(&b); err != nil {
		return nil, err
	}

	err = kvdb.Update(w.db, func(tx kvdb.RwTx) error {
		keys := tx.ReadWriteBucket(keysBucket)
		if keys == nil {
			return ErrCorruptWallet
		}

		return keys.Put(key.id(), b.Bytes())
	}, func() {})
	if err != nil {
		return nil, err
	}

	w.keys[string(key.id())] = key
	w.order = append(w.order, key)

	log.Debugf("Added key for address %v", key.addr)

	return key.addr, nil
}

// Addresses returns the receiving address of every key, oldest first.
func (w *Wallet) Addresses() []btcutil.Address {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	addrs := make([]btcutil.Address, 0, len(w.order))
	for _, key := range w.order {
		addrs = append(addrs, key.addr)
	}

	return addrs
}

// FilterData returns the public key and public key hash of every key. A bloom
// filter over them matches both payments to the wallet and spends from it.
func (w *Wallet) FilterData() [][]byte {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	data := make([][]byte, 0, 2*len(w.order))
	for _, key := range w.order {
		data = append(data, key.id())
		data = append(data, key.priv.PubKey().SerializeCompressed())
	}

	return data
}

// NumKeys returns the number of keys in the keychain.
func (w *Wallet) NumKeys() int {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return len(w.order)
}

// Birthday returns the creation time of the oldest key, or None for an empty
// keychain. Blocks before it cannot hold transactions for this wallet.
func (w *Wallet) Birthday() fn.Option[time.Time] {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if len(w.order) == 0 {
		return fn.None[time.Time]()
	}

	return fn.Some(w.order[0].birthday)
}

// Description returns the wallet description.
func (w *Wallet) Description() (string, error) {
	var desc string
	err := kvdb.View(w.db, func(tx kvdb.RTx) error {
		meta := tx.ReadBucket(metaBucket)
		if meta == nil {
			return ErrCorruptWallet
		}

		desc = string(meta.Get(descriptionKey))
		return nil
	}, func() {})

	return desc, err
}

// SetDescription replaces the wallet description.
func (w *Wallet) SetDescription(desc string) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.putMeta(descriptionKey, []byte(desc))
}

// SyncHeight returns the height of the last block the wallet processed.
func (w *Wallet) SyncHeight() (uint32, error) {
	var height uint32
	err := kvdb.View(w.db, func(tx kvdb.RTx) error {
		meta := tx.ReadBucket(metaBucket)
		if meta == nil {
			return ErrCorruptWallet
		}

		if raw := meta.Get(syncHeightKey); len(raw) == 4 {
			height = binary.BigEndian.Uint32(raw)
		}
		return nil
	}, func() {})

	return height, err
}

func (w *Wallet) putMeta(key, value []byte) error {
	return kvdb.Update(w.db, func(tx kvdb.RwTx) error {
		meta := tx.ReadWriteBucket(metaBucket)
		if meta == nil {
			return ErrCorruptWallet
		}

		return meta.Put(key, value)
	}, func() {})
}

func (w *Wallet) putSyncHeight(height uint32) error {
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], height)

	return w.putMeta(syncHeightKey, raw[:])
}

// NumTransactions returns the number of transactions in the history, mined
// or not.
func (w *Wallet) NumTransactions() (int, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	var count int
	err := kvdb.View(w.db, func(tx kvdb.RTx) error {
		ns := tx.ReadBucket(txmgrBucket)

		return w.txStore.RangeTransactions(ns, 0, -1,
			func(details []wtxmgr.TxDetails) (bool, error) {
				count += len(details)
				return false, nil
			},
		)
	}, func() {
		count = 0
	})

	return count, err
}

// Balance returns the value of every unspent output, including outputs of
// transactions that are not yet mined.
func (w *Wallet) Balance() (btcutil.Amount, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	credits, err := w.unspent()
	if err != nil {
		return 0, err
	}

	var total btcutil.Amount
	for _, credit := range credits {
		total += credit.Amount
	}

	return total, nil
}

func (w *Wallet) unspent() ([]wtxmgr.Credit, error) {
	var credits []wtxmgr.Credit
	err := kvdb.View(w.db, func(tx kvdb.RTx) error {
		var err error
		credits, err = w.txStore.UnspentOutputs(
			tx.ReadBucket(txmgrBucket),
		)
		return err
	}, func() {
		credits = nil
	})

	return credits, err
}

// ownedOutputs returns the indexes of the outputs of tx paying to one of the
// wallet's keys.
func (w *Wallet) ownedOutputs(tx *wire.MsgTx) []uint32 {
	var owned []uint32
	for i, out := range tx.TxOut {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(
			out.PkScript, w.cfg.Params,
		)
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if _, ok := w.keys[string(addr.ScriptAddress())]; ok {
				owned = append(owned, uint32(i))
				break
			}
		}
	}

	return owned
}

// ProcessTransaction records tx if it pays to or spends from the wallet. When
// the transaction was found in a block, block carries it. The return value
// reports whether the transaction was relevant.
func (w *Wallet) ProcessTransaction(tx *wire.MsgTx,
	block fn.Option[*chainstore.StoredBlock]) (bool, error) {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	owned := w.ownedOutputs(tx)

	credits, err := w.unspent()
	if err != nil {
		return false, err
	}
	spends := false
	ours := make(map[wire.OutPoint]struct{}, len(credits))
	for _, credit := range credits {
		ours[credit.OutPoint] = struct{}{}
	}
	for _, in := range tx.TxIn {
		if _, ok := ours[in.PreviousOutPoint]; ok {
			spends = true
			break
		}
	}

	if len(owned) == 0 && !spends {
		return false, nil
	}

	rec, err := wtxmgr.NewTxRecordFromMsgTx(tx, w.cfg.Clock.Now())
	if err != nil {
		return false, err
	}

	var meta *wtxmgr.BlockMeta
	block.WhenSome(func(b *chainstore.StoredBlock) {
		meta = &wtxmgr.BlockMeta{
			Block: wtxmgr.Block{
				Hash:   b.Hash(),
				Height: int32(b.Height),
			},
			Time: b.Time(),
		}
	})

	err = w.insert(rec, meta, owned, false)
	if err != nil {
		return false, err
	}

	log.Infof("Recorded transaction %v (%d outputs to wallet, mined=%v)",
		rec.Hash, len(owned), meta != nil)

	return true, nil
}

// insert stores rec and its credits in one database transaction.
func (w *Wallet) insert(rec *wtxmgr.TxRecord, meta *wtxmgr.BlockMeta,
	owned []uint32, change bool) error {

	return kvdb.Update(w.db, func(tx kvdb.RwTx) error {
		ns := tx.ReadWriteBucket(txmgrBucket)
		if err := w.txStore.InsertTx(ns, rec, meta); err != nil {
			return err
		}

		for _, index := range owned {
			err := w.txStore.AddCredit(ns, rec, meta, index, change)
			if err != nil {
				return err
			}
		}

		return nil
	}, func() {})
}

// BlockConnected records the wallet's sync height.
//
// NOTE: Part of the chain.WalletListener interface.
func (w *Wallet) BlockConnected(block *chainstore.StoredBlock) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.putSyncHeight(block.Height)
}

// ChainReorganized moves every transaction mined above head back to the
// unmined set and rewinds the sync height.
//
// NOTE: Part of the chain.WalletListener interface.
func (w *Wallet) ChainReorganized(head *chainstore.StoredBlock) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	err := kvdb.Update(w.db, func(tx kvdb.RwTx) error {
		ns := tx.ReadWriteBucket(txmgrBucket)
		return w.txStore.Rollback(ns, int32(head.Height)+1)
	}, func() {})
	if err != nil {
		return err
	}

	log.Infof("Rolled wallet %v back to %v", w.path, head)

	return w.putSyncHeight(head.Height)
}

// Save marks the wallet as saved. Every change is already durable once its
// method returns, so Save only records the time. A new file must not have
// been saved before.
func (w *Wallet) Save(isNewFile bool) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return kvdb.Update(w.db, func(tx kvdb.RwTx) error {
		meta := tx.ReadWriteBucket(metaBucket)
		if meta == nil {
			return ErrCorruptWallet
		}

		if isNewFile && meta.Get(savedKey) != nil {
			return fmt.Errorf("%w: %v", ErrWalletExists, w.path)
		}

		var saved [8]byte
		binary.BigEndian.PutUint64(
			saved[:], uint64(w.cfg.Clock.Now().Unix()),
		)

		return meta.Put(savedKey, saved[:])
	}, func() {})
}

// Close releases the wallet file.
func (w *Wallet) Close() error {
	return w.db.Close()
}
