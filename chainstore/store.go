package chainstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	// Register the bolt walletdb driver used by kvdb.
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	// storeVersion is the layout version written into new chain stores.
	storeVersion uint32 = 1

	// DefaultCacheSize is the number of stored blocks kept in memory.
	DefaultCacheSize = 5000
)

var (
	// blockIndexBucket maps a block hash to its encoded StoredBlock.
	blockIndexBucket = []byte("block-index")

	// mainChainBucket maps a big endian height to the hash of the block at
	// that height on the chain ending at the current head.
	mainChainBucket = []byte("main-chain")

	// chainStateBucket holds the store's metadata records.
	chainStateBucket = []byte("chain-state")

	// versionKey holds the layout version as a big endian uint32.
	versionKey = []byte("version")

	// genesisKey holds the genesis hash of the network the store was
	// created for.
	genesisKey = []byte("genesis")

	// headKey holds the hash of the current chain head.
	headKey = []byte("head")
)

// Store is a persistent, file backed block header store. It records every
// header it is given, keyed by hash, together with a single chain head
// pointer. All methods are safe for concurrent use.
type Store struct {
	db     kvdb.Backend
	path   string
	params *chaincfg.Params

	genesis *StoredBlock

	cacheMtx sync.Mutex
	cache    *lru.Cache[chainhash.Hash, *cachedBlock]
}

// genesisBlock returns the stored form of the network's genesis block.
func genesisBlock(params *chaincfg.Params) *StoredBlock {
	return NewStoredBlock(params.GenesisBlock.Header, 0)
}

// newStore wraps an already validated database.
func newStore(db kvdb.Backend, path string,
	params *chaincfg.Params) *Store {

	return &Store{
		db:      db,
		path:    path,
		params:  params,
		genesis: genesisBlock(params),
		cache: lru.NewCache[chainhash.Hash, *cachedBlock](
			DefaultCacheSize,
		),
	}
}

// Create creates a fresh chain store at path holding only the network's
// genesis block, which becomes the chain head. Any existing file at path is
// removed first.
func Create(path string, params *chaincfg.Params) (*Store, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, &StoreError{Op: "create", Path: path, Err: err}
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, &StoreError{Op: "create", Path: path, Err: err}
		}
	}

	db, err := kvdb.Create(
		kvdb.BoltBackendName, path, true, kvdb.DefaultDBTimeout, false,
	)
	if err != nil {
		return nil, &StoreError{Op: "create", Path: path, Err: err}
	}

	genesis := genesisBlock(params)
	err = kvdb.Update(db, func(tx kvdb.RwTx) error {
		index, err := tx.CreateTopLevelBucket(blockIndexBucket)
		if err != nil {
			return err
		}
		heights, err := tx.CreateTopLevelBucket(mainChainBucket)
		if err != nil {
			return err
		}
		state, err := tx.CreateTopLevelBucket(chainStateBucket)
		if err != nil {
			return err
		}

		if err := putBlock(index, genesis); err != nil {
			return err
		}
		if err := putHeight(heights, genesis); err != nil {
			return err
		}

		var version [4]byte
		binary.BigEndian.PutUint32(version[:], storeVersion)
		if err := state.Put(versionKey, version[:]); err != nil {
			return err
		}

		genesisHash := genesis.Hash()
		if err := state.Put(genesisKey, genesisHash[:]); err != nil {
			return err
		}

		return state.Put(headKey, genesisHash[:])
	}, func() {})
	if err != nil {
		_ = db.Close()
		return nil, &StoreError{Op: "create", Path: path, Err: err}
	}

	log.Infof("Created chain store %v for %v", path, params.Name)

	return newStore(db, path, params), nil
}

// Open opens an existing chain store. The store must have been created for
// the same network and must point at a head block it contains.
func Open(path string, params *chaincfg.Params) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			err = ErrStoreNotFound
		}
		return nil, &StoreError{Op: "open", Path: path, Err: err}
	}

	db, err := kvdb.Open(
		kvdb.BoltBackendName, path, true, kvdb.DefaultDBTimeout, false,
	)
	if err != nil {
		return nil, &StoreError{
			Op:   "open",
			Path: path,
			Err:  fmt.Errorf("%w: %v", ErrCorruptStore, err),
		}
	}

	if err := validate(db, params); err != nil {
		_ = db.Close()
		return nil, &StoreError{Op: "open", Path: path, Err: err}
	}

	log.Debugf("Opened chain store %v", path)

	return newStore(db, path, params), nil
}

// OpenOrCreate opens the chain store at path if one exists and creates a new
// one otherwise. The boolean return reports whether a new store was created.
func OpenOrCreate(path string, params *chaincfg.Params) (*Store, bool,
	error) {

	store, err := Open(path, params)
	switch {
	case err == nil:
		return store, false, nil

	case errors.Is(err, ErrStoreNotFound):
		store, err := Create(path, params)
		if err != nil {
			return nil, false, err
		}
		return store, true, nil

	default:
		return nil, false, err
	}
}

// validate checks the metadata of a freshly opened store.
func validate(db kvdb.Backend, params *chaincfg.Params) error {
	return kvdb.View(db, func(tx kvdb.RTx) error {
		index := tx.ReadBucket(blockIndexBucket)
		state := tx.ReadBucket(chainStateBucket)
		heights := tx.ReadBucket(mainChainBucket)
		if index == nil || state == nil || heights == nil {
			return ErrCorruptStore
		}

		version := state.Get(versionKey)
		if len(version) != 4 {
			return ErrCorruptStore
		}
		if v := binary.BigEndian.Uint32(version); v != storeVersion {
			return fmt.Errorf("%w: got %d, want %d",
				ErrVersionMismatch, v, storeVersion)
		}

		genesis := state.Get(genesisKey)
		if !bytes.Equal(genesis, params.GenesisHash[:]) {
			return ErrGenesisMismatch
		}

		head := state.Get(headKey)
		if len(head) != chainhash.HashSize || index.Get(head) == nil {
			return fmt.Errorf("%w: missing head block", ErrCorruptStore)
		}

		return nil
	}, func() {})
}

// putBlock writes a single block into the index bucket.
func putBlock(index kvdb.RwBucket, block *StoredBlock) error {
	var b bytes.Buffer
	if err := block.Encode(&b); err != nil {
		return err
	}

	hash := block.Hash()
	return index.Put(hash[:], b.Bytes())
}

// heightKey encodes a height as a main chain bucket key.
func heightKey(height uint32) []byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], height)
	return key[:]
}

// putHeight records block as the main chain block at its height.
func putHeight(heights kvdb.RwBucket, block *StoredBlock) error {
	hash := block.Hash()
	return heights.Put(heightKey(block.Height), hash[:])
}

// fetchBlock reads a block from the index bucket.
func fetchBlock(index kvdb.RBucket, hash chainhash.Hash) (*StoredBlock,
	error) {

	raw := index.Get(hash[:])
	if raw == nil {
		return nil, ErrBlockNotFound
	}

	block := &StoredBlock{}
	if err := block.Decode(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}

	return block, nil
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.path
}

// Params returns the network the store was opened for.
func (s *Store) Params() *chaincfg.Params {
	return s.params
}

// Genesis returns the network's genesis block.
func (s *Store) Genesis() *StoredBlock {
	return s.genesis
}

// Head returns the block the store currently considers the chain head.
func (s *Store) Head() (*StoredBlock, error) {
	var head *StoredBlock
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		state := tx.ReadBucket(chainStateBucket)
		index := tx.ReadBucket(blockIndexBucket)
		if state == nil || index == nil {
			return ErrCorruptStore
		}

		hash, err := chainhash.NewHash(state.Get(headKey))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptStore, err)
		}

		head, err = fetchBlock(index, *hash)
		return err
	}, func() {
		head = nil
	})
	if err != nil {
		return nil, &StoreError{Op: "head", Path: s.path, Err: err}
	}

	return head, nil
}

// SetHead moves the chain head pointer to block. The block must already be
// in the store.
func (s *Store) SetHead(block *StoredBlock) error {
	hash := block.Hash()
	err := kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		index := tx.ReadWriteBucket(blockIndexBucket)
		state := tx.ReadWriteBucket(chainStateBucket)
		heights := tx.ReadWriteBucket(mainChainBucket)
		if index == nil || state == nil || heights == nil {
			return ErrCorruptStore
		}

		if index.Get(hash[:]) == nil {
			return ErrBlockNotFound
		}

		// Forget the main chain entries above the new head.
		for h := block.Height + 1; heights.Get(heightKey(h)) != nil; h++ {
			if err := heights.Delete(heightKey(h)); err != nil {
				return err
			}
		}

		// The new head may sit on a side branch, so rewrite the index
		// back to the point where it rejoins the recorded main chain.
		cursor := block
		for {
			known := heights.Get(heightKey(cursor.Height))
			cursorHash := cursor.Hash()
			if bytes.Equal(known, cursorHash[:]) {
				break
			}
			if err := putHeight(heights, cursor); err != nil {
				return err
			}
			if cursor.Height == 0 {
				break
			}

			var err error
			cursor, err = fetchBlock(index, cursor.PrevHash())
			if err != nil {
				return err
			}
		}

		return state.Put(headKey, hash[:])
	}, func() {})
	if err != nil {
		return &StoreError{Op: "set head", Path: s.path, Err: err}
	}

	log.Debugf("Chain head set to %v", block)

	return nil
}

// Put records blocks in the store without touching the head pointer.
func (s *Store) Put(blocks ...*StoredBlock) error {
	return s.write("put", blocks, false)
}

// Extend records blocks and moves the chain head to the last one, all in a
// single transaction.
func (s *Store) Extend(blocks ...*StoredBlock) error {
	return s.write("extend", blocks, true)
}

func (s *Store) write(op string, blocks []*StoredBlock, moveHead bool) error {
	if len(blocks) == 0 {
		return nil
	}

	err := kvdb.Update(s.db, func(tx kvdb.RwTx) error {
		index := tx.ReadWriteBucket(blockIndexBucket)
		state := tx.ReadWriteBucket(chainStateBucket)
		heights := tx.ReadWriteBucket(mainChainBucket)
		if index == nil || state == nil || heights == nil {
			return ErrCorruptStore
		}

		for _, block := range blocks {
			if err := putBlock(index, block); err != nil {
				return err
			}
		}

		if !moveHead {
			return nil
		}

		for _, block := range blocks {
			if err := putHeight(heights, block); err != nil {
				return err
			}
		}

		// A shorter branch that used to be the main chain must not
		// leave entries above the new head.
		top := blocks[len(blocks)-1].Height
		for h := top + 1; heights.Get(heightKey(h)) != nil; h++ {
			if err := heights.Delete(heightKey(h)); err != nil {
				return err
			}
		}

		headHash := blocks[len(blocks)-1].Hash()
		return state.Put(headKey, headHash[:])
	}, func() {})
	if err != nil {
		return &StoreError{Op: op, Path: s.path, Err: err}
	}

	s.cacheMtx.Lock()
	for _, block := range blocks {
		_, _ = s.cache.Put(block.Hash(), &cachedBlock{block: block})
	}
	s.cacheMtx.Unlock()

	return nil
}

// Get looks up a block by hash. ErrBlockNotFound is returned if the store
// does not contain it.
func (s *Store) Get(hash chainhash.Hash) (*StoredBlock, error) {
	s.cacheMtx.Lock()
	cached, err := s.cache.Get(hash)
	s.cacheMtx.Unlock()

	switch {
	case err == nil:
		return cached.block, nil

	case !errors.Is(err, cache.ErrElementNotFound):
		return nil, err
	}

	var block *StoredBlock
	err = kvdb.View(s.db, func(tx kvdb.RTx) error {
		index := tx.ReadBucket(blockIndexBucket)
		if index == nil {
			return ErrCorruptStore
		}

		var err error
		block, err = fetchBlock(index, hash)
		return err
	}, func() {
		block = nil
	})
	if err != nil {
		return nil, &StoreError{Op: "get", Path: s.path, Err: err}
	}

	s.cacheMtx.Lock()
	_, _ = s.cache.Put(hash, &cachedBlock{block: block})
	s.cacheMtx.Unlock()

	return block, nil
}

// HashAtHeight returns the hash of the block at height on the chain ending at
// the current head.
func (s *Store) HashAtHeight(height uint32) (chainhash.Hash, error) {
	var hash chainhash.Hash
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		heights := tx.ReadBucket(mainChainBucket)
		if heights == nil {
			return ErrCorruptStore
		}

		raw := heights.Get(heightKey(height))
		if raw == nil {
			return ErrBlockNotFound
		}

		copy(hash[:], raw)
		return nil
	}, func() {})
	if err != nil {
		return hash, &StoreError{Op: "hash at height", Path: s.path,
			Err: err}
	}

	return hash, nil
}

// PredecessorOf returns the block that block builds on. Asking for the
// predecessor of genesis, or of a block whose parent was never stored,
// returns ErrBlockNotFound.
func (s *Store) PredecessorOf(block *StoredBlock) (*StoredBlock, error) {
	if block.Height == 0 {
		return nil, &StoreError{
			Op:   "predecessor",
			Path: s.path,
			Err:  fmt.Errorf("%w: %v is genesis", ErrBlockNotFound, block),
		}
	}

	prev, err := s.Get(block.PrevHash())
	if err != nil {
		var storeErr *StoreError
		if errors.As(err, &storeErr) {
			storeErr.Op = "predecessor"
		}
		return nil, err
	}

	return prev, nil
}

// ClearCaches drops every block held in memory. Subsequent lookups are served
// from disk.
func (s *Store) ClearCaches() {
	s.cacheMtx.Lock()
	defer s.cacheMtx.Unlock()

	s.cache = lru.NewCache[chainhash.Hash, *cachedBlock](DefaultCacheSize)
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return &StoreError{Op: "close", Path: s.path, Err: err}
	}

	return nil
}
