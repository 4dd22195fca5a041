package chainstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/stretchr/testify/require"
)

var testStart = time.Unix(1700000000, 0)

// newTestStore creates a regtest store in a temporary directory.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.blockchain")
	store, err := Create(path, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

// extendStore appends n headers to the current head of the store.
func extendStore(t *testing.T, store *Store, n int) []*StoredBlock {
	t.Helper()

	head, err := store.Head()
	require.NoError(t, err)

	headers := MakeHeaders(head, n, testStart, 10*time.Minute)
	blocks := make([]*StoredBlock, 0, n)
	for _, header := range headers {
		head = head.Build(header)
		blocks = append(blocks, head)
	}

	require.NoError(t, store.Extend(blocks...))

	return blocks
}

// TestCreateStartsAtGenesis checks that a new store holds only genesis.
func TestCreateStartsAtGenesis(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	head, err := store.Head()
	require.NoError(t, err)
	require.Equal(t, uint32(0), head.Height)
	require.Equal(
		t, *chaincfg.RegressionNetParams.GenesisHash, head.Hash(),
	)
	require.Equal(t, store.Genesis().Hash(), head.Hash())
}

// TestStoredBlockEncoding checks that a block survives the tlv codec.
func TestStoredBlockEncoding(t *testing.T) {
	t.Parallel()

	genesis := genesisBlock(&chaincfg.MainNetParams)
	block := genesis.Build(NextHeader(genesis, testStart))

	store := newTestStore(t)
	require.NoError(t, store.Put(block))
	store.ClearCaches()

	got, err := store.Get(block.Hash())
	require.NoError(t, err)
	require.Equal(t, block.Height, got.Height)
	require.Equal(t, block.Hash(), got.Hash())
	require.True(t, block.Time().Equal(got.Time()))
}

// TestReopenKeepsHead checks that the head survives closing the store.
func TestReopenKeepsHead(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "reopen.blockchain")
	store, err := Create(path, &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	blocks := extendStore(t, store, 5)
	require.NoError(t, store.Close())

	store, created, err := OpenOrCreate(path, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.False(t, created)
	defer store.Close()

	head, err := store.Head()
	require.NoError(t, err)
	require.Equal(t, blocks[4].Hash(), head.Hash())
	require.Equal(t, uint32(5), head.Height)
}

// TestOpenFailures checks the ways opening an existing file can fail.
func TestOpenFailures(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		prepare func(t *testing.T, path string)
		params  *chaincfg.Params
		expErr  error
	}{{
		name:    "missing file",
		prepare: func(t *testing.T, path string) {},
		params:  &chaincfg.RegressionNetParams,
		expErr:  ErrStoreNotFound,
	}, {
		name: "wrong network",
		prepare: func(t *testing.T, path string) {
			store, err := Create(path, &chaincfg.MainNetParams)
			require.NoError(t, err)
			require.NoError(t, store.Close())
		},
		params: &chaincfg.RegressionNetParams,
		expErr: ErrGenesisMismatch,
	}, {
		name: "garbage file",
		prepare: func(t *testing.T, path string) {
			err := os.WriteFile(path, []byte("not a chain"), 0600)
			require.NoError(t, err)
		},
		params: &chaincfg.RegressionNetParams,
		expErr: ErrCorruptStore,
	}, {
		name: "missing buckets",
		prepare: func(t *testing.T, path string) {
			db, err := kvdb.Create(
				kvdb.BoltBackendName, path, true,
				kvdb.DefaultDBTimeout, false,
			)
			require.NoError(t, err)
			require.NoError(t, db.Close())
		},
		params: &chaincfg.RegressionNetParams,
		expErr: ErrCorruptStore,
	}, {
		name: "unknown version",
		prepare: func(t *testing.T, path string) {
			store, err := Create(path, &chaincfg.RegressionNetParams)
			require.NoError(t, err)

			err = kvdb.Update(store.db, func(tx kvdb.RwTx) error {
				state := tx.ReadWriteBucket(chainStateBucket)
				return state.Put(versionKey, []byte{0, 0, 0, 9})
			}, func() {})
			require.NoError(t, err)
			require.NoError(t, store.Close())
		},
		params: &chaincfg.RegressionNetParams,
		expErr: ErrVersionMismatch,
	}}

	for _, tc := range testCases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "chain.blockchain")
			tc.prepare(t, path)

			_, err := Open(path, tc.params)
			require.ErrorIs(t, err, tc.expErr)

			var storeErr *StoreError
			require.ErrorAs(t, err, &storeErr)
			require.Equal(t, path, storeErr.Path)
		})
	}
}

// TestCreateTruncates checks that creating over an existing store discards
// its blocks.
func TestCreateTruncates(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "truncate.blockchain")
	store, err := Create(path, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	blocks := extendStore(t, store, 3)
	require.NoError(t, store.Close())

	store, err = Create(path, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	defer store.Close()

	head, err := store.Head()
	require.NoError(t, err)
	require.Equal(t, uint32(0), head.Height)

	_, err = store.Get(blocks[0].Hash())
	require.ErrorIs(t, err, ErrBlockNotFound)
}

// TestPredecessorWalk walks from the head back to genesis.
func TestPredecessorWalk(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	blocks := extendStore(t, store, 10)

	cursor := blocks[len(blocks)-1]
	for i := len(blocks) - 2; i >= 0; i-- {
		prev, err := store.PredecessorOf(cursor)
		require.NoError(t, err)
		require.Equal(t, blocks[i].Hash(), prev.Hash())
		cursor = prev
	}

	prev, err := store.PredecessorOf(cursor)
	require.NoError(t, err)
	require.Equal(t, uint32(0), prev.Height)

	_, err = store.PredecessorOf(prev)
	require.ErrorIs(t, err, ErrBlockNotFound)
}

// TestPredecessorMissing checks that a gap in the stored ancestry is a hard
// failure.
func TestPredecessorMissing(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	genesis := store.Genesis()

	orphanParent := genesis.Build(NextHeader(genesis, testStart))
	orphan := orphanParent.Build(NextHeader(orphanParent, testStart))
	require.NoError(t, store.Put(orphan))

	_, err := store.PredecessorOf(orphan)
	require.ErrorIs(t, err, ErrBlockNotFound)

	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	require.Equal(t, "predecessor", storeErr.Op)
}

// TestSetHead checks moving the head back and refusing unknown blocks.
func TestSetHead(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	blocks := extendStore(t, store, 4)

	require.NoError(t, store.SetHead(blocks[1]))
	head, err := store.Head()
	require.NoError(t, err)
	require.Equal(t, blocks[1].Hash(), head.Hash())

	unknown := blocks[3].Build(NextHeader(blocks[3], testStart))
	err = store.SetHead(unknown)
	require.ErrorIs(t, err, ErrBlockNotFound)

	head, err = store.Head()
	require.NoError(t, err)
	require.Equal(t, blocks[1].Hash(), head.Hash())
}

// TestClearCaches checks that lookups keep working from disk after the
// cache is dropped.
func TestClearCaches(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	blocks := extendStore(t, store, 3)

	store.ClearCaches()

	for _, block := range blocks {
		got, err := store.Get(block.Hash())
		require.NoError(t, err)
		require.Equal(t, block.Height, got.Height)
	}
}

// TestHashAtHeight checks that the height index follows the head through
// rollbacks and branch switches.
func TestHashAtHeight(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	blocks := extendStore(t, store, 6)

	for _, block := range blocks {
		hash, err := store.HashAtHeight(block.Height)
		require.NoError(t, err)
		require.Equal(t, block.Hash(), hash)
	}

	// Roll back to height 3 and check that the top of the index is gone.
	require.NoError(t, store.SetHead(blocks[2]))
	_, err := store.HashAtHeight(4)
	require.ErrorIs(t, err, ErrBlockNotFound)

	// Build a side branch off height 2 and switch the head onto it.
	forkPoint := blocks[1]
	header := NextHeader(forkPoint, testStart.Add(time.Hour))
	header.Nonce = 999
	side := forkPoint.Build(header)
	require.NoError(t, store.Put(side))
	require.NoError(t, store.SetHead(side))

	hash, err := store.HashAtHeight(3)
	require.NoError(t, err)
	require.Equal(t, side.Hash(), hash)

	hash, err = store.HashAtHeight(2)
	require.NoError(t, err)
	require.Equal(t, forkPoint.Hash(), hash)
}
