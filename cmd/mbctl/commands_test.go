package main

import (
	"bytes"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/multibit/multibitd/chainreg"
	"github.com/multibit/multibitd/chainstore"
	"github.com/multibit/multibitd/wallet"
	"github.com/stretchr/testify/require"
)

var testStart = time.Unix(1700000000, 0)

// writeChain creates a regtest chain store in dir with n blocks, block h
// stamped at testStart + (h-1) minutes.
func writeChain(t *testing.T, dir string, n int) {
	t.Helper()

	store, err := chainstore.Create(
		chainreg.RegTest.ChainFilePath(dir), chainreg.RegTest.Params,
	)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, store.Close())
	}()

	head, err := store.Head()
	require.NoError(t, err)

	var blocks []*chainstore.StoredBlock
	for _, header := range chainstore.MakeHeaders(
		head, n, testStart, time.Minute,
	) {

		head = head.Build(header)
		blocks = append(blocks, head)
	}
	require.NoError(t, store.Extend(blocks...))
}

func headHeight(t *testing.T, dir string) uint32 {
	t.Helper()

	store, err := chainstore.Open(
		chainreg.RegTest.ChainFilePath(dir), chainreg.RegTest.Params,
	)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, store.Close())
	}()

	head, err := store.Head()
	require.NoError(t, err)

	return head.Height
}

func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out

	args = append([]string{"mbctl", "--regtest", "--datadir", dir}, args...)
	err := app.Run(args)

	return out.String(), err
}

// TestChainInfo checks that the head of the store is printed.
func TestChainInfo(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeChain(t, dir, 5)

	out, err := run(t, dir, "chaininfo")
	require.NoError(t, err)
	require.Contains(t, out, "regtest")
	require.Contains(t, out, chainreg.RegTest.ChainFileName())
}

// TestReplay checks partial, dry run and full replays.
func TestReplay(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeChain(t, dir, 30)

	walletPath := filepath.Join(dir, "test.wallet")
	w, err := wallet.Create(walletPath, wallet.Config{
		Params: chainreg.RegTest.Params,
	})
	require.NoError(t, err)
	head := chainstore.NewStoredBlock(wire.BlockHeader{
		Timestamp: testStart,
	}, 30)
	require.NoError(t, w.BlockConnected(head))
	require.NoError(t, w.Close())

	// Block 21 is stamped at testStart + 20 minutes, so the cutoff is
	// reached at block 20 and the margin adds six more.
	cutoff := strconv.FormatInt(testStart.Add(20*time.Minute).Unix(), 10)

	_, err = run(t, dir, "replay", "--cutoff", cutoff, "--dryrun")
	require.NoError(t, err)
	require.Equal(t, uint32(30), headHeight(t, dir))

	_, err = run(
		t, dir, "replay", "--cutoff", cutoff, "--wallet", walletPath,
	)
	require.NoError(t, err)
	require.Equal(t, uint32(14), headHeight(t, dir))

	w, err = wallet.Load(walletPath, wallet.Config{
		Params: chainreg.RegTest.Params,
	})
	require.NoError(t, err)
	height, err := w.SyncHeight()
	require.NoError(t, err)
	require.Equal(t, uint32(14), height)
	require.NoError(t, w.Close())

	_, err = run(t, dir, "replay")
	require.NoError(t, err)
	require.Zero(t, headHeight(t, dir))
}

// TestReplayBadCutoff checks that an unparsable cutoff is rejected.
func TestReplayBadCutoff(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeChain(t, dir, 3)

	_, err := run(t, dir, "replay", "--cutoff", "yesterday")
	require.Error(t, err)
	require.Equal(t, uint32(3), headHeight(t, dir))
}

// TestWalletInfo checks that the default wallet is found and printed.
func TestWalletInfo(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := wallet.Create(
		chainreg.RegTest.WalletFilePath(dir),
		wallet.Config{Params: chainreg.RegTest.Params},
	)
	require.NoError(t, err)
	addr, err := w.NewAddress()
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out, err := run(t, dir, "walletinfo")
	require.NoError(t, err)
	require.Contains(t, out, addr.EncodeAddress())
	require.Contains(t, out, wallet.DefaultDescription)
}
