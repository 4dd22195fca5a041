package chainreg

import (
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

// TestFileNames asserts the chain and wallet file naming rules for every
// profile, with and without a data directory.
func TestFileNames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		profile NetworkProfile
		chain   string
		wallet  string
	}{
		{MainNet, "multibit.blockchain", "multibit.wallet"},
		{TestNet, "multibit-testnet.blockchain", "multibit-testnet.wallet"},
		{RegTest, "multibit-regtest.blockchain", "multibit-regtest.wallet"},
	}

	for _, test := range tests {
		test := test
		t.Run(test.profile.Name(), func(t *testing.T) {
			require.Equal(t, test.chain, test.profile.ChainFilePath(""))
			require.Equal(
				t, test.wallet, test.profile.WalletFilePath(""),
			)

			dir := t.TempDir()
			require.Equal(
				t, filepath.Join(dir, test.chain),
				test.profile.ChainFilePath(dir),
			)
			require.Equal(
				t, filepath.Join(dir, test.wallet),
				test.profile.WalletFilePath(dir),
			)
		})
	}
}

// TestForNetwork checks the boolean network selector.
func TestForNetwork(t *testing.T) {
	t.Parallel()

	require.Equal(t, MainNet, ForNetwork(false))
	require.Equal(t, TestNet, ForNetwork(true))
	require.NotEmpty(t, MainNet.DNSSeeds())
	require.NotEmpty(t, TestNet.DNSSeeds())
	require.Empty(t, RegTest.DNSSeeds())
}

// TestParseAddress makes sure addresses are only accepted on their own
// network.
func TestParseAddress(t *testing.T) {
	t.Parallel()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pkHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())

	mainAddr, err := btcutil.NewAddressPubKeyHash(
		pkHash, MainNet.Params,
	)
	require.NoError(t, err)

	parsed, err := MainNet.ParseAddress(mainAddr.EncodeAddress())
	require.NoError(t, err)
	require.Equal(t, mainAddr.EncodeAddress(), parsed.EncodeAddress())

	_, err = TestNet.ParseAddress(mainAddr.EncodeAddress())
	require.Error(t, err)

	_, err = MainNet.ParseAddress("not-an-address")
	require.Error(t, err)
}
