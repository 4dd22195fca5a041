package multibitd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/multibit/multibitd/build"
	"github.com/multibit/multibitd/chainreg"
	"github.com/stretchr/testify/require"
)

// TestLoadConfig checks that options are read from the config file and that
// command line options take precedence.
func TestLoadConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	walletPath := filepath.Join(dir, "my.wallet")
	confPath := filepath.Join(dir, "multibitd.conf")
	err := os.WriteFile(confPath, []byte(
		"[Application Options]\nregtest=true\nwallet="+walletPath+
			"\n\n[peers]\npeers.maxpeers=2\n"+
			"peers.addpeer=127.0.0.1:18444\n",
	), 0600)
	require.NoError(t, err)

	writer := build.NewRotatingLogWriter()
	t.Cleanup(func() {
		require.NoError(t, writer.Close())
	})

	cfg, err := loadConfig([]string{
		"--configfile=" + confPath,
		"--datadir=" + filepath.Join(dir, "data"),
		"--logdir=" + filepath.Join(dir, "logs"),
		"--peers.maxpeers=3",
		"--logging.compressor=zstd",
	}, "multibitd", writer)
	require.NoError(t, err)

	require.True(t, cfg.RegTest)
	require.Equal(t, chainreg.RegTest, cfg.Profile())
	require.Equal(t, walletPath, cfg.Wallet)
	require.Equal(t, 3, cfg.Peers.MaxPeers)
	require.Equal(t, build.Zstd, cfg.Logging.Compressor)
	require.Equal(t, []string{"127.0.0.1:18444"}, cfg.Peers.AddPeers)
	require.Equal(t, filepath.Join(dir, "logs", "regtest"), cfg.LogDir)
	require.DirExists(t, cfg.DataDir)

	svcCfg, err := cfg.ServiceConfig()
	require.NoError(t, err)
	require.Equal(t, 3, svcCfg.MaxPeers)
	require.Len(t, svcCfg.Bootstrappers, 1)

	addrs, err := svcCfg.Bootstrappers[0].SampleNodeAddrs(5, nil)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	require.Equal(t, "127.0.0.1:18444", addrs[0].String())
}

// TestLoadConfigMissingFile checks that a missing config file is not an
// error.
func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writer := build.NewRotatingLogWriter()
	t.Cleanup(func() {
		require.NoError(t, writer.Close())
	})

	cfg, err := loadConfig([]string{
		"--configfile=" + filepath.Join(dir, "missing.conf"),
		"--datadir=",
		"--logdir=" + dir,
		"--testnet",
	}, "multibitd", writer)
	require.NoError(t, err)
	require.Empty(t, cfg.DataDir)
	require.Equal(t, chainreg.TestNet, cfg.Profile())
}

// TestValidateConfigFailures checks the rejected option combinations.
func TestValidateConfigFailures(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		modify func(cfg *Config)
	}{{
		name: "testnet and regtest",
		modify: func(cfg *Config) {
			cfg.TestNet = true
			cfg.RegTest = true
		},
	}, {
		name: "exclusive and added peers",
		modify: func(cfg *Config) {
			cfg.Peers.Connect = "127.0.0.1"
			cfg.Peers.AddPeers = []string{"127.0.0.2"}
		},
	}, {
		name: "no peers",
		modify: func(cfg *Config) {
			cfg.Peers.MaxPeers = 0
		},
	}, {
		name: "unknown log compressor",
		modify: func(cfg *Config) {
			cfg.Logging.Compressor = "lz4"
		},
	}, {
		name: "bad debug level",
		modify: func(cfg *Config) {
			cfg.DebugLevel = "loud"
		},
	}}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			writer := build.NewRotatingLogWriter()
			t.Cleanup(func() {
				require.NoError(t, writer.Close())
			})

			cfg := DefaultConfig()
			cfg.DataDir = filepath.Join(dir, "data")
			cfg.LogDir = filepath.Join(dir, "logs")
			cfg.LogWriter = writer
			tc.modify(&cfg)

			_, err := ValidateConfig(cfg, "usage")
			require.Error(t, err)
		})
	}
}
