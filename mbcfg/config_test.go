package mbcfg_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/multibit/multibitd/build"
	"github.com/multibit/multibitd/mbcfg"
	"github.com/stretchr/testify/require"
)

// TestCleanAndExpandPath asserts that ~ and environment variables are
// expanded.
func TestCleanAndExpandPath(t *testing.T) {
	t.Setenv("HOME", "/home/multibit")
	t.Setenv("MBTEST", "data")

	require.Empty(t, mbcfg.CleanAndExpandPath(""))
	require.Equal(
		t, filepath.Join("/tmp", "data"),
		mbcfg.CleanAndExpandPath("/tmp/$MBTEST/"),
	)

	expanded := mbcfg.CleanAndExpandPath("~/x")
	require.True(t, filepath.IsAbs(expanded))
	require.Equal(t, "x", filepath.Base(expanded))
}

// TestValidatePeers asserts the bounds on the peer options.
func TestValidatePeers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*mbcfg.Peers)
		valid  bool
	}{
		{
			name:   "defaults",
			modify: func(*mbcfg.Peers) {},
			valid:  true,
		},
		{
			name: "no peers",
			modify: func(p *mbcfg.Peers) {
				p.MaxPeers = 0
			},
		},
		{
			name: "fast refresh",
			modify: func(p *mbcfg.Peers) {
				p.RefreshInterval = time.Millisecond
			},
		},
		{
			name: "exclusive peer and added peers",
			modify: func(p *mbcfg.Peers) {
				p.Connect = "127.0.0.1"
				p.AddPeers = []string{"127.0.0.2"}
			},
		},
		{
			name: "added peers",
			modify: func(p *mbcfg.Peers) {
				p.AddPeers = []string{"127.0.0.2"}
			},
			valid: true,
		},
		{
			name: "zero timeout",
			modify: func(p *mbcfg.Peers) {
				p.BroadcastTimeout = 0
			},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			cfg := mbcfg.DefaultPeers()
			test.modify(cfg)

			err := mbcfg.Validate(cfg)
			if test.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

// TestValidateHealthCheck asserts that disabled checks skip validation and
// enabled ones are bounded.
func TestValidateHealthCheck(t *testing.T) {
	t.Parallel()

	cfg := mbcfg.DefaultHealthCheck()
	require.NoError(t, cfg.Validate())

	cfg.DiskCheck.Interval = time.Second
	require.Error(t, cfg.Validate())

	cfg.DiskCheck.Attempts = 0
	require.NoError(t, cfg.Validate())

	cfg.DiskCheck.RequiredRemaining = 1
	require.Error(t, cfg.Validate())
}

// TestValidatePrometheus asserts that the listen address is only checked
// when exporting is enabled.
func TestValidatePrometheus(t *testing.T) {
	t.Parallel()

	cfg := mbcfg.DefaultPrometheus()
	cfg.Listen = "nonsense"
	require.NoError(t, cfg.Validate())

	cfg.Enable = true
	require.Error(t, cfg.Validate())

	cfg.Listen = "127.0.0.1:9000"
	require.NoError(t, cfg.Validate())
}

// TestValidateLogging asserts that only known compressors are accepted.
func TestValidateLogging(t *testing.T) {
	t.Parallel()

	cfg := mbcfg.DefaultLogging()
	require.NoError(t, cfg.Validate())

	cfg.Compressor = build.Zstd
	require.NoError(t, cfg.Validate())

	cfg.Compressor = "lz4"
	require.Error(t, cfg.Validate())
}
