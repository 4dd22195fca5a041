package multibitd

import (
	"testing"

	"github.com/multibit/multibitd/mbcfg"
	"github.com/stretchr/testify/require"
)

// TestDiskSpaceCheck checks the free space bounds of the disk check.
func TestDiskSpaceCheck(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	check := func(required float64) error {
		disk := mbcfg.DefaultHealthCheck().DiskCheck
		disk.RequiredRemaining = required

		return diskSpaceCheck(dir, disk)()
	}

	require.NoError(t, check(0))
	require.Error(t, check(1))
}

// TestHealthChecksDisabled checks that zero attempts disable the disk check.
func TestHealthChecksDisabled(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.Len(t, healthChecks(&cfg), 1)

	cfg.HealthChecks.DiskCheck.Attempts = 0
	require.Empty(t, healthChecks(&cfg))
}
