package build

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestInitLogRotator checks that the rotator starts with every supported
// compressor and rejects unknown ones before touching the file system.
func TestInitLogRotator(t *testing.T) {
	t.Parallel()

	for _, compressor := range []string{Gzip, Zstd} {
		compressor := compressor
		t.Run(compressor, func(t *testing.T) {
			t.Parallel()

			logFile := filepath.Join(t.TempDir(), "logs", "test.log")
			writer := NewRotatingLogWriter()
			require.NoError(t, writer.InitLogRotator(
				logFile, DefaultMaxLogFileSize,
				DefaultMaxLogFiles, compressor,
			))
			require.NoError(t, writer.Close())
			require.DirExists(t, filepath.Dir(logFile))
		})
	}

	logDir := filepath.Join(t.TempDir(), "logs")
	writer := NewRotatingLogWriter()
	err := writer.InitLogRotator(
		filepath.Join(logDir, "test.log"), DefaultMaxLogFileSize,
		DefaultMaxLogFiles, "lz4",
	)
	require.ErrorContains(t, err, "unknown log compressor")
	require.NoDirExists(t, logDir)
}
