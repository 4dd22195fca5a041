package mbcfg

import (
	"fmt"

	"github.com/multibit/multibitd/build"
)

// Logging configures the log files of the daemon.
type Logging struct {
	Compressor string `long:"compressor" description:"Compression algorithm to use when rotating logs." choice:"gzip" choice:"zstd"`
}

// DefaultLogging returns the default logging options, rolling logs with
// gzip.
func DefaultLogging() *Logging {
	return &Logging{
		Compressor: build.Gzip,
	}
}

// Validate rejects unknown compressors.
//
// NOTE: Part of the Validator interface.
func (l *Logging) Validate() error {
	if !build.SupportedLogCompressor(l.Compressor) {
		return fmt.Errorf("invalid log compressor: %v", l.Compressor)
	}

	return nil
}
