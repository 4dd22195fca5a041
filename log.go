package multibitd

import (
	"sort"

	"github.com/btcsuite/btcd/connmgr"
	"github.com/btcsuite/btcd/peer"
	"github.com/btcsuite/btclog"
	"github.com/multibit/multibitd/build"
	"github.com/multibit/multibitd/chain"
	"github.com/multibit/multibitd/chainstore"
	"github.com/multibit/multibitd/monitoring"
	"github.com/multibit/multibitd/peers"
	"github.com/multibit/multibitd/replay"
	"github.com/multibit/multibitd/signal"
	"github.com/multibit/multibitd/wallet"
)

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it will write to the backend. When adding new
// subsystems, add the subsystem logger variable here and register it in
// init.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by
// calling InitLogRotator.
var (
	// logWriter fans log lines out to stdout and the log rotator.
	logWriter = build.NewRotatingLogWriter()

	// backendLog is the logging backend used to create all subsystem
	// loggers.
	backendLog = btclog.NewBackend(logWriter.LogWriter())

	// subsystemLoggers maps each subsystem identifier to its associated
	// logger.
	subsystemLoggers = make(build.SubLoggers)

	mbtdLog = addSubLogger("MBTD")
)

// Initialize package-global logger variables.
func init() {
	addSubLogger(chainstore.Subsystem, chainstore.UseLogger)
	addSubLogger(chain.Subsystem, chain.UseLogger)
	addSubLogger(replay.Subsystem, replay.UseLogger)
	addSubLogger(peers.Subsystem, peers.UseLogger)
	addSubLogger(wallet.Subsystem, wallet.UseLogger)
	addSubLogger(monitoring.Subsystem, monitoring.UseLogger)
	addSubLogger(signal.Subsystem, signal.UseLogger)
	addSubLogger("CMGR", connmgr.UseLogger)
	addSubLogger("BPER", peer.UseLogger)
}

// addSubLogger creates a logger for subsystem, hands it to every useLogger
// function and registers it for level changes.
func addSubLogger(subsystem string,
	useLoggers ...func(btclog.Logger)) btclog.Logger {

	logger := build.NewSubLogger(subsystem, backendLog.Logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
	subsystemLoggers[subsystem] = logger

	return logger
}

// logLevels sets the levels of the registered subsystem loggers.
type logLevels struct{}

// A compile time assertion to ensure logLevels meets the
// build.LeveledSubLogger interface.
var _ build.LeveledSubLogger = logLevels{}

// SubLoggers returns the map of all registered subsystem loggers.
func (logLevels) SubLoggers() build.SubLoggers {
	return subsystemLoggers
}

// SupportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func (logLevels) SupportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	sort.Strings(subsystems)

	return subsystems
}

// SetLogLevel sets the logging level for provided subsystem. Invalid
// subsystems are ignored.
func (logLevels) SetLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets the log level for all subsystem loggers to the passed
// level.
func (l logLevels) SetLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		l.SetLogLevel(subsystemID, logLevel)
	}
}

// logClosure is used to provide a closure over expensive logging operations so
// don't have to be performed when the logging level doesn't warrant it.
type logClosure func() string

// String invokes the underlying function and returns the result.
func (c logClosure) String() string {
	return c()
}

// newLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
