package multibitd

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
	"github.com/multibit/multibitd/build"
	"github.com/multibit/multibitd/chainreg"
	"github.com/multibit/multibitd/mbcfg"
	"github.com/multibit/multibitd/peers"
)

const (
	defaultLogLevel    = "info"
	defaultLogDirname  = "logs"
	defaultLogFilename = "multibitd.log"

	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
)

var (
	// DefaultHomeDir is the application data directory of the daemon. It
	// holds the config file, the logs and, unless --datadir says
	// otherwise, the chain and wallet files.
	DefaultHomeDir = btcutil.AppDataDir("multibitd", false)

	// DefaultConfigFile is the default full path of the config file.
	DefaultConfigFile = filepath.Join(
		DefaultHomeDir, mbcfg.DefaultConfigFilename,
	)

	defaultLogDir = filepath.Join(DefaultHomeDir, defaultLogDirname)
)

// Config defines the configuration options for multibitd.
//
// See LoadConfig for further details regarding the configuration loading and
// parsing process.
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory holding the chain and wallet files. An empty value selects the current directory."`
	InstallDir string `long:"installdir" description:"Directory with the chain file a fresh install is seeded from"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	TestNet bool `long:"testnet" description:"Use the test network"`
	RegTest bool `long:"regtest" description:"Use the regression test network"`

	Wallet string `long:"wallet" description:"Wallet file to attach. Defaults to the network's wallet in the data directory."`

	Logging *mbcfg.Logging `group:"logging" namespace:"logging"`

	Peers *mbcfg.Peers `group:"peers" namespace:"peers"`

	Prometheus *mbcfg.Prometheus `group:"prometheus" namespace:"prometheus"`

	HealthChecks *mbcfg.HealthCheckConfig `group:"healthcheck" namespace:"healthcheck"`

	// LogWriter is the root logger that all of the daemon's subloggers
	// are hooked up to.
	LogWriter *build.RotatingLogWriter
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		ConfigFile:     DefaultConfigFile,
		DataDir:        DefaultHomeDir,
		LogDir:         defaultLogDir,
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		DebugLevel:     defaultLogLevel,
		Logging:        mbcfg.DefaultLogging(),
		Peers:          mbcfg.DefaultPeers(),
		Prometheus:     mbcfg.DefaultPrometheus(),
		HealthChecks:   mbcfg.DefaultHealthCheck(),
		LogWriter:      logWriter,
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig() (*Config, error) {
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))

	cfg, err := loadConfig(os.Args[1:], appName, logWriter)
	if err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	if cfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	return cfg, nil
}

// loadConfig runs the config loading steps of LoadConfig over args. Log files
// are written through writer.
func loadConfig(args []string, appName string,
	writer *build.RotatingLogWriter) (*Config, error) {

	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	preCfg.LogWriter = writer
	if _, err := flags.NewParser(&preCfg, flags.Default).ParseArgs(
		args,
	); err != nil {

		return nil, err
	}

	if preCfg.ShowVersion {
		return &preCfg, nil
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	configFilePath := mbcfg.CleanAndExpandPath(preCfg.ConfigFile)
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.NewParser(&cfg, flags.Default).ParseArgs(
		args,
	); err != nil {

		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	cleanCfg, err := ValidateConfig(cfg, usageMessage)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		mbtdLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig checks the given configuration to be sane. This makes sure
// no illegal values or combination of values are set. All file system paths
// are normalized. The log rotator is started and the debug levels applied.
// The cleaned up config is returned on success.
func ValidateConfig(cfg Config, usageMessage string) (*Config, error) {
	// mkErr creates a new error including the usage message.
	mkErr := func(format string, args ...interface{}) error {
		return fmt.Errorf("ValidateConfig: "+format+"\n"+usageMessage,
			args...)
	}

	if cfg.TestNet && cfg.RegTest {
		return nil, mkErr("the testnet and regtest params can't be " +
			"used together -- choose one of the two")
	}

	// The data directory may be left empty on purpose, the files then
	// live in the current directory.
	if cfg.DataDir != "" {
		cfg.DataDir = mbcfg.CleanAndExpandPath(cfg.DataDir)
	}
	cfg.InstallDir = mbcfg.CleanAndExpandPath(cfg.InstallDir)
	cfg.LogDir = mbcfg.CleanAndExpandPath(cfg.LogDir)
	cfg.Wallet = mbcfg.CleanAndExpandPath(cfg.Wallet)

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, mkErr("unable to create data directory: %v",
				err)
		}
	}

	err := mbcfg.Validate(
		cfg.Logging, cfg.Peers, cfg.Prometheus, cfg.HealthChecks,
	)
	if err != nil {
		return nil, mkErr("%v", err)
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			logLevels{}.SupportedSubsystems())
		os.Exit(0)
	}

	if cfg.LogWriter == nil {
		cfg.LogWriter = logWriter
	}

	// Append the network type to the log directory so it is "namespaced"
	// per network in the same fashion as the data directory.
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.Profile().Name())

	// A log writer must be passed in, otherwise we can't function and would
	// run into a panic later on.
	err = cfg.LogWriter.InitLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		cfg.MaxLogFileSize, cfg.MaxLogFiles, cfg.Logging.Compressor,
	)
	if err != nil {
		return nil, mkErr("log rotation setup failed: %v", err)
	}

	// Parse, validate, and set debug log level(s).
	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, logLevels{})
	if err != nil {
		return nil, mkErr("error parsing debug level: %v", err)
	}

	return &cfg, nil
}

// Profile returns the network profile selected by the config.
func (c *Config) Profile() chainreg.NetworkProfile {
	switch {
	case c.RegTest:
		return chainreg.RegTest

	case c.TestNet:
		return chainreg.TestNet

	default:
		return chainreg.MainNet
	}
}

// ServiceConfig translates the peer options into the configuration of a
// SyncService.
func (c *Config) ServiceConfig() (ServiceConfig, error) {
	profile := c.Profile()

	var bootstrappers []peers.Bootstrapper
	if len(c.Peers.AddPeers) > 0 {
		addrs := make([]net.Addr, 0, len(c.Peers.AddPeers))
		for _, peer := range c.Peers.AddPeers {
			addr, err := resolvePeer(peer, profile.Params.DefaultPort)
			if err != nil {
				return ServiceConfig{}, err
			}
			addrs = append(addrs, addr)
		}

		bootstrappers = append(
			bootstrappers, peers.NewStaticBootstrapper(addrs...),
		)
	}

	return ServiceConfig{
		InstallDir:       c.InstallDir,
		ConnectPeer:      c.Peers.Connect,
		MaxPeers:         c.Peers.MaxPeers,
		NoDiscovery:      c.Peers.NoDiscovery,
		Bootstrappers:    bootstrappers,
		RefreshInterval:  c.Peers.RefreshInterval,
		ResponseTimeout:  c.Peers.ResponseTimeout,
		BroadcastTimeout: c.Peers.BroadcastTimeout,
	}, nil
}

// resolvePeer resolves host[:port] into a TCP address, adding defaultPort
// when no port is given.
func resolvePeer(peer, defaultPort string) (net.Addr, error) {
	if _, _, err := net.SplitHostPort(peer); err != nil {
		peer = net.JoinHostPort(peer, defaultPort)
	}

	addr, err := net.ResolveTCPAddr("tcp", peer)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve peer %v: %w", peer,
			err)
	}

	return addr, nil
}
