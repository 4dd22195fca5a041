package multibitd

import (
	"fmt"

	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/multibit/multibitd/build"
	"github.com/multibit/multibitd/mbcfg"
	"github.com/multibit/multibitd/monitoring"
	"github.com/multibit/multibitd/signal"
)

// Main is the true entry point for multibitd. It's required since defers
// created in the top-level scope of a main method aren't executed if os.Exit()
// is called.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	defer func() {
		mbtdLog.Info("Shutdown complete")
		if err := cfg.LogWriter.Close(); err != nil {
			mbtdLog.Errorf("Could not close log rotator: %v", err)
		}
	}()

	mbtdLog.Infof("Version: %s commit=%s, build=%s, logging=%s",
		build.Version(), build.Commit, build.Deployment,
		build.LoggingType)

	profile := cfg.Profile()
	mbtdLog.Infof("Active network: %v", profile.Name())

	svcCfg, err := cfg.ServiceConfig()
	if err != nil {
		return err
	}
	svcCfg.Notifier = logNotifier{}

	var svc *SyncService
	if cfg.Prometheus.Enable {
		metrics := monitoring.NewMetrics(func() (uint32, error) {
			return svc.ChainHeight()
		})
		svcCfg.Metrics = metrics

		exporter, err := monitoring.StartExporter(
			cfg.Prometheus.Listen, metrics,
		)
		if err != nil {
			return fmt.Errorf("unable to start prometheus "+
				"exporter: %w", err)
		}
		defer func() {
			if err := exporter.Stop(); err != nil {
				mbtdLog.Errorf("Unable to stop exporter: %v",
					err)
			}
		}()
	}

	svc = NewSyncService(svcCfg)
	if err := svc.InitializeProfile(profile, cfg.DataDir); err != nil {
		mbtdLog.Errorf("Unable to initialize: %v", err)
		return err
	}
	defer func() {
		if err := svc.Stop(); err != nil {
			mbtdLog.Errorf("Unable to stop service: %v", err)
		}
	}()

	binding, err := svc.AttachWalletFromPath(cfg.Wallet)
	if err != nil {
		mbtdLog.Errorf("Unable to attach wallet: %v", err)
		return err
	}

	balance, err := binding.Wallet.Balance()
	if err != nil {
		return err
	}
	mbtdLog.Infof("Wallet %v holds %v", binding.Path, balance)

	if _, err := svc.Download(); err != nil {
		return err
	}

	monitor := healthcheck.NewMonitor(&healthcheck.Config{
		Checks:   healthChecks(cfg),
		Shutdown: shutdownOnFailure(interceptor),
	})
	if err := monitor.Start(); err != nil {
		return err
	}
	defer func() {
		if err := monitor.Stop(); err != nil {
			mbtdLog.Errorf("Unable to stop health monitor: %v", err)
		}
	}()

	if err := interceptor.NotifyReady(); err != nil {
		mbtdLog.Warnf("Unable to notify readiness: %v", err)
	}

	// Wait for shutdown signal from either a graceful server stop or from
	// the interrupt handler.
	<-interceptor.ShutdownChannel()

	if err := interceptor.NotifyStop(); err != nil {
		mbtdLog.Warnf("Unable to notify stop: %v", err)
	}

	return nil
}

// healthChecks returns the observations the health monitor runs. A check
// with zero attempts is disabled.
func healthChecks(cfg *Config) []*healthcheck.Observation {
	var checks []*healthcheck.Observation

	disk := cfg.HealthChecks.DiskCheck
	if disk.Attempts == 0 {
		return checks
	}

	checks = append(checks, healthcheck.NewObservation(
		"disk space",
		diskSpaceCheck(cfg.DataDir, disk),
		disk.Interval, disk.Timeout, disk.Backoff, disk.Attempts,
	))

	return checks
}

// diskSpaceCheck fails when less than the required share of the disk holding
// dataDir is free.
func diskSpaceCheck(dataDir string, disk *mbcfg.DiskCheckConfig) func() error {
	if dataDir == "" {
		dataDir = "."
	}

	return func() error {
		free, err := healthcheck.AvailableDiskSpaceRatio(dataDir)
		if err != nil {
			return err
		}

		// If we have more free space than we require, we return a nil
		// error.
		if free > disk.RequiredRemaining {
			return nil
		}

		return fmt.Errorf("require: %v free space, got: %v",
			disk.RequiredRemaining, free)
	}
}

// shutdownOnFailure returns the function the health monitor calls when a
// check failed all its attempts. The failure is logged critically, which
// requests a shutdown.
func shutdownOnFailure(
	interceptor signal.Interceptor) func(string, ...interface{}) {

	shutdownLog := build.NewShutdownLogger(
		mbtdLog, interceptor.RequestShutdown,
	)

	return func(format string, params ...interface{}) {
		shutdownLog.Criticalf("Health check failed: "+format, params...)
	}
}
