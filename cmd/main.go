package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/soerenschneider/conn-watchdog/internal"
	"github.com/soerenschneider/conn-watchdog/internal/conf"
	"github.com/soerenschneider/conn-watchdog/internal/device"
	"github.com/soerenschneider/conn-watchdog/internal/journal"
	"github.com/soerenschneider/conn-watchdog/internal/metrics"
	"github.com/soerenschneider/conn-watchdog/internal/probe"
	"github.com/soerenschneider/conn-watchdog/internal/service"
	"github.com/soerenschneider/conn-watchdog/internal/tunnel"
	"github.com/soerenschneider/conn-watchdog/internal/watchdog"
)

const defaultConfigFile = "/etc/conn-watchdog.yaml"

var (
	flagConfigFile   string
	flagDebug        bool
	flagPrintVersion bool
	flagOnce         bool

	BuildVersion string
	CommitHash   string
)

func parseFlags() {
	flag.StringVar(&flagConfigFile, "config", defaultConfigFile, "Config file")
	flag.BoolVar(&flagDebug, "debug", false, "Print debug logs")
	flag.BoolVar(&flagPrintVersion, "version", false, "Print version and exit")
	flag.BoolVar(&flagOnce, "once", false, "Probe once, exit non-zero if unreachable")
	flag.Parse()
}

func main() {
	parseFlags()

	if flagPrintVersion {
		//nolint forbidigo
		fmt.Printf("%s %s\n", BuildVersion, CommitHash)
		os.Exit(0)
	}

	setupLogging()
	slog.Info("Starting conn-watchdog", "version", BuildVersion)

	conf, err := conf.ReadFromFile(flagConfigFile)
	if err != nil {
		log.Fatalf("could not read config: %v", err)
	}

	if err := conf.Validate(); err != nil {
		log.Fatalf("validating config failed: %v", err)
	}

	prober, err := buildProbe(conf.Probe)
	if err != nil {
		log.Fatalf("could not build probe: %v", err)
	}

	policy, err := buildPolicy(conf.Tunnel)
	if err != nil {
		log.Fatalf("could not build tunnel policy: %v", err)
	}

	store := device.NewStore(conf.InitiallyConnected)
	wd, err := watchdog.New(policy, store, journal.New(slog.Default()), prober)
	if err != nil {
		log.Fatalf("could not build watchdog: %v", err)
	}

	if flagOnce {
		if !wd.Test(context.Background()) {
			slog.Error("Connectivity check failed")
			os.Exit(1)
		}
		slog.Info("Connectivity check succeeded")
		os.Exit(0)
	}

	var opts []internal.ReactivatorOpts
	opts = append(opts, internal.WithPollInterval(conf.Tunnel.PollInterval))
	if conf.Tunnel.RestartUnit != "" {
		unit, err := service.NewSystemdUnit(conf.Tunnel.RestartUnit)
		if err != nil {
			log.Fatalf("could not create systemd unit: %v", err)
		}
		opts = append(opts, internal.WithService(unit))
	}

	reactivator, err := internal.NewReactivator(wd, policy, opts...)
	if err != nil {
		log.Fatalf("could not build reactivator: %v", err)
	}
	store.Subscribe(reactivator.OnConnectivityChange)

	run(wd, reactivator, conf)
}

func run(wd *watchdog.Watchdog, reactivator *internal.Reactivator, conf *conf.Config) {
	ctx, cancel := context.WithCancel(context.Background())

	wg := &sync.WaitGroup{}
	metricsErrChan := make(chan error, 1)
	if conf.MetricsAddr != "" {
		wg.Add(1)
		go func() {
			metricsServer, err := metrics.New(conf.MetricsAddr)
			if err != nil {
				wg.Done()
				metricsErrChan <- err
				return
			}
			if err := metricsServer.StartServer(ctx, wg); err != nil {
				metricsErrChan <- err
			}
		}()
	} else if conf.MetricsFile != "" {
		wg.Add(1)
		go metrics.StartMetricsWriter(ctx, wg, conf.MetricsFile)
	}

	wg.Add(1)
	go reactivator.Run(ctx, wg)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	var exitCode int
	select {
	case <-sigc:
		slog.Info("Received signal")
		exitCode = 0
	case err := <-metricsErrChan:
		slog.Error("could not start metrics subsystem", "err", err)
		exitCode = 1
	}

	cancel()
	gracefulExitDone := make(chan struct{})

	go func() {
		slog.Info("Waiting for components to shut down gracefully")
		wg.Wait()
		wd.Stop()
		wd.Wait()
		close(gracefulExitDone)
	}()

	select {
	case <-gracefulExitDone:
		slog.Debug("All components shut down gracefully within the timeout")
	case <-time.After(30 * time.Second):
		slog.Error("Killing process forcefully")
	}
	os.Exit(exitCode)
}

func setupLogging() {
	var level slog.Leveler = slog.LevelInfo
	if flagDebug {
		level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)
}

func buildProbe(args map[string]any) (internal.Prober, error) {
	prober, found := args["type"]
	if !found {
		return nil, internal.ErrNoProbeType
	}

	switch prober {
	case probe.TcpProbeName:
		return probe.NewTcpProbe(args)
	case probe.IcmpProbeName:
		return probe.NewIcmpProbe(args)
	case probe.HttpProbeName:
		return probe.NewHttpProbe(args)
	default:
		return nil, fmt.Errorf("no probe %q available", prober)
	}
}

func buildPolicy(conf conf.TunnelConfig) (internal.Policy, error) {
	if conf.Interface == "" {
		return tunnel.Static(true), nil
	}

	return tunnel.NewInterface(conf.Interface)
}
