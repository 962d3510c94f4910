//go:build unix

// File: cmd/asynccommd/main.go
// Author: momentics <momentics@gmail.com>
//
// asynccommd is the process entry point that owns the ReactorPool and
// HandlerMap singleton lifecycle (spec.md §5 "Global state"), exposing
// /metrics and /healthz and generalizing the teacher's example-binary
// pattern (examples/echo, examples/stest) into one real command.

package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/momentics/asynccomm/comm"
	"github.com/momentics/asynccomm/control"
	"github.com/momentics/asynccomm/internal/iohandler"
	"github.com/momentics/asynccomm/internal/pollbackend"
	"github.com/momentics/asynccomm/wire"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  string
		listenAddr  string
		reactors    int
		mechanism   string
		proxyMaster bool
		metricsAddr string
		logLevel    string
	)

	rootCmd := &cobra.Command{
		Use:   "asynccommd",
		Short: "AsyncComm reactor-based transport and RPC dispatch daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := control.LoadConfigFile(configPath)
			if err != nil {
				return err
			}
			applyFlagOverrides(cfg, cmd, listenAddr, reactors, mechanism, proxyMaster, logLevel)
			return serve(configPath, cfg, metricsAddr)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&listenAddr, "listen", "", "TCP listen address, e.g. 127.0.0.1:8900")
	flags.IntVar(&reactors, "reactors", 0, "number of I/O reactor threads (0 = config default)")
	flags.StringVar(&mechanism, "poll-mechanism", "", "force a specific poll backend: epoll|kqueue|eventport|poll (empty = auto)")
	flags.BoolVar(&proxyMaster, "proxy-master", false, "run as the proxy-map master")
	flags.StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9100", "address to serve /metrics and /healthz on")
	flags.StringVar(&logLevel, "log-level", "", "zap log level: debug|info|warn|error (empty = config default)")

	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func applyFlagOverrides(cfg *control.Config, cmd *cobra.Command, listenAddr string, reactors int, mechanism string, proxyMaster bool, logLevel string) {
	if cmd.Flags().Changed("listen") {
		cfg.Listen.Address = listenAddr
	}
	if cmd.Flags().Changed("reactors") && reactors > 0 {
		cfg.Reactors.Count = reactors
	}
	if cmd.Flags().Changed("poll-mechanism") {
		cfg.Reactors.Mechanism = mechanism
	}
	if cmd.Flags().Changed("proxy-master") {
		cfg.Proxy.IsMaster = proxyMaster
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
}

// buildLogger returns a logger whose level is an AtomicLevel, so a
// later config reload can call atomicLevel.SetLevel to change verbosity
// without rebuilding the logger.
func buildLogger(level string) (*zap.Logger, zap.AtomicLevel, error) {
	zcfg := zap.NewProductionConfig()
	if err := zcfg.Level.UnmarshalText([]byte(level)); err != nil {
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	log, err := zcfg.Build()
	return log, zcfg.Level, err
}

func serve(configPath string, cfg *control.Config, metricsAddr string) error {
	log, atomicLevel, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("asynccommd: build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	facadeCfg := comm.DefaultConfig()
	facadeCfg.ReactorCount = cfg.Reactors.Count
	facadeCfg.Mechanism = pollbackend.Mechanism(cfg.Reactors.Mechanism)
	facadeCfg.BindRetryAttempts = cfg.Bind.RetryAttempts
	facadeCfg.BindRetryInterval = cfg.Bind.RetryInterval
	facadeCfg.EphemeralPortLow = cfg.Ephemeral.PortLow
	facadeCfg.EphemeralPortHigh = cfg.Ephemeral.PortHigh
	facadeCfg.IsProxyMaster = cfg.Proxy.IsMaster
	facadeCfg.Logger = log

	facade, err := comm.New(facadeCfg)
	if err != nil {
		return fmt.Errorf("asynccommd: new facade: %w", err)
	}

	registry := control.NewMetricsRegistry()
	exporter := control.NewExporter(registry, facade.Sizers())
	facade.WireMetrics(exporter)
	prometheus.MustRegister(exporter)

	debugProbes := control.NewDebugProbes()
	control.RegisterPlatformProbes(debugProbes)

	store := control.NewConfigStore()
	cfg.Seed(store)
	store.OnReload(func() {
		snap := store.GetSnapshot()
		facade.ApplyLiveConfig(comm.RetryConfig{
			BindRetryAttempts: snap["bind.retry_attempts"].(int),
			BindRetryInterval: snap["bind.retry_interval"].(time.Duration),
			EphemeralPortLow:  snap["ephemeral.port_low"].(uint16),
			EphemeralPortHigh: snap["ephemeral.port_high"].(uint16),
		})
		var lvl zapcore.Level
		if lvlStr, _ := snap["log_level"].(string); lvlStr != "" && lvl.UnmarshalText([]byte(lvlStr)) == nil {
			atomicLevel.SetLevel(lvl)
		}
		log.Info("config reloaded")
	})

	listenAddr, err := wire.ParseInet(cfg.Listen.Address)
	if err != nil {
		return fmt.Errorf("asynccommd: %w", err)
	}

	defaultDispatch := func(ev iohandler.Event) {
		fd := -1
		if ev.Handler != nil {
			fd = ev.Handler.Fd()
		}
		log.Debug("unhandled event on default dispatch",
			zap.String("kind", ev.Kind.String()),
			zap.Int("fd", fd))
	}
	if err := facade.Listen(listenAddr, nil, defaultDispatch); err != nil {
		return fmt.Errorf("asynccommd: listen %s: %w", listenAddr, err)
	}

	facade.Start()
	log.Info("asynccommd started",
		zap.String("listen", listenAddr.String()),
		zap.Int("reactors", cfg.Reactors.Count),
		zap.Bool("proxy_master", cfg.Proxy.IsMaster))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","handlers":%d}`, facade.Sizers().HandlerCount())
	})
	mux.HandleFunc("/debug", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, "%v", debugProbes.DumpState())
	})

	httpSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics http server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)

waitLoop:
	for {
		select {
		case <-reloadCh:
			if configPath == "" {
				log.Warn("SIGHUP received but asynccommd was started without --config, ignoring")
				continue
			}
			newCfg, err := control.LoadConfigFile(configPath)
			if err != nil {
				log.Warn("config reload failed", zap.Error(err))
				continue
			}
			newCfg.Seed(store)
		case <-sigCh:
			break waitLoop
		}
	}

	log.Info("asynccommd shutting down")
	shutdownDeadline := time.Now().Add(10 * time.Second)
	_ = httpSrv.Close()
	if err := facade.Shutdown(); err != nil {
		log.Warn("facade shutdown reported an error", zap.Error(err))
	}
	if time.Now().After(shutdownDeadline) {
		log.Warn("shutdown exceeded its deadline")
	}
	return nil
}
