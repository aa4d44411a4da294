// ckstatsd - telemetry aggregation daemon for ckpool-style solo mining
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ckstats/ckstatsd/internal/api"
	"github.com/ckstats/ckstatsd/internal/blocks"
	"github.com/ckstats/ckstatsd/internal/cache"
	"github.com/ckstats/ckstatsd/internal/ckclient"
	"github.com/ckstats/ckstatsd/internal/config"
	"github.com/ckstats/ckstatsd/internal/gate"
	"github.com/ckstats/ckstatsd/internal/newrelic"
	"github.com/ckstats/ckstatsd/internal/notify"
	"github.com/ckstats/ckstatsd/internal/price"
	"github.com/ckstats/ckstatsd/internal/profiling"
	"github.com/ckstats/ckstatsd/internal/storage"
	"github.com/ckstats/ckstatsd/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ckstatsd v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("ckstatsd v%s starting", version)

	// Worker cache: load persisted state, then keep it swept.
	workerCache := cache.New(cfg.Cache.File, cfg.Daemon.RecordsDir)
	workerCache.Load()
	util.Infof("Worker cache loaded: %d entries", workerCache.Size())

	sweeper := cache.NewSweeper(workerCache, cfg.Cache.Retention(), cfg.Cache.SweepInterval, cfg.Cache.SweepDelay)
	sweeper.Start()

	// Optional Redis snapshot store for stale fallback across restarts.
	var store *storage.SnapshotStore
	if cfg.Redis.Enabled {
		store, err = storage.NewSnapshotStore(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			util.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer store.Close()
	}

	agent := newrelic.NewAgent(cfg.NewRelic)
	if err := agent.Start(); err != nil {
		util.Warnf("Failed to start New Relic agent: %v", err)
	}

	var priceSvc *price.Service
	if cfg.Price.Enabled {
		priceSvc = price.New(cfg.Price)
	}

	notifier := notify.NewNotifier(cfg.Notify, cfg.Pool)

	var scanner *blocks.Scanner
	var watcher *blocks.Watcher
	if cfg.Daemon.LogDir != "" {
		scanner = blocks.NewScanner(cfg.Daemon.LogDir, cfg.Blocks.ScanTTL, cfg.Blocks.MaxRecent)
		watcher = blocks.NewWatcher(scanner, notifier, agent, cfg.Blocks.WatchInterval)
		watcher.Start()
	}

	var accessGate *gate.Gate
	var apiServer *api.Server
	if cfg.API.Enabled {
		accessGate = gate.New(cfg.Gate)
		accessGate.Start()

		apiServer = api.NewServer(cfg, api.Deps{
			Client: ckclient.New(cfg.Daemon.Timeout),
			Cache:  workerCache,
			Gate:   accessGate,
			Store:  store,
			Price:  priceSvc,
			Blocks: scanner,
			Agent:  agent,
		})
		if err := apiServer.Start(); err != nil {
			util.Fatalf("Failed to start API server: %v", err)
		}
	}

	profServer := profiling.NewServer(cfg.Profiling)
	if err := profServer.Start(); err != nil {
		util.Fatalf("Failed to start profiling server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("ckstatsd started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	if apiServer != nil {
		apiServer.Stop()
	}
	if accessGate != nil {
		accessGate.Stop()
	}
	if watcher != nil {
		watcher.Stop()
	}
	profServer.Stop()
	sweeper.Stop()
	agent.Stop()

	// Final flush so nothing observed this session is lost.
	if err := workerCache.Persist(); err != nil {
		util.Errorf("Failed to persist worker cache: %v", err)
	}

	util.Info("ckstatsd stopped")
}
