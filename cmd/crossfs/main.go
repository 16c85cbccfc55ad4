// Command crossfs mounts the read-mostly union/rewriter filesystem
// that exposes files drawn from multiple strata under one tree,
// rewriting executable and configuration content on the fly (spec.md
// §1, §4.4, §4.6).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bedrocklinux/bedrock-core/internal/config"
	"github.com/bedrocklinux/bedrock-core/internal/crossfs"
	"github.com/bedrocklinux/bedrock-core/internal/filter"
	"github.com/bedrocklinux/bedrock-core/internal/fusemount"
	"github.com/bedrocklinux/bedrock-core/internal/identity"
	"github.com/bedrocklinux/bedrock-core/internal/metrics"
	"github.com/bedrocklinux/bedrock-core/internal/pathres"
	"github.com/bedrocklinux/bedrock-core/internal/store"
	"github.com/bedrocklinux/bedrock-core/internal/stratum"
	"github.com/bedrocklinux/bedrock-core/pkg/api"
	"github.com/bedrocklinux/bedrock-core/pkg/health"
	"github.com/bedrocklinux/bedrock-core/pkg/memmon"
	"github.com/bedrocklinux/bedrock-core/pkg/profiling"
	"github.com/bedrocklinux/bedrock-core/pkg/recovery"
	"github.com/bedrocklinux/bedrock-core/pkg/status"
	"github.com/bedrocklinux/bedrock-core/pkg/utils"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to YAML configuration file")
		bouncer    = flag.String("bouncer", "", "path to the bin/bin-restrict bouncer executable")
		strataRoot = flag.String("strata-root", "", "override strata.root from the config file")
		allowOther = flag.String("o", "", "FUSE mount options (only \"allow_other\" is recognized)")
		foreground = flag.Bool("f", false, "run in the foreground")
		debug      = flag.Bool("d", false, "enable debug mode: per-request traces to stderr")
		single     = flag.Bool("s", false, "single-threaded FUSE dispatch")
	)
	flag.Parse()

	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "crossfs: must be started as uid 0 (required to impersonate callers and enter chroots)")
		os.Exit(1)
	}
	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: crossfs [flags] <mountpoint>")
		os.Exit(1)
	}
	mountPoint := flag.Arg(0)

	cfg := config.NewDefault()
	if *configFile != "" {
		if err := cfg.LoadFromFile(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "crossfs: %v\n", err)
			os.Exit(1)
		}
	}
	_ = cfg.LoadFromEnv()
	if *strataRoot != "" {
		cfg.Strata.Root = *strataRoot
	}
	if *debug {
		cfg.Global.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "crossfs: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := utils.NewLogger(mustLevel(cfg.Global.LogLevel), logOutput(cfg.Global.LogFile))
	logger.Info("starting crossfs on %s (strata root %s)", mountPoint, cfg.Strata.Root)

	if *debug {
		dm := utils.GetDebugManager()
		dm.StartSession("crossfs-"+mountPoint, []string{"crossfs"}, 0)
	}

	var bouncerBin *filter.Bouncer
	if *bouncer != "" {
		b, err := filter.LoadBouncer(*bouncer)
		if err != nil {
			fmt.Fprintf(os.Stderr, "crossfs: loading bouncer: %v\n", err)
			os.Exit(1)
		}
		bouncerBin = b
	}

	healthTracker := health.NewTracker(health.DefaultConfig())
	healthTracker.RegisterComponent("store")
	healthTracker.RegisterComponent("strata-pool")
	healthTracker.RegisterComponent("bouncer")

	strataPool := stratum.NewPool(cfg.Strata.Root)
	crossStore := store.NewCrossStore()
	rooter := pathres.NewRooter()
	filters := filter.NewRegistry(bouncerBin)
	idShim := identity.New()
	guard := recovery.NewGuard(recovery.Config{Component: "crossfs"})

	statusTracker := status.NewTracker(status.MountCrossfs, mountPoint, healthTracker)

	var metricsCollector *metrics.Collector
	if cfg.Global.MetricsPort > 0 {
		mc, err := metrics.NewCollector(&metrics.Config{
			Enabled:   true,
			Port:      cfg.Global.MetricsPort,
			Path:      "/metrics",
			Namespace: "bedrock",
			Subsystem: "crossfs",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "crossfs: metrics collector: %v\n", err)
			os.Exit(1)
		}
		metricsCollector = mc
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := metricsCollector.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "crossfs: starting metrics server: %v\n", err)
		}
	}

	if cfg.Features.MemoryWatchdog {
		watchdog := memmon.NewMemoryMonitor(memmon.DefaultMonitorConfig())
		watchdogCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := watchdog.Start(watchdogCtx); err != nil {
			logger.Warn("memory watchdog failed to start: %v", err)
		}
	}

	if cfg.Features.Profiling {
		profConfig := profiling.DefaultMonitorConfig()
		if cfg.Global.ProfilePort > 0 {
			profConfig.Port = cfg.Global.ProfilePort
		}
		profMonitor := profiling.NewMemoryMonitor(profConfig, profiling.DefaultAlertThresholds())
		profCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := profMonitor.Start(profCtx); err != nil {
			logger.Warn("profiling server failed to start: %v", err)
		}
	}

	root := crossfs.NewRoot(crossfs.Config{
		Store:      crossStore,
		StrataPool: strataPool,
		Rooter:     rooter,
		Filters:    filters,
		Identity:   idShim,
		StrataRoot: cfg.Strata.Root,
		MountPoint: mountPoint,
		Status:     statusTracker,
		Guard:      guard,
		Metrics:    metricsMaybeAdapter(metricsCollector),
	})

	if cfg.Global.HealthPort > 0 {
		apiServer := api.NewServer(api.ServerConfig{
			Address: fmt.Sprintf(":%d", cfg.Global.HealthPort),
		}, statusTracker, healthTracker, func() status.Counts {
			return status.Counts{
				RoutingEntries: len(crossStore.Snapshot()),
				OpenStrata:     strataPool.Count(),
				RootStrategy:   rooter.Strategy().String(),
			}
		})
		apiServer.StartBackground()
	}

	server, err := crossfs.Mount(mountPoint, root, fusemount.Options{
		FsName:         "crossfs",
		AllowOther:     *allowOther == "allow_other",
		Foreground:     *foreground,
		SingleThreaded: *single,
		Debug:          *debug,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "crossfs: mount failed: %v\n", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		_ = server.Unmount()
	}()

	server.Wait()
	os.Exit(0)
}

func mustLevel(s string) utils.LogLevel {
	lvl, err := utils.ParseLogLevel(s)
	if err != nil {
		return utils.INFO
	}
	return lvl
}

func logOutput(path string) *os.File {
	if path == "" {
		return os.Stderr
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return os.Stderr
	}
	return f
}

func metricsMaybeAdapter(c *metrics.Collector) *metrics.Adapter {
	if c == nil {
		return nil
	}
	return metrics.NewAdapter(c)
}
