// Command etcfs mounts the per-path routing filesystem that overlays
// /etc, dispatching each operation to the caller's local stratum or a
// designated global stratum and enforcing declared override invariants
// (spec.md §1, §4.5, §4.6).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bedrocklinux/bedrock-core/internal/circuit"
	"github.com/bedrocklinux/bedrock-core/internal/config"
	"github.com/bedrocklinux/bedrock-core/internal/etcfs"
	"github.com/bedrocklinux/bedrock-core/internal/fusemount"
	"github.com/bedrocklinux/bedrock-core/internal/identity"
	"github.com/bedrocklinux/bedrock-core/internal/metrics"
	"github.com/bedrocklinux/bedrock-core/internal/override"
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
		configFile    = flag.String("config", "", "path to YAML configuration file")
		strataRoot    = flag.String("strata-root", "", "override strata.root from the config file")
		globalStratum = flag.String("global-stratum", "", "override strata.global_stratum from the config file")
		allowOther    = flag.String("o", "", "FUSE mount options (only \"allow_other\" is recognized)")
		foreground    = flag.Bool("f", false, "run in the foreground")
		debug         = flag.Bool("d", false, "enable debug mode: per-request traces to stderr")
		single        = flag.Bool("s", false, "single-threaded FUSE dispatch")
	)
	flag.Parse()

	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "etcfs: must be started as uid 0 (required to impersonate callers and enter chroots)")
		os.Exit(1)
	}
	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: etcfs [flags] <mountpoint>")
		os.Exit(1)
	}
	mountPoint := flag.Arg(0)

	cfg := config.NewDefault()
	if *configFile != "" {
		if err := cfg.LoadFromFile(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "etcfs: %v\n", err)
			os.Exit(1)
		}
	}
	_ = cfg.LoadFromEnv()
	if *strataRoot != "" {
		cfg.Strata.Root = *strataRoot
	}
	if *globalStratum != "" {
		cfg.Strata.GlobalStratum = *globalStratum
	}
	if *debug {
		cfg.Global.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "etcfs: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := utils.NewLogger(mustLevel(cfg.Global.LogLevel), logOutput(cfg.Global.LogFile))
	logger.Info("starting etcfs on %s (strata root %s, global stratum %s)",
		mountPoint, cfg.Strata.Root, cfg.Strata.GlobalStratum)

	if *debug {
		dm := utils.GetDebugManager()
		dm.StartSession("etcfs-"+mountPoint, []string{"etcfs"}, 0)
	}

	healthTracker := health.NewTracker(health.DefaultConfig())
	healthTracker.RegisterComponent("store")
	healthTracker.RegisterComponent("strata-pool")
	healthTracker.RegisterComponent("overrides")

	strataPool := stratum.NewPool(cfg.Strata.Root)
	etcStore := store.NewEtcStore()
	rooter := pathres.NewRooter()
	idShim := identity.New()
	guard := recovery.NewGuard(recovery.Config{Component: "etcfs"})

	limiters := circuit.NewManager(circuit.Config{Window: cfg.Override.ReapplyWindow})
	overrideEnforcer := override.NewEnforcer(limiters)

	statusTracker := status.NewTracker(status.MountEtcfs, mountPoint, healthTracker)

	var metricsCollector *metrics.Collector
	if cfg.Global.MetricsPort > 0 {
		mc, err := metrics.NewCollector(&metrics.Config{
			Enabled:   true,
			Port:      cfg.Global.MetricsPort,
			Path:      "/metrics",
			Namespace: "bedrock",
			Subsystem: "etcfs",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "etcfs: metrics collector: %v\n", err)
			os.Exit(1)
		}
		metricsCollector = mc
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := metricsCollector.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "etcfs: starting metrics server: %v\n", err)
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

	root := etcfs.NewRoot(etcfs.Config{
		Store:         etcStore,
		StrataPool:    strataPool,
		Rooter:        rooter,
		Identity:      idShim,
		Overrides:     overrideEnforcer,
		StrataRoot:    cfg.Strata.Root,
		GlobalStratum: cfg.Strata.GlobalStratum,
		MountPoint:    mountPoint,
		Status:        statusTracker,
		Guard:         guard,
		Metrics:       metricsMaybeAdapter(metricsCollector),
	})

	if cfg.Global.HealthPort > 0 {
		apiServer := api.NewServer(api.ServerConfig{
			Address: fmt.Sprintf(":%d", cfg.Global.HealthPort),
		}, statusTracker, healthTracker, func() status.Counts {
			counts := etcStore.Counts()
			return status.Counts{
				GlobalPaths:  counts.GlobalPaths,
				Overrides:    counts.Overrides,
				OpenStrata:   strataPool.Count(),
				RootStrategy: rooter.Strategy().String(),
			}
		})
		apiServer.StartBackground()
	}

	server, err := etcfs.Mount(mountPoint, root, fusemount.Options{
		FsName:         "etcfs",
		AllowOther:     *allowOther == "allow_other",
		Foreground:     *foreground,
		SingleThreaded: *single,
		Debug:          *debug,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "etcfs: mount failed: %v\n", err)
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
