package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httpserver "github.com/mcpfleet/mcpfleet/internal/adapter/inbound/http"
	"github.com/mcpfleet/mcpfleet/internal/adapter/inbound/mgmt"
	"github.com/mcpfleet/mcpfleet/internal/adapter/inbound/proxy"
	"github.com/mcpfleet/mcpfleet/internal/adapter/inbound/ws"
	"github.com/mcpfleet/mcpfleet/internal/adapter/outbound/local"
	"github.com/mcpfleet/mcpfleet/internal/adapter/outbound/memory"
	"github.com/mcpfleet/mcpfleet/internal/adapter/outbound/registry"
	"github.com/mcpfleet/mcpfleet/internal/config"
	"github.com/mcpfleet/mcpfleet/internal/domain/service"
	"github.com/mcpfleet/mcpfleet/internal/logging"
	"github.com/mcpfleet/mcpfleet/internal/metrics"
	"github.com/mcpfleet/mcpfleet/internal/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the mcpfleet gateway.

Loads registered services from the registry, starts the ones marked as
running, and serves the proxy, WebSocket bridge and management API on a
single listener.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, logCleanup, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logCleanup()

	if file := config.ConfigFileUsed(); file != "" {
		logger.Info("loaded config", "file", file)
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	store, err := registry.Open(ctx, cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer store.Close()

	m := metrics.New()
	manager := supervisor.NewManager(logger, metricHooks(m))

	defs, err := store.ListServices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list services: %w", err)
	}
	manager.StartFromDefinitions(ctx, defs)

	limiter := memory.NewRateLimiterWithConfig(
		config.Duration(cfg.RateLimit.Window, 60*time.Second),
		config.Duration(cfg.RateLimit.SweepInterval, 5*time.Minute),
	)
	limiter.StartSweep()
	defer limiter.Stop()

	cache := memory.NewResponseCacheWithConfig(config.Duration(cfg.Cache.SweepInterval, time.Minute))
	cache.StartSweep()
	defer cache.Stop()

	router := proxy.NewRouter(
		func(path string) (proxy.Target, bool) { return manager.Match(path) },
		limiter, cache, m, logger,
	)
	bridge := ws.NewBridge(
		func(id string) (ws.Service, bool) { return manager.Get(id) },
		logger,
	)
	mgmtHandler := mgmt.NewHandler(store, manager, logger, local.NewDirStager(), cfg.InitialSetup, bridge.ServeLogStream)

	tlsProvider := local.NewFileTLSProvider(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.ChainFile)
	externalURL := local.NewExternalURL(cfg.ExternalURL, store)

	server := httpserver.NewServer(manager, router, bridge.ServeRPC, mgmtHandler.Routes(), m,
		httpserver.WithAddr(cfg.Server.Addr),
		httpserver.WithWSPath(cfg.Server.WSPath),
		httpserver.WithTLSProvider(tlsProvider),
		httpserver.WithShutdownGrace(config.Duration(cfg.Server.ShutdownGrace, 10*time.Second)),
		httpserver.WithLogger(logger),
	)

	printBanner(ctx, cfg, externalURL, manager)

	return server.Start(ctx)
}

// metricHooks wires supervisor lifecycle events into the metrics registry.
// The state hook fires under the supervisor lock, so it must not call back
// into supervisors; the running gauge is tracked from transitions instead
// of polling.
func metricHooks(m *metrics.Metrics) supervisor.Hooks {
	var mu sync.Mutex
	running := make(map[string]bool)

	return supervisor.Hooks{
		StateChanged: func(serviceID string, status service.Status) {
			mu.Lock()
			defer mu.Unlock()
			is := status == service.StatusRunning
			if is == running[serviceID] {
				return
			}
			running[serviceID] = is
			if is {
				m.ServicesRunning.Inc()
			} else {
				m.ServicesRunning.Dec()
			}
		},
		RestartScheduled: func(serviceID string, attempt int, delay time.Duration) {
			m.RestartsTotal.WithLabelValues(serviceID).Inc()
		},
		NotificationDropped: func(serviceID string) {
			m.NotificationsDropped.WithLabelValues(serviceID).Inc()
		},
	}
}

// printBanner prints a formatted startup banner to stderr with version,
// addresses and service counts.
func printBanner(ctx context.Context, cfg *config.Config, urls *local.ExternalURL, manager *supervisor.Manager) {
	const (
		reset = "\033[0m"
		bold  = "\033[1m"
		cyan  = "\033[36m"
		dim   = "\033[2m"
	)

	scheme := "http"
	if cfg.TLS.CertFile != "" {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://localhost%s", scheme, cfg.Server.Addr)
	if !strings.HasPrefix(cfg.Server.Addr, ":") {
		base = fmt.Sprintf("%s://%s", scheme, cfg.Server.Addr)
	}
	if external, ok := urls.ExternalURL(ctx); ok {
		base = strings.TrimSuffix(external, "/")
	}

	total, runningCount, _ := manager.Counts()

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s mcpfleet %s%s\n", bold, cyan, Version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s/api/\n", "Management:", base)
	fmt.Fprintf(os.Stderr, "  %-14s %s%s\n", "WebSocket:", base, cfg.Server.WSPath)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Environment:", cfg.Env)
	fmt.Fprintf(os.Stderr, "  %-14s %d running / %d registered\n", "Services:", runningCount, total)
	for _, path := range manager.ProxyPaths() {
		fmt.Fprintf(os.Stderr, "  %-14s %s%s\n", "Proxy:", base, path)
	}
	if cfg.InitialSetup {
		fmt.Fprintf(os.Stderr, "  %-14s %sopen until the first key is minted%s\n", "Bootstrap:", dim, reset)
	}
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}
