package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrel-dns/kestrel/internal/admin"
	"github.com/kestrel-dns/kestrel/internal/cache"
	"github.com/kestrel-dns/kestrel/internal/config"
	"github.com/kestrel-dns/kestrel/internal/metrics"
	"github.com/kestrel-dns/kestrel/internal/query"
	"github.com/kestrel-dns/kestrel/internal/rules"
	"github.com/kestrel-dns/kestrel/internal/store"
	"github.com/kestrel-dns/kestrel/internal/upstream"
)

// Runner orchestrates process-level wiring: the rule store and remote
// feed loader, the response cache, the upstream group manager, the wire
// listeners, and (optionally) the management API, plus their shared
// graceful shutdown.
type Runner struct {
	logger *slog.Logger
}

// NewRunner creates a new server runner with the given logger.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run wires and starts every component described by cfg, blocking until a
// shutdown signal (SIGINT/SIGTERM) arrives or a listener fails, then stops
// everything within a bounded grace period.
//
// Startup order:
//  1. Build the metrics registry
//  2. Open the sqlite-backed store (feed content persistence)
//  3. Build the rule store/loader and publish an initial snapshot
//  4. Build the response cache
//  5. Build the upstream group manager and the query processor
//  6. Start the UDP listener, the TCP listener if server.listen_tcp is set,
//     the DoH listener if server.listen_http is set, and the admin API if
//     enabled
func (r *Runner) Run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	reg := metrics.New()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("server: failed to open store: %w", err)
	}
	defer st.Close()

	staticRules, err := cfg.ToStaticRules()
	if err != nil {
		return fmt.Errorf("server: invalid static rules: %w", err)
	}
	feeds, err := cfg.ToFeeds()
	if err != nil {
		return fmt.Errorf("server: invalid remote rule feeds: %w", err)
	}

	httpClient := cfg.ToHTTPClient()

	ruleStore := rules.NewStore(nil)
	loader := rules.NewLoader(r.logger, httpClient.HTTPClient(), st, reg, ruleStore, staticRules, feeds, cfg.GroupNames())
	if err := loader.Start(ctx); err != nil {
		return fmt.Errorf("server: failed to build initial rule snapshot: %w", err)
	}
	defer loader.Stop()

	respCache := cache.New(cache.Config{
		MaxEntries:  cfg.Cache.MaxEntries,
		MinTTL:      time.Duration(cfg.Cache.MinTTLSeconds) * time.Second,
		MaxTTL:      time.Duration(cfg.Cache.MaxTTLSeconds) * time.Second,
		NegativeTTL: time.Duration(cfg.Cache.NegativeTTLSeconds) * time.Second,
	})

	groups, err := cfg.ToUpstreamGroups(httpClient)
	if err != nil {
		return fmt.Errorf("server: invalid upstream groups: %w", err)
	}
	for _, g := range groups {
		g.Metrics = reg
	}
	manager := upstream.NewManager(groups)

	processor := &query.Processor{
		Logger:    r.logger,
		Cache:     respCache,
		Rules:     ruleStore,
		Upstreams: manager,
		Metrics:   reg,
		Timeout:   time.Duration(cfg.Server.QueryTimeoutSeconds) * time.Second,
	}

	h := &QueryHandler{Logger: r.logger, Processor: processor}
	limiter := NewRateLimiterFromEnv()

	r.logStartup(cfg)

	udp := &UDPServer{Logger: r.logger, Handler: h, Limiter: limiter, Metrics: reg, WorkersPerSocket: cfg.Server.UDPWorkersPerCore}
	var tcp *TCPServer
	if cfg.Server.ListenTCP != "" {
		tcp = &TCPServer{
			Logger:            r.logger,
			Handler:           h,
			Metrics:           reg,
			IdleTimeout:       time.Duration(cfg.Server.TCPIdleTimeoutSec) * time.Second,
			MaxQueriesPerConn: cfg.Server.TCPMaxQueriesPerConn,
		}
	}
	var dohSrv *http.Server
	if cfg.Server.ListenHTTP != "" {
		dohSrv = NewDoHServer(cfg.Server.ListenHTTP, h)
	}

	errCh := make(chan error, 4)
	go func() { errCh <- udp.Run(ctx, cfg.Server.ListenUDP) }()
	if tcp != nil {
		go func() { errCh <- tcp.Run(ctx, cfg.Server.ListenTCP) }()
	}
	if dohSrv != nil {
		go func() { errCh <- runDoHServer(ctx, dohSrv) }()
	}

	var adminSrv *admin.Server
	if cfg.Admin.Enabled {
		adminSrv = admin.New(admin.Config{
			Listen:      cfg.Admin.Listen,
			APIKey:      cfg.Admin.APIKey,
			Cache:       respCache,
			Store:       st,
			Metrics:     func() any { return reg.Snapshot() },
			PromHandler: reg.Handler(),
		}, r.logger)
		go func() {
			if err := adminSrv.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("admin api: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		// shutdown requested via signal
	case err := <-errCh:
		if err != nil {
			cancelRun()
			return err
		}
	}

	stopTimeout := 5 * time.Second
	_ = udp.Stop(stopTimeout)
	if tcp != nil {
		_ = tcp.Stop(stopTimeout)
	}
	if adminSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), stopTimeout)
		_ = adminSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	return nil
}

func (r *Runner) logStartup(cfg *config.Config) {
	if r.logger == nil {
		return
	}
	groupNames := make([]string, 0, len(cfg.UpstreamGroups))
	for _, g := range cfg.UpstreamGroups {
		groupNames = append(groupNames, g.Name)
	}
	r.logger.Info(
		"dns listening",
		"udp", cfg.Server.ListenUDP,
		"tcp", cfg.Server.ListenTCP,
		"doh", cfg.Server.ListenHTTP,
		"upstream_groups", groupNames,
		"admin_enabled", cfg.Admin.Enabled,
	)
}
