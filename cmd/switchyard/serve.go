package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"switchyard/internal/audit"
	"switchyard/internal/budget"
	"switchyard/internal/config"
	"switchyard/internal/connector"
	"switchyard/internal/domain"
	"switchyard/internal/engine"
	"switchyard/internal/gateway/httpapi"
	"switchyard/internal/governor"
	"switchyard/internal/notify"
	"switchyard/internal/observability"
	"switchyard/internal/provider"
	"switchyard/internal/ratelimit"
	"switchyard/internal/router"
	"switchyard/internal/schedule"
	"switchyard/internal/storage/gormstore"
	"switchyard/internal/warden"
)

var (
	serveConfigPath string
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestration core and HTTP gateway",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `switchyard --config path` and `switchyard serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe wires the full pipeline: audit log, switchboard, warden, governor,
// connector, engine, scheduler, and the HTTP gateway.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("SWITCHYARD_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	logger.Info("starting switchyard", slog.String("config", serveConfigPath))

	if err := os.MkdirAll(cfg.ResolvedDataDir(), 0o750); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Audit log first: nothing else is allowed to act without it.
	auditor, err := audit.NewLogger(cfg.AuditLogPath(), logger)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer auditor.Close()

	// Observability (optional).
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	if obs != nil {
		defer obs.Shutdown(context.Background())
	}

	// Persistent storage (optional). In-memory state otherwise.
	var db *gormstore.DB
	if cfg.Storage != nil {
		db, err = openStorage(cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		if obs != nil && obs.Health != nil {
			obs.Health.AddCheck("database", db.Ping)
		}
	}

	// Intent switchboard.
	table, err := router.LoadTable(cfg.Routing.TablePath)
	if err != nil {
		return err
	}
	switchboard := router.New(table, cfg.Routing.ConfidenceThreshold, auditor, logger)
	logger.Info("routing table loaded",
		slog.String("version", table.Version),
		slog.Int("rules", len(table.Rules)),
		slog.Int("dangerous", len(table.Dangerous)),
	)

	// Outbound connector.
	conn, err := buildConnector(cfg, logger)
	if err != nil {
		return err
	}

	// Approval queue.
	var store warden.Store = warden.NewMemStore()
	if db != nil {
		store = gormstore.NewApprovalRepository(db)
	}
	queue := warden.New(store, cfg.Approval.TTL(), auditor, notify.New(conn, logger), logger)
	cancelSweeper := queue.StartSweeper(ctx, cfg.Approval.SweepInterval())
	defer cancelSweeper()

	// Budget ledger, restored from the journal when storage is configured.
	caps := make(budget.Caps, len(cfg.Budget.MonthlyCapsUSD))
	for tier, cap := range cfg.Budget.MonthlyCapsUSD {
		caps[domainTier(tier)] = cap
	}
	ledger := budget.NewLedger(caps, logger)
	if db != nil {
		ledger, err = ledger.WithJournal(ctx, gormstore.NewBudgetJournal(db))
		if err != nil {
			return fmt.Errorf("restoring budget journal: %w", err)
		}
	}

	// Rate limiter.
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Limit:  cfg.RateLimit.Limit,
		Window: cfg.RateLimit.Window(),
	}, auditor, logger)

	// Provider registry.
	registry := provider.NewRegistry()
	for _, p := range cfg.Providers {
		client := provider.NewClient(p.Name, domainTier(p.Tier), p.BaseURL, p.APIKey, logger)
		if p.Alternate {
			registry.RegisterAlternate(client)
			continue
		}
		if err := registry.Register(client); err != nil {
			return fmt.Errorf("registering provider %q: %w", p.Name, err)
		}
	}

	// Escalation governor.
	triggers := make([]governor.Rule, len(cfg.Escalation.Triggers))
	for i, t := range cfg.Escalation.Triggers {
		triggers[i] = governor.Rule{
			LabelPrefix: t.LabelPrefix,
			Tier:        domainTier(t.Tier),
			Reason:      t.Reason,
		}
	}
	triggerTable, err := governor.NewTable(triggers, domainTier(cfg.Escalation.DefaultTier))
	if err != nil {
		return fmt.Errorf("building trigger table: %w", err)
	}
	estimates := make(map[domain.Tier]float64, len(cfg.Escalation.EstimatedCostUSD))
	for tier, cost := range cfg.Escalation.EstimatedCostUSD {
		estimates[domainTier(tier)] = cost
	}
	gov := governor.New(registry, triggerTable, ledger, limiter, auditor, logger, governor.Config{
		EstimatedCost: estimates,
		InvokeTimeout: cfg.Escalation.InvokeTimeout(),
		LocalRetries:  cfg.Escalation.LocalRetries,
	})

	// Engine and handlers.
	eng := engine.New(switchboard, queue, gov, conn, auditor, logger)
	if obs != nil {
		if obs.Metrics != nil {
			eng.WithMetrics(obs.Metrics)
		}
		if obs.Tracer != nil {
			eng.WithTracer(obs.Tracer.Provider())
		}
	}
	if err := registerHandlers(eng, table); err != nil {
		return err
	}

	// Recurring events.
	if len(cfg.Schedules) > 0 {
		sched := schedule.New(eng, logger)
		for _, s := range cfg.Schedules {
			role := domain.RoleAgent
			if s.ActorRole != "" {
				role = domain.ParseRole(s.ActorRole)
			}
			if err := sched.Add(ctx, schedule.Entry{
				Spec:      s.Cron,
				ActorID:   s.ActorID,
				ActorRole: role,
				Text:      s.Text,
			}); err != nil {
				return fmt.Errorf("adding schedule %q: %w", s.Cron, err)
			}
		}
		stopSched := sched.Start()
		defer stopSched()
		logger.Info("schedules loaded", slog.Int("count", len(cfg.Schedules)))
	}

	// HTTP gateway.
	gwCfg := httpapi.Config{
		ListenAddr: cfg.Server.Addr,
		APIKeys:    cfg.Server.APIKeys,
		EnableDocs: true,
		AuditPath:  cfg.AuditLogPath(),
	}
	if obs != nil {
		gwCfg.Metrics = obs.Metrics
		gwCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			gwCfg.MetricsRegistry = obs.Metrics.Registry
		}
		if obs.Tracer != nil {
			gwCfg.Tracer = obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}
	gw := httpapi.NewGateway(gwCfg, eng, queue, limiter, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or gateway exit.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}

// registerHandlers installs the built-in handlers plus one model handler per
// distinct handler name the routing table targets.
func registerHandlers(eng *engine.Engine, table *router.Table) error {
	if err := eng.Register(engine.OpsHandler{}); err != nil {
		return err
	}
	if err := eng.Register(engine.ClarifyHandler{}); err != nil {
		return err
	}
	seen := map[string]bool{"ops": true, router.HandlerClarify: true}
	for _, r := range table.Rules {
		if seen[r.Handler] {
			continue
		}
		seen[r.Handler] = true
		if err := eng.Register(engine.ModelHandler{Domain: r.Handler}); err != nil {
			return err
		}
	}
	return nil
}

// buildConnector picks the outbound integration from config.
func buildConnector(cfg *config.Config, logger *slog.Logger) (connector.Connector, error) {
	switch cfg.Connector.Type {
	case "", "loopback":
		return connector.NewLoopback(logger), nil
	case "webhook":
		return connector.NewWebhook(cfg.Connector.Endpoint, cfg.Connector.Token, logger), nil
	default:
		return nil, fmt.Errorf("connector type %q is not supported", cfg.Connector.Type)
	}
}

// openStorage opens the configured persistence backend.
func openStorage(cfg *config.Config, logger *slog.Logger) (*gormstore.DB, error) {
	sc := gormstore.Config{
		Driver: cfg.Storage.StorageDriver(),
		Path:   cfg.DatabasePath(),
	}
	if pg := cfg.Storage.Postgres; pg != nil {
		sc.DSN = pg.DSN
		sc.MaxOpenConns = pg.MaxOpenConns
		sc.MaxIdleConns = pg.MaxIdleConns
		sc.ConnMaxLifetime = time.Duration(pg.ConnMaxLifetimeS) * time.Second
	}
	db, err := gormstore.Open(sc, logger)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	logger.Info("storage opened", slog.String("driver", sc.Driver))
	return db, nil
}

// domainTier converts a config tier string, defaulting unknowns to free so a
// typo never silently buys paid capacity.
func domainTier(s string) domain.Tier {
	switch strings.ToLower(s) {
	case "paid-low":
		return domain.TierPaidLow
	case "paid-high":
		return domain.TierPaidHigh
	default:
		return domain.TierFree
	}
}
