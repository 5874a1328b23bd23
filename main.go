package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/autosync-hq/actual-autosync/pkg/banksync"
	"github.com/autosync-hq/actual-autosync/pkg/budget"
	"github.com/autosync-hq/actual-autosync/pkg/config"
	"github.com/autosync-hq/actual-autosync/pkg/health"
	"github.com/autosync-hq/actual-autosync/pkg/history"
	"github.com/autosync-hq/actual-autosync/pkg/logger"
	"github.com/autosync-hq/actual-autosync/pkg/metrics"
	"github.com/autosync-hq/actual-autosync/pkg/models"
	"github.com/autosync-hq/actual-autosync/pkg/notify"
	"github.com/autosync-hq/actual-autosync/pkg/orchestrator"
	"github.com/autosync-hq/actual-autosync/pkg/retry"
	"github.com/autosync-hq/actual-autosync/pkg/scheduler"
)

// Exit codes of the sync command
const (
	exitSyncFailed  = 1
	exitConfigError = 2
)

const (
	pruneSchedule = "@daily"
	notifyTimeout = 10 * time.Second
)

func main() {
	app := &cli.App{
		Name:  "autosync",
		Usage: "Scheduled bank sync for self-hosted budgeting servers",
		Commands: []*cli.Command{
			{
				Name:   "daemon",
				Usage:  "Run scheduled syncs and serve health endpoints until terminated",
				Action: runDaemon,
			},
			{
				Name:  "sync",
				Usage: "Run a bank sync now and exit",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "server",
						Usage: "Only sync the named server",
					},
				},
				Action: runSync,
			},
			{
				Name:  "history",
				Usage: "Show recent sync attempts",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "server",
						Usage: "Only show attempts of the named server",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of attempts to show",
						Value: history.DefaultLimit,
					},
				},
				Action: showHistory,
			},
			{
				Name:   "validate",
				Usage:  "Validate the configuration and print the resolved servers",
				Action: validate,
			},
		},
		Action: runDaemon,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// service is everything a sync run needs, built from the configuration
type service struct {
	cfg          *config.Config
	logger       logger.Logger
	store        *history.Store
	tracker      *health.Tracker
	orchestrator *orchestrator.Orchestrator
}

func newService(cfg *config.Config) (*service, error) {
	l := logger.NewStdLogger(cfg.LoggerConfig.Coloring, cfg.LoggerConfig.Level)

	store, err := history.Open(cfg.History.Path)
	if err != nil {
		return nil, err
	}

	client := budget.NewHTTPClient(cfg.OperationTimeout, l)
	workflow := banksync.NewWorkflow(client, retry.NewExecutor(l), l,
		banksync.WithOperationTimeout(cfg.OperationTimeout))

	tracker := health.NewTracker()
	opts := []orchestrator.Option{
		orchestrator.WithHistory(store),
		orchestrator.WithMetrics(metrics.NewRecorder(l)),
		orchestrator.WithHealth(tracker),
	}
	if dispatcher := newDispatcher(cfg.Notify, l); dispatcher.Enabled() {
		opts = append(opts, orchestrator.WithNotifier(dispatcher))
	}

	return &service{
		cfg:          cfg,
		logger:       l,
		store:        store,
		tracker:      tracker,
		orchestrator: orchestrator.New(cfg.Servers, cfg.Retry, workflow, l, opts...),
	}, nil
}

func (s *service) Close() {
	s.orchestrator.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Error("Failed to close history store: %v", err)
	}
}

func newDispatcher(cfg config.NotifyConfig, l logger.Logger) *notify.Dispatcher {
	var senders []notify.Sender
	if cfg.WebhookURL != "" {
		senders = append(senders, notify.NewWebhookSender(cfg.WebhookURL, cfg.WebhookFormat, notifyTimeout))
	}
	if cfg.TelegramBotToken != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramBotToken, cfg.TelegramChatID, notifyTimeout))
	}
	throttle := notify.NewThrottle(cfg.FailureThreshold, cfg.Cooldown, cfg.OnSuccess)
	return notify.NewDispatcher(throttle, l, senders...)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runDaemon(_ *cli.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to load configuration: %v", err), exitConfigError)
	}

	svc, err := newService(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := signalContext()
	defer cancel()

	sched, err := scheduler.New(svc.orchestrator, cfg.SyncSchedule, svc.logger)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	if cfg.History.RetentionDays > 0 {
		retention := time.Duration(cfg.History.RetentionDays) * 24 * time.Hour
		if err := sched.AddJob("history prune", pruneSchedule, func(ctx context.Context) {
			pruned, err := svc.store.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				svc.logger.Error("Failed to prune sync history: %v", err)
				return
			}
			svc.logger.Debug("Pruned %d sync history records", pruned)
		}); err != nil {
			return err
		}
	}

	healthServer := health.NewServer(cfg.HealthPort, svc.tracker, svc.store, sched, cfg.MetricsAPIKey, svc.logger)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- healthServer.Start(ctx)
	}()

	svc.logger.Notice("Starting bank sync service for %d server(s)", len(cfg.Servers))
	sched.Start(ctx)
	if cfg.RunOnStartup {
		sched.TriggerNow()
	}

	select {
	case <-ctx.Done():
		svc.logger.Notice("Received termination signal, shutting down gracefully...")
	case err := <-serverErr:
		if err != nil {
			svc.logger.Error("Health server stopped: %v", err)
		}
		cancel()
	}

	sched.Stop()
	svc.logger.Notice("Bank sync service stopped")
	return nil
}

func runSync(c *cli.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to load configuration: %v", err), exitConfigError)
	}

	svc, err := newService(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := signalContext()
	defer cancel()

	var attempts []*models.SyncAttempt
	if name := c.String("server"); name != "" {
		attempt, err := svc.orchestrator.RunOne(ctx, name)
		if errors.Is(err, orchestrator.ErrServerNotFound) {
			return cli.Exit(err.Error(), exitConfigError)
		}
		if err != nil {
			return err
		}
		attempts = append(attempts, attempt)
	} else {
		attempts, err = svc.orchestrator.RunAll(ctx)
		if err != nil {
			return err
		}
	}

	failed := 0
	for _, a := range attempts {
		fmt.Printf("%-20s %-8s %d/%d accounts  %v\n", a.ServerName, a.Status,
			len(a.SucceededAccounts), a.AccountsProcessed, a.Duration().Round(time.Millisecond))
		if a.Status == models.StatusFailure {
			failed++
		}
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d server(s) failed", failed, len(attempts)), exitSyncFailed)
	}
	return nil
}

func showHistory(c *cli.Context) error {
	// only the database path is needed, so a missing server list is not an error here
	_ = godotenv.Load()

	store, err := history.Open(config.GetEnvHistoryDBPath())
	if err != nil {
		return err
	}
	defer store.Close()

	attempts, err := store.Recent(c.Context, c.String("server"), c.Int("limit"))
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		fmt.Println("No sync attempts recorded")
		return nil
	}

	for _, a := range attempts {
		line := fmt.Sprintf("%s  %-20s %-8s %d/%d accounts  %v",
			a.StartedAt.Local().Format(time.DateTime), a.ServerName, a.Status,
			len(a.SucceededAccounts), a.AccountsProcessed, a.Duration().Round(time.Millisecond))
		if a.Error != "" {
			line += fmt.Sprintf("  [%s] %s", a.ErrorCode, a.Error)
		}
		fmt.Println(line)
	}

	stats, err := store.Stats(c.Context, c.String("server"))
	if err != nil {
		return err
	}
	summary := fmt.Sprintf("\n%d attempts: %d success, %d partial, %d failure",
		stats.Total, stats.Successes, stats.Partials, stats.Failures)
	if stats.LastSuccessAt != nil {
		summary += ", last success " + stats.LastSuccessAt.Local().Format(time.DateTime)
	}
	fmt.Println(summary)
	return nil
}

func validate(_ *cli.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return cli.Exit(fmt.Sprintf("Invalid configuration: %v", err), exitConfigError)
	}

	fmt.Printf("Configuration OK: %d server(s), default schedule %q\n", len(cfg.Servers), cfg.SyncSchedule)
	for _, server := range cfg.Servers {
		policy := retry.ResolvePolicy(cfg.Retry, server.Sync)
		schedule := cfg.SyncSchedule
		if server.HasSchedule() {
			schedule = server.Sync.Schedule
		}
		fmt.Printf("  %-20s %s  budget %s  data %s  retries %d  base delay %v  schedule %q\n",
			server.Name, server.URL, server.SyncID, server.DataDir, policy.MaxRetries, policy.BaseDelay, schedule)
	}
	return nil
}
