package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/m-mizutani/goerr/v2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"hookdeploy/internal/auth"
	"hookdeploy/internal/deployment"
	"hookdeploy/internal/dispatch"
	"hookdeploy/internal/history"
	"hookdeploy/internal/notify"
	"hookdeploy/internal/project"
	"hookdeploy/internal/security"
	"hookdeploy/internal/server"
	"hookdeploy/internal/worker"
	"hookdeploy/pkg/fileutil"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Start the HTTP server receiving GitHub webhooks on POST /webhook/{branch}.

Projects are loaded from the configured store at startup, on SIGHUP and, when
--reload-schedule is set, on that cron schedule. Every flag can also be set
through a HOOKDEPLOY_<FLAG> environment variable, for example HOOKDEPLOY_PORT.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("host", "127.0.0.1", "Host to bind to")
	f.IntP("port", "p", 5000, "Port to listen on")
	f.String("log", "./deployments.log", "Path to log file (empty disables file logging)")
	f.String("history-db", "./deployments.db", "Path to the SQLite deployment history (empty disables history)")
	f.Int("workers", worker.DefaultWorkers, "Number of background workers")
	f.Int("queue-size", worker.DefaultQueueSize, "Maximum number of queued background tasks")
	f.String("deploy-branch", dispatch.DefaultDeployBranch, "Branch whose pushes trigger deployments")
	f.Bool("serialize-deploys", true, "Run deployments of the same project one at a time")
	f.Bool("notify-skipped", true, "Notify about accepted events that do not deploy")
	f.Duration("shutdown-grace", 10*time.Second, "How long shutdown waits for background work")
	f.String("reload-schedule", "", "Cron schedule for reloading projects, e.g. '@every 5m'")
	f.Int("rate-limit", server.DefaultGlobalRateLimit, "Requests per hour per client IP")
	f.Int("webhook-rate-limit", server.DefaultWebhookRateLimit, "Webhook requests per minute per client IP")
	f.Bool("test-mode", false, "Disable rate limiting")
	f.String("sentry-dsn", "", "Sentry DSN for reporting failed and panicking background tasks")
	f.String("sentry-env", "production", "Sentry environment")
	addStoreFlags(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}

	logger, logCloser, err := setupLogging(v.GetString("log-level"), v.GetString("log-format"), v.GetString("log"))
	if err != nil {
		return goerr.Wrap(err, "failed to setup logging")
	}
	defer logCloser.Close()

	logger.Info("Starting hookdeploy", "version", version)

	if dsn := v.GetString("sentry-dsn"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: v.GetString("sentry-env"),
			Release:     "hookdeploy@" + version,
		}); err != nil {
			return goerr.Wrap(err, "failed to initialize sentry")
		}
		defer sentry.Flush(2 * time.Second)
		logger.Info("Sentry reporting enabled")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, v, logger, false)
	if err != nil {
		logger.Error("Failed to open project store", "error", err)
		return err
	}
	defer st.Close()

	registry := project.NewRegistry(st, logger)
	snap, err := registry.Reload(ctx)
	if err != nil {
		logger.Error("Failed to load projects", "error", err)
		return err
	}
	if snap.Len() == 0 {
		logger.Warn("No projects configured, every webhook will be rejected until projects are added")
	}

	stopReload, err := startReloaders(ctx, registry, v.GetString("reload-schedule"), logger)
	if err != nil {
		return err
	}
	defer stopReload()

	var hist *history.History
	if dbPath := v.GetString("history-db"); dbPath != "" {
		if err := fileutil.EnsureParentDir(dbPath, security.PermDirectory); err != nil {
			return err
		}
		logger.Info("Initializing history database", "db", dbPath)
		hist, err = history.NewHistory(dbPath)
		if err != nil {
			logger.Error("Failed to initialize history database", "error", err)
			return err
		}
		defer hist.Close()
	}

	pool := worker.New(v.GetInt("workers"), v.GetInt("queue-size"), worker.WithLogger(logger))

	opts := []dispatch.Option{
		dispatch.WithLogger(logger),
		dispatch.WithEventRecorder(st),
		dispatch.WithDeployBranch(v.GetString("deploy-branch")),
		dispatch.WithSerializedDeploys(v.GetBool("serialize-deploys")),
		dispatch.WithNotifySkipped(v.GetBool("notify-skipped")),
	}
	if hist != nil {
		opts = append(opts, dispatch.WithHistory(hist))
	}
	d := dispatch.New(registry, auth.NewHMACAuthenticator(), pool,
		deployment.NewRunner(), notify.NewSlackNotifier(), opts...)

	srv := server.NewServer(registry, d, logger, v.GetBool("test-mode"))
	srv.Pool = pool
	srv.GlobalRateLimit = v.GetInt("rate-limit")
	srv.WebhookRateLimit = v.GetInt("webhook-rate-limit")
	if hist != nil {
		srv.History = hist
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(v.GetString("host"), v.GetInt("port"))
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("Server failed", "error", serveErr)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), v.GetDuration("shutdown-grace"))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server did not shut down cleanly", "error", err)
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Background work was abandoned", "error", err, "stats", pool.Stats())
	}

	logger.Info("hookdeploy stopped")
	return serveErr
}

// startReloaders reloads the registry on SIGHUP and, if schedule is set, on
// that cron schedule. A failed reload keeps the previous projects.
func startReloaders(ctx context.Context, registry *project.Registry, schedule string, logger *slog.Logger) (func(), error) {
	reload := func(trigger string) {
		rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if _, err := registry.Reload(rctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Project reload failed, keeping previous projects", "trigger", trigger, "error", err)
		}
	}

	var c *cron.Cron
	if schedule != "" {
		c = cron.New()
		if _, err := c.AddFunc(schedule, func() { reload("schedule") }); err != nil {
			return nil, goerr.Wrap(err, "invalid reload schedule", goerr.V("schedule", schedule))
		}
		c.Start()
		logger.Info("Scheduled project reload", "schedule", schedule)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-hup:
				logger.Info("SIGHUP received, reloading projects")
				reload("sighup")
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(hup)
		close(done)
		if c != nil {
			<-c.Stop().Done()
		}
	}, nil
}
