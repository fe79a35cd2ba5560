package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"calnotify/internal/config"
	appLog "calnotify/internal/log"
	"calnotify/internal/web"
)

const version = "0.1.0"

var (
	flagConfigPath string
	flagListen     string
	flagDryRun     bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "calnotify",
		Short: "Notify once for every new upcoming calendar event",
		Long: `calnotify polls Google Calendar or ICS feeds on a schedule and emits
one notification per upcoming event it has not seen before.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flagConfigPath, "config", "/etc/calnotify/config.yaml", "Path to config file")

	run := &cobra.Command{
		Use:   "run",
		Short: "Poll on the configured schedule and serve the status API",
		Args:  cobra.NoArgs,
		RunE:  runDaemon,
	}
	run.Flags().StringVar(&flagListen, "listen", "", "HTTP listen address (overrides config if set)")

	poll := &cobra.Command{
		Use:   "poll",
		Short: "Run a single poll cycle for every calendar and exit",
		Args:  cobra.NoArgs,
		RunE:  runPoll,
	}
	poll.Flags().BoolVar(&flagDryRun, "dry-run", false, "Log notifications only and do not save state")

	stateCmd := &cobra.Command{
		Use:   "state [name]",
		Short: "Print the persisted state of one or all calendars",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runState,
	}

	root.AddCommand(run, poll, stateCmd)
	return root
}

// loadConfig loads, validates and applies logging settings.
func loadConfig() (*config.Config, error) {
	conf, err := config.Load(flagConfigPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flagConfigPath)
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flagConfigPath)
		return nil, err
	}

	level := appLog.LevelInfo
	if conf.Debug {
		level = appLog.LevelDebug
	} else if l, err := appLog.ParseLevel(conf.LogLevel); err != nil {
		appLog.Warn("unknown log_level; using info", "log_level", conf.LogLevel)
	} else {
		level = l
	}
	appLog.SetLevel(level)
	return conf, nil
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	appLog.Info("calnotify starting", "version", version)

	conf, err := loadConfig()
	if err != nil {
		return err
	}
	// CLI --listen overrides config file listen if provided.
	if flagListen != "" {
		conf.Listen = flagListen
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"schedule", conf.Schedule,
		"state_backend", conf.State.Backend,
		"calendars", len(conf.Calendars),
		"debug", conf.Debug,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, conf, false)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.runner.Seed(ctx); err != nil {
		appLog.Warn("health seeding incomplete", "err", err.Error())
	}

	srv := &http.Server{
		Addr:              conf.Listen,
		Handler:           web.NewServer(conf, app.monitor, app.runner, app.metrics.Handler(), webOptions(app)...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Error("HTTP server failed", err)
			stop()
		}
	}()

	schedErr := runScheduler(ctx, conf.Schedule, func() {
		if _, err := app.runner.PollAll(ctx); err != nil {
			appLog.Warn("poll cycle finished with errors")
		}
	})
	if schedErr == nil {
		appLog.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP shutdown failed", err)
	}
	if schedErr != nil {
		return schedErr
	}
	appLog.Info("calnotify exiting")
	return nil
}

// runScheduler runs job once at start-up and then on spec until ctx is
// done. It returns only after every started run has finished, so callers
// can close stores right after. Runs never overlap.
func runScheduler(ctx context.Context, spec string, job func()) error {
	cycle := cron.NewChain(cron.SkipIfStillRunning(appLog.CronLogger())).Then(cron.FuncJob(job))

	sched := cron.New(cron.WithLogger(appLog.CronLogger()))
	if _, err := sched.AddJob(spec, cycle); err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}

	var startup sync.WaitGroup
	startup.Go(cycle.Run)
	sched.Start()

	<-ctx.Done()
	<-sched.Stop().Done()
	startup.Wait()
	return nil
}

func runPoll(cmd *cobra.Command, _ []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := buildApp(cmd.Context(), conf, flagDryRun)
	if err != nil {
		return err
	}
	defer app.Close()

	results, err := app.runner.PollAll(cmd.Context())
	for _, r := range results {
		appLog.Info("poll result",
			"calendar", r.Calendar,
			"fetched", r.Fetched,
			"notified", r.Notified,
			"pending", r.Pending,
			"dry_run", flagDryRun,
		)
	}
	return err
}

func runState(cmd *cobra.Command, args []string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := buildApp(cmd.Context(), conf, true)
	if err != nil {
		return err
	}
	defer app.Close()

	names := app.runner.Calendars()
	if len(args) == 1 {
		names = args
	}

	out := make(map[string]any, len(names))
	for _, name := range names {
		rec, ok, err := app.runner.Record(cmd.Context(), name)
		if err != nil {
			return fmt.Errorf("load state %s: %w", name, err)
		}
		if !ok {
			return fmt.Errorf("unknown calendar %q", name)
		}
		out[name] = rec
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
