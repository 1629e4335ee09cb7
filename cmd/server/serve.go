package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/ruleflow/internal/action"
	"github.com/gyaneshwarpardhi/ruleflow/internal/advisor"
	"github.com/gyaneshwarpardhi/ruleflow/internal/api"
	"github.com/gyaneshwarpardhi/ruleflow/internal/audit"
	"github.com/gyaneshwarpardhi/ruleflow/internal/config"
	"github.com/gyaneshwarpardhi/ruleflow/internal/engine"
	"github.com/gyaneshwarpardhi/ruleflow/internal/metrics"
	"github.com/gyaneshwarpardhi/ruleflow/internal/notifier"
	"github.com/gyaneshwarpardhi/ruleflow/internal/record"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
	"github.com/gyaneshwarpardhi/ruleflow/internal/scheduler"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the rule engine HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts.ConfigPath, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	return cmd
}

func runServe(cfgPath, addr string) error {
	logger := slog.Default()

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(cfgPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := loader.Config()

	// ── Rule store ────────────────────────────────────────────────────────────
	rules := rule.NewStore(record.DefaultSchema(),
		rule.WithDefaultTimeout(cfg.Dispatcher.DefaultTimeoutMs),
		rule.WithLogger(logger))
	apply := func(c *config.Config) error {
		schema, err := c.RecordSchema()
		if err != nil {
			return err
		}
		if err := rules.Load(schema, c.Rules); err != nil {
			return err
		}
		metrics.RulesLoaded.Set(float64(rules.Snapshot().Len()))
		return nil
	}
	if err := apply(cfg); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	slog.Info("rules loaded", "count", rules.Snapshot().Len(), "version", cfg.Version)

	// ── Collaborators ─────────────────────────────────────────────────────────
	auditLog, err := audit.Open(cfg.Audit.Driver, cfg.Audit.DSN)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	webhooks := notifier.NewHTTP(cfg.Notifier.WebhookTimeout(), logger)
	router := notifier.NewRouter(notifier.Log{Logger: logger})
	for name, ch := range cfg.Notifier.Channels {
		router.Handle(name, &notifier.Webhook{URL: ch.URL, Headers: ch.Headers, Caller: webhooks})
	}

	// ── Engine ────────────────────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disp := action.NewDispatcher(action.NewDefaultRegistry(), cfg.Dispatcher.Policy(), logger)
	eng := engine.New(ctx, rules, disp, engine.Options{
		Workers:          cfg.Engine.Workers,
		QueueDepth:       cfg.Engine.QueueDepth,
		SubmitTimeout:    cfg.Engine.SubmitTimeout(),
		ParallelMatching: cfg.Engine.ParallelMatching,
		Notifier:         router,
		Webhooks:         webhooks,
		Audit:            auditLog,
		Logger:           logger,
	})

	sched := scheduler.New(eng, scheduler.Options{Interval: cfg.Scheduler.Interval(), Logger: logger})
	eng.SetDeferrer(sched)
	sched.Start(ctx)

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	loader.OnChange(func(c *config.Config) error {
		if err := apply(c); err != nil {
			return err
		}
		slog.Info("rules hot-reloaded", "count", rules.Snapshot().Len(), "version", c.Version)
		return nil
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.New(api.Deps{
		Engine:  eng,
		Rules:   rules,
		Audit:   auditLog,
		Advisor: advisor.NewStatsAdvisor(rules, advisor.Options{}),
		Reload: func() (int, error) {
			c, err := loader.Reload()
			if err != nil {
				return 0, err
			}
			return len(c.Rules), nil
		},
		Logger: logger,
	})
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errC := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errC <- err
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errC:
		return fmt.Errorf("server: %w", err)
	}
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	sched.Stop()
	eng.Shutdown() // finish accepted records before stopping the workers
	cancel()
	slog.Info("goodbye")
	return nil
}
