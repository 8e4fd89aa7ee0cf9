// Command watchguard monitors regulatory web pages for meaningful
// changes and reports them to the ingest API.
//
// Usage:
//
//	watchguard run              run every configured site once
//	watchguard fetch <url>      fetch and extract one URL, print the text
//	watchguard status           print the per-site snapshot summary
//	watchguard serve            serve /healthz and /status over HTTP
//	watchguard scheduler        run continuously under remote control
//	watchguard scheduler-status print the remote scheduler state
//	watchguard trigger          request an immediate scheduled run
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/watchguard/browser"
	"github.com/hazyhaar/watchguard/config"
	"github.com/hazyhaar/watchguard/extract"
	"github.com/hazyhaar/watchguard/fetch"
	"github.com/hazyhaar/watchguard/ingest"
	"github.com/hazyhaar/watchguard/ratelimit"
	"github.com/hazyhaar/watchguard/runner"
	"github.com/hazyhaar/watchguard/scheduler"
	"github.com/hazyhaar/watchguard/snapshot"
	"github.com/hazyhaar/watchguard/status"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", env("WATCHGUARD_CONFIG", "config.yaml"), "configuration file")
	logLevel := fs.String("log-level", env("LOG_LEVEL", "info"), "debug, info, warn or error")
	statusAddr := fs.String("status-addr", env("STATUS_ADDR", ":8090"), "status server listen address (serve, scheduler)")
	fs.Parse(args)

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	var exitCode int
	switch cmd {
	case "run":
		exitCode = cmdRun(ctx, cfg, logger)
	case "fetch":
		exitCode = cmdFetch(ctx, cfg, logger, fs.Args())
	case "status":
		exitCode = cmdStatus(ctx, cfg, logger)
	case "serve":
		exitCode = cmdServe(ctx, cfg, logger, *statusAddr)
	case "scheduler":
		exitCode = cmdScheduler(ctx, cfg, logger, *statusAddr)
	case "scheduler-status":
		exitCode = cmdSchedulerStatus(ctx, cfg)
	case "trigger":
		exitCode = cmdTrigger(ctx, cfg, logger)
	default:
		usage()
		exitCode = 2
	}
	os.Exit(exitCode)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: watchguard <run|fetch|status|serve|scheduler|scheduler-status|trigger> [flags]")
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// pipeline wires the full monitoring stack from configuration. The
// returned cleanup closes the browser and the database.
func pipeline(cfg *config.Config, logger *slog.Logger) (*runner.Runner, *snapshot.Store, func(), error) {
	store, db, err := snapshot.Open(cfg.Settings.DBPath)
	if err != nil {
		return nil, nil, nil, err
	}

	mgr := browser.NewManager(cfg.Settings.UserAgent, logger)
	fetcher := fetch.New(
		fetch.Config{UserAgent: cfg.Settings.UserAgent},
		ratelimit.New(logger),
		mgr,
		logger,
	)
	reporter := ingest.NewClient(cfg.Settings.APIURL, logger)
	r := runner.New(fetcher, extract.New(logger), store, reporter, logger)

	cleanup := func() {
		mgr.Close()
		db.Close()
	}
	return r, store, cleanup, nil
}

func cmdRun(ctx context.Context, cfg *config.Config, logger *slog.Logger) int {
	r, _, cleanup, err := pipeline(cfg, logger)
	if err != nil {
		slog.Error("init pipeline", "error", err)
		return 1
	}
	defer cleanup()

	reports := r.RunAll(ctx, cfg.Sites)
	failed := 0
	for _, rep := range reports {
		detail := rep.Summary
		if rep.Err != nil {
			failed++
			detail = rep.Err.Error()
		}
		fmt.Printf("%-30s %-12s %s\n", rep.Site, rep.Status(), detail)
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func cmdFetch(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: watchguard fetch <url>")
		return 2
	}
	url := args[0]

	// Reuse the site definition when the URL is configured, so the right
	// fetch mode and selectors apply.
	site := &config.Site{URL: url, Name: url, FetchMode: "http", RateLimitSeconds: 1}
	for i := range cfg.Sites {
		if cfg.Sites[i].URL == url {
			site = &cfg.Sites[i]
			break
		}
	}

	mgr := browser.NewManager(cfg.Settings.UserAgent, logger)
	defer mgr.Close()
	fetcher := fetch.New(fetch.Config{UserAgent: cfg.Settings.UserAgent}, ratelimit.New(logger), mgr, logger)

	res := fetcher.Fetch(ctx, site)
	if !res.Success {
		slog.Error("fetch failed", "url", url, "error", res.Error)
		return 1
	}

	if res.Mode == fetch.ModePDF {
		fmt.Println(res.Content)
		return 0
	}
	text, err := extract.New(logger).Text(res.Content, url, site.ContentSelector, site.ExcludeSelectors)
	if err != nil {
		slog.Error("extract failed", "url", url, "error", err)
		return 1
	}
	fmt.Println(text)
	return 0
}

func cmdStatus(ctx context.Context, cfg *config.Config, logger *slog.Logger) int {
	store, db, err := snapshot.Open(cfg.Settings.DBPath)
	if err != nil {
		slog.Error("open snapshot db", "error", err)
		return 1
	}
	defer db.Close()

	srv := status.NewServer("", store, cfg.Sites, logger)
	overview, err := srv.Overview(ctx)
	if err != nil {
		slog.Error("status query", "error", err)
		return 1
	}
	for _, site := range overview.Sites {
		last := "never fetched"
		if site.LastFetchedAt != "" {
			last = fmt.Sprintf("last %s hash %s", site.LastFetchedAt, site.LastHash)
		}
		fmt.Printf("%-30s %-8s %3d snapshots  %s\n", site.Name, site.FetchMode, site.Snapshots, last)
	}
	return 0
}

func cmdServe(ctx context.Context, cfg *config.Config, logger *slog.Logger, addr string) int {
	store, db, err := snapshot.Open(cfg.Settings.DBPath)
	if err != nil {
		slog.Error("open snapshot db", "error", err)
		return 1
	}
	defer db.Close()

	if err := status.NewServer(addr, store, cfg.Sites, logger).Start(ctx); err != nil {
		slog.Error("status server", "error", err)
		return 1
	}
	return 0
}

func cmdScheduler(ctx context.Context, cfg *config.Config, logger *slog.Logger, addr string) int {
	r, store, cleanup, err := pipeline(cfg, logger)
	if err != nil {
		slog.Error("init pipeline", "error", err)
		return 1
	}
	defer cleanup()

	// Status endpoints stay available while the scheduler runs.
	go func() {
		if err := status.NewServer(addr, store, cfg.Sites, logger).Start(ctx); err != nil {
			logger.Error("status server", "error", err)
		}
	}()

	sched := scheduler.New(
		scheduler.NewStateClient(cfg.Settings.APIURL),
		func(ctx context.Context) { r.RunAll(ctx, cfg.Sites) },
		logger,
	)
	if err := sched.Run(ctx); err != nil && err != context.Canceled {
		slog.Error("scheduler", "error", err)
		return 1
	}
	return 0
}

func cmdSchedulerStatus(ctx context.Context, cfg *config.Config) int {
	state, err := scheduler.NewStateClient(cfg.Settings.APIURL).Fetch(ctx)
	if err != nil {
		slog.Error("fetch scheduler state", "error", err)
		return 1
	}
	fmt.Printf("enabled:         %v\n", state.Enabled)
	fmt.Printf("interval:        %s\n", state.Interval())
	fmt.Printf("active hours:    %02d:00-%02d:00 UTC\n", state.StartHour, state.EndHour)
	fmt.Printf("trigger pending: %v\n", state.TriggerPending)
	return 0
}

func cmdTrigger(ctx context.Context, cfg *config.Config, logger *slog.Logger) int {
	if err := scheduler.NewStateClient(cfg.Settings.APIURL).Trigger(ctx); err != nil {
		slog.Error("trigger", "error", err)
		return 1
	}
	logger.Info("run triggered")
	return 0
}
