package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/followstars/followstars/internal/api"
	"github.com/followstars/followstars/internal/buildinfo"
	"github.com/followstars/followstars/internal/cadence"
	"github.com/followstars/followstars/internal/config"
	"github.com/followstars/followstars/internal/feed"
	"github.com/followstars/followstars/internal/forge"
	"github.com/followstars/followstars/internal/maintenance"
	"github.com/followstars/followstars/internal/poller"
	"github.com/followstars/followstars/internal/queryservice"
	"github.com/followstars/followstars/internal/scheduler"
	"github.com/followstars/followstars/internal/store"
)

func main() {
	// 1. Load and validate config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	// 2. Open storage and wire the polling pipeline
	engine := cadence.Engine{
		MinInterval:     cfg.MinIntervalMinutes,
		MaxInterval:     cfg.MaxIntervalMinutes,
		DefaultInterval: cfg.DefaultIntervalMinutes,
	}
	st, err := store.Open(cfg.DBPath, engine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	gh := forge.New(cfg.APIBaseURL, cfg.Token, cfg.UserAgent, cfg.FetchTimeout)
	sched := scheduler.New(st, gh, cfg.MaxConcurrency, cfg.MaxIntervalMinutes)

	mode := "once"
	if len(os.Args) > 1 && os.Args[1] == "serve" {
		mode = "serve"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "serve":
		runServe(ctx, cfg, st, gh, sched)
	default:
		runOnce(ctx, cfg, st, sched)
	}
}

// runOnce executes one polling cycle and prints the resulting RSS feed.
func runOnce(ctx context.Context, cfg *config.Config, st *store.Store, sched *scheduler.Scheduler) {
	if err := sched.RunCycle(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	rows, err := st.RecentEventsForFeed(cfg.FeedLength)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	rss, err := feed.BuildRSS(rows, time.Now().UTC())
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(rss)
}

// runServe runs the background poller, the maintenance schedule, and the
// HTTP server until a termination signal arrives.
func runServe(ctx context.Context, cfg *config.Config, st *store.Store, gh *forge.Client, sched *scheduler.Scheduler) {
	p := poller.New(cfg.RefreshInterval, sched.RunCycle)

	// First cycle runs in the foreground so the feed has data before the
	// server comes up. A failure here is logged, not fatal; the loop will
	// retry on its normal cadence.
	if err := p.RunOnce(ctx); err != nil {
		log.Printf("[main] initial cycle: %v", err)
	}
	p.Start()
	defer p.Stop()

	if cfg.MaintenanceSchedule != "" {
		m, err := maintenance.New(cfg.MaintenanceSchedule, st.Maintain)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		m.Start()
		defer m.Stop()
	}

	srv, err := api.NewServer(cfg, queryservice.New(st), p, gh)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	go func() {
		log.Printf("[main] %s listening on %s (version %s)", cfg.UserAgent, cfg.ListenAddr(), buildinfo.Version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[main] server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[main] shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] server shutdown error: %v", err)
	}
	log.Printf("[main] stopped")
}
