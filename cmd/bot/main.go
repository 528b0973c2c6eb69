package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/camuig/po3-trader/internal/ai"
	"github.com/camuig/po3-trader/internal/breaker"
	"github.com/camuig/po3-trader/internal/broker"
	"github.com/camuig/po3-trader/internal/config"
	"github.com/camuig/po3-trader/internal/executor"
	"github.com/camuig/po3-trader/internal/logger"
	"github.com/camuig/po3-trader/internal/news"
	"github.com/camuig/po3-trader/internal/pipeline"
	"github.com/camuig/po3-trader/internal/scheduler"
	"github.com/camuig/po3-trader/internal/storage"
	"github.com/camuig/po3-trader/internal/telegram"
	"github.com/camuig/po3-trader/internal/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	dbPath := flag.String("db", "", "path to SQLite database (overrides database.path)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	log := logger.New(cfg.Logging.Level)

	mode := cfg.Broker.Provider
	if cfg.IsSandbox() {
		mode += " sandbox"
	}
	log.Info("starting po3-trader", "broker", mode, "instruments", cfg.Instruments, "timezone", cfg.Trading.Timezone)

	db, err := storage.NewDatabase(cfg.Database.Path)
	if err != nil {
		log.Error("database init failed", "error", err)
		os.Exit(1)
	}
	loc := cfg.Location()
	repo := storage.NewRepository(db)
	store := storage.NewContextStore(db, loc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// No runner exists yet, so any lock still set belongs to a dead process.
	if n, err := store.ReleaseStaleLocks(ctx); err != nil {
		log.Error("release stale locks", "error", err)
		os.Exit(1)
	} else if n > 0 {
		log.Warn("stale context locks released", "count", n)
	}

	bc, err := broker.New(ctx, cfg, log)
	if err != nil {
		log.Error("broker client init failed", "error", err)
		os.Exit(1)
	}

	notifier := telegram.NewNotifier(cfg, log)
	aiClient := ai.NewClient(cfg.AI, log)
	brk := breaker.New(repo, cfg.Trading.MaxConsecutiveLosses, loc, log)
	exec := executor.NewExecutor(bc, repo, brk, notifier, cfg, log)
	newsSvc := news.NewService(news.NewClient(cfg.News.URL, log), repo, cfg.News.Enabled, cfg.News.Impacts, loc, log)

	narrator := ai.NewNarrator(cfg, aiClient, log)
	runner := pipeline.NewRunner(pipeline.Deps{
		Store:     store,
		Repo:      repo,
		Market:    bc,
		Narrator:  narrator,
		Extractor: ai.NewExtractor(cfg, aiClient, log),
		Router:    exec,
		News:      newsSvc,
		Notifier:  notifier,
	}, cfg, log)

	sched := scheduler.NewScheduler(runner, exec, repo, cfg, log)
	commands := telegram.NewCommandHandler(telegram.Deps{
		Control:   sched,
		Contexts:  store,
		Closer:    exec,
		Positions: bc,
		News:      newsSvc,
		Breaker:   brk,
		Assistant: narrator,
		Logs:      repo,
	}, notifier, cfg, log)
	webServer := web.NewServer(sched, store, repo, cfg, log)

	if err := sched.Start(ctx); err != nil {
		log.Error("scheduler start failed", "error", err)
		os.Exit(1)
	}
	go commands.Run(ctx)
	go func() {
		if err := webServer.Start(ctx); err != nil {
			log.Error("web server error", "error", err)
		}
	}()

	notifier.Broadcast(fmt.Sprintf("PO3 trader started (%s): %v", mode, cfg.Instruments))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Error("web server shutdown error", "error", err)
	}
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn("stage runs still in flight at shutdown")
	}

	if err := bc.Close(); err != nil {
		log.Error("broker client close error", "error", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	notifier.Broadcast("PO3 trader stopped")
	log.Info("po3-trader stopped")
}
