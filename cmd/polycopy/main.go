// Polycopy - copy-trading engine for Polymarket
//
// Mirrors the trades of configured leader wallets from a follower account:
// 1. Detect leader trades from the activity feed (poll + optional stream)
// 2. Claim each trade with an expiring lease so workers never collide
// 3. Size the follower order and run it through the guarded executor
// 4. Reconcile executed trades against the exchange's position view
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polycopy/bot"
	"github.com/web3guy0/polycopy/clob"
	"github.com/web3guy0/polycopy/detector"
	"github.com/web3guy0/polycopy/engine"
	"github.com/web3guy0/polycopy/executor"
	"github.com/web3guy0/polycopy/internal/config"
	"github.com/web3guy0/polycopy/lease"
	"github.com/web3guy0/polycopy/reconcile"
	"github.com/web3guy0/polycopy/storage"
)

const version = "1.2.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().
		Str("version", version).
		Int("leaders", len(cfg.Leaders)).
		Bool("dry_run", cfg.DryRun).
		Msg("🚀 Polycopy starting...")

	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize store")
	}
	defer store.Close()

	client, err := clob.NewClient(clob.Options{
		ClobURL:       cfg.ClobURL,
		DataURL:       cfg.DataURL,
		APIKey:        cfg.ClobAPIKey,
		APISecret:     cfg.ClobSecret,
		Passphrase:    cfg.ClobPass,
		PrivateKey:    cfg.PrivateKey,
		FunderAddress: cfg.ProxyWallet,
		SignatureType: cfg.SignatureType,
		DryRun:        cfg.DryRun,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize CLOB client")
	}

	notifier, err := bot.New(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Telegram alerts")
	}

	leases := lease.NewManager(store, cfg.LeaseTimeout)
	log.Info().Str("worker", leases.WorkerID()).Msg("Worker identity assigned")

	// The guarded executor is the only component handed the trading client.
	exec := executor.New(client, store, leases, cfg.Executor)

	follower := cfg.ProxyWallet

	det := detector.New(client, store, detector.Config{
		Leaders:         cfg.Leaders,
		FollowerAddress: follower,
		Interval:        cfg.FetchInterval,
		TooOldHours:     cfg.Executor.TooOldHours,
	})

	eng := engine.New(store, leases, exec, client, notifier, engine.Config{
		Leaders:         cfg.Leaders,
		FollowerAddress: follower,
		Interval:        cfg.ExecInterval,
		Batch:           cfg.Batch,
		RetryLimit:      cfg.Executor.RetryLimit,
		Strategy:        cfg.Strategy,
	})

	rec := reconcile.New(store, client, notifier, reconcile.Config{
		Leaders:         cfg.Leaders,
		FollowerAddress: follower,
		Interval:        cfg.ReconcileInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}
	run(det.Run)
	run(eng.Run)
	run(rec.Run)
	if cfg.LiveStream {
		stream := detector.NewStream(cfg.StreamURL, store, cfg.Leaders)
		run(stream.Run)
	}

	log.Info().Msg("✅ All loops online")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("🛑 Shutting down...")
	cancel()
	wg.Wait()
	log.Info().Msg("👋 Goodbye!")
}
