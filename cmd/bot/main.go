// Package main is the entry point for the dice duel bot.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dice-duel-bot/internal/bot"
	"dice-duel-bot/internal/config"
	"dice-duel-bot/internal/pkg/db"
	"dice-duel-bot/internal/pkg/lock"
	"dice-duel-bot/internal/repository"
	"dice-duel-bot/internal/service"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log.Info().Msg("Configuration loaded successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	if err := runMigrations(ctx, dbPool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	playerRepo := repository.NewPlayerRepository(dbPool.Pool)
	ledgerRepo := repository.NewLedgerRepository(dbPool.Pool)
	playerLock := lock.NewPlayerLock()

	duelBot, err := bot.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bot")
	}
	notifier := duelBot.Notifier()

	accountService := service.NewAccountService(playerRepo, ledgerRepo, playerLock, cfg.Duel.InitialBalance)
	matchmaker := service.NewMatchmaker(playerRepo, notifier, cfg.Matchmaking.PollInterval, cfg.Matchmaking.MaxFailures)
	duelService := service.NewDuelService(playerRepo, playerLock, notifier, cfg.Duel.IdleTimeout)

	duelBot.Setup(&bot.Dependencies{
		AccountService: accountService,
		DuelService:    duelService,
		Matchmaker:     matchmaker,
		PlayerLock:     playerLock,
	})

	scheduler, err := startReaper(ctx, duelService, cfg.Duel.ReapInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start idle session reaper")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Msg("Bot is starting...")
		duelBot.Start()
	}()

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	duelBot.Stop()
	matchmaker.Stop()
	if err := scheduler.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("Scheduler shutdown error")
	}
	log.Info().Msg("Bot stopped gracefully")
}

// startReaper schedules the idle-session sweep.
func startReaper(ctx context.Context, duels *service.DuelService, interval time.Duration) (gocron.Scheduler, error) {
	if interval <= 0 {
		interval = time.Minute
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if _, err := duels.ReapIdleSessions(ctx); err != nil {
				log.Error().Err(err).Msg("Idle session reap failed")
			}
		}),
	)
	if err != nil {
		return nil, err
	}

	scheduler.Start()
	return scheduler, nil
}

// runMigrations executes database migrations.
func runMigrations(ctx context.Context, pool *db.Pool) error {
	log.Info().Msg("Running database migrations...")

	// Migration 1: Create players table
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS players (
			player_id BIGINT PRIMARY KEY,
			username VARCHAR(255) NOT NULL,
			balance BIGINT NOT NULL DEFAULT 100,
			wins BIGINT NOT NULL DEFAULT 0,
			losses BIGINT NOT NULL DEFAULT 0,
			ties BIGINT NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL DEFAULT 'idle',
			rival_id BIGINT,
			pending_roll INT,
			searching_since TIMESTAMPTZ,
			last_action_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT players_balance_non_negative CHECK (balance >= 0),
			CONSTRAINT players_pending_roll_range CHECK (pending_roll IS NULL OR (pending_roll BETWEEN 2 AND 12)),
			CONSTRAINT players_no_self_rival CHECK (rival_id IS NULL OR rival_id <> player_id)
		);
		CREATE INDEX IF NOT EXISTS idx_players_searching ON players(searching_since) WHERE status = 'searching';
		CREATE INDEX IF NOT EXISTS idx_players_balance ON players(balance DESC);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 1: players table created")

	// Migration 2: Create ledger_entries table
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			round_id UUID NOT NULL,
			player_id BIGINT NOT NULL REFERENCES players(player_id) ON DELETE CASCADE,
			amount BIGINT NOT NULL,
			type VARCHAR(50) NOT NULL,
			description TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_player_time ON ledger_entries(player_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_ledger_round ON ledger_entries(round_id);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 2: ledger_entries table created")

	log.Info().Msg("All migrations completed successfully")
	return nil
}
