// Package bot provides the Telegram bot initialization, handler
// registration and the outbound notification channel used by the game
// services.
package bot

import (
	"fmt"
	"time"

	tele "gopkg.in/telebot.v3"

	"dice-duel-bot/internal/config"
	"dice-duel-bot/internal/handler"
	"dice-duel-bot/internal/pkg/lock"
	"dice-duel-bot/internal/service"
)

// Bot wraps the telebot instance with application dependencies.
type Bot struct {
	bot *tele.Bot
	cfg *config.Config

	accountHandler *handler.AccountHandler
	duelHandler    *handler.DuelHandler
	adminHandler   *handler.AdminHandler
}

// Dependencies holds everything the bot handlers need.
type Dependencies struct {
	AccountService *service.AccountService
	DuelService    *service.DuelService
	Matchmaker     *service.Matchmaker
	PlayerLock     *lock.PlayerLock
}

// New creates the telebot instance. Handlers are registered later via
// Setup, after the services (which need this bot's Notifier) exist.
func New(cfg *config.Config) (*Bot, error) {
	if cfg.Bot.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	pref := tele.Settings{
		Token:  cfg.Bot.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}

	teleBot, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{bot: teleBot, cfg: cfg}, nil
}

// Notifier returns the outbound notification channel backed by this bot.
func (b *Bot) Notifier() service.Notifier {
	return &telegramNotifier{bot: b.bot}
}

// Setup wires handlers and middleware. Must be called before Start.
func (b *Bot) Setup(deps *Dependencies) {
	b.accountHandler = handler.NewAccountHandler(deps.AccountService, deps.PlayerLock)
	b.duelHandler = handler.NewDuelHandler(deps.AccountService, deps.DuelService, deps.Matchmaker)
	b.adminHandler = handler.NewAdminHandler(deps.AccountService, deps.PlayerLock)

	b.bot.Use(WhitelistMiddleware(b.cfg))
	b.bot.Use(LoggingMiddleware())
	b.bot.Use(RecoveryMiddleware())

	b.bot.Handle("/start", b.accountHandler.HandleStart)
	b.bot.Handle("/balance", b.accountHandler.HandleBalance)
	b.bot.Handle("/stats", b.accountHandler.HandleStats)
	b.bot.Handle("/top", b.accountHandler.HandleTop)

	b.bot.Handle("/search", b.duelHandler.HandleSearch)
	b.bot.Handle("/cancel", b.duelHandler.HandleCancel)
	b.bot.Handle("/roll", b.duelHandler.HandleRoll)
	b.bot.Handle("/leave", b.duelHandler.HandleLeave)

	adminGroup := b.bot.Group()
	adminGroup.Use(AdminMiddleware(b.cfg))
	adminGroup.Handle("/admin_credit", b.adminHandler.HandleAdminCredit)
	adminGroup.Handle("/admin_debit", b.adminHandler.HandleAdminDebit)
}

// Start begins polling for updates. Blocks until Stop is called.
func (b *Bot) Start() {
	b.bot.Start()
}

// Stop gracefully stops the bot.
func (b *Bot) Stop() {
	b.bot.Stop()
}
