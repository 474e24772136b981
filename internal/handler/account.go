// Package handler provides Telegram bot command handlers.
package handler

import (
	"context"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v3"

	"dice-duel-bot/internal/pkg/lock"
	"dice-duel-bot/internal/service"
)

// AccountHandler handles account-related commands.
type AccountHandler struct {
	accounts *service.AccountService
	locks    *lock.PlayerLock
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(accounts *service.AccountService, locks *lock.PlayerLock) *AccountHandler {
	return &AccountHandler{accounts: accounts, locks: locks}
}

// senderName picks a display name for a Telegram sender.
func senderName(sender *tele.User) string {
	if sender.Username != "" {
		return sender.Username
	}
	return sender.FirstName
}

// HandleStart handles the /start command, creating the player record if
// it does not exist yet.
func (h *AccountHandler) HandleStart(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	h.locks.Lock(sender.ID)
	defer h.locks.Unlock(sender.ID)

	player, created, err := h.accounts.EnsurePlayer(ctx, sender.ID, senderName(sender))
	if err != nil {
		return c.Reply("❌ Failed to set up your account, please try again later")
	}

	if created {
		return c.Reply(fmt.Sprintf(
			"🎉 Welcome @%s!\n\n"+
				"Your account starts with %d points.\n\n"+
				"Commands:\n"+
				"/search - find a duel rival\n"+
				"/roll - throw your dice\n"+
				"/leave - leave the current duel\n"+
				"/balance - show your points\n"+
				"/stats - wins, losses and ties\n"+
				"/top - richest players",
			player.Username, player.Balance,
		))
	}

	return c.Reply(fmt.Sprintf("👋 Welcome back @%s! Balance: %d points", player.Username, player.Balance))
}

// HandleBalance handles the /balance command.
func (h *AccountHandler) HandleBalance(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	player, _, err := h.accounts.EnsurePlayer(ctx, sender.ID, senderName(sender))
	if err != nil {
		return c.Reply("❌ Failed to look up your balance, please try again later")
	}

	return c.Reply(fmt.Sprintf("💰 Balance: %d points", player.Balance))
}

// HandleStats handles the /stats command.
func (h *AccountHandler) HandleStats(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	player, _, err := h.accounts.EnsurePlayer(ctx, sender.ID, senderName(sender))
	if err != nil {
		return c.Reply("❌ Failed to look up your stats, please try again later")
	}

	return c.Reply(fmt.Sprintf(
		"📊 @%s\n💰 Balance: %d points\n🏆 Wins: %d\n💀 Losses: %d\n🤝 Ties: %d",
		player.Username, player.Balance, player.Wins, player.Losses, player.Ties,
	))
}

// HandleTop handles the /top command, showing the richest players.
func (h *AccountHandler) HandleTop(c tele.Context) error {
	ctx := context.Background()

	players, err := h.accounts.GetTopPlayers(ctx, 10)
	if err != nil {
		return c.Reply("❌ Failed to load the leaderboard, please try again later")
	}
	if len(players) == 0 {
		return c.Reply("Nobody has played yet. Be the first with /search!")
	}

	var sb strings.Builder
	sb.WriteString("🏆 Top players\n\n")
	for i, p := range players {
		sb.WriteString(fmt.Sprintf("%d. @%s — %d points (%dW/%dL/%dT)\n",
			i+1, p.Username, p.Balance, p.Wins, p.Losses, p.Ties))
	}
	return c.Reply(sb.String())
}
