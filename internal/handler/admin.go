package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"dice-duel-bot/internal/pkg/lock"
	"dice-duel-bot/internal/repository"
	"dice-duel-bot/internal/service"
)

// AdminHandler handles the credit/debit commands the deposit gateway
// operators use.
type AdminHandler struct {
	accounts *service.AccountService
	locks    *lock.PlayerLock
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(accounts *service.AccountService, locks *lock.PlayerLock) *AdminHandler {
	return &AdminHandler{accounts: accounts, locks: locks}
}

// parseAdminArgs parses "/command <player_id> <amount>".
func parseAdminArgs(c tele.Context) (int64, int64, error) {
	fields := strings.Fields(c.Text())
	if len(fields) != 3 {
		return 0, 0, fmt.Errorf("usage: %s <player_id> <amount>", fields[0])
	}
	playerID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, errors.New("player_id must be a number")
	}
	amount, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || amount <= 0 {
		return 0, 0, errors.New("amount must be a positive number")
	}
	return playerID, amount, nil
}

// HandleAdminCredit handles /admin_credit <player_id> <amount>.
func (h *AdminHandler) HandleAdminCredit(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	playerID, amount, err := parseAdminArgs(c)
	if err != nil {
		return c.Reply("❌ " + err.Error())
	}

	desc := fmt.Sprintf("credited by admin %d", sender.ID)
	player, err := h.accounts.CreditBalance(ctx, playerID, amount, desc)
	if err != nil {
		if errors.Is(err, repository.ErrPlayerNotFound) {
			return c.Reply("❌ Player not found")
		}
		return c.Reply("❌ Credit failed, please try again later")
	}

	log.Info().
		Int64("admin_id", sender.ID).
		Int64("player_id", playerID).
		Int64("amount", amount).
		Str("operation", "admin_credit").
		Msg("Admin operation executed")

	return c.Reply(fmt.Sprintf(
		"✅ Credited %d points to @%s (ID %d)\n💰 New balance: %d points",
		amount, player.Username, playerID, player.Balance,
	))
}

// HandleAdminDebit handles /admin_debit <player_id> <amount>.
func (h *AdminHandler) HandleAdminDebit(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	playerID, amount, err := parseAdminArgs(c)
	if err != nil {
		return c.Reply("❌ " + err.Error())
	}

	desc := fmt.Sprintf("debited by admin %d", sender.ID)
	player, err := h.accounts.DebitBalance(ctx, playerID, amount, desc)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrPlayerNotFound):
			return c.Reply("❌ Player not found")
		case errors.Is(err, repository.ErrInsufficientBalance):
			return c.Reply("❌ Debit rejected: balance would go below zero")
		default:
			return c.Reply("❌ Debit failed, please try again later")
		}
	}

	log.Info().
		Int64("admin_id", sender.ID).
		Int64("player_id", playerID).
		Int64("amount", amount).
		Str("operation", "admin_debit").
		Msg("Admin operation executed")

	return c.Reply(fmt.Sprintf(
		"✅ Debited %d points from @%s (ID %d)\n💰 New balance: %d points",
		amount, player.Username, playerID, player.Balance,
	))
}
