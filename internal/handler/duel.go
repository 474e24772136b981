package handler

import (
	"context"
	"errors"
	"fmt"

	tele "gopkg.in/telebot.v3"

	"dice-duel-bot/internal/model"
	"dice-duel-bot/internal/repository"
	"dice-duel-bot/internal/service"
)

// DuelHandler handles matchmaking and duel commands.
type DuelHandler struct {
	accounts   *service.AccountService
	duels      *service.DuelService
	matchmaker *service.Matchmaker
}

// NewDuelHandler creates a new DuelHandler.
func NewDuelHandler(accounts *service.AccountService, duels *service.DuelService, matchmaker *service.Matchmaker) *DuelHandler {
	return &DuelHandler{accounts: accounts, duels: duels, matchmaker: matchmaker}
}

// HandleSearch handles the /search command.
func (h *DuelHandler) HandleSearch(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	player, _, err := h.accounts.EnsurePlayer(ctx, sender.ID, senderName(sender))
	if err != nil {
		return c.Reply("❌ Failed to start searching, please try again later")
	}
	if player.Balance <= 0 {
		return c.Reply("🏁 You are out of points and cannot duel. Top up first.")
	}

	err = h.matchmaker.StartSearch(ctx, sender.ID)
	switch {
	case errors.Is(err, service.ErrAlreadySearching):
		return c.Reply("⏳ You are already searching for a rival. /cancel to stop.")
	case errors.Is(err, repository.ErrInvalidTransition):
		if player.Status.InSession() {
			return c.Reply("⚔️ You are already in a duel. /roll to play or /leave to quit.")
		}
		return c.Reply("⏳ You are already searching for a rival. /cancel to stop.")
	case err != nil:
		return c.Reply("❌ Failed to start searching, please try again later")
	}

	return c.Reply("🔍 Searching for a rival... you will be notified when one is found. /cancel to stop.")
}

// HandleCancel handles the /cancel command.
func (h *DuelHandler) HandleCancel(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	cancelled, err := h.matchmaker.CancelSearch(ctx, sender.ID)
	if err != nil {
		return c.Reply("❌ Failed to cancel, please try again later")
	}
	if !cancelled {
		return c.Reply("🤷 No active search to cancel.")
	}
	return c.Reply("🛑 Search cancelled.")
}

// HandleRoll handles the /roll command.
func (h *DuelHandler) HandleRoll(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	result, err := h.duels.SubmitRoll(ctx, sender.ID)
	switch {
	case errors.Is(err, repository.ErrNotMatched):
		return c.Reply("🤷 You are not in a duel. /search to find a rival.")
	case errors.Is(err, repository.ErrAlreadyRolled):
		return c.Reply("🎲 You already rolled this round, waiting for your rival.")
	case errors.Is(err, repository.ErrPlayerNotFound):
		return c.Reply("🤷 You are not registered yet. Send /start first.")
	case errors.Is(err, repository.ErrPairingConflict):
		return c.Reply("❌ Your duel was in a bad state and has been reset. /search to play again.")
	case err != nil:
		return c.Reply("❌ Failed to roll, please try again later")
	}

	if result.SessionOver {
		return c.Reply(sessionOverText(result.EndReason))
	}
	if result.Waiting {
		return c.Reply(fmt.Sprintf(
			"🎲 You rolled %d + %d = %d. Waiting for your rival to roll...",
			result.Roll.Die1, result.Roll.Die2, result.Roll.Total(),
		))
	}

	report := result.Report
	return c.Reply(fmt.Sprintf(
		"🎲 You rolled %d + %d = %d, your rival rolled %d.\n%s\n💰 Balance: %d points",
		result.Roll.Die1, result.Roll.Die2, report.SelfTotal, report.RivalTotal,
		outcomeText(report.Outcome), report.NewBalance,
	))
}

// HandleLeave handles the /leave command.
func (h *DuelHandler) HandleLeave(c tele.Context) error {
	ctx := context.Background()
	sender := c.Sender()
	if sender == nil {
		return nil
	}

	_, err := h.duels.Leave(ctx, sender.ID)
	switch {
	case errors.Is(err, repository.ErrNotMatched):
		// Not paired; maybe they meant to stop searching.
		cancelled, cerr := h.matchmaker.CancelSearch(ctx, sender.ID)
		if cerr == nil && cancelled {
			return c.Reply("🛑 Search cancelled.")
		}
		return c.Reply("🤷 You are not in a duel.")
	case errors.Is(err, repository.ErrPlayerNotFound):
		return c.Reply("🤷 You are not registered yet. Send /start first.")
	case err != nil:
		return c.Reply("❌ Failed to leave, please try again later")
	}

	return c.Reply("🚪 You left the duel. /search to find a new rival.")
}

func outcomeText(outcome model.RoundOutcome) string {
	switch outcome {
	case model.OutcomeWin:
		return "🎉 You win this round! +1 point"
	case model.OutcomeLoss:
		return "😢 You lose this round. -1 point"
	default:
		return "🤝 Tie! No points change hands."
	}
}

func sessionOverText(reason model.SessionEndReason) string {
	if reason == model.EndReasonOwnBroke {
		return "🏁 You are out of points, the duel is over. Top up to play again."
	}
	return "🏁 Your rival is out of points. The duel is over; /search to play again."
}
