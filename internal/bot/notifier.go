package bot

import (
	"fmt"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"dice-duel-bot/internal/model"
	"dice-duel-bot/internal/service"
)

// telegramNotifier delivers game notifications as direct messages.
// Sends are best-effort: a player who blocked the bot must not be able
// to wedge matchmaking or round resolution.
type telegramNotifier struct {
	bot *tele.Bot
}

func (n *telegramNotifier) send(playerID int64, text string) {
	if _, err := n.bot.Send(&tele.User{ID: playerID}, text); err != nil {
		log.Warn().Err(err).Int64("player_id", playerID).Msg("Failed to deliver notification")
	}
}

// RivalFound implements service.Notifier.
func (n *telegramNotifier) RivalFound(playerID, rivalID int64) {
	n.send(playerID, fmt.Sprintf("⚔️ Rival found (player %d)! Send /roll to throw your dice.", rivalID))
}

// RoundResult implements service.Notifier.
func (n *telegramNotifier) RoundResult(playerID int64, report service.RoundReport) {
	n.send(playerID, FormatRoundReport(report))
}

// SessionEnded implements service.Notifier.
func (n *telegramNotifier) SessionEnded(playerID int64, reason model.SessionEndReason) {
	n.send(playerID, FormatSessionEnd(reason))
}

// MatchmakingFailed implements service.Notifier.
func (n *telegramNotifier) MatchmakingFailed(playerID int64) {
	n.send(playerID, "❌ Matchmaking failed, please try /search again later.")
}

// FormatRoundReport renders one side's view of a resolved round.
func FormatRoundReport(report service.RoundReport) string {
	var headline string
	switch report.Outcome {
	case model.OutcomeWin:
		headline = "🎉 You win this round! +1 point"
	case model.OutcomeLoss:
		headline = "😢 You lose this round. -1 point"
	default:
		headline = "🤝 Tie! No points change hands."
	}
	return fmt.Sprintf(
		"🎲 You rolled %d, your rival rolled %d.\n%s\n💰 Balance: %d points\n\nSend /roll for another round or /leave to quit.",
		report.SelfTotal, report.RivalTotal, headline, report.NewBalance,
	)
}

// FormatSessionEnd renders a session teardown notice.
func FormatSessionEnd(reason model.SessionEndReason) string {
	switch reason {
	case model.EndReasonRivalLeft:
		return "🚪 Your rival left the duel. Send /search to find a new one."
	case model.EndReasonRivalBroke:
		return "🏁 Your rival is out of points. The duel is over; /search to play again."
	case model.EndReasonOwnBroke:
		return "🏁 You are out of points, the duel is over. Top up to play again."
	case model.EndReasonTimeout:
		return "⌛ The duel timed out after inactivity. Send /search to play again."
	default:
		return "🏁 The duel has ended."
	}
}
