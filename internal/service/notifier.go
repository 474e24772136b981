// Package service provides business logic implementations.
package service

import "dice-duel-bot/internal/model"

// RoundReport is one player's view of a resolved round.
type RoundReport struct {
	SelfTotal  int
	RivalTotal int
	Outcome    model.RoundOutcome
	NewBalance int64
}

// Notifier delivers game events to players through the chat transport.
// The bot layer implements it; services never talk to Telegram directly.
type Notifier interface {
	// RivalFound tells a player their search ended in a pairing.
	RivalFound(playerID, rivalID int64)
	// RoundResult tells a player the outcome of a resolved round.
	RoundResult(playerID int64, report RoundReport)
	// SessionEnded tells a player their duel session was torn down.
	SessionEnded(playerID int64, reason model.SessionEndReason)
	// MatchmakingFailed tells a player their search was aborted after
	// repeated storage failures.
	MatchmakingFailed(playerID int64)
}
