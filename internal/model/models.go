// Package model defines the data models for the dice duel bot.
package model

import "time"

// PlayerStatus describes where a player is in the matchmaking lifecycle.
type PlayerStatus string

const (
	StatusIdle         PlayerStatus = "idle"          // Not searching, not paired
	StatusSearching    PlayerStatus = "searching"     // Waiting for a rival
	StatusMatched      PlayerStatus = "matched"       // Paired, no roll this round
	StatusRoundPending PlayerStatus = "round_pending" // Paired, own roll recorded, waiting for rival
)

// InSession reports whether the status means the player is paired with a rival.
func (s PlayerStatus) InSession() bool {
	return s == StatusMatched || s == StatusRoundPending
}

// Player represents a Telegram user in the duel system.
// One row per player; rival_id and pending_roll are NULL outside a session.
type Player struct {
	PlayerID       int64        `db:"player_id"`
	Username       string       `db:"username"`
	Balance        int64        `db:"balance"`
	Wins           int64        `db:"wins"`
	Losses         int64        `db:"losses"`
	Ties           int64        `db:"ties"`
	Status         PlayerStatus `db:"status"`
	RivalID        *int64       `db:"rival_id"`
	PendingRoll    *int         `db:"pending_roll"`
	SearchingSince *time.Time   `db:"searching_since"`
	LastActionAt   time.Time    `db:"last_action_at"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

// HasRolled reports whether the player has a roll recorded this round.
func (p *Player) HasRolled() bool {
	return p.PendingRoll != nil
}

// LedgerEntry represents one side of a balance change.
// The two entries of a resolved round share a round ID.
type LedgerEntry struct {
	ID          int64     `db:"id"`
	RoundID     string    `db:"round_id"`
	PlayerID    int64     `db:"player_id"`
	Amount      int64     `db:"amount"`
	Type        string    `db:"type"`
	Description *string   `db:"description"`
	CreatedAt   time.Time `db:"created_at"`
}

// Ledger entry types for categorizing balance changes.
const (
	EntryTypeRoundWin  = "round_win"  // Winner's +1 for a resolved round
	EntryTypeRoundLoss = "round_loss" // Loser's -1 for a resolved round
	EntryTypeRoundTie  = "round_tie"  // Zero-amount marker for a tied round
	EntryTypeCredit    = "credit"     // External deposit credited
	EntryTypeDebit     = "debit"      // External withdrawal debited
)

// RoundOutcome is the per-player view of a resolved round.
type RoundOutcome string

const (
	OutcomeWin  RoundOutcome = "win"
	OutcomeLoss RoundOutcome = "loss"
	OutcomeTie  RoundOutcome = "tie"
)

// SessionEndReason explains why a duel session was torn down.
type SessionEndReason string

const (
	EndReasonRivalLeft  SessionEndReason = "rival_left"  // The rival issued /leave
	EndReasonRivalBroke SessionEndReason = "rival_broke" // The rival ran out of points
	EndReasonOwnBroke   SessionEndReason = "own_broke"   // This player ran out of points
	EndReasonTimeout    SessionEndReason = "timeout"     // No roll activity for the idle period
)
