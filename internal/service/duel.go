package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"dice-duel-bot/internal/game/dice"
	"dice-duel-bot/internal/model"
	"dice-duel-bot/internal/pkg/lock"
	"dice-duel-bot/internal/repository"
)

// RollResult is what the caller of SubmitRoll gets back. Exactly one of
// the three shapes is populated: session torn down (SessionOver), own
// roll recorded while the rival is still due (Waiting), or a resolved
// round (Report).
type RollResult struct {
	Roll        dice.Roll
	Waiting     bool
	Report      *RoundReport
	SessionOver bool
	EndReason   model.SessionEndReason
}

// DuelService is the duel coordinator: it advances a paired session
// through roll submission and round resolution, and tears sessions down
// on abandonment, balance exhaustion and idle timeout.
//
// In-process serialization: every pair action holds both players' locks
// in ascending ID order, so at most one roll/leave per pair is in flight
// here at a time. Consistency across processes still rests on the
// repository's row-locked transactions.
type DuelService struct {
	players     *repository.PlayerRepository
	locks       *lock.PlayerLock
	notifier    Notifier
	idleTimeout time.Duration
}

// NewDuelService creates a new DuelService instance.
func NewDuelService(players *repository.PlayerRepository, locks *lock.PlayerLock, notifier Notifier, idleTimeout time.Duration) *DuelService {
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}
	return &DuelService{
		players:     players,
		locks:       locks,
		notifier:    notifier,
		idleTimeout: idleTimeout,
	}
}

// SubmitRoll rolls two dice for the player. If the rival has not rolled
// yet the result is "waiting"; if the rival's roll is already recorded,
// this call resolves the round atomically. A session where either side
// is out of points is torn down instead of accepting the roll.
func (s *DuelService) SubmitRoll(ctx context.Context, playerID int64) (*RollResult, error) {
	player, err := s.players.GetByID(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if player.RivalID == nil {
		return nil, repository.ErrNotMatched
	}
	rivalID := *player.RivalID

	s.locks.LockPair(playerID, rivalID)
	defer s.locks.UnlockPair(playerID, rivalID)

	// Re-read both sides under the lock; the session may have been torn
	// down while we waited.
	player, err = s.players.GetByID(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if player.RivalID == nil || *player.RivalID != rivalID {
		return nil, repository.ErrNotMatched
	}
	rival, err := s.players.GetByID(ctx, rivalID)
	if err != nil {
		return nil, err
	}
	if rival.RivalID == nil || *rival.RivalID != playerID {
		return nil, s.recoverPairingConflict(ctx, playerID, rivalID)
	}

	// Balance exhaustion check before accepting a new roll.
	if player.Balance <= 0 || rival.Balance <= 0 {
		reason := model.EndReasonRivalBroke
		rivalReason := model.EndReasonOwnBroke
		if player.Balance <= 0 {
			reason, rivalReason = model.EndReasonOwnBroke, model.EndReasonRivalBroke
		}
		if _, err := s.players.Unpair(ctx, playerID); err != nil {
			return nil, err
		}
		s.notifier.SessionEnded(rivalID, rivalReason)
		log.Info().
			Int64("player_id", playerID).
			Int64("rival_id", rivalID).
			Msg("Session torn down: balance exhausted")
		return &RollResult{SessionOver: true, EndReason: reason}, nil
	}

	if player.HasRolled() {
		return nil, repository.ErrAlreadyRolled
	}

	roll := dice.New()
	if _, err := s.players.RecordRoll(ctx, playerID, roll.Total()); err != nil {
		return nil, err
	}

	if !rival.HasRolled() {
		return &RollResult{Roll: roll, Waiting: true}, nil
	}

	res, err := s.players.ResolveRound(ctx, playerID, rivalID)
	if err != nil {
		if errors.Is(err, repository.ErrPairingConflict) {
			return nil, s.recoverPairingConflict(ctx, playerID, rivalID)
		}
		return nil, err
	}

	selfReport := reportFor(playerID, res)
	s.notifier.RoundResult(rivalID, reportFor(rivalID, res))

	log.Info().
		Str("round_id", res.RoundID).
		Int64("player_id", playerID).
		Int64("rival_id", rivalID).
		Int("self_total", selfReport.SelfTotal).
		Int("rival_total", selfReport.RivalTotal).
		Bool("tie", res.Tie).
		Msg("Round resolved")

	return &RollResult{Roll: roll, Report: &selfReport}, nil
}

// reportFor builds one side's view of a resolution.
func reportFor(playerID int64, res *repository.RoundResolution) RoundReport {
	report := RoundReport{
		SelfTotal:  res.Totals[playerID],
		NewBalance: res.Balances[playerID],
		Outcome:    model.OutcomeTie,
	}
	for id, total := range res.Totals {
		if id != playerID {
			report.RivalTotal = total
		}
	}
	if !res.Tie {
		if res.WinnerID == playerID {
			report.Outcome = model.OutcomeWin
		} else {
			report.Outcome = model.OutcomeLoss
		}
	}
	return report
}

// Leave tears down the caller's session; the rival is notified and
// returned to idle, free to search again. Returns the rival's ID.
func (s *DuelService) Leave(ctx context.Context, playerID int64) (int64, error) {
	player, err := s.players.GetByID(ctx, playerID)
	if err != nil {
		return 0, err
	}
	if player.RivalID == nil {
		return 0, repository.ErrNotMatched
	}
	rivalID := *player.RivalID

	s.locks.LockPair(playerID, rivalID)
	defer s.locks.UnlockPair(playerID, rivalID)

	unpaired, err := s.players.Unpair(ctx, playerID)
	if err != nil {
		return 0, err
	}
	if unpaired == nil {
		// The session ended while we waited for the lock.
		return 0, repository.ErrNotMatched
	}

	s.notifier.SessionEnded(*unpaired, model.EndReasonRivalLeft)
	log.Info().
		Int64("player_id", playerID).
		Int64("rival_id", *unpaired).
		Msg("Session torn down: player left")
	return *unpaired, nil
}

// ReapIdleSessions tears down pairs with no roll activity for the idle
// timeout, notifying both sides. Returns the number of sessions reaped.
func (s *DuelService) ReapIdleSessions(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.idleTimeout)
	pairs, err := s.players.FindIdlePairs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list idle sessions: %w", err)
	}

	reaped := 0
	for _, pair := range pairs {
		err := s.locks.WithPairLock(pair.PlayerID, pair.RivalID, func() error {
			unpaired, err := s.players.Unpair(ctx, pair.PlayerID)
			if err != nil {
				return err
			}
			if unpaired == nil {
				// Already torn down by another path.
				return nil
			}
			s.notifier.SessionEnded(pair.PlayerID, model.EndReasonTimeout)
			s.notifier.SessionEnded(pair.RivalID, model.EndReasonTimeout)
			reaped++
			return nil
		})
		if err != nil {
			log.Error().Err(err).
				Int64("player_id", pair.PlayerID).
				Int64("rival_id", pair.RivalID).
				Msg("Failed to reap idle session")
		}
	}

	if reaped > 0 {
		log.Info().Int("count", reaped).Msg("Idle sessions reaped")
	}
	return reaped, nil
}

// recoverPairingConflict handles the structurally-impossible case of an
// asymmetric pairing surfacing from storage: both implicated sessions are
// force-unpaired and the caller gets ErrPairingConflict.
func (s *DuelService) recoverPairingConflict(ctx context.Context, playerID, rivalID int64) error {
	log.Error().
		Int64("player_id", playerID).
		Int64("rival_id", rivalID).
		Msg("Pairing conflict detected; force-unpairing both sessions")

	if err := s.players.ClearRound(ctx, playerID, rivalID); err != nil {
		log.Error().Err(err).Msg("Failed to clear rolls during conflict recovery")
	}
	for _, id := range []int64{playerID, rivalID} {
		if _, err := s.players.Unpair(ctx, id); err != nil && !errors.Is(err, repository.ErrPlayerNotFound) {
			log.Error().Err(err).Int64("player_id", id).Msg("Failed to force-unpair during conflict recovery")
		}
	}
	return repository.ErrPairingConflict
}
