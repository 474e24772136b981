package service

import (
	"context"
	"fmt"

	"dice-duel-bot/internal/model"
	"dice-duel-bot/internal/pkg/lock"
	"dice-duel-bot/internal/repository"
)

// AccountService handles player account operations: idempotent creation,
// balance queries and the credit/debit surface the deposit collaborator
// calls into.
type AccountService struct {
	players        *repository.PlayerRepository
	ledger         *repository.LedgerRepository
	locks          *lock.PlayerLock
	initialBalance int64
}

// NewAccountService creates a new AccountService instance.
func NewAccountService(players *repository.PlayerRepository, ledger *repository.LedgerRepository, locks *lock.PlayerLock, initialBalance int64) *AccountService {
	return &AccountService{
		players:        players,
		ledger:         ledger,
		locks:          locks,
		initialBalance: initialBalance,
	}
}

// EnsurePlayer ensures a player record exists, creating an idle one with
// the initial balance if necessary. Calling it again for the same player
// changes nothing but a stale username. Returns the player and whether
// the record was newly created.
func (s *AccountService) EnsurePlayer(ctx context.Context, playerID int64, username string) (*model.Player, bool, error) {
	player, created, err := s.players.CreateIfAbsent(ctx, playerID, username, s.initialBalance)
	if err != nil {
		return nil, false, fmt.Errorf("failed to ensure player: %w", err)
	}

	if !created && username != "" && player.Username != username {
		if err := s.players.UpdateUsername(ctx, playerID, username); err == nil {
			player.Username = username
		}
	}

	return player, created, nil
}

// GetPlayer retrieves a player by their Telegram ID.
func (s *AccountService) GetPlayer(ctx context.Context, playerID int64) (*model.Player, error) {
	return s.players.GetByID(ctx, playerID)
}

// CreditBalance credits points from an external deposit.
func (s *AccountService) CreditBalance(ctx context.Context, playerID, amount int64, description string) (*model.Player, error) {
	s.locks.Lock(playerID)
	defer s.locks.Unlock(playerID)
	return s.ledger.Credit(ctx, playerID, amount, description)
}

// DebitBalance debits points for an external withdrawal. Debits that
// would take the balance below zero fail with ErrInsufficientBalance.
func (s *AccountService) DebitBalance(ctx context.Context, playerID, amount int64, description string) (*model.Player, error) {
	s.locks.Lock(playerID)
	defer s.locks.Unlock(playerID)
	return s.ledger.Debit(ctx, playerID, amount, description)
}

// GetTopPlayers retrieves the top players by balance.
func (s *AccountService) GetTopPlayers(ctx context.Context, limit int) ([]*model.Player, error) {
	return s.players.GetTopPlayers(ctx, limit)
}

// GetLedger retrieves a player's recent ledger entries.
func (s *AccountService) GetLedger(ctx context.Context, playerID int64, limit int) ([]*model.LedgerEntry, error) {
	return s.ledger.GetByPlayerID(ctx, playerID, limit)
}
