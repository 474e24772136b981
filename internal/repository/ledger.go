package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dice-duel-bot/internal/model"
)

// Ledger errors.
var (
	ErrInsufficientBalance = errors.New("debit would take balance below zero")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// LedgerRepository handles balance credits/debits from the outside world
// (the deposit collaborator) and the ledger_entries audit trail. Round
// settlements write their entries inside the resolution transaction in
// PlayerRepository; everything else goes through here.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a new LedgerRepository instance.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// Credit adds points to a player's balance and records a ledger entry in
// the same transaction. Returns the updated player.
func (r *LedgerRepository) Credit(ctx context.Context, playerID, amount int64, description string) (*model.Player, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return r.adjust(ctx, playerID, amount, model.EntryTypeCredit, description)
}

// Debit removes points from a player's balance, refusing any debit that
// would take the balance below zero. The balance check and the update are
// a single guarded statement, not a read followed by a write.
func (r *LedgerRepository) Debit(ctx context.Context, playerID, amount int64, description string) (*model.Player, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return r.adjust(ctx, playerID, -amount, model.EntryTypeDebit, description)
}

func (r *LedgerRepository) adjust(ctx context.Context, playerID, delta int64, entryType, description string) (*model.Player, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	const query = `
		UPDATE players
		SET balance = balance + $2, updated_at = NOW()
		WHERE player_id = $1 AND balance + $2 >= 0
		RETURNING ` + playerColumns

	player, err := scanPlayer(tx.QueryRow(ctx, query, playerID, delta))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, gerr := r.playerExists(ctx, playerID); gerr != nil {
				return nil, gerr
			}
			return nil, ErrInsufficientBalance
		}
		return nil, fmt.Errorf("failed to adjust balance: %w", err)
	}

	const entryQuery = `
		INSERT INTO ledger_entries (round_id, player_id, amount, type, description, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`
	if _, err := tx.Exec(ctx, entryQuery, uuid.NewString(), playerID, delta, entryType, description); err != nil {
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit ledger transaction: %w", err)
	}
	return player, nil
}

func (r *LedgerRepository) playerExists(ctx context.Context, playerID int64) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM players WHERE player_id = $1)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, playerID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check player existence: %w", err)
	}
	if !exists {
		return false, ErrPlayerNotFound
	}
	return true, nil
}

// GetByPlayerID retrieves a player's ledger entries, newest first.
func (r *LedgerRepository) GetByPlayerID(ctx context.Context, playerID int64, limit int) ([]*model.LedgerEntry, error) {
	const query = `
		SELECT id, round_id, player_id, amount, type, description, created_at
		FROM ledger_entries
		WHERE player_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		err := rows.Scan(&e.ID, &e.RoundID, &e.PlayerID, &e.Amount, &e.Type, &e.Description, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}
	return entries, nil
}

// GetByRoundID retrieves the entries of a single round.
func (r *LedgerRepository) GetByRoundID(ctx context.Context, roundID string) ([]*model.LedgerEntry, error) {
	const query = `
		SELECT id, round_id, player_id, amount, type, description, created_at
		FROM ledger_entries
		WHERE round_id = $1
		ORDER BY id ASC
	`

	rows, err := r.pool.Query(ctx, query, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to get round entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		err := rows.Scan(&e.ID, &e.RoundID, &e.PlayerID, &e.Amount, &e.Type, &e.Description, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating round entries: %w", err)
	}
	return entries, nil
}
