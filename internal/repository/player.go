// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dice-duel-bot/internal/model"
)

// Common errors for repository operations.
var (
	ErrPlayerNotFound    = errors.New("player not found")
	ErrInvalidTransition = errors.New("operation not valid in current state")
	ErrNotMatched        = errors.New("player has no rival")
	ErrAlreadyRolled     = errors.New("roll already recorded this round")
	ErrRoundIncomplete   = errors.New("both rolls are not recorded yet")
	ErrPairingConflict   = errors.New("pairing is not symmetric")
)

const playerColumns = `player_id, username, balance, wins, losses, ties, status,
		rival_id, pending_roll, searching_since, last_action_at, created_at, updated_at`

// PlayerRepository is the player state store: one row per player holding
// balance, tallies, matchmaking status, rival and pending roll. The two
// operations that touch two rows at once (TryPair, Unpair, ResolveRound)
// run inside a single transaction with row-level locks so pairing can
// never be observed half-applied.
type PlayerRepository struct {
	pool *pgxpool.Pool
}

// NewPlayerRepository creates a new PlayerRepository instance.
func NewPlayerRepository(pool *pgxpool.Pool) *PlayerRepository {
	return &PlayerRepository{pool: pool}
}

// scanPlayer scans a player row from any pgx row source.
func scanPlayer(row pgx.Row) (*model.Player, error) {
	var p model.Player
	err := row.Scan(
		&p.PlayerID,
		&p.Username,
		&p.Balance,
		&p.Wins,
		&p.Losses,
		&p.Ties,
		&p.Status,
		&p.RivalID,
		&p.PendingRoll,
		&p.SearchingSince,
		&p.LastActionAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateIfAbsent inserts a new idle player if none exists, otherwise
// returns the existing row untouched. The second return value reports
// whether a row was created.
func (r *PlayerRepository) CreateIfAbsent(ctx context.Context, playerID int64, username string, initialBalance int64) (*model.Player, bool, error) {
	const query = `
		INSERT INTO players (player_id, username, balance, status, last_action_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'idle', NOW(), NOW(), NOW())
		ON CONFLICT (player_id) DO NOTHING
		RETURNING ` + playerColumns

	player, err := scanPlayer(r.pool.QueryRow(ctx, query, playerID, username, initialBalance))
	if err == nil {
		return player, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create player: %w", err)
	}

	// Conflict: the player already exists.
	player, err = r.GetByID(ctx, playerID)
	if err != nil {
		return nil, false, err
	}
	return player, false, nil
}

// GetByID retrieves a player by their Telegram ID.
// Returns ErrPlayerNotFound if the player does not exist.
func (r *PlayerRepository) GetByID(ctx context.Context, playerID int64) (*model.Player, error) {
	const query = `SELECT ` + playerColumns + ` FROM players WHERE player_id = $1`

	player, err := scanPlayer(r.pool.QueryRow(ctx, query, playerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlayerNotFound
		}
		return nil, fmt.Errorf("failed to get player: %w", err)
	}
	return player, nil
}

// UpdateUsername updates a player's username.
func (r *PlayerRepository) UpdateUsername(ctx context.Context, playerID int64, username string) error {
	const query = `UPDATE players SET username = $2, updated_at = NOW() WHERE player_id = $1`

	result, err := r.pool.Exec(ctx, query, playerID, username)
	if err != nil {
		return fmt.Errorf("failed to update username: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrPlayerNotFound
	}
	return nil
}

// SetSearching transitions a player from idle to searching and stamps the
// registration time used for FIFO candidate selection. Returns
// ErrInvalidTransition if the player is already searching or paired.
func (r *PlayerRepository) SetSearching(ctx context.Context, playerID int64) error {
	const query = `
		UPDATE players
		SET status = 'searching', searching_since = NOW(), last_action_at = NOW(), updated_at = NOW()
		WHERE player_id = $1 AND status = 'idle'
	`

	result, err := r.pool.Exec(ctx, query, playerID)
	if err != nil {
		return fmt.Errorf("failed to set searching: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, playerID); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

// CancelSearch reverts a searching player to idle. Returns whether a
// search was actually cancelled. The WHERE clause waits on the row lock
// held by any in-flight TryPair and re-checks the status afterwards, so
// cancellation cannot race a pairing into an inconsistent state.
func (r *PlayerRepository) CancelSearch(ctx context.Context, playerID int64) (bool, error) {
	const query = `
		UPDATE players
		SET status = 'idle', searching_since = NULL, updated_at = NOW()
		WHERE player_id = $1 AND status = 'searching'
	`

	result, err := r.pool.Exec(ctx, query, playerID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel search: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// PairAttempt is the outcome of one TryPair call.
type PairAttempt int

const (
	// PairNone means no searching candidate exists; the caller keeps polling.
	PairNone PairAttempt = iota
	// PairFound means this call created the pairing.
	PairFound
	// PairExternal means another caller paired this player first.
	PairExternal
	// PairCancelled means the player is no longer searching.
	PairCancelled
)

// TryPair atomically finds the longest-waiting other searching player and
// transitions both sides searching -> matched with mutual rival pointers,
// all inside one transaction. The player's own row is locked first; the
// candidate is selected FOR UPDATE SKIP LOCKED ordered by searching_since
// so two concurrent callers can never claim the same third player, and
// selection stays FIFO-fair.
func (r *PlayerRepository) TryPair(ctx context.Context, playerID int64) (PairAttempt, int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return PairNone, 0, fmt.Errorf("failed to begin pairing transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status model.PlayerStatus
	var rivalID *int64
	err = tx.QueryRow(ctx,
		`SELECT status, rival_id FROM players WHERE player_id = $1 FOR UPDATE`,
		playerID,
	).Scan(&status, &rivalID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PairNone, 0, ErrPlayerNotFound
		}
		return PairNone, 0, fmt.Errorf("failed to lock player row: %w", err)
	}

	switch {
	case status.InSession() && rivalID != nil:
		// Someone else's TryPair claimed this player between polls.
		return PairExternal, *rivalID, nil
	case status != model.StatusSearching:
		return PairCancelled, 0, nil
	}

	var candidateID int64
	err = tx.QueryRow(ctx, `
		SELECT player_id FROM players
		WHERE status = 'searching' AND player_id <> $1
		ORDER BY searching_since ASC, player_id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, playerID).Scan(&candidateID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PairNone, 0, nil
		}
		return PairNone, 0, fmt.Errorf("failed to select candidate: %w", err)
	}

	const pairQuery = `
		UPDATE players
		SET status = 'matched', rival_id = $2, pending_roll = NULL,
		    searching_since = NULL, last_action_at = NOW(), updated_at = NOW()
		WHERE player_id = $1
	`
	if _, err := tx.Exec(ctx, pairQuery, playerID, candidateID); err != nil {
		return PairNone, 0, fmt.Errorf("failed to pair player: %w", err)
	}
	if _, err := tx.Exec(ctx, pairQuery, candidateID, playerID); err != nil {
		return PairNone, 0, fmt.Errorf("failed to pair candidate: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return PairNone, 0, fmt.Errorf("failed to commit pairing: %w", err)
	}
	return PairFound, candidateID, nil
}

// RecordRoll sets the pending roll for a paired player and marks them
// round_pending. Returns the rival's ID. Fails with ErrNotMatched if the
// player has no rival and ErrAlreadyRolled if a roll is already recorded.
func (r *PlayerRepository) RecordRoll(ctx context.Context, playerID int64, value int) (int64, error) {
	const query = `
		UPDATE players
		SET pending_roll = $2, status = 'round_pending', last_action_at = NOW(), updated_at = NOW()
		WHERE player_id = $1 AND rival_id IS NOT NULL AND pending_roll IS NULL
		RETURNING rival_id
	`

	var rivalID int64
	err := r.pool.QueryRow(ctx, query, playerID, value).Scan(&rivalID)
	if err == nil {
		return rivalID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to record roll: %w", err)
	}

	// Guard did not match; diagnose which rule failed.
	player, err := r.GetByID(ctx, playerID)
	if err != nil {
		return 0, err
	}
	if player.RivalID == nil {
		return 0, ErrNotMatched
	}
	if player.HasRolled() {
		return 0, ErrAlreadyRolled
	}
	return 0, ErrInvalidTransition
}

// ClearRound clears both sides' pending rolls and returns them to
// matched, ready for the next round.
func (r *PlayerRepository) ClearRound(ctx context.Context, playerID, rivalID int64) error {
	const query = `
		UPDATE players
		SET pending_roll = NULL, status = 'matched', updated_at = NOW()
		WHERE player_id = ANY($1) AND status IN ('matched', 'round_pending')
	`

	if _, err := r.pool.Exec(ctx, query, []int64{playerID, rivalID}); err != nil {
		return fmt.Errorf("failed to clear round: %w", err)
	}
	return nil
}

// RoundResolution is the result of one resolved round.
type RoundResolution struct {
	RoundID     string
	Tie         bool
	WinnerID    int64 // zero when Tie
	LoserID     int64 // zero when Tie
	Totals      map[int64]int
	Balances    map[int64]int64 // balances after resolution
}

// ResolveRound compares the two pending rolls of a pair and applies the
// outcome as one atomic unit: balance transfer, tally increments, ledger
// entries and clearing both rolls all commit together or not at all.
// Both rows are locked in ascending ID order.
func (r *PlayerRepository) ResolveRound(ctx context.Context, playerID, rivalID int64) (*RoundResolution, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin resolution transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT player_id, rival_id, pending_roll, balance
		FROM players
		WHERE player_id = ANY($1)
		ORDER BY player_id ASC
		FOR UPDATE
	`, []int64{playerID, rivalID})
	if err != nil {
		return nil, fmt.Errorf("failed to lock pair: %w", err)
	}

	type side struct {
		id      int64
		rival   *int64
		pending *int
		balance int64
	}
	sides := make(map[int64]*side, 2)
	for rows.Next() {
		var s side
		if err := rows.Scan(&s.id, &s.rival, &s.pending, &s.balance); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan pair: %w", err)
		}
		sides[s.id] = &s
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pair: %w", err)
	}

	self, rival := sides[playerID], sides[rivalID]
	if self == nil || rival == nil {
		return nil, ErrPlayerNotFound
	}
	if self.rival == nil || rival.rival == nil || *self.rival != rivalID || *rival.rival != playerID {
		return nil, ErrPairingConflict
	}
	if self.pending == nil || rival.pending == nil {
		return nil, ErrRoundIncomplete
	}

	res := &RoundResolution{
		RoundID: uuid.NewString(),
		Totals:  map[int64]int{playerID: *self.pending, rivalID: *rival.pending},
	}

	const settleQuery = `
		UPDATE players
		SET balance = balance + $2, wins = wins + $3, losses = losses + $4, ties = ties + $5,
		    pending_roll = NULL, status = 'matched', last_action_at = NOW(), updated_at = NOW()
		WHERE player_id = $1
		RETURNING balance
	`

	apply := func(s *side, delta, win, loss, tie int64) error {
		var balance int64
		if err := tx.QueryRow(ctx, settleQuery, s.id, delta, win, loss, tie).Scan(&balance); err != nil {
			return fmt.Errorf("failed to settle player %d: %w", s.id, err)
		}
		if res.Balances == nil {
			res.Balances = make(map[int64]int64, 2)
		}
		res.Balances[s.id] = balance
		return nil
	}

	switch {
	case *self.pending > *rival.pending:
		res.WinnerID, res.LoserID = playerID, rivalID
	case *self.pending < *rival.pending:
		res.WinnerID, res.LoserID = rivalID, playerID
	default:
		res.Tie = true
	}

	if res.Tie {
		if err := apply(self, 0, 0, 0, 1); err != nil {
			return nil, err
		}
		if err := apply(rival, 0, 0, 0, 1); err != nil {
			return nil, err
		}
	} else {
		winner, loser := sides[res.WinnerID], sides[res.LoserID]
		if err := apply(winner, 1, 1, 0, 0); err != nil {
			return nil, err
		}
		if err := apply(loser, -1, 0, 1, 0); err != nil {
			return nil, err
		}
	}

	if err := insertRoundEntries(ctx, tx, res); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit resolution: %w", err)
	}
	return res, nil
}

// insertRoundEntries writes the audit trail for a resolved round inside
// the resolution transaction.
func insertRoundEntries(ctx context.Context, tx pgx.Tx, res *RoundResolution) error {
	const query = `
		INSERT INTO ledger_entries (round_id, player_id, amount, type, description, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`

	if res.Tie {
		for id, total := range res.Totals {
			desc := fmt.Sprintf("tied round at %d", total)
			if _, err := tx.Exec(ctx, query, res.RoundID, id, int64(0), model.EntryTypeRoundTie, desc); err != nil {
				return fmt.Errorf("failed to insert tie entry: %w", err)
			}
		}
		return nil
	}

	winDesc := fmt.Sprintf("won round %d vs %d", res.Totals[res.WinnerID], res.Totals[res.LoserID])
	if _, err := tx.Exec(ctx, query, res.RoundID, res.WinnerID, int64(1), model.EntryTypeRoundWin, winDesc); err != nil {
		return fmt.Errorf("failed to insert win entry: %w", err)
	}
	lossDesc := fmt.Sprintf("lost round %d vs %d", res.Totals[res.LoserID], res.Totals[res.WinnerID])
	if _, err := tx.Exec(ctx, query, res.RoundID, res.LoserID, int64(-1), model.EntryTypeRoundLoss, lossDesc); err != nil {
		return fmt.Errorf("failed to insert loss entry: %w", err)
	}
	return nil
}

// Unpair atomically returns a player and their rival to idle, clearing
// rival pointers and pending rolls on both sides. Balance and tallies are
// preserved. Returns the rival that was unpaired, if any.
func (r *PlayerRepository) Unpair(ctx context.Context, playerID int64) (*int64, error) {
	player, err := r.GetByID(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if player.RivalID == nil {
		// Nothing paired; a lone searching player is reset too.
		if _, err := r.CancelSearch(ctx, playerID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	rivalID := *player.RivalID

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin unpair transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock both rows in ascending ID order, then re-verify the rivalry:
	// it may have been torn down between the read above and the lock.
	rows, err := tx.Query(ctx, `
		SELECT player_id, rival_id FROM players
		WHERE player_id = ANY($1)
		ORDER BY player_id ASC
		FOR UPDATE
	`, []int64{playerID, rivalID})
	if err != nil {
		return nil, fmt.Errorf("failed to lock pair: %w", err)
	}
	rivals := make(map[int64]*int64, 2)
	for rows.Next() {
		var id int64
		var rid *int64
		if err := rows.Scan(&id, &rid); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan pair: %w", err)
		}
		rivals[id] = rid
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pair: %w", err)
	}

	const resetQuery = `
		UPDATE players
		SET status = 'idle', rival_id = NULL, pending_roll = NULL,
		    searching_since = NULL, updated_at = NOW()
		WHERE player_id = $1
	`

	stillMutual := rivals[playerID] != nil && *rivals[playerID] == rivalID &&
		rivals[rivalID] != nil && *rivals[rivalID] == playerID

	if _, err := tx.Exec(ctx, resetQuery, playerID); err != nil {
		return nil, fmt.Errorf("failed to unpair player: %w", err)
	}
	if stillMutual {
		if _, err := tx.Exec(ctx, resetQuery, rivalID); err != nil {
			return nil, fmt.Errorf("failed to unpair rival: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit unpair: %w", err)
	}

	if !stillMutual {
		return nil, nil
	}
	return &rivalID, nil
}

// IdlePair identifies a paired session by its two player IDs.
type IdlePair struct {
	PlayerID int64
	RivalID  int64
}

// FindIdlePairs returns paired sessions where neither side has acted
// since the cutoff. Each pair is reported once (lower ID first).
func (r *PlayerRepository) FindIdlePairs(ctx context.Context, cutoff time.Time) ([]IdlePair, error) {
	const query = `
		SELECT a.player_id, a.rival_id
		FROM players a
		JOIN players b ON a.rival_id = b.player_id
		WHERE a.status IN ('matched', 'round_pending')
		  AND b.rival_id = a.player_id
		  AND a.player_id < a.rival_id
		  AND a.last_action_at < $1
		  AND b.last_action_at < $1
	`

	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to find idle pairs: %w", err)
	}
	defer rows.Close()

	var pairs []IdlePair
	for rows.Next() {
		var p IdlePair
		if err := rows.Scan(&p.PlayerID, &p.RivalID); err != nil {
			return nil, fmt.Errorf("failed to scan idle pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating idle pairs: %w", err)
	}
	return pairs, nil
}

// GetTopPlayers retrieves the top N players by balance.
func (r *PlayerRepository) GetTopPlayers(ctx context.Context, limit int) ([]*model.Player, error) {
	const query = `SELECT ` + playerColumns + ` FROM players ORDER BY balance DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get top players: %w", err)
	}
	defer rows.Close()

	var players []*model.Player
	for rows.Next() {
		player, err := scanPlayer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan player: %w", err)
		}
		players = append(players, player)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating players: %w", err)
	}
	return players, nil
}
