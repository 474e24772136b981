// Integration tests use testcontainers-go to spin up a PostgreSQL
// container; they skip when Docker is unavailable.
package repository

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"dice-duel-bot/internal/model"
)

// checkDockerAvailable checks if Docker is available and running
func checkDockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	err := cmd.Run()
	return err == nil
}

// setupTestDB creates a PostgreSQL container and returns a connection pool
// Skips the test if Docker is not available
func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	err = runMigrations(ctx, pool)
	require.NoError(t, err)

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}

	return pool, cleanup
}

// runMigrations applies the database schema
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS players (
			player_id BIGINT PRIMARY KEY,
			username VARCHAR(255) NOT NULL,
			balance BIGINT NOT NULL DEFAULT 100,
			wins BIGINT NOT NULL DEFAULT 0,
			losses BIGINT NOT NULL DEFAULT 0,
			ties BIGINT NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL DEFAULT 'idle',
			rival_id BIGINT,
			pending_roll INT,
			searching_since TIMESTAMPTZ,
			last_action_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT players_balance_non_negative CHECK (balance >= 0),
			CONSTRAINT players_pending_roll_range CHECK (pending_roll IS NULL OR (pending_roll BETWEEN 2 AND 12)),
			CONSTRAINT players_no_self_rival CHECK (rival_id IS NULL OR rival_id <> player_id)
		);
		CREATE INDEX IF NOT EXISTS idx_players_searching ON players(searching_since) WHERE status = 'searching';
	`)
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			round_id UUID NOT NULL,
			player_id BIGINT NOT NULL REFERENCES players(player_id) ON DELETE CASCADE,
			amount BIGINT NOT NULL,
			type VARCHAR(50) NOT NULL,
			description TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_round ON ledger_entries(round_id)
	`)
	return err
}

// createPlayer registers an idle player with the default starting balance.
func createPlayer(t *testing.T, repo *PlayerRepository, playerID int64, username string) *model.Player {
	t.Helper()
	player, created, err := repo.CreateIfAbsent(context.Background(), playerID, username, 100)
	require.NoError(t, err)
	require.True(t, created)
	return player
}

// pairPlayers puts both players into a confirmed pairing.
func pairPlayers(t *testing.T, repo *PlayerRepository, a, b int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.SetSearching(ctx, a))
	require.NoError(t, repo.SetSearching(ctx, b))
	attempt, rivalID, err := repo.TryPair(ctx, a)
	require.NoError(t, err)
	require.Equal(t, PairFound, attempt)
	require.Equal(t, b, rivalID)
}

// ============================================================================
// PlayerRepository Tests
// ============================================================================

func TestPlayerRepository_CreateIfAbsent(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPlayerRepository(pool)
	ctx := context.Background()

	player, created, err := repo.CreateIfAbsent(ctx, 12345, "alice", 100)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(12345), player.PlayerID)
	assert.Equal(t, "alice", player.Username)
	assert.Equal(t, int64(100), player.Balance)
	assert.Equal(t, model.StatusIdle, player.Status)
	assert.Nil(t, player.RivalID)
	assert.False(t, player.CreatedAt.IsZero())

	// A second call must not reset the existing row.
	_, err = pool.Exec(ctx, `UPDATE players SET balance = 42 WHERE player_id = 12345`)
	require.NoError(t, err)

	player, created, err = repo.CreateIfAbsent(ctx, 12345, "alice", 100)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(42), player.Balance)
}

func TestPlayerRepository_GetByID(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPlayerRepository(pool)
	ctx := context.Background()

	createPlayer(t, repo, 12345, "alice")

	player, err := repo.GetByID(ctx, 12345)
	require.NoError(t, err)
	assert.Equal(t, "alice", player.Username)

	_, err = repo.GetByID(ctx, 99999)
	assert.ErrorIs(t, err, ErrPlayerNotFound)
}

func TestPlayerRepository_SetSearching(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPlayerRepository(pool)
	ctx := context.Background()

	createPlayer(t, repo, 1, "alice")

	require.NoError(t, repo.SetSearching(ctx, 1))
	player, err := repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSearching, player.Status)
	assert.NotNil(t, player.SearchingSince)

	// Already searching: the transition is rejected.
	assert.ErrorIs(t, repo.SetSearching(ctx, 1), ErrInvalidTransition)

	// Unknown player.
	assert.ErrorIs(t, repo.SetSearching(ctx, 99999), ErrPlayerNotFound)
}

func TestPlayerRepository_CancelSearch(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPlayerRepository(pool)
	ctx := context.Background()

	createPlayer(t, repo, 1, "alice")
	require.NoError(t, repo.SetSearching(ctx, 1))

	cancelled, err := repo.CancelSearch(ctx, 1)
	require.NoError(t, err)
	assert.True(t, cancelled)

	player, err := repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusIdle, player.Status)
	assert.Nil(t, player.SearchingSince)

	// Not searching anymore: reports false, no error.
	cancelled, err = repo.CancelSearch(ctx, 1)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestPlayerRepository_TryPair(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPlayerRepository(pool)
	ctx := context.Background()

	createPlayer(t, repo, 1, "alice")
	createPlayer(t, repo, 2, "bob")

	// Alone in the queue: nobody to pair with.
	require.NoError(t, repo.SetSearching(ctx, 1))
	attempt, _, err := repo.TryPair(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, PairNone, attempt)

	// A second searcher appears; pairing succeeds with mutual pointers.
	require.NoError(t, repo.SetSearching(ctx, 2))
	attempt, rivalID, err := repo.TryPair(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, PairFound, attempt)
	assert.Equal(t, int64(2), rivalID)

	alice, err := repo.GetByID(ctx, 1)
	require.NoError(t, err)
	bob, err := repo.GetByID(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, alice.RivalID)
	require.NotNil(t, bob.RivalID)
	assert.Equal(t, int64(2), *alice.RivalID)
	assert.Equal(t, int64(1), *bob.RivalID)
	assert.Equal(t, model.StatusMatched, alice.Status)
	assert.Equal(t, model.StatusMatched, bob.Status)
	assert.Nil(t, alice.SearchingSince)
	assert.Nil(t, bob.SearchingSince)
}

func TestPlayerRepository_TryPairFIFO(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPlayerRepository(pool)
	ctx := context.Background()

	for id := int64(1); id <= 4; id++ {
		createPlayer(t, repo, id, "player")
	}

	// Players 2, 3, 4 registered in that order; 1 joins last.
	base := time.Now().Add(-time.Hour)
	for i, id := range []int64{2, 3, 4} {
		_, err := pool.Exec(ctx, `
			UPDATE players SET status = 'searching', searching_since = $2 WHERE player_id = $1
		`, id, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}
	require.NoError(t, repo.SetSearching(ctx, 1))

	// The longest-waiting candidate wins.
	attempt, rivalID, err := repo.TryPair(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, PairFound, attempt)
	assert.Equal(t, int64(2), rivalID)
}

func TestPlayerRepository_TryPairExternalAndCancelled(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPlayerRepository(pool)
	ctx := context.Background()

	createPlayer(t, repo, 1, "alice")
	createPlayer(t, repo, 2, "bob")
	pairPlayers(t, repo, 1, 2)

	// Already paired: the caller learns someone else completed the pairing.
	attempt, rivalID, err := repo.TryPair(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, PairExternal, attempt)
	assert.Equal(t, int64(2), rivalID)

	// Idle player: the search was cancelled out from under the loop.
	createPlayer(t, repo, 3, "carol")
	attempt, _, err = repo.TryPair(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, PairCancelled, attempt)

	// Unknown player.
	_, _, err = repo.TryPair(ctx, 99999)
	assert.ErrorIs(t, err, ErrPlayerNotFound)
}

func TestPlayerRepository_ConcurrentPairing(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPlayerRepository(pool)
	ctx := context.Background()

	const n = 6
	for id := int64(1); id <= n; id++ {
		createPlayer(t, repo, id, "player")
		require.NoError(t, repo.SetSearching(ctx, id))
	}

	// All players pair concurrently, retrying while no candidate was
	// claimable. With an even count everyone must end up paired.
	var wg sync.WaitGroup
	for id := int64(1); id <= n; id++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for {
				attempt, _, err := repo.TryPair(ctx, id)
				if err != nil {
					t.Errorf("TryPair(%d): %v", id, err)
					return
				}
				if attempt != PairNone {
					return
				}
				time.Sleep(time.Millisecond)
			}
		}(id)
	}
	wg.Wait()

	// Every player has a rival pointing back; no one is double-paired.
	rivals := make(map[int64]int64, n)
	for id := int64(1); id <= n; id++ {
		player, err := repo.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusMatched, player.Status)
		require.NotNil(t, player.RivalID, "player %d has no rival", id)
		rivals[id] = *player.RivalID
	}
	for id, rival := range rivals {
		assert.Equal(t, id, rivals[rival], "pairing between %d and %d is not mutual", id, rival)
	}
}

func TestPlayerRepository_RecordRoll(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPlayerRepository(pool)
	ctx := context.Background()

	createPlayer(t, repo, 1, "alice")
	createPlayer(t, repo, 2, "bob")

	// Not paired: rolling is rejected.
	_, err := repo.RecordRoll(ctx, 1, 7)
	assert.ErrorIs(t, err, ErrNotMatched)

	pairPlayers(t, repo, 1, 2)

	rivalID, err := repo.RecordRoll(ctx, 1, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rivalID)

	player, err := repo.GetByID(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, player.PendingRoll)
	assert.Equal(t, 7, *player.PendingRoll)
	assert.Equal(t, model.StatusRoundPending, player.Status)

	// Second roll in the same round is rejected.
	_, err = repo.RecordRoll(ctx, 1, 9)
	assert.ErrorIs(t, err, ErrAlreadyRolled)

	// Unknown player.
	_, err = repo.RecordRoll(ctx, 99999, 7)
	assert.ErrorIs(t, err, ErrPlayerNotFound)
}

func TestPlayerRepository_ResolveRound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPlayerRepository(pool)
	ledger := NewLedgerRepository(pool)
	ctx := context.Background()

	createPlayer(t, repo, 1, "alice")
	createPlayer(t, repo, 2, "bob")
	pairPlayers(t, repo, 1, 2)

	_, err := repo.RecordRoll(ctx, 1, 7)
	require.NoError(t, err)

	// Only one roll recorded: resolution must refuse.
	_, err = repo.ResolveRound(ctx, 1, 2)
	assert.ErrorIs(t, err, ErrRoundIncomplete)

	_, err = repo.RecordRoll(ctx, 2, 5)
	require.NoError(t, err)

	res, err := repo.ResolveRound(ctx, 1, 2)
	require.NoError(t, err)
	assert.False(t, res.Tie)
	assert.Equal(t, int64(1), res.WinnerID)
	assert.Equal(t, int64(2), res.LoserID)
	assert.Equal(t, 7, res.Totals[1])
	assert.Equal(t, 5, res.Totals[2])
	assert.Equal(t, int64(101), res.Balances[1])
	assert.Equal(t, int64(99), res.Balances[2])

	alice, err := repo.GetByID(ctx, 1)
	require.NoError(t, err)
	bob, err := repo.GetByID(ctx, 2)
	require.NoError(t, err)

	assert.Equal(t, int64(101), alice.Balance)
	assert.Equal(t, int64(99), bob.Balance)
	assert.Equal(t, int64(1), alice.Wins)
	assert.Equal(t, int64(1), bob.Losses)

	// Rolls are cleared and the pair stays matched for the next round.
	assert.Nil(t, alice.PendingRoll)
	assert.Nil(t, bob.PendingRoll)
	assert.Equal(t, model.StatusMatched, alice.Status)
	assert.Equal(t, model.StatusMatched, bob.Status)
	require.NotNil(t, alice.RivalID)
	assert.Equal(t, int64(2), *alice.RivalID)

	// The round's ledger entries committed with the transfer.
	entries, err := ledger.GetByRoundID(ctx, res.RoundID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	amounts := map[int64]int64{}
	for _, e := range entries {
		amounts[e.PlayerID] = e.Amount
	}
	assert.Equal(t, int64(1), amounts[1])
	assert.Equal(t, int64(-1), amounts[2])
}

func TestPlayerRepository_ResolveRoundTie(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPlayerRepository(pool)
	ledger := NewLedgerRepository(pool)
	ctx := context.Background()

	createPlayer(t, repo, 1, "alice")
	createPlayer(t, repo, 2, "bob")
	pairPlayers(t, repo, 1, 2)

	_, err := repo.RecordRoll(ctx, 1, 8)
	require.NoError(t, err)
	_, err = repo.RecordRoll(ctx, 2, 8)
	require.NoError(t, err)

	res, err := repo.ResolveRound(ctx, 1, 2)
	require.NoError(t, err)
	assert.True(t, res.Tie)

	alice, err := repo.GetByID(ctx, 1)
	require.NoError(t, err)
	bob, err := repo.GetByID(ctx, 2)
	require.NoError(t, err)

	assert.Equal(t, int64(100), alice.Balance)
	assert.Equal(t, int64(100), bob.Balance)
	assert.Equal(t, int64(1), alice.Ties)
	assert.Equal(t, int64(1), bob.Ties)
	assert.Zero(t, alice.Wins+alice.Losses+bob.Wins+bob.Losses)

	entries, err := ledger.GetByRoundID(ctx, res.RoundID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, model.EntryTypeRoundTie, e.Type)
		assert.Zero(t, e.Amount)
	}
}

func TestPlayerRepository_Unpair(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPlayerRepository(pool)
	ctx := context.Background()

	createPlayer(t, repo, 1, "alice")
	createPlayer(t, repo, 2, "bob")
	pairPlayers(t, repo, 1, 2)
	_, err := repo.RecordRoll(ctx, 1, 7)
	require.NoError(t, err)

	rivalID, err := repo.Unpair(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, rivalID)
	assert.Equal(t, int64(2), *rivalID)

	for _, id := range []int64{1, 2} {
		player, err := repo.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusIdle, player.Status)
		assert.Nil(t, player.RivalID)
		assert.Nil(t, player.PendingRoll)
		assert.Equal(t, int64(100), player.Balance, "teardown must not touch balances")
	}
}

func TestPlayerRepository_UnpairLoneSearcher(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPlayerRepository(pool)
	ctx := context.Background()

	createPlayer(t, repo, 1, "alice")
	require.NoError(t, repo.SetSearching(ctx, 1))

	rivalID, err := repo.Unpair(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, rivalID)

	player, err := repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusIdle, player.Status)
}

func TestPlayerRepository_FindIdlePairs(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPlayerRepository(pool)
	ctx := context.Background()

	createPlayer(t, repo, 1, "alice")
	createPlayer(t, repo, 2, "bob")
	createPlayer(t, repo, 3, "carol")
	createPlayer(t, repo, 4, "dave")
	pairPlayers(t, repo, 1, 2)
	pairPlayers(t, repo, 3, 4)

	// Pair (1,2) went stale; pair (3,4) is active.
	stale := time.Now().Add(-time.Hour)
	_, err := pool.Exec(ctx, `UPDATE players SET last_action_at = $1 WHERE player_id = ANY($2)`,
		stale, []int64{1, 2})
	require.NoError(t, err)

	pairs, err := repo.FindIdlePairs(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, int64(1), pairs[0].PlayerID)
	assert.Equal(t, int64(2), pairs[0].RivalID)

	// One fresh side keeps the pair alive.
	_, err = pool.Exec(ctx, `UPDATE players SET last_action_at = NOW() WHERE player_id = 2`)
	require.NoError(t, err)
	pairs, err = repo.FindIdlePairs(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestPlayerRepository_GetTopPlayers(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewPlayerRepository(pool)
	ctx := context.Background()

	createPlayer(t, repo, 1, "alice")
	createPlayer(t, repo, 2, "bob")
	createPlayer(t, repo, 3, "carol")

	_, err := pool.Exec(ctx, `UPDATE players SET balance = 300 WHERE player_id = 2`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `UPDATE players SET balance = 200 WHERE player_id = 3`)
	require.NoError(t, err)

	players, err := repo.GetTopPlayers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, players, 3)
	assert.Equal(t, int64(2), players[0].PlayerID)
	assert.Equal(t, int64(3), players[1].PlayerID)
	assert.Equal(t, int64(1), players[2].PlayerID)
}

// ============================================================================
// LedgerRepository Tests
// ============================================================================

func TestLedgerRepository_CreditDebit(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	playerRepo := NewPlayerRepository(pool)
	ledger := NewLedgerRepository(pool)
	ctx := context.Background()

	createPlayer(t, playerRepo, 1, "alice")

	player, err := ledger.Credit(ctx, 1, 50, "deposit")
	require.NoError(t, err)
	assert.Equal(t, int64(150), player.Balance)

	player, err = ledger.Debit(ctx, 1, 30, "withdrawal")
	require.NoError(t, err)
	assert.Equal(t, int64(120), player.Balance)

	entries, err := ledger.GetByPlayerID(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(-30), entries[0].Amount) // newest first
	assert.Equal(t, model.EntryTypeDebit, entries[0].Type)
	assert.Equal(t, int64(50), entries[1].Amount)
	assert.Equal(t, model.EntryTypeCredit, entries[1].Type)
}

func TestLedgerRepository_DebitBelowZero(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	playerRepo := NewPlayerRepository(pool)
	ledger := NewLedgerRepository(pool)
	ctx := context.Background()

	createPlayer(t, playerRepo, 1, "alice")

	_, err := ledger.Debit(ctx, 1, 101, "too much")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// A rejected debit leaves no trace.
	player, err := playerRepo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), player.Balance)
	entries, err := ledger.GetByPlayerID(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Debit to exactly zero is allowed.
	player, err = ledger.Debit(ctx, 1, 100, "all of it")
	require.NoError(t, err)
	assert.Equal(t, int64(0), player.Balance)
}

func TestLedgerRepository_Validation(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ledger := NewLedgerRepository(pool)
	ctx := context.Background()

	_, err := ledger.Credit(ctx, 1, 0, "nothing")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = ledger.Debit(ctx, 1, -5, "negative")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ledger.Credit(ctx, 99999, 10, "ghost")
	assert.ErrorIs(t, err, ErrPlayerNotFound)
}
