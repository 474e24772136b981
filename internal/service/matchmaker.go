package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"dice-duel-bot/internal/repository"
)

// Matchmaker errors.
var (
	ErrAlreadySearching = errors.New("a search is already running for this player")
)

// PairingStore is the slice of the player state store the matchmaker
// needs. *repository.PlayerRepository satisfies it; tests use an
// in-memory fake.
type PairingStore interface {
	SetSearching(ctx context.Context, playerID int64) error
	CancelSearch(ctx context.Context, playerID int64) (bool, error)
	TryPair(ctx context.Context, playerID int64) (repository.PairAttempt, int64, error)
}

// Matchmaker converts search requests into confirmed pairings. Each
// searching player gets one supervised goroutine that polls TryPair at a
// fixed interval until a rival is found or the search is cancelled.
type Matchmaker struct {
	store    PairingStore
	notifier Notifier

	interval    time.Duration
	maxFailures int

	mu       sync.Mutex
	searches map[int64]context.CancelFunc
	wg       sync.WaitGroup
}

// NewMatchmaker creates a Matchmaker polling at the given interval and
// giving up on a search after maxFailures consecutive storage errors.
func NewMatchmaker(store PairingStore, notifier Notifier, interval time.Duration, maxFailures int) *Matchmaker {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if maxFailures <= 0 {
		maxFailures = 5
	}
	return &Matchmaker{
		store:       store,
		notifier:    notifier,
		interval:    interval,
		maxFailures: maxFailures,
		searches:    make(map[int64]context.CancelFunc),
	}
}

// StartSearch transitions the player to searching and starts their retry
// loop. A second call while a loop is running returns ErrAlreadySearching.
func (m *Matchmaker) StartSearch(ctx context.Context, playerID int64) error {
	m.mu.Lock()
	if _, running := m.searches[playerID]; running {
		m.mu.Unlock()
		return ErrAlreadySearching
	}
	// Reserve the slot before touching storage so a concurrent second
	// call cannot start a duplicate loop.
	loopCtx, cancel := context.WithCancel(context.Background())
	m.searches[playerID] = cancel
	m.mu.Unlock()

	if err := m.store.SetSearching(ctx, playerID); err != nil {
		m.remove(playerID)
		return err
	}

	m.wg.Add(1)
	go m.runSearch(loopCtx, playerID)

	log.Info().Int64("player_id", playerID).Msg("Search started")
	return nil
}

// runSearch polls TryPair until paired, cancelled, or failed too often.
func (m *Matchmaker) runSearch(ctx context.Context, playerID int64) {
	defer m.wg.Done()
	defer m.remove(playerID)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.interval
	bo.MaxInterval = 30 * time.Second
	failures := 0

	for {
		attempt, rivalID, err := m.store.TryPair(ctx, playerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			log.Warn().Err(err).
				Int64("player_id", playerID).
				Int("failures", failures).
				Msg("Pairing attempt failed")
			if failures >= m.maxFailures {
				m.abortSearch(playerID)
				return
			}
			if !sleep(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}
		failures = 0
		bo.Reset()

		switch attempt {
		case repository.PairFound:
			log.Info().
				Int64("player_id", playerID).
				Int64("rival_id", rivalID).
				Msg("Rival found")
			// The rival's own loop (if any) will observe PairExternal and
			// exit; stop it now so it does not poll for another interval.
			m.stopLoop(rivalID)
			m.notifier.RivalFound(playerID, rivalID)
			m.notifier.RivalFound(rivalID, playerID)
			return
		case repository.PairExternal:
			// Another caller claimed this player and already notified both.
			return
		case repository.PairCancelled:
			// Search was cancelled out from under the loop.
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// abortSearch gives up after repeated storage failures: the player is
// reverted to idle on a best-effort basis and told the search failed.
func (m *Matchmaker) abortSearch(playerID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.store.CancelSearch(ctx, playerID); err != nil {
		log.Error().Err(err).Int64("player_id", playerID).Msg("Failed to revert aborted search")
	}
	m.notifier.MatchmakingFailed(playerID)
	log.Error().Int64("player_id", playerID).Msg("Search aborted after repeated storage failures")
}

// CancelSearch stops the player's retry loop and reverts them to idle.
// Returns whether a search was actually cancelled in the store: false
// means the player was already paired or was never searching.
func (m *Matchmaker) CancelSearch(ctx context.Context, playerID int64) (bool, error) {
	m.stopLoop(playerID)
	return m.store.CancelSearch(ctx, playerID)
}

// IsSearching reports whether a search loop is running for the player.
func (m *Matchmaker) IsSearching(playerID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, running := m.searches[playerID]
	return running
}

// Stop cancels all search loops and waits for them to exit.
func (m *Matchmaker) Stop() {
	m.mu.Lock()
	for _, cancel := range m.searches {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Matchmaker) stopLoop(playerID int64) {
	m.mu.Lock()
	cancel, ok := m.searches[playerID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Matchmaker) remove(playerID int64) {
	m.mu.Lock()
	if cancel, ok := m.searches[playerID]; ok {
		cancel()
		delete(m.searches, playerID)
	}
	m.mu.Unlock()
}

// sleep waits for d or until ctx is done, reporting whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
