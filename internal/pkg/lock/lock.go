// Package lock provides per-player locking so that at most one game
// action per player, and one round action per pair, is in flight inside
// this process at a time. The database transactions remain the source of
// truth for atomicity; these mutexes keep command handling orderly.
package lock

import "sync"

// PlayerLock provides per-player mutexes keyed by player ID.
type PlayerLock struct {
	locks sync.Map // map[int64]*sync.Mutex
}

// NewPlayerLock creates a new PlayerLock instance.
func NewPlayerLock() *PlayerLock {
	return &PlayerLock{}
}

// getLock retrieves or creates the mutex for the given player ID.
func (pl *PlayerLock) getLock(playerID int64) *sync.Mutex {
	if v, ok := pl.locks.Load(playerID); ok {
		return v.(*sync.Mutex)
	}
	v, _ := pl.locks.LoadOrStore(playerID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Lock acquires the lock for a player.
func (pl *PlayerLock) Lock(playerID int64) {
	pl.getLock(playerID).Lock()
}

// Unlock releases the lock for a player.
func (pl *PlayerLock) Unlock(playerID int64) {
	if v, ok := pl.locks.Load(playerID); ok {
		v.(*sync.Mutex).Unlock()
	}
}

// TryLock attempts to acquire the lock without blocking.
func (pl *PlayerLock) TryLock(playerID int64) bool {
	return pl.getLock(playerID).TryLock()
}

// WithLock executes fn while holding the player's lock.
func (pl *PlayerLock) WithLock(playerID int64, fn func() error) error {
	pl.Lock(playerID)
	defer pl.Unlock(playerID)
	return fn()
}

// LockPair acquires both players' locks in ascending ID order.
// The fixed order prevents deadlock when the two sides of a pair act
// concurrently.
func (pl *PlayerLock) LockPair(a, b int64) {
	first, second := orderPair(a, b)
	pl.Lock(first)
	if second != first {
		pl.Lock(second)
	}
}

// UnlockPair releases both players' locks.
func (pl *PlayerLock) UnlockPair(a, b int64) {
	first, second := orderPair(a, b)
	if second != first {
		pl.Unlock(second)
	}
	pl.Unlock(first)
}

// WithPairLock executes fn while holding both players' locks.
func (pl *PlayerLock) WithPairLock(a, b int64, fn func() error) error {
	pl.LockPair(a, b)
	defer pl.UnlockPair(a, b)
	return fn()
}

func orderPair(a, b int64) (int64, int64) {
	if b < a {
		return b, a
	}
	return a, b
}
