// Package dice implements the dice roll used by duel rounds.
package dice

import "math/rand"

const (
	// MinTotal is the lowest possible sum of two dice.
	MinTotal = 2
	// MaxTotal is the highest possible sum of two dice.
	MaxTotal = 12
)

// Roll represents one throw of two six-sided dice.
type Roll struct {
	Die1 int
	Die2 int
}

// Total returns the sum of both dice, in [2,12].
func (r Roll) Total() int {
	return r.Die1 + r.Die2
}

// New rolls two independent six-sided dice.
func New() Roll {
	return Roll{
		Die1: rand.Intn(6) + 1,
		Die2: rand.Intn(6) + 1,
	}
}

// Valid reports whether a stored total is a possible two-dice sum.
func Valid(total int) bool {
	return total >= MinTotal && total <= MaxTotal
}
