package game

import (
	"math/rand"

	"bingohall/internal/apperr"
)

// Draw picks one undrawn number uniformly at random from 1..75 given
// the numbers already drawn. Returns Exhausted once the pool is empty.
// Committing the pick against the session is the caller's job.
func Draw(drawn []int, rng *rand.Rand) (int, error) {
	taken := make(map[int]bool, len(drawn))
	for _, n := range drawn {
		taken[n] = true
	}

	pool := make([]int, 0, MaxNumber-len(drawn))
	for n := 1; n <= MaxNumber; n++ {
		if !taken[n] {
			pool = append(pool, n)
		}
	}
	if len(pool) == 0 {
		return 0, apperr.New(apperr.KindExhausted, "all numbers have been drawn")
	}

	return pool[rng.Intn(len(pool))], nil
}

// Letter maps a drawn number to its column letter: 1-15 B, 16-30 I,
// 31-45 N, 46-60 G, 61-75 O.
func Letter(n int) string {
	if n < 1 || n > MaxNumber {
		return ""
	}
	switch {
	case n <= 15:
		return "B"
	case n <= 30:
		return "I"
	case n <= 45:
		return "N"
	case n <= 60:
		return "G"
	case n <= MaxNumber:
		return "O"
	default:
		return ""
	}
}
