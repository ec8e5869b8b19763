// Package game holds the pure rules of bingo: board generation, line
// evaluation, number drawing and display-name collision resolution.
// Nothing here touches storage or transport; randomness is passed in so
// tests can fix it.
package game

import (
	"math/rand"

	"bingohall/internal/model"
)

const (
	// BoardSize is the board edge length.
	BoardSize = 5
	// MaxNumber is the highest drawable number.
	MaxNumber = 75
	columnSpan = 15
)

// NewBoard deals a 5x5 card. Column c gets five distinct values drawn
// without replacement from [15c+1, 15c+15]; the center cell is the free
// cell and is stored as 0.
func NewBoard(rng *rand.Rand) model.Board {
	board := make(model.Board, BoardSize)
	for r := range board {
		board[r] = make([]int, BoardSize)
	}

	for c := 0; c < BoardSize; c++ {
		lo := c*columnSpan + 1
		perm := rng.Perm(columnSpan)
		for r := 0; r < BoardSize; r++ {
			board[r][c] = lo + perm[r]
		}
	}

	board[2][2] = 0
	return board
}
