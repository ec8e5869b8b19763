package game

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewBoardColumnRanges(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for trial := 0; trial < 50; trial++ {
		board := NewBoard(rng)
		require.Len(t, board, BoardSize)

		for c := 0; c < BoardSize; c++ {
			lo, hi := c*15+1, c*15+15
			seen := map[int]bool{}
			for r := 0; r < BoardSize; r++ {
				v := board[r][c]
				if r == 2 && c == 2 {
					require.Zero(t, v, "center must be the free cell")
					continue
				}
				require.GreaterOrEqual(t, v, lo, "col %d value %d below range", c, v)
				require.LessOrEqual(t, v, hi, "col %d value %d above range", c, v)
				require.False(t, seen[v], "duplicate %d in column %d", v, c)
				seen[v] = true
			}
		}
	}
}

func TestNewBoardFreeCell(t *testing.T) {
	board := NewBoard(rand.New(rand.NewSource(42)))
	require.Equal(t, 0, board[2][2])
}
