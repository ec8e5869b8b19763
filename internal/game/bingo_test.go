package game

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"bingohall/internal/model"
)

// fixedBoard lays numbers out column-major so line expectations are easy
// to read: row r, col c holds 15c + r + 1 (center free).
func fixedBoard() model.Board {
	return model.Board{
		{1, 16, 31, 46, 61},
		{2, 17, 32, 47, 62},
		{3, 18, 0, 48, 63},
		{4, 19, 33, 49, 64},
		{5, 20, 34, 50, 65},
	}
}

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name      string
		drawn     []int
		wantCount int
		wantLines []string
	}{
		{
			name:      "nothing drawn",
			drawn:     nil,
			wantCount: 0,
		},
		{
			name:      "first row",
			drawn:     []int{1, 16, 31, 46, 61},
			wantCount: 1,
			wantLines: []string{"row0"},
		},
		{
			name:      "middle row uses free cell",
			drawn:     []int{3, 18, 48, 63},
			wantCount: 1,
			wantLines: []string{"row2"},
		},
		{
			name:      "column",
			drawn:     []int{16, 17, 18, 19, 20},
			wantCount: 1,
			wantLines: []string{"col1"},
		},
		{
			name:      "main diagonal through free cell",
			drawn:     []int{1, 17, 49, 65},
			wantCount: 1,
			wantLines: []string{"diag1"},
		},
		{
			name:      "anti diagonal",
			drawn:     []int{61, 47, 19, 5},
			wantCount: 1,
			wantLines: []string{"diag2"},
		},
		{
			name:      "row and column together",
			drawn:     []int{1, 16, 31, 46, 61, 17, 18, 19, 20},
			wantCount: 2,
			wantLines: []string{"row0", "col1"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			count, lines := Evaluate(fixedBoard(), tc.drawn)
			require.Equal(t, tc.wantCount, count)
			require.Equal(t, tc.wantLines, lines)
		})
	}
}

func TestEvaluateMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	board := NewBoard(rng)

	var drawn []int
	prev := 0
	for _, n := range rng.Perm(MaxNumber) {
		drawn = append(drawn, n+1)
		count, _ := Evaluate(board, drawn)
		require.GreaterOrEqual(t, count, prev, "count decreased after drawing %d", n+1)
		prev = count
	}
	// Every line is marked once all 75 numbers are drawn.
	require.Equal(t, 12, prev)
}
