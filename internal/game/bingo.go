package game

import (
	"fmt"

	"bingohall/internal/model"
)

// Evaluate counts the fully-marked lines on a board given the drawn
// numbers. A cell is marked when it is 0 (free) or drawn. Lines are
// checked in a fixed order so names are deterministic: row0..row4,
// col0..col4, diag1 (top-left to bottom-right), diag2 (top-right to
// bottom-left). The count is monotonic in the drawn set.
func Evaluate(board model.Board, drawn []int) (int, []string) {
	marked := make(map[int]bool, len(drawn))
	for _, n := range drawn {
		marked[n] = true
	}
	cell := func(r, c int) bool {
		v := board[r][c]
		return v == 0 || marked[v]
	}

	var lines []string

	for r := 0; r < BoardSize; r++ {
		full := true
		for c := 0; c < BoardSize; c++ {
			if !cell(r, c) {
				full = false
				break
			}
		}
		if full {
			lines = append(lines, fmt.Sprintf("row%d", r))
		}
	}

	for c := 0; c < BoardSize; c++ {
		full := true
		for r := 0; r < BoardSize; r++ {
			if !cell(r, c) {
				full = false
				break
			}
		}
		if full {
			lines = append(lines, fmt.Sprintf("col%d", c))
		}
	}

	diag1 := true
	diag2 := true
	for i := 0; i < BoardSize; i++ {
		if !cell(i, i) {
			diag1 = false
		}
		if !cell(i, BoardSize-1-i) {
			diag2 = false
		}
	}
	if diag1 {
		lines = append(lines, "diag1")
	}
	if diag2 {
		lines = append(lines, "diag2")
	}

	return len(lines), lines
}
