package board

import (
	"fmt"
)

// Mark is a cell or sub-board result.
type Mark string

const (
	X    Mark = "X"
	O    Mark = "O"
	Tie  Mark = "tie"
	None Mark = ""
)

// AnySubBoard means the next move is unconstrained.
const AnySubBoard = -1

// SubBoard is one inner 3x3 board. Winner, once set, never changes.
type SubBoard struct {
	Cells  [9]Mark `json:"cells"`
	Winner Mark    `json:"winner,omitempty"`
}

// Board is the 3x3 arrangement of sub-boards.
type Board [9]SubBoard

// Move is one applied move, append-only in a session's history.
type Move struct {
	SubBoard int  `json:"subBoard"`
	Square   int  `json:"square"`
	Player   Mark `json:"player"`
}

var ErrIllegalMove = errf("illegal move")

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

// The 8 winning line patterns: rows, columns, diagonals.
var lines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// Apply sets a cell and recomputes the sub-board winner. The caller must have
// validated turn and target constraints already; only cell occupancy is checked here.
func Apply(b Board, sub, square int, p Mark) (Board, error) {
	if sub < 0 || sub > 8 || square < 0 || square > 8 {
		return b, fmt.Errorf("%w: out of range %d/%d", ErrIllegalMove, sub, square)
	}
	if p != X && p != O {
		return b, fmt.Errorf("%w: bad player %q", ErrIllegalMove, p)
	}
	if b[sub].Cells[square] != None {
		return b, fmt.Errorf("%w: cell %d/%d occupied", ErrIllegalMove, sub, square)
	}
	b[sub].Cells[square] = p
	if b[sub].Winner == None {
		b[sub].Winner = SubResult(b[sub].Cells)
	}
	return b, nil
}

// SubResult checks the 8 line patterns over one sub-board's cells.
// A full sub-board with no line is a tie.
func SubResult(cells [9]Mark) Mark {
	for _, ln := range lines {
		m := cells[ln[0]]
		if m != None && m != Tie && cells[ln[1]] == m && cells[ln[2]] == m {
			return m
		}
	}
	for _, c := range cells {
		if c == None {
			return None
		}
	}
	return Tie
}

// OverallResult applies the same line check to the 9 sub-board winners.
// Tie sub-boards never count toward a line: the meta-board is won only by
// outright sub-board victories. A board where every sub-board is decided
// and no line exists is an overall tie.
func OverallResult(b Board) Mark {
	var winners [9]Mark
	for i := range b {
		winners[i] = b[i].Winner
	}
	for _, ln := range lines {
		m := winners[ln[0]]
		if (m == X || m == O) && winners[ln[1]] == m && winners[ln[2]] == m {
			return m
		}
	}
	for _, w := range winners {
		if w == None {
			return None
		}
	}
	return Tie
}

// Validate reports whether a move is legal given the current turn and the
// active sub-board constraint.
func Validate(b Board, active int, turn Mark, sub, square int, p Mark) bool {
	if sub < 0 || sub > 8 || square < 0 || square > 8 {
		return false
	}
	if p != turn {
		return false
	}
	if b[sub].Winner != None {
		return false
	}
	if b[sub].Cells[square] != None {
		return false
	}
	if active != AnySubBoard && active != sub {
		return false
	}
	return true
}

// NextActive returns the sub-board the next move must land in, addressed by
// the square index just played; unconstrained once that target is decided.
func NextActive(b Board, justPlayedSquare int) int {
	if justPlayedSquare < 0 || justPlayedSquare > 8 {
		return AnySubBoard
	}
	if b[justPlayedSquare].Winner != None {
		return AnySubBoard
	}
	return justPlayedSquare
}

// Replay rebuilds a board from an empty one by re-applying history in order,
// returning the resulting board and active sub-board constraint. Used for
// reconnect reconstruction; Replay(history) must reproduce the live board exactly.
func Replay(history []Move) (Board, int, error) {
	var b Board
	active := AnySubBoard
	for i, mv := range history {
		var err error
		b, err = Apply(b, mv.SubBoard, mv.Square, mv.Player)
		if err != nil {
			return b, active, fmt.Errorf("replay move %d: %w", i, err)
		}
		active = NextActive(b, mv.Square)
	}
	return b, active, nil
}

// TurnFromHistory derives whose turn it is: even history length means X.
func TurnFromHistory(n int) Mark {
	if n%2 == 0 {
		return X
	}
	return O
}
