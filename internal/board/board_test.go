package board

import (
	"testing"
)

func mustApply(t *testing.T, b Board, sub, square int, p Mark) Board {
	t.Helper()
	nb, err := Apply(b, sub, square, p)
	if err != nil {
		t.Fatalf("Apply(%d,%d,%s): %v", sub, square, p, err)
	}
	return nb
}

func TestSubResultRowWin(t *testing.T) {
	var cells [9]Mark
	cells[0], cells[1], cells[2] = X, X, X
	if got := SubResult(cells); got != X {
		t.Fatalf("expected X win, got %q", got)
	}
}

func TestSubResultColumnsAndDiagonals(t *testing.T) {
	cases := [][3]int{{0, 3, 6}, {1, 4, 7}, {2, 5, 8}, {0, 4, 8}, {2, 4, 6}}
	for _, ln := range cases {
		var cells [9]Mark
		for _, i := range ln {
			cells[i] = O
		}
		if got := SubResult(cells); got != O {
			t.Fatalf("line %v: expected O win, got %q", ln, got)
		}
	}
}

func TestSubResultTie(t *testing.T) {
	// X O X / X O O / O X X — full, no line
	cells := [9]Mark{X, O, X, X, O, O, O, X, X}
	if got := SubResult(cells); got != Tie {
		t.Fatalf("expected tie, got %q", got)
	}
}

func TestSubResultIncomplete(t *testing.T) {
	var cells [9]Mark
	cells[0], cells[4] = X, O
	if got := SubResult(cells); got != None {
		t.Fatalf("expected none, got %q", got)
	}
}

func TestApplyRejectsOccupiedCell(t *testing.T) {
	var b Board
	b = mustApply(t, b, 0, 4, X)
	if _, err := Apply(b, 0, 4, O); err == nil {
		t.Fatal("expected error for occupied cell")
	}
}

func TestApplySetsSubWinner(t *testing.T) {
	var b Board
	b = mustApply(t, b, 3, 0, X)
	b = mustApply(t, b, 3, 1, X)
	b = mustApply(t, b, 3, 2, X)
	if b[3].Winner != X {
		t.Fatalf("expected sub-board 3 won by X, got %q", b[3].Winner)
	}
}

func TestOverallResultIgnoresTieLines(t *testing.T) {
	var b Board
	// A diagonal of ties must not be a win.
	b[0].Winner, b[4].Winner, b[8].Winner = Tie, Tie, Tie
	if got := OverallResult(b); got != None {
		t.Fatalf("tie line must not win, got %q", got)
	}
	// Mixed line containing a tie must not win either.
	b[0].Winner, b[4].Winner = X, X
	if got := OverallResult(b); got != None {
		t.Fatalf("line with tie sub-board must not win, got %q", got)
	}
}

func TestOverallResultWinAndTie(t *testing.T) {
	var b Board
	b[0].Winner, b[1].Winner, b[2].Winner = O, O, O
	if got := OverallResult(b); got != O {
		t.Fatalf("expected O, got %q", got)
	}

	var full Board
	winners := [9]Mark{X, O, Tie, O, X, X, O, X, O}
	for i, w := range winners {
		full[i].Winner = w
	}
	if got := OverallResult(full); got != Tie {
		t.Fatalf("expected overall tie, got %q", got)
	}
}

func TestOverallTieRequiresAllDecided(t *testing.T) {
	var b Board
	for i := 0; i < 8; i++ {
		b[i].Winner = Tie
	}
	// sub-board 8 undecided
	if got := OverallResult(b); got != None {
		t.Fatalf("expected none while a sub-board is open, got %q", got)
	}
}

func TestValidateActiveSubBoardConstraint(t *testing.T) {
	var b Board
	// Move to square 4 of sub-board 0 while the active sub-board is 2.
	if Validate(b, 2, X, 0, 4, X) {
		t.Fatal("move outside active sub-board must be rejected")
	}
	if !Validate(b, 2, X, 2, 4, X) {
		t.Fatal("move inside active sub-board must pass")
	}
	if !Validate(b, AnySubBoard, X, 7, 0, X) {
		t.Fatal("unconstrained move must pass")
	}
}

func TestValidateTurnAndDecidedTarget(t *testing.T) {
	var b Board
	if Validate(b, AnySubBoard, X, 0, 0, O) {
		t.Fatal("out-of-turn move must be rejected")
	}
	b[5].Winner = O
	if Validate(b, AnySubBoard, X, 5, 0, X) {
		t.Fatal("move into a decided sub-board must be rejected")
	}
}

func TestNextActive(t *testing.T) {
	var b Board
	if got := NextActive(b, 6); got != 6 {
		t.Fatalf("expected 6, got %d", got)
	}
	b[6].Winner = Tie
	if got := NextActive(b, 6); got != AnySubBoard {
		t.Fatalf("expected unconstrained, got %d", got)
	}
}

func TestReplayRoundTrip(t *testing.T) {
	history := []Move{
		{SubBoard: 4, Square: 4, Player: X},
		{SubBoard: 4, Square: 0, Player: O},
		{SubBoard: 0, Square: 4, Player: X},
		{SubBoard: 4, Square: 8, Player: O},
		{SubBoard: 8, Square: 4, Player: X},
	}

	var live Board
	active := AnySubBoard
	for _, mv := range history {
		var err error
		live, err = Apply(live, mv.SubBoard, mv.Square, mv.Player)
		if err != nil {
			t.Fatalf("direct apply: %v", err)
		}
		active = NextActive(live, mv.Square)
	}

	replayed, replayedActive, err := Replay(history)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if replayed != live {
		t.Fatalf("replayed board differs from direct application:\n%v\nvs\n%v", replayed, live)
	}
	if replayedActive != active {
		t.Fatalf("replayed active %d differs from %d", replayedActive, active)
	}
}

func TestTurnFromHistory(t *testing.T) {
	if TurnFromHistory(0) != X || TurnFromHistory(2) != X {
		t.Fatal("even history length must be X's turn")
	}
	if TurnFromHistory(1) != O || TurnFromHistory(7) != O {
		t.Fatal("odd history length must be O's turn")
	}
}
