package session

import (
	"time"

	"github.com/park285/uttt-arena/internal/board"
	"github.com/park285/uttt-arena/internal/rating"
)

// Status represents a game session lifecycle state. PENDING and ACTIVE are the
// only live states; everything else is terminal and the record is deleted the
// moment it is reached.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusActive   Status = "ACTIVE"
	StatusWon      Status = "WON"
	StatusTied     Status = "TIED"
	StatusResigned Status = "RESIGNED"
	StatusAborted  Status = "ABORTED"
	StatusTimedOut Status = "TIMED_OUT"
)

// Terminal reports whether a status ends the session.
func (s Status) Terminal() bool {
	switch s {
	case StatusPending, StatusActive:
		return false
	}
	return true
}

// Player is one seat in a session. Symbol is assigned once both seats are
// filled and never changes afterwards.
type Player struct {
	ID       string     `json:"id"`
	Username string     `json:"username"`
	Symbol   board.Mark `json:"symbol,omitempty"`
}

// Session is the authoritative record of one game, stored as a single JSON
// blob so board and history can never persist out of sync.
type Session struct {
	ID             string       `json:"id"`
	GameType       string       `json:"gameType"`
	Rated          bool         `json:"isRated"`
	Board          board.Board  `json:"board"`
	Turn           board.Mark   `json:"turn"`
	ActiveSubBoard int          `json:"activeSubBoard"`
	History        []board.Move `json:"moveHistory"`
	Players        []Player     `json:"players"`

	InvitedUsername string `json:"invitedUsername,omitempty"`

	ClockXMs     int64     `json:"clockXMs"`
	ClockOMs     int64     `json:"clockOMs"`
	IncrementMs  int64     `json:"incrementMs"`
	TurnDeadline time.Time `json:"turnDeadline,omitzero"`

	Status    Status    `json:"status"`
	Winner    string    `json:"winner,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PlayerByID returns the seated player with the given identifier.
func (s *Session) PlayerByID(id string) *Player {
	for i := range s.Players {
		if s.Players[i].ID == id {
			return &s.Players[i]
		}
	}
	return nil
}

// Opponent returns the other seated player, if any.
func (s *Session) Opponent(id string) *Player {
	for i := range s.Players {
		if s.Players[i].ID != id {
			return &s.Players[i]
		}
	}
	return nil
}

// TurnHolder returns the player whose turn it is, nil before symbols are assigned.
func (s *Session) TurnHolder() *Player {
	for i := range s.Players {
		if s.Players[i].Symbol == s.Turn {
			return &s.Players[i]
		}
	}
	return nil
}

func (s *Session) clockOf(m board.Mark) int64 {
	if m == board.X {
		return s.ClockXMs
	}
	return s.ClockOMs
}

func (s *Session) setClock(m board.Mark, ms int64) {
	if m == board.X {
		s.ClockXMs = ms
	} else {
		s.ClockOMs = ms
	}
}

// RatingChange records the rating applied to one participant at game end,
// handed to the history archive together with the final session record.
type RatingChange struct {
	PlayerID string
	Symbol   board.Mark
	Before   rating.Rating
	After    rating.Rating
}

// Errors surfaced by the manager. Illegal moves are expected under latency and
// are logged rather than treated as client-fatal.
var (
	ErrNotFound    = errf("session not found")
	ErrForbidden   = errf("seat reserved for another player")
	ErrSeatsTaken  = errf("session already has two players")
	ErrIllegalMove = errf("illegal move")
	ErrConflict    = errf("concurrent update, retry")
	ErrNotSeated   = errf("user not in session")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }
