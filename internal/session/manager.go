package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/uttt-arena/internal/board"
	"github.com/park285/uttt-arena/internal/gametype"
	"github.com/park285/uttt-arena/internal/obslog"
	"github.com/park285/uttt-arena/internal/rating"
	"github.com/park285/uttt-arena/pkg/wire"
)

// Broadcaster fans an event out to every live connection of a user.
// SendAck additionally tracks delivery and retries until acknowledged.
type Broadcaster interface {
	Send(userID, event string, payload any)
	SendAck(userID, event string, payload any)
}

// Archiver receives the final record of a finished game for durable storage.
// A failed archive write is logged and dropped, never retried.
type Archiver interface {
	Archive(ctx context.Context, s *Session, changes []RatingChange) error
}

const (
	idClaimAttempts = 5
	idClaimBackoff  = 50 * time.Millisecond
)

// Manager owns the session lifecycle: creation, seating, move application,
// clock expiry and termination. All shared state lives in the Store; the only
// in-process state is the per-session deadline timer.
type Manager struct {
	store *Store
	bcast Broadcaster
	arch  Archiver

	mu     sync.Mutex
	clocks map[string]*time.Timer
	closed bool
}

func NewManager(store *Store, bcast Broadcaster) *Manager {
	return &Manager{store: store, bcast: bcast, clocks: make(map[string]*time.Timer)}
}

// AttachArchiver wires the history collaborator for finished games.
func (m *Manager) AttachArchiver(a Archiver) { m.arch = a }

// Store exposes the backing store for rating seeding at connect time.
func (m *Manager) Store() *Store { return m.store }

// Close stops every pending clock timer.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, t := range m.clocks {
		t.Stop()
		delete(m.clocks, id)
	}
}

// CreateFromMatch builds an active session for a freshly paired couple:
// symbols assigned at random, clocks armed, both players notified with the
// initial state.
func (m *Manager) CreateFromMatch(ctx context.Context, a, b Player, gt gametype.GameType, rated bool) (*Session, error) {
	if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(b.ID) == "" || a.ID == b.ID {
		return nil, fmt.Errorf("invalid participants")
	}
	if coinFlip() {
		a, b = b, a
	}
	a.Symbol, b.Symbol = board.X, board.O

	id, err := m.claimID(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		ID:             id,
		GameType:       gt.Name,
		Rated:          rated,
		Turn:           board.X,
		ActiveSubBoard: board.AnySubBoard,
		History:        []board.Move{},
		Players:        []Player{a, b},
		ClockXMs:       gt.InitialMs,
		ClockOMs:       gt.InitialMs,
		IncrementMs:    gt.IncrementMs,
		TurnDeadline:   now.Add(gt.Initial()),
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.Save(ctx, sess); err != nil {
		// Release the claimed id; the placeholder must not outlive a failed create.
		_ = m.store.Delete(ctx, id)
		return nil, err
	}
	_ = m.store.IndexPlayer(ctx, id, a.ID)
	_ = m.store.IndexPlayer(ctx, id, b.ID)

	m.armClock(id, gt.Initial())
	m.bcast.Send(a.ID, wire.EvGameState, sess)
	m.bcast.Send(b.ID, wire.EvGameState, sess)

	obslog.L().Info("session_create",
		zap.String("session_id", id),
		zap.String("game_type", gt.Name),
		zap.Bool("rated", rated),
		zap.String("x_id", sess.Players[0].ID),
		zap.String("o_id", sess.Players[1].ID),
	)
	return sess, nil
}

// CreateFromChallenge seats the challenger alone in a pending session whose
// second seat is reserved for the invited username. Challenges are unrated.
func (m *Manager) CreateFromChallenge(ctx context.Context, challenger Player, targetUsername string, gt gametype.GameType) (*Session, error) {
	if strings.TrimSpace(challenger.ID) == "" {
		return nil, fmt.Errorf("invalid challenger")
	}
	if strings.TrimSpace(targetUsername) != "" && strings.EqualFold(targetUsername, challenger.Username) {
		return nil, fmt.Errorf("cannot challenge yourself")
	}

	id, err := m.claimID(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		ID:              id,
		GameType:        gt.Name,
		Rated:           false,
		Turn:            board.X,
		ActiveSubBoard:  board.AnySubBoard,
		History:         []board.Move{},
		Players:         []Player{{ID: challenger.ID, Username: challenger.Username}},
		InvitedUsername: strings.TrimSpace(targetUsername),
		ClockXMs:        gt.InitialMs,
		ClockOMs:        gt.InitialMs,
		IncrementMs:     gt.IncrementMs,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.Save(ctx, sess); err != nil {
		_ = m.store.Delete(ctx, id)
		return nil, err
	}
	_ = m.store.IndexPlayer(ctx, id, challenger.ID)

	obslog.L().Info("session_create_challenge",
		zap.String("session_id", id),
		zap.String("game_type", gt.Name),
		zap.String("challenger_id", challenger.ID),
		zap.String("invited", sess.InvitedUsername),
	)
	return sess, nil
}

// CreateFriendly is a challenge with an open second seat.
func (m *Manager) CreateFriendly(ctx context.Context, creator Player, gt gametype.GameType) (*Session, error) {
	return m.CreateFromChallenge(ctx, creator, "", gt)
}

// Join seats a user, or re-attaches them when already seated (reconnect).
// Filling the second seat assigns symbols and starts the clock.
func (m *Manager) Join(ctx context.Context, id string, user Player) (*Session, bool, error) {
	cur, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if cur == nil {
		return nil, false, ErrNotFound
	}
	if cur.PlayerByID(user.ID) != nil {
		// Reconnect: re-emit current state to this user only.
		m.bcast.Send(user.ID, wire.EvGameState, cur)
		obslog.L().Info("session_rejoin", zap.String("session_id", id), zap.String("user_id", user.ID))
		return cur, false, nil
	}

	started := false
	sess, err := m.store.Update(ctx, id, func(s *Session) error {
		if s.PlayerByID(user.ID) != nil {
			return nil
		}
		if len(s.Players) >= 2 {
			return ErrSeatsTaken
		}
		// Open seats exist only on pending sessions; anything else, including
		// a claimed-but-never-saved placeholder record, has no seat to give.
		if s.Status != StatusPending {
			return ErrNotFound
		}
		if s.InvitedUsername != "" && !strings.EqualFold(s.InvitedUsername, user.Username) {
			return ErrForbidden
		}
		s.Players = append(s.Players, Player{ID: user.ID, Username: user.Username})
		if len(s.Players) == 2 {
			if coinFlip() {
				s.Players[0], s.Players[1] = s.Players[1], s.Players[0]
			}
			s.Players[0].Symbol = board.X
			s.Players[1].Symbol = board.O
			s.Status = StatusActive
			s.Turn = board.X
			s.TurnDeadline = time.Now().Add(time.Duration(s.ClockXMs) * time.Millisecond)
			started = true
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	_ = m.store.IndexPlayer(ctx, id, user.ID)

	if started {
		m.armClock(id, time.Until(sess.TurnDeadline))
		for i := range sess.Players {
			m.bcast.Send(sess.Players[i].ID, wire.EvGameState, sess)
		}
	} else {
		m.bcast.Send(user.ID, wire.EvGameState, sess)
	}
	obslog.L().Info("session_join",
		zap.String("session_id", id),
		zap.String("user_id", user.ID),
		zap.Bool("started", started),
	)
	return sess, started, nil
}

// Move validates and applies one move. Board, history, clocks and turn are
// persisted in a single atomic write; a terminal board finishes the session.
// An illegal move returns ErrIllegalMove and changes nothing; stale client
// state is expected under latency, so callers log and move on.
func (m *Manager) Move(ctx context.Context, id, userID string, sub, square int) error {
	sess, err := m.store.Update(ctx, id, func(s *Session) error {
		if s.Status != StatusActive {
			return ErrIllegalMove
		}
		p := s.PlayerByID(userID)
		if p == nil {
			return ErrNotSeated
		}
		if !board.Validate(s.Board, s.ActiveSubBoard, s.Turn, sub, square, p.Symbol) {
			return ErrIllegalMove
		}

		nb, err := board.Apply(s.Board, sub, square, p.Symbol)
		if err != nil {
			return ErrIllegalMove
		}
		s.Board = nb
		s.History = append(s.History, board.Move{SubBoard: sub, Square: square, Player: p.Symbol})

		// Clock: remaining time is whatever was left until the deadline,
		// plus the per-move increment for the mover.
		now := time.Now()
		rem := s.TurnDeadline.Sub(now).Milliseconds()
		if rem < 0 {
			rem = 0
		}
		s.setClock(p.Symbol, rem+s.IncrementMs)

		s.Turn = other(p.Symbol)
		s.ActiveSubBoard = board.NextActive(s.Board, square)
		s.TurnDeadline = now.Add(time.Duration(s.clockOf(s.Turn)) * time.Millisecond)

		switch res := board.OverallResult(s.Board); res {
		case board.None:
		case board.Tie:
			s.Status = StatusTied
		default:
			s.Status = StatusWon
			s.Winner = p.ID
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrIllegalMove) {
			obslog.L().Debug("move_rejected",
				zap.String("session_id", id),
				zap.String("user_id", userID),
				zap.Int("sub_board", sub),
				zap.Int("square", square),
			)
		}
		return err
	}

	for i := range sess.Players {
		m.bcast.Send(sess.Players[i].ID, wire.EvGameState, sess)
	}
	obslog.L().Info("session_move",
		zap.String("session_id", id),
		zap.String("user_id", userID),
		zap.Int("sub_board", sub),
		zap.Int("square", square),
		zap.String("turn", string(sess.Turn)),
		zap.String("status", string(sess.Status)),
	)

	if sess.Status.Terminal() {
		m.finalize(ctx, sess)
	} else {
		m.armClock(id, time.Until(sess.TurnDeadline))
	}
	return nil
}

// Resign ends the game in the opponent's favor. With at most one move played
// it counts as a mutual abort instead: no winner, no rating impact.
func (m *Manager) Resign(ctx context.Context, id, userID string) error {
	sess, err := m.store.Update(ctx, id, func(s *Session) error {
		if s.Status.Terminal() {
			return ErrNotFound
		}
		p := s.PlayerByID(userID)
		if p == nil {
			return ErrNotSeated
		}
		if s.Status == StatusPending || len(s.History) <= 1 {
			s.Status = StatusAborted
			s.Winner = ""
			return nil
		}
		s.Status = StatusResigned
		if opp := s.Opponent(userID); opp != nil {
			s.Winner = opp.ID
		}
		return nil
	})
	if err != nil {
		return err
	}
	obslog.L().Info("session_resign",
		zap.String("session_id", id),
		zap.String("user_id", userID),
		zap.String("status", string(sess.Status)),
	)
	m.finalize(ctx, sess)
	return nil
}

// Decline tears down a pending challenge. Only the invited user may decline.
func (m *Manager) Decline(ctx context.Context, id, byUsername string) (*Session, error) {
	sess, err := m.store.Update(ctx, id, func(s *Session) error {
		if s.Status != StatusPending {
			return ErrNotFound
		}
		if s.InvitedUsername == "" || !strings.EqualFold(s.InvitedUsername, byUsername) {
			return ErrForbidden
		}
		s.Status = StatusAborted
		return nil
	})
	if err != nil {
		return nil, err
	}
	obslog.L().Info("session_decline", zap.String("session_id", id), zap.String("by", byUsername))
	m.finalize(ctx, sess)
	return sess, nil
}

var errClockNotExpired = errf("clock not expired")

// expire fires when a session's turn deadline passes. The transition is
// guarded by the same transactional status check as every other finish path,
// so a move racing the flag fall applies exactly one result.
func (m *Manager) expire(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var remaining time.Duration
	sess, err := m.store.Update(ctx, id, func(s *Session) error {
		if s.Status != StatusActive {
			return ErrNotFound
		}
		if d := time.Until(s.TurnDeadline); d > 0 {
			remaining = d
			return errClockNotExpired
		}
		holder := s.TurnHolder()
		if holder == nil {
			return ErrNotFound
		}
		s.setClock(holder.Symbol, 0)
		s.Status = StatusTimedOut
		if opp := s.Opponent(holder.ID); opp != nil {
			s.Winner = opp.ID
		}
		return nil
	})
	switch {
	case errors.Is(err, errClockNotExpired):
		// Deadline moved by a credited increment; fire once at the new deadline.
		m.armClock(id, remaining)
		return
	case errors.Is(err, ErrNotFound):
		return
	case errors.Is(err, ErrConflict):
		m.armClock(id, 10*time.Millisecond)
		return
	case err != nil:
		obslog.L().Error("clock_expire_error", zap.String("session_id", id), zap.Error(err))
		return
	}

	obslog.L().Info("session_timeout",
		zap.String("session_id", id),
		zap.String("winner", sess.Winner),
	)
	for i := range sess.Players {
		m.bcast.Send(sess.Players[i].ID, wire.EvGameState, sess)
	}
	m.finalize(ctx, sess)
}

// finalize runs the termination path exactly once: the caller holds the only
// transaction that moved the session into a terminal status. It broadcasts
// the result, applies ratings for rated games, hands the record to the
// archive, and deletes the store record.
func (m *Manager) finalize(ctx context.Context, s *Session) {
	m.stopClock(s.ID)

	result := wire.GameResultPayload{
		SessionID: s.ID,
		Winner:    string(winnerSymbol(s)),
		Status:    wireStatus(s.Status),
	}
	for i := range s.Players {
		m.bcast.SendAck(s.Players[i].ID, wire.EvGameResult, result)
	}

	var changes []RatingChange
	if s.Rated && len(s.Players) == 2 && s.Status != StatusAborted {
		changes = m.applyRatings(ctx, s)
	}

	if m.arch != nil && len(s.Players) == 2 {
		if err := m.arch.Archive(ctx, s, changes); err != nil {
			// A lost archive write is acceptable data loss, not a correctness hazard.
			obslog.L().Error("session_archive_error", zap.String("session_id", s.ID), zap.Error(err))
		}
	}

	ids := make([]string, 0, len(s.Players))
	for i := range s.Players {
		ids = append(ids, s.Players[i].ID)
	}
	if err := m.store.Delete(ctx, s.ID, ids...); err != nil {
		obslog.L().Error("session_delete_error", zap.String("session_id", s.ID), zap.Error(err))
	}
	obslog.L().Info("session_finish",
		zap.String("session_id", s.ID),
		zap.String("status", string(s.Status)),
		zap.String("winner", s.Winner),
	)
}

// applyRatings updates both participants' rating records, once each.
func (m *Manager) applyRatings(ctx context.Context, s *Session) []RatingChange {
	a, b := s.Players[0], s.Players[1]
	ra, err := m.store.LoadRating(ctx, s.GameType, a.ID)
	if err != nil {
		obslog.L().Error("rating_load_error", zap.String("session_id", s.ID), zap.String("user_id", a.ID), zap.Error(err))
		return nil
	}
	rb, err := m.store.LoadRating(ctx, s.GameType, b.ID)
	if err != nil {
		obslog.L().Error("rating_load_error", zap.String("session_id", s.ID), zap.String("user_id", b.ID), zap.Error(err))
		return nil
	}

	winScore, loseScore := rating.Outcomes(s.Winner == "")
	outcomeA, outcomeB := winScore, loseScore
	if s.Winner == b.ID {
		outcomeA, outcomeB = loseScore, winScore
	}
	na := rating.Update(ra, rb, outcomeA)
	nb := rating.Update(rb, ra, outcomeB)

	if err := m.store.SaveRating(ctx, s.GameType, a.ID, na); err != nil {
		obslog.L().Error("rating_save_error", zap.String("session_id", s.ID), zap.String("user_id", a.ID), zap.Error(err))
	}
	if err := m.store.SaveRating(ctx, s.GameType, b.ID, nb); err != nil {
		obslog.L().Error("rating_save_error", zap.String("session_id", s.ID), zap.String("user_id", b.ID), zap.Error(err))
	}
	obslog.L().Info("rating_applied",
		zap.String("session_id", s.ID),
		zap.String("game_type", s.GameType),
		zap.Float64("a_delta", na.Rating-ra.Rating),
		zap.Float64("b_delta", nb.Rating-rb.Rating),
	)
	return []RatingChange{
		{PlayerID: a.ID, Symbol: a.Symbol, Before: ra, After: na},
		{PlayerID: b.ID, Symbol: b.Symbol, Before: rb, After: nb},
	}
}

func (m *Manager) claimID(ctx context.Context) (string, error) {
	for i := 0; i < idClaimAttempts; i++ {
		id := uuid.NewString()
		ok, err := m.store.Claim(ctx, id)
		if err != nil {
			return "", err
		}
		if ok {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(idClaimBackoff):
		}
	}
	return "", fmt.Errorf("failed to allocate session id")
}

func (m *Manager) armClock(id string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.clocks[id]; ok {
		t.Stop()
	}
	m.clocks[id] = time.AfterFunc(d, func() { m.expire(id) })
}

func (m *Manager) stopClock(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.clocks[id]; ok {
		t.Stop()
		delete(m.clocks, id)
	}
}

func other(mk board.Mark) board.Mark {
	if mk == board.X {
		return board.O
	}
	return board.X
}

func winnerSymbol(s *Session) board.Mark {
	if s.Winner == "" {
		return board.None
	}
	if p := s.PlayerByID(s.Winner); p != nil {
		return p.Symbol
	}
	return board.None
}

func wireStatus(st Status) string {
	switch st {
	case StatusWon:
		return "won"
	case StatusTied:
		return "tied"
	case StatusResigned:
		return "resigned"
	case StatusAborted:
		return "aborted"
	case StatusTimedOut:
		return "timedOut"
	default:
		return strings.ToLower(string(st))
	}
}

func coinFlip() bool {
	n, err := rand.Int(rand.Reader, big.NewInt(2))
	if err != nil {
		return time.Now().UnixNano()%2 == 0
	}
	return n.Int64() == 0
}
