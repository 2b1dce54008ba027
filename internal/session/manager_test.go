package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/uttt-arena/internal/board"
	"github.com/park285/uttt-arena/internal/gametype"
	"github.com/park285/uttt-arena/pkg/wire"
)

type sentEvent struct {
	User    string
	Event   string
	Payload any
	Acked   bool
}

type fakeBcast struct {
	mu     sync.Mutex
	events []sentEvent
}

func (f *fakeBcast) Send(userID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{User: userID, Event: event, Payload: payload})
}

func (f *fakeBcast) SendAck(userID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{User: userID, Event: event, Payload: payload, Acked: true})
}

func (f *fakeBcast) count(user, event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.User == user && e.Event == event {
			n++
		}
	}
	return n
}

func (f *fakeBcast) last(user, event string) (sentEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].User == user && f.events[i].Event == event {
			return f.events[i], true
		}
	}
	return sentEvent{}, false
}

func (f *fakeBcast) waitFor(t *testing.T, user, event string, timeout time.Duration) sentEvent {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e, ok := f.last(user, event); ok {
			return e
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %s event for %s within %v", event, user, timeout)
	return sentEvent{}
}

func newTestManager(t *testing.T) (*Manager, *Store, *fakeBcast, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStore(rdb)
	bcast := &fakeBcast{}
	mgr := NewManager(store, bcast)
	cleanup := func() {
		mgr.Close()
		_ = rdb.Close()
		mr.Close()
	}
	return mgr, store, bcast, cleanup
}

var blitz = gametype.GameType{Name: "blitz", InitialMs: 180000, IncrementMs: 2000, Rated: true}

func playerOf(s *Session, sym board.Mark) Player {
	for _, p := range s.Players {
		if p.Symbol == sym {
			return p
		}
	}
	return Player{}
}

func TestCreateFromMatch(t *testing.T) {
	mgr, store, bcast, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	sess, err := mgr.CreateFromMatch(ctx, Player{ID: "u1", Username: "alice"}, Player{ID: "u2", Username: "bob"}, blitz, true)
	if err != nil {
		t.Fatalf("CreateFromMatch: %v", err)
	}
	if sess.Status != StatusActive {
		t.Fatalf("expected active, got %s", sess.Status)
	}
	if len(sess.Players) != 2 {
		t.Fatalf("expected 2 players, got %d", len(sess.Players))
	}
	syms := map[board.Mark]bool{sess.Players[0].Symbol: true, sess.Players[1].Symbol: true}
	if !syms[board.X] || !syms[board.O] {
		t.Fatalf("both symbols must be assigned, got %v", syms)
	}
	if sess.Turn != board.X || sess.ActiveSubBoard != board.AnySubBoard {
		t.Fatalf("fresh session must start with X unconstrained: %s/%d", sess.Turn, sess.ActiveSubBoard)
	}
	if sess.ClockXMs != blitz.InitialMs || sess.ClockOMs != blitz.InitialMs {
		t.Fatalf("clocks not seeded: %d/%d", sess.ClockXMs, sess.ClockOMs)
	}

	loaded, err := store.Load(ctx, sess.ID)
	if err != nil || loaded == nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if bcast.count("u1", wire.EvGameState) != 1 || bcast.count("u2", wire.EvGameState) != 1 {
		t.Fatal("both players must receive the initial state")
	}
}

func TestChallengeJoinFlow(t *testing.T) {
	mgr, _, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	sess, err := mgr.CreateFromChallenge(ctx, Player{ID: "u1", Username: "alice"}, "bob", blitz)
	if err != nil {
		t.Fatalf("CreateFromChallenge: %v", err)
	}
	if sess.Status != StatusPending || sess.Rated {
		t.Fatalf("challenge must start pending and unrated: %s rated=%v", sess.Status, sess.Rated)
	}

	// Wrong user cannot take the reserved seat.
	if _, _, err := mgr.Join(ctx, sess.ID, Player{ID: "u3", Username: "carol"}); err != ErrForbidden {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	joined, started, err := mgr.Join(ctx, sess.ID, Player{ID: "u2", Username: "bob"})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !started || joined.Status != StatusActive {
		t.Fatalf("second seat must start the game: started=%v status=%s", started, joined.Status)
	}
	if joined.TurnDeadline.IsZero() {
		t.Fatal("clock must start on activation")
	}

	// A third user bounces off.
	if _, _, err := mgr.Join(ctx, sess.ID, Player{ID: "u4", Username: "dave"}); err != ErrSeatsTaken {
		t.Fatalf("expected ErrSeatsTaken, got %v", err)
	}
}

func TestJoinIsIdempotentForSeatedPlayer(t *testing.T) {
	mgr, _, bcast, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	sess, err := mgr.CreateFromMatch(ctx, Player{ID: "u1", Username: "alice"}, Player{ID: "u2", Username: "bob"}, blitz, false)
	if err != nil {
		t.Fatalf("CreateFromMatch: %v", err)
	}

	before := bcast.count("u1", wire.EvGameState)
	re, started, err := mgr.Join(ctx, sess.ID, Player{ID: "u1", Username: "alice"})
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if started {
		t.Fatal("rejoin must not restart the game")
	}
	if len(re.Players) != 2 {
		t.Fatalf("rejoin must not reseat: %d players", len(re.Players))
	}
	if bcast.count("u1", wire.EvGameState) != before+1 {
		t.Fatal("rejoin must re-emit current state")
	}
}

func TestJoinUnknownSession(t *testing.T) {
	mgr, _, _, cleanup := newTestManager(t)
	defer cleanup()
	if _, _, err := mgr.Join(context.Background(), "nope", Player{ID: "u1", Username: "alice"}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMoveAppliesAndFlipsTurn(t *testing.T) {
	mgr, store, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	sess, err := mgr.CreateFromMatch(ctx, Player{ID: "u1", Username: "alice"}, Player{ID: "u2", Username: "bob"}, blitz, false)
	if err != nil {
		t.Fatalf("CreateFromMatch: %v", err)
	}
	xPlayer := playerOf(sess, board.X)

	if err := mgr.Move(ctx, sess.ID, xPlayer.ID, 4, 7); err != nil {
		t.Fatalf("Move: %v", err)
	}
	cur, err := store.Load(ctx, sess.ID)
	if err != nil || cur == nil {
		t.Fatalf("load after move: %v", err)
	}
	if cur.Board[4].Cells[7] != board.X {
		t.Fatal("move not applied to board")
	}
	if len(cur.History) != 1 || cur.Turn != board.O {
		t.Fatalf("turn/history mismatch: %d/%s", len(cur.History), cur.Turn)
	}
	if cur.Turn != board.TurnFromHistory(len(cur.History)) {
		t.Fatal("turn must be derivable from history length")
	}
	if cur.ActiveSubBoard != 7 {
		t.Fatalf("next active sub-board must follow the played square, got %d", cur.ActiveSubBoard)
	}
	if cur.ClockXMs <= blitz.InitialMs {
		t.Fatalf("mover must be credited the increment: %d", cur.ClockXMs)
	}
}

func TestMoveOutsideActiveSubBoardRejected(t *testing.T) {
	mgr, store, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	sess, err := mgr.CreateFromMatch(ctx, Player{ID: "u1", Username: "alice"}, Player{ID: "u2", Username: "bob"}, blitz, false)
	if err != nil {
		t.Fatalf("CreateFromMatch: %v", err)
	}
	xPlayer := playerOf(sess, board.X)
	oPlayer := playerOf(sess, board.O)

	// X plays square 2 of sub-board 4, so O is constrained to sub-board 2.
	if err := mgr.Move(ctx, sess.ID, xPlayer.ID, 4, 2); err != nil {
		t.Fatalf("setup move: %v", err)
	}
	if err := mgr.Move(ctx, sess.ID, oPlayer.ID, 0, 4); err != ErrIllegalMove {
		t.Fatalf("expected ErrIllegalMove outside active sub-board, got %v", err)
	}
	cur, _ := store.Load(ctx, sess.ID)
	if len(cur.History) != 1 {
		t.Fatal("rejected move must not mutate state")
	}
	// Out-of-turn move is also rejected.
	if err := mgr.Move(ctx, sess.ID, xPlayer.ID, 2, 0); err != ErrIllegalMove {
		t.Fatalf("expected ErrIllegalMove out of turn, got %v", err)
	}
}

func TestWinningMoveFinishesAndDeletes(t *testing.T) {
	mgr, store, bcast, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	sess, err := mgr.CreateFromMatch(ctx, Player{ID: "u1", Username: "alice"}, Player{ID: "u2", Username: "bob"}, blitz, true)
	if err != nil {
		t.Fatalf("CreateFromMatch: %v", err)
	}
	xPlayer := playerOf(sess, board.X)
	oPlayer := playerOf(sess, board.O)

	// Put the board one move from an overall win for X.
	_, err = store.Update(ctx, sess.ID, func(s *Session) error {
		s.Board[0].Winner = board.X
		s.Board[1].Winner = board.X
		s.Board[2].Cells[0] = board.X
		s.Board[2].Cells[1] = board.X
		s.Turn = board.X
		s.ActiveSubBoard = board.AnySubBoard
		s.History = make([]board.Move, 8) // even length keeps X to move
		return nil
	})
	if err != nil {
		t.Fatalf("seed board: %v", err)
	}

	if err := mgr.Move(ctx, sess.ID, xPlayer.ID, 2, 2); err != nil {
		t.Fatalf("winning move: %v", err)
	}

	res := bcast.waitFor(t, xPlayer.ID, wire.EvGameResult, time.Second)
	payload, ok := res.Payload.(wire.GameResultPayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", res.Payload)
	}
	if payload.Status != "won" || payload.Winner != "X" {
		t.Fatalf("unexpected result payload: %+v", payload)
	}
	if !res.Acked {
		t.Fatal("gameResult must require acknowledgement")
	}
	if bcast.count(oPlayer.ID, wire.EvGameResult) != 1 {
		t.Fatal("loser must receive the result too")
	}

	if cur, _ := store.Load(ctx, sess.ID); cur != nil {
		t.Fatal("finished session must be deleted")
	}

	// Rated game: winner gains, loser drops.
	rw, err := store.LoadRating(ctx, "blitz", xPlayer.ID)
	if err != nil {
		t.Fatalf("LoadRating: %v", err)
	}
	rl, err := store.LoadRating(ctx, "blitz", oPlayer.ID)
	if err != nil {
		t.Fatalf("LoadRating: %v", err)
	}
	if rw.Rating <= 1500 || rl.Rating >= 1500 {
		t.Fatalf("ratings not applied: winner %v loser %v", rw.Rating, rl.Rating)
	}

	// Events after the end are strict no-ops.
	if err := mgr.Move(ctx, sess.ID, oPlayer.ID, 2, 3); err != ErrNotFound {
		t.Fatalf("move after finish: expected ErrNotFound, got %v", err)
	}
	if err := mgr.Resign(ctx, sess.ID, oPlayer.ID); err != ErrNotFound {
		t.Fatalf("resign after finish: expected ErrNotFound, got %v", err)
	}
}

func TestEarlyResignationAborts(t *testing.T) {
	mgr, store, bcast, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	sess, err := mgr.CreateFromMatch(ctx, Player{ID: "u1", Username: "alice"}, Player{ID: "u2", Username: "bob"}, blitz, true)
	if err != nil {
		t.Fatalf("CreateFromMatch: %v", err)
	}
	xPlayer := playerOf(sess, board.X)

	if err := mgr.Move(ctx, sess.ID, xPlayer.ID, 0, 0); err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := mgr.Resign(ctx, sess.ID, xPlayer.ID); err != nil {
		t.Fatalf("resign: %v", err)
	}

	res := bcast.waitFor(t, xPlayer.ID, wire.EvGameResult, time.Second)
	payload := res.Payload.(wire.GameResultPayload)
	if payload.Status != "aborted" || payload.Winner != "" {
		t.Fatalf("one-move resignation must abort: %+v", payload)
	}

	// Aborted games carry no rating impact.
	r1, _ := store.LoadRating(ctx, "blitz", "u1")
	r2, _ := store.LoadRating(ctx, "blitz", "u2")
	if r1.Rating != 1500 || r2.Rating != 1500 {
		t.Fatalf("aborted game must not touch ratings: %v/%v", r1.Rating, r2.Rating)
	}
}

func TestLateResignationGivesOpponentTheWin(t *testing.T) {
	mgr, _, bcast, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	sess, err := mgr.CreateFromMatch(ctx, Player{ID: "u1", Username: "alice"}, Player{ID: "u2", Username: "bob"}, blitz, false)
	if err != nil {
		t.Fatalf("CreateFromMatch: %v", err)
	}
	xPlayer := playerOf(sess, board.X)
	oPlayer := playerOf(sess, board.O)

	if err := mgr.Move(ctx, sess.ID, xPlayer.ID, 4, 4); err != nil {
		t.Fatalf("move 1: %v", err)
	}
	if err := mgr.Move(ctx, sess.ID, oPlayer.ID, 4, 0); err != nil {
		t.Fatalf("move 2: %v", err)
	}
	if err := mgr.Resign(ctx, sess.ID, xPlayer.ID); err != nil {
		t.Fatalf("resign: %v", err)
	}

	res := bcast.waitFor(t, oPlayer.ID, wire.EvGameResult, time.Second)
	payload := res.Payload.(wire.GameResultPayload)
	if payload.Status != "resigned" || payload.Winner != string(board.O) {
		t.Fatalf("expected O win by resignation, got %+v", payload)
	}
}

func TestClockExpiryTimesOutTurnHolder(t *testing.T) {
	mgr, store, bcast, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	fast := gametype.GameType{Name: "blitz", InitialMs: 60, IncrementMs: 0, Rated: true}
	sess, err := mgr.CreateFromMatch(ctx, Player{ID: "u1", Username: "alice"}, Player{ID: "u2", Username: "bob"}, fast, true)
	if err != nil {
		t.Fatalf("CreateFromMatch: %v", err)
	}
	xPlayer := playerOf(sess, board.X)
	oPlayer := playerOf(sess, board.O)

	// X never moves; the flag falls and O wins on time.
	res := bcast.waitFor(t, oPlayer.ID, wire.EvGameResult, 3*time.Second)
	payload := res.Payload.(wire.GameResultPayload)
	if payload.Status != "timedOut" || payload.Winner != string(board.O) {
		t.Fatalf("expected timedOut with O winning, got %+v", payload)
	}
	if bcast.count(xPlayer.ID, wire.EvGameResult) != 1 {
		t.Fatal("the flagged player must receive the result too")
	}
	if cur, _ := store.Load(ctx, sess.ID); cur != nil {
		t.Fatal("timed-out session must be deleted")
	}

	// Rating applied exactly once for the timeout.
	rw, _ := store.LoadRating(ctx, "blitz", oPlayer.ID)
	if rw.Rating <= 1500 {
		t.Fatalf("timeout winner must gain rating, got %v", rw.Rating)
	}
}

func TestDeclineChallenge(t *testing.T) {
	mgr, store, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	sess, err := mgr.CreateFromChallenge(ctx, Player{ID: "u1", Username: "alice"}, "bob", blitz)
	if err != nil {
		t.Fatalf("CreateFromChallenge: %v", err)
	}

	if _, err := mgr.Decline(ctx, sess.ID, "carol"); err != ErrForbidden {
		t.Fatalf("only the invited user may decline, got %v", err)
	}
	declined, err := mgr.Decline(ctx, sess.ID, "bob")
	if err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if declined.Status != StatusAborted {
		t.Fatalf("declined challenge must abort, got %s", declined.Status)
	}
	if cur, _ := store.Load(ctx, sess.ID); cur != nil {
		t.Fatal("declined challenge must be deleted")
	}
}

type recordingArchiver struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingArchiver) Archive(_ context.Context, _ *Session, _ []RatingChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func (r *recordingArchiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestArchiveCalledOncePerFinish(t *testing.T) {
	mgr, _, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()
	arch := &recordingArchiver{}
	mgr.AttachArchiver(arch)

	sess, err := mgr.CreateFromMatch(ctx, Player{ID: "u1", Username: "alice"}, Player{ID: "u2", Username: "bob"}, blitz, false)
	if err != nil {
		t.Fatalf("CreateFromMatch: %v", err)
	}
	xPlayer := playerOf(sess, board.X)

	if err := mgr.Resign(ctx, sess.ID, xPlayer.ID); err != nil {
		t.Fatalf("resign: %v", err)
	}
	// Racing second finish attempts are no-ops.
	if err := mgr.Resign(ctx, sess.ID, xPlayer.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on second resign, got %v", err)
	}
	if got := arch.count(); got != 1 {
		t.Fatalf("archive must run exactly once, ran %d times", got)
	}
}

func TestJoinRejectsUninitializedRecord(t *testing.T) {
	mgr, store, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	// A claimed id whose create never completed holds only the placeholder blob.
	ok, err := store.Claim(ctx, "orphan")
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	_, _, err = mgr.Join(ctx, "orphan", Player{ID: "u9", Username: "zoe"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for placeholder record, got %v", err)
	}

	cur, err := store.Load(ctx, "orphan")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cur != nil && len(cur.Players) != 0 {
		t.Fatalf("placeholder must stay unseated, got %+v", cur)
	}
}
