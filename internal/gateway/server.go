package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/uttt-arena/internal/gametype"
	"github.com/park285/uttt-arena/internal/identity"
	"github.com/park285/uttt-arena/internal/matchmaking"
	"github.com/park285/uttt-arena/internal/obslog"
	"github.com/park285/uttt-arena/internal/presence"
	"github.com/park285/uttt-arena/internal/rating"
	"github.com/park285/uttt-arena/internal/session"
	"github.com/park285/uttt-arena/pkg/wire"
)

const outboundBuffer = 64

// TokenVerifier authenticates a bearer token to a profile.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*identity.Profile, error)
}

// Server terminates websocket connections, authenticates them against the
// identity service and dispatches wire events to the matchmaking queue and the
// session manager.
type Server struct {
	verifier TokenVerifier
	router   *presence.Router
	manager  *session.Manager
	queue    *matchmaking.Queue
	types    *gametype.Catalog
	origins  []string
}

func NewServer(verifier TokenVerifier, router *presence.Router, manager *session.Manager, queue *matchmaking.Queue, types *gametype.Catalog, origins []string) *Server {
	return &Server{
		verifier: verifier,
		router:   router,
		manager:  manager,
		queue:    queue,
		types:    types,
		origins:  origins,
	}
}

type conn struct {
	id   string
	user *identity.Profile
	ws   *websocket.Conn
	out  chan wire.Envelope

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	searchCancel context.CancelFunc
}

// Deliver queues an envelope for the write pump. A full buffer means the
// client is not draining; the envelope is dropped.
func (c *conn) Deliver(env wire.Envelope) error {
	select {
	case c.out <- env:
		return nil
	default:
		return errors.New("outbound buffer full")
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	profile, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	opts := &websocket.AcceptOptions{OriginPatterns: s.origins}
	if len(s.origins) == 0 {
		opts.OriginPatterns = []string{"*"}
	}
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		obslog.L().Warn("ws_accept_error", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:     uuid.NewString(),
		user:   profile,
		ws:     ws,
		out:    make(chan wire.Envelope, outboundBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	s.router.Register(ctx, profile.ID, profile.Username, c.id, c)
	obslog.L().Info("ws_connect",
		zap.String("user_id", profile.ID),
		zap.String("username", profile.Username),
		zap.String("handle", c.id),
	)

	go s.writePump(c)
	s.resumeSessions(c)
	s.readLoop(c)
	s.teardown(c)
}

// resumeSessions re-emits state for every game the user is seated in, so a
// reconnecting client recovers without asking.
func (s *Server) resumeSessions(c *conn) {
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()

	ids, err := s.manager.Store().SessionsByUser(ctx, c.user.ID)
	if err != nil {
		obslog.L().Warn("session_index_error", zap.String("user_id", c.user.ID), zap.Error(err))
		return
	}
	for _, id := range ids {
		// Stale index entries resolve to NotFound and are skipped.
		_, _, _ = s.manager.Join(ctx, id, session.Player{ID: c.user.ID, Username: c.user.Username})
	}
}

func (s *Server) authenticate(r *http.Request) (*identity.Profile, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		auth := r.Header.Get("Authorization")
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	return s.verifier.Verify(ctx, token)
}

func (s *Server) writePump(c *conn) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case env := <-c.out:
			wctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
			err := wsjson.Write(wctx, c.ws, env)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (s *Server) readLoop(c *conn) {
	for {
		var env wire.Envelope
		if err := wsjson.Read(c.ctx, c.ws, &env); err != nil {
			return
		}
		s.dispatch(c, env)
	}
}

func (s *Server) teardown(c *conn) {
	c.cancel()
	c.cancelSearch()
	_ = c.ws.Close(websocket.StatusNormalClosure, "bye")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if last := s.router.Unregister(ctx, c.user.ID, c.id); last {
		s.queue.WithdrawAll(ctx, c.user.ID)
	}
	obslog.L().Info("ws_disconnect", zap.String("user_id", c.user.ID), zap.String("handle", c.id))
}

func (s *Server) dispatch(c *conn, env wire.Envelope) {
	ctx, cancel := context.WithTimeout(c.ctx, 15*time.Second)
	defer cancel()

	var err error
	switch env.Event {
	case wire.EvSearchMatch:
		err = s.onSearchMatch(ctx, c, env.Data)
	case wire.EvCancelSearch:
		err = s.onCancelSearch(ctx, c)
	case wire.EvCreateFriendlyGame:
		err = s.onCreateFriendly(ctx, c, env.Data)
	case wire.EvSendChallenge:
		err = s.onSendChallenge(ctx, c, env.Data)
	case wire.EvDeclineChallenge:
		err = s.onDeclineChallenge(ctx, c, env.Data)
	case wire.EvJoinGame:
		err = s.onJoinGame(ctx, c, env.Data)
	case wire.EvMakeMove:
		err = s.onMakeMove(ctx, c, env.Data)
	case wire.EvResign:
		err = s.onResign(ctx, c, env.Data)
	case wire.EvAck:
		err = s.onAck(env)
	default:
		err = errors.New("unknown event")
	}
	if err != nil {
		s.router.Send(c.user.ID, wire.EvError, wire.ErrorPayload{Message: userMessage(err)})
		obslog.L().Debug("ws_event_error",
			zap.String("user_id", c.user.ID),
			zap.String("event", env.Event),
			zap.Error(err),
		)
	}
}

func (s *Server) onSearchMatch(ctx context.Context, c *conn, data json.RawMessage) error {
	var req wire.SearchMatchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errBadRequest
	}
	gt, ok := s.types.Get(req.GameType)
	if !ok {
		return errUnknownGameType
	}
	rated := req.Rated && gt.Rated

	entry := matchmaking.Entry{ID: c.user.ID, Username: c.user.Username}
	if rated {
		r, err := s.manager.Store().LoadRating(ctx, gt.Name, c.user.ID)
		if err != nil {
			return err
		}
		entry.Rank = r.Rating
		// No local record yet: fall back to the identity service's snapshot.
		if r == rating.Default() {
			if snap, ok := c.user.Ratings[gt.Name]; ok {
				entry.Rank = snap.Rating
			}
		}
	}
	if _, err := s.queue.Admit(ctx, entry, gt.Name, rated); err != nil {
		return err
	}

	c.cancelSearch()
	searchCtx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	c.searchCancel = cancel
	c.mu.Unlock()

	s.router.Send(c.user.ID, wire.EvSearchStarted, wire.SearchMatchRequest{GameType: gt.Name, Rated: rated})
	go s.runSearch(searchCtx, c, entry, gt, rated)
	return nil
}

// runSearch blocks on the queue until a pair forms, the search is cancelled,
// or the connection goes away.
func (s *Server) runSearch(ctx context.Context, c *conn, entry matchmaking.Entry, gt gametype.GameType, rated bool) {
	self, opp, err := s.queue.FindMatch(ctx, entry, gt.Name, rated)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			obslog.L().Warn("search_error", zap.String("user_id", c.user.ID), zap.Error(err))
		}
		return
	}
	if self == nil || opp == nil {
		return // withdrawn
	}

	createCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a := session.Player{ID: self.ID, Username: self.Username}
	b := session.Player{ID: opp.ID, Username: opp.Username}
	sess, err := s.manager.CreateFromMatch(createCtx, a, b, gt, rated)
	if err != nil {
		obslog.L().Error("match_create_error",
			zap.String("a_id", a.ID),
			zap.String("b_id", b.ID),
			zap.Error(err),
		)
		s.router.Send(a.ID, wire.EvError, wire.ErrorPayload{Message: "failed to start game"})
		s.router.Send(b.ID, wire.EvError, wire.ErrorPayload{Message: "failed to start game"})
		return
	}
	found := wire.MatchFoundPayload{SessionID: sess.ID}
	s.router.SendAck(a.ID, wire.EvMatchFound, found)
	s.router.SendAck(b.ID, wire.EvMatchFound, found)
}

func (s *Server) onCancelSearch(ctx context.Context, c *conn) error {
	c.cancelSearch()
	s.queue.WithdrawAll(ctx, c.user.ID)
	s.router.Send(c.user.ID, wire.EvSearchCancelled, struct{}{})
	return nil
}

func (s *Server) onCreateFriendly(ctx context.Context, c *conn, data json.RawMessage) error {
	var req wire.CreateFriendlyGameRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errBadRequest
	}
	gt, ok := s.types.Get(req.GameType)
	if !ok {
		return errUnknownGameType
	}
	sess, err := s.manager.CreateFriendly(ctx, session.Player{ID: c.user.ID, Username: c.user.Username}, gt)
	if err != nil {
		return err
	}
	s.router.Send(c.user.ID, wire.EvFriendlyGameCreated, wire.FriendlyGameCreatedPayload{SessionID: sess.ID})
	return nil
}

func (s *Server) onSendChallenge(ctx context.Context, c *conn, data json.RawMessage) error {
	var req wire.SendChallengeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errBadRequest
	}
	gt, ok := s.types.Get(req.GameType)
	if !ok {
		return errUnknownGameType
	}
	if strings.EqualFold(strings.TrimSpace(req.TargetUsername), c.user.Username) {
		return errSelfChallenge
	}
	targetID, err := s.router.ResolveUsername(ctx, req.TargetUsername)
	if err != nil {
		return err
	}
	if targetID == "" || !s.router.Online(ctx, targetID) {
		return errTargetOffline
	}

	challenger := session.Player{ID: c.user.ID, Username: c.user.Username}
	sess, err := s.manager.CreateFromChallenge(ctx, challenger, req.TargetUsername, gt)
	if err != nil {
		return err
	}
	s.router.Send(c.user.ID, wire.EvChallengeCreated, wire.ChallengeCreatedPayload{SessionID: sess.ID})
	s.router.SendAck(targetID, wire.EvReceiveChallenge, wire.ReceiveChallengePayload{
		From:      c.user.Username,
		SessionID: sess.ID,
		GameType:  gt.Name,
	})
	return nil
}

func (s *Server) onDeclineChallenge(ctx context.Context, c *conn, data json.RawMessage) error {
	var req wire.DeclineChallengeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errBadRequest
	}
	sess, err := s.manager.Decline(ctx, req.SessionID, c.user.Username)
	if err != nil {
		return err
	}
	for i := range sess.Players {
		s.router.Send(sess.Players[i].ID, wire.EvChallengeDeclined, wire.ChallengeDeclinedPayload{
			FromUsername: c.user.Username,
		})
	}
	return nil
}

func (s *Server) onJoinGame(ctx context.Context, c *conn, data json.RawMessage) error {
	var req wire.JoinGameRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errBadRequest
	}
	_, _, err := s.manager.Join(ctx, req.SessionID, session.Player{ID: c.user.ID, Username: c.user.Username})
	return err
}

func (s *Server) onMakeMove(ctx context.Context, c *conn, data json.RawMessage) error {
	var req wire.MakeMoveRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errBadRequest
	}
	err := s.manager.Move(ctx, req.SessionID, c.user.ID, req.SubBoardIndex, req.SquareIndex)
	if errors.Is(err, session.ErrIllegalMove) {
		// Stale client state races real moves under latency; already logged
		// by the manager, no error frame back.
		return nil
	}
	return err
}

func (s *Server) onResign(ctx context.Context, c *conn, data json.RawMessage) error {
	var req wire.ResignRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errBadRequest
	}
	return s.manager.Resign(ctx, req.SessionID, c.user.ID)
}

func (s *Server) onAck(env wire.Envelope) error {
	ticket := env.Ticket
	if ticket == "" {
		var req wire.AckRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return errBadRequest
		}
		ticket = req.Ticket
	}
	s.router.Ack(ticket)
	return nil
}

func (c *conn) cancelSearch() {
	c.mu.Lock()
	cancel := c.searchCancel
	c.searchCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

var (
	errBadRequest      = errors.New("malformed request")
	errUnknownGameType = errors.New("unknown game type")
	errTargetOffline   = errors.New("target player is not online")
	errSelfChallenge   = errors.New("cannot challenge yourself")
)

// userMessage maps internal errors to client-safe text.
func userMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return "game not found"
	case errors.Is(err, session.ErrForbidden):
		return "not allowed"
	case errors.Is(err, session.ErrSeatsTaken):
		return "game is full"
	case errors.Is(err, session.ErrIllegalMove):
		return "illegal move"
	case errors.Is(err, session.ErrConflict):
		return "please retry"
	case errors.Is(err, errBadRequest),
		errors.Is(err, errUnknownGameType),
		errors.Is(err, errTargetOffline),
		errors.Is(err, errSelfChallenge):
		return err.Error()
	default:
		return "internal error"
	}
}
