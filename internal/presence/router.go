package presence

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/uttt-arena/internal/obslog"
	"github.com/park285/uttt-arena/pkg/wire"
)

// Sink is the outbound side of one live connection.
type Sink interface {
	Deliver(env wire.Envelope) error
}

const ttlConn = 6 * time.Hour

// Router tracks which connections belong to which user and fans events out to
// all of them. A user may hold several connections at once; each is keyed by a
// handle id. Connection membership is mirrored to Redis under conn:user:<id>
// so other processes can answer presence queries.
//
// Send is fire-and-forget. SendAck assigns a delivery ticket and retries the
// event with exponential backoff until the client acknowledges the ticket or
// the retry budget runs out.
type Router struct {
	rdb *redis.Client

	ackWait  time.Duration
	retryMax int

	mu      sync.Mutex
	conns   map[string]map[string]Sink
	pending map[string]*pendingDelivery
	closed  bool
}

type pendingDelivery struct {
	userID  string
	env     wire.Envelope
	attempt int
	timer   *time.Timer
}

func NewRouter(rdb *redis.Client, ackWait time.Duration, retryMax int) *Router {
	if ackWait <= 0 {
		ackWait = 5 * time.Second
	}
	if retryMax < 0 {
		retryMax = 0
	}
	return &Router{
		rdb:      rdb,
		ackWait:  ackWait,
		retryMax: retryMax,
		conns:    make(map[string]map[string]Sink),
		pending:  make(map[string]*pendingDelivery),
	}
}

func connKey(userID string) string { return "conn:user:" + strings.TrimSpace(userID) }

func nameKey(username string) string {
	return "user:byname:" + strings.ToLower(strings.TrimSpace(username))
}

// Register adds a connection for the user and returns true when it is the
// user's first live connection.
func (r *Router) Register(ctx context.Context, userID, username, handleID string, sink Sink) bool {
	r.mu.Lock()
	set, ok := r.conns[userID]
	if !ok {
		set = make(map[string]Sink)
		r.conns[userID] = set
	}
	first := len(set) == 0
	set[handleID] = sink
	r.mu.Unlock()

	pipe := r.rdb.Pipeline()
	pipe.SAdd(ctx, connKey(userID), handleID)
	pipe.Expire(ctx, connKey(userID), ttlConn)
	if strings.TrimSpace(username) != "" {
		pipe.Set(ctx, nameKey(username), userID, ttlConn)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obslog.L().Warn("presence_mirror_error", zap.String("user_id", userID), zap.Error(err))
	}
	return first
}

// Unregister drops a connection and returns true when it was the user's last.
func (r *Router) Unregister(ctx context.Context, userID, handleID string) bool {
	r.mu.Lock()
	set := r.conns[userID]
	delete(set, handleID)
	last := len(set) == 0
	if last {
		delete(r.conns, userID)
	}
	r.mu.Unlock()

	if err := r.rdb.SRem(ctx, connKey(userID), handleID).Err(); err != nil {
		obslog.L().Warn("presence_mirror_error", zap.String("user_id", userID), zap.Error(err))
	}
	return last
}

// Online reports whether the user has at least one live connection, consulting
// the Redis mirror when this process holds none.
func (r *Router) Online(ctx context.Context, userID string) bool {
	r.mu.Lock()
	n := len(r.conns[userID])
	r.mu.Unlock()
	if n > 0 {
		return true
	}
	cnt, err := r.rdb.SCard(ctx, connKey(userID)).Result()
	if err != nil {
		return false
	}
	return cnt > 0
}

// ResolveUsername maps a display name to a user id. Returns "" when the name
// has not been seen on any recent connection.
func (r *Router) ResolveUsername(ctx context.Context, username string) (string, error) {
	id, err := r.rdb.Get(ctx, nameKey(username)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// Send fans the event out to every live connection of the user. Marshal or
// delivery failures are logged and dropped.
func (r *Router) Send(userID, event string, payload any) {
	env, err := envelope(event, payload, "")
	if err != nil {
		obslog.L().Error("presence_marshal_error", zap.String("event", event), zap.Error(err))
		return
	}
	r.deliver(userID, env)
}

// SendAck delivers the event with a tracking ticket and retries until the
// client acknowledges it or the retry budget is exhausted.
func (r *Router) SendAck(userID, event string, payload any) {
	ticket := uuid.NewString()
	env, err := envelope(event, payload, ticket)
	if err != nil {
		obslog.L().Error("presence_marshal_error", zap.String("event", event), zap.Error(err))
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	p := &pendingDelivery{userID: userID, env: env}
	p.timer = time.AfterFunc(r.ackWait, func() { r.retry(ticket) })
	r.pending[ticket] = p
	r.mu.Unlock()

	r.deliver(userID, env)
}

// Ack settles the delivery ticket; unknown tickets are ignored.
func (r *Router) Ack(ticket string) {
	r.mu.Lock()
	p, ok := r.pending[ticket]
	if ok {
		p.timer.Stop()
		delete(r.pending, ticket)
	}
	r.mu.Unlock()
	if ok {
		obslog.L().Debug("presence_acked", zap.String("ticket", ticket), zap.String("user_id", p.userID))
	}
}

// Close stops all pending retry timers.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for ticket, p := range r.pending {
		p.timer.Stop()
		delete(r.pending, ticket)
	}
}

func (r *Router) retry(ticket string) {
	r.mu.Lock()
	p, ok := r.pending[ticket]
	if !ok || r.closed {
		r.mu.Unlock()
		return
	}
	p.attempt++
	if p.attempt > r.retryMax {
		delete(r.pending, ticket)
		r.mu.Unlock()
		obslog.L().Warn("presence_delivery_dropped",
			zap.String("ticket", ticket),
			zap.String("user_id", p.userID),
			zap.String("event", p.env.Event),
		)
		return
	}
	p.timer = time.AfterFunc(r.ackWait<<p.attempt, func() { r.retry(ticket) })
	r.mu.Unlock()

	r.deliver(p.userID, p.env)
}

func (r *Router) deliver(userID string, env wire.Envelope) {
	r.mu.Lock()
	sinks := make([]Sink, 0, len(r.conns[userID]))
	for _, s := range r.conns[userID] {
		sinks = append(sinks, s)
	}
	r.mu.Unlock()

	for _, s := range sinks {
		if err := s.Deliver(env); err != nil {
			obslog.L().Debug("presence_deliver_error",
				zap.String("user_id", userID),
				zap.String("event", env.Event),
				zap.Error(err),
			)
		}
	}
}

func envelope(event string, payload any, ticket string) (wire.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.Envelope{Event: event, Data: raw, Ticket: ticket}, nil
}
