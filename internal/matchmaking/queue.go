package matchmaking

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/uttt-arena/internal/gametype"
	"github.com/park285/uttt-arena/internal/obslog"
)

// Entry is one queued searcher. Rank is the player's current rating for the
// game type; unrated queues ignore it and order by admission time instead.
type Entry struct {
	ID       string
	Username string
	Rank     float64
}

const (
	defaultGapStart = 40
	defaultGapStep  = 40
	defaultGapMax   = 400

	ttlQueue = time.Hour
)

var ErrQueueConflict = errors.New("queue changed concurrently")

// Queue holds per (game type × ratedness) sorted collections in Redis.
// Members are user identifiers; display names live in a companion hash so a
// pairing scan resolves both in one round trip.
type Queue struct {
	rdb   *redis.Client
	types *gametype.Catalog

	gapStart     float64
	gapStep      float64
	gapMax       float64
	scanInterval time.Duration
}

func New(rdb *redis.Client, types *gametype.Catalog, scanInterval time.Duration) *Queue {
	if scanInterval <= 0 {
		scanInterval = time.Second
	}
	return &Queue{
		rdb:          rdb,
		types:        types,
		gapStart:     defaultGapStart,
		gapStep:      defaultGapStep,
		gapMax:       defaultGapMax,
		scanInterval: scanInterval,
	}
}

func (q *Queue) key(gameType string, rated bool) string {
	mode := "casual"
	if rated {
		mode = "rated"
	}
	return "mm:" + strings.TrimSpace(gameType) + ":" + mode
}

func (q *Queue) namesKey(gameType string, rated bool) string {
	return q.key(gameType, rated) + ":names"
}

// Admit inserts the entry, keyed by rank (rated) or admission time (casual).
// Idempotent: an identifier already queued for this key is left untouched.
func (q *Queue) Admit(ctx context.Context, e Entry, gameType string, rated bool) (bool, error) {
	key := q.key(gameType, rated)
	score := e.Rank
	if !rated {
		score = float64(time.Now().UnixMilli())
	}

	added, err := q.rdb.ZAddNX(ctx, key, redis.Z{Score: score, Member: e.ID}).Result()
	if err != nil {
		return false, err
	}
	if added == 0 {
		return false, nil
	}
	pipe := q.rdb.Pipeline()
	pipe.HSet(ctx, q.namesKey(gameType, rated), e.ID, e.Username)
	pipe.Expire(ctx, key, ttlQueue)
	pipe.Expire(ctx, q.namesKey(gameType, rated), ttlQueue)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	obslog.L().Info("queue_admit",
		zap.String("game_type", gameType),
		zap.Bool("rated", rated),
		zap.String("user_id", e.ID),
		zap.Float64("score", score),
	)
	return true, nil
}

// Withdraw removes the identifier from both the rated and casual collections
// of a game type; no-op when absent.
func (q *Queue) Withdraw(ctx context.Context, id, gameType string) error {
	for _, rated := range []bool{true, false} {
		pipe := q.rdb.Pipeline()
		pipe.ZRem(ctx, q.key(gameType, rated), id)
		pipe.HDel(ctx, q.namesKey(gameType, rated), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// WithdrawAll removes the identifier from every known queue. Called when a
// user's last live connection goes away.
func (q *Queue) WithdrawAll(ctx context.Context, id string) {
	for _, name := range q.types.Names() {
		if err := q.Withdraw(ctx, id, name); err != nil {
			obslog.L().Warn("queue_withdraw_error",
				zap.String("game_type", name),
				zap.String("user_id", id),
				zap.Error(err),
			)
		}
	}
}

// FindMatch scans for an opponent in an expanding rank window around the
// caller's entry, atomically removing both entries on success. It blocks,
// re-scanning on an interval and widening the window each pass, until a pair
// is found, the caller's own entry is withdrawn externally (returns nil, nil),
// or the context is cancelled.
func (q *Queue) FindMatch(ctx context.Context, e Entry, gameType string, rated bool) (*Entry, *Entry, error) {
	ticker := time.NewTicker(q.scanInterval)
	defer ticker.Stop()

	gap := q.gapStart
	for {
		self, opp, err := q.scanOnce(ctx, e, gameType, rated, gap)
		switch {
		case errors.Is(err, ErrQueueConflict):
			// Another scan won the race for our candidate; rescan immediately.
			continue
		case err != nil:
			return nil, nil, err
		case self == nil:
			// Our own entry is gone: search was cancelled externally.
			return nil, nil, nil
		case opp != nil:
			obslog.L().Info("queue_paired",
				zap.String("game_type", gameType),
				zap.Bool("rated", rated),
				zap.String("a_id", self.ID),
				zap.String("b_id", opp.ID),
				zap.Float64("gap", gap),
			)
			return self, opp, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-ticker.C:
			if gap < q.gapMax {
				gap += q.gapStep
				if gap > q.gapMax {
					gap = q.gapMax
				}
			}
		}
	}
}

// scanOnce runs a single windowed scan inside a WATCH transaction so two
// concurrent scans can never consume the same queued player. Returns
// (self, nil, nil) when no opponent is in the window, (nil, nil, nil) when
// the caller's entry has been withdrawn.
func (q *Queue) scanOnce(ctx context.Context, e Entry, gameType string, rated bool, gap float64) (*Entry, *Entry, error) {
	key := q.key(gameType, rated)
	names := q.namesKey(gameType, rated)

	var self, opp *Entry
	err := q.rdb.Watch(ctx, func(tx *redis.Tx) error {
		selfScore, err := tx.ZScore(ctx, key, e.ID).Result()
		if err == redis.Nil {
			return nil // withdrawn
		}
		if err != nil {
			return err
		}

		var members []string
		if rated {
			members, err = tx.ZRangeByScore(ctx, key, &redis.ZRangeBy{
				Min: formatScore(selfScore - gap),
				Max: formatScore(selfScore + gap),
			}).Result()
		} else {
			members, err = tx.ZRange(ctx, key, 0, -1).Result()
		}
		if err != nil {
			return err
		}

		var oppID string
		for _, m := range members {
			if m != e.ID {
				oppID = m
				break
			}
		}
		if oppID == "" {
			self = &Entry{ID: e.ID, Username: e.Username, Rank: selfScore}
			return nil
		}

		oppName, err := tx.HGet(ctx, names, oppID).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		oppScore, err := tx.ZScore(ctx, key, oppID).Result()
		if err != nil {
			return err
		}

		pipe := tx.TxPipeline()
		pipe.ZRem(ctx, key, e.ID, oppID)
		pipe.HDel(ctx, names, e.ID, oppID)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		self = &Entry{ID: e.ID, Username: e.Username, Rank: selfScore}
		opp = &Entry{ID: oppID, Username: oppName, Rank: oppScore}
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, nil, ErrQueueConflict
	}
	if err != nil {
		return nil, nil, err
	}
	return self, opp, nil
}

// formatScore renders a plain decimal bound for ZRANGEBYSCORE.
func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
