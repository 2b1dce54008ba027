package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/park285/uttt-arena/internal/rating"
)

const ttlSession = 24 * time.Hour

// Store keeps session records and per-user rating records in Redis. A session
// is one JSON blob under game:<id>; board, history, clocks and status always
// persist together in a single write.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) keyGame(id string) string     { return "game:" + strings.TrimSpace(id) }
func (s *Store) keyUserIdx(user string) string { return "game:index:user:" + strings.TrimSpace(user) }
func (s *Store) keyRating(gameType, user string) string {
	return "rating:" + strings.TrimSpace(gameType) + ":" + strings.TrimSpace(user)
}

// Claim reserves a fresh session id. Returns false when the id already exists.
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	return s.rdb.SetNX(ctx, s.keyGame(id), []byte("{}"), ttlSession).Result()
}

func (s *Store) Save(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.keyGame(sess.ID), raw, ttlSession).Err()
}

// Load returns nil, nil when no record exists.
func (s *Store) Load(ctx context.Context, id string) (*Session, error) {
	raw, err := s.rdb.Get(ctx, s.keyGame(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Update applies fn to the current record inside a WATCH transaction and
// persists the result in one atomic write. fn returning an error aborts with
// no write. A concurrent writer surfaces as ErrConflict.
func (s *Store) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	var out *Session
	key := s.keyGame(id)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var cur Session
		if jerr := json.Unmarshal(raw, &cur); jerr != nil {
			return jerr
		}
		if err := fn(&cur); err != nil {
			return err
		}
		cur.UpdatedAt = time.Now()
		newRaw, err := json.Marshal(&cur)
		if err != nil {
			return err
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, key, newRaw, ttlSession)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		out = &cur
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IndexPlayer adds the session to a user's active-game index.
func (s *Store) IndexPlayer(ctx context.Context, id, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return nil
	}
	key := s.keyUserIdx(userID)
	if err := s.rdb.SAdd(ctx, key, id).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, key, ttlSession).Err()
}

// SessionsByUser lists session ids indexed for a user.
func (s *Store) SessionsByUser(ctx context.Context, userID string) ([]string, error) {
	return s.rdb.SMembers(ctx, s.keyUserIdx(userID)).Result()
}

// Delete removes the record and the players' index entries.
func (s *Store) Delete(ctx context.Context, id string, playerIDs ...string) error {
	if err := s.rdb.Del(ctx, s.keyGame(id)).Err(); err != nil {
		return err
	}
	for _, uid := range playerIDs {
		if strings.TrimSpace(uid) == "" {
			continue
		}
		_ = s.rdb.SRem(ctx, s.keyUserIdx(uid), id).Err()
	}
	return nil
}

// LoadRating returns a player's rating record for a game type, or the default
// record when none has been written yet.
func (s *Store) LoadRating(ctx context.Context, gameType, userID string) (rating.Rating, error) {
	raw, err := s.rdb.Get(ctx, s.keyRating(gameType, userID)).Bytes()
	if err == redis.Nil {
		return rating.Default(), nil
	}
	if err != nil {
		return rating.Rating{}, err
	}
	var r rating.Rating
	if err := json.Unmarshal(raw, &r); err != nil {
		return rating.Rating{}, err
	}
	return r, nil
}

func (s *Store) SaveRating(ctx context.Context, gameType, userID string, r rating.Rating) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.keyRating(gameType, userID), raw, 0).Err()
}
