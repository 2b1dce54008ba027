package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/uttt-arena/internal/board"
	"github.com/park285/uttt-arena/internal/session"
)

// Repository archives finished games to Postgres. One row per game, keyed by
// session id; re-archiving the same game overwrites the row.
type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Archive upserts the final record of a finished game.
func (r *Repository) Archive(ctx context.Context, s *session.Session, changes []session.RatingChange) error {
	if r == nil || r.db == nil || s == nil {
		return nil
	}

	var xID, xName, oID, oName string
	for i := range s.Players {
		p := s.Players[i]
		if p.Symbol == board.X {
			xID, xName = p.ID, p.Username
		} else {
			oID, oName = p.ID, p.Username
		}
	}

	historyRaw, _ := json.Marshal(s.History)
	changesRaw, _ := json.Marshal(changes)
	duration := s.UpdatedAt.Sub(s.CreatedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	q := `INSERT INTO games (
	    game_id, game_type, rated,
	    x_id, x_name, o_id, o_name,
	    status, winner_id, moves, rating_changes,
	    started_at, ended_at, duration_ms
	  ) VALUES (
	    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
	  ) ON CONFLICT (game_id) DO UPDATE SET
	    game_type=EXCLUDED.game_type,
	    rated=EXCLUDED.rated,
	    x_id=EXCLUDED.x_id,
	    x_name=EXCLUDED.x_name,
	    o_id=EXCLUDED.o_id,
	    o_name=EXCLUDED.o_name,
	    status=EXCLUDED.status,
	    winner_id=EXCLUDED.winner_id,
	    moves=EXCLUDED.moves,
	    rating_changes=EXCLUDED.rating_changes,
	    started_at=EXCLUDED.started_at,
	    ended_at=EXCLUDED.ended_at,
	    duration_ms=EXCLUDED.duration_ms`

	_, err := r.db.ExecContext(ctx, q,
		s.ID, s.GameType, s.Rated,
		xID, xName, oID, oName,
		string(s.Status), s.Winner, string(historyRaw), string(changesRaw),
		s.CreatedAt, s.UpdatedAt, duration,
	)
	return err
}
