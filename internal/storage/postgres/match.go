package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Rechenmaschine/backend/internal/game"
)

// ErrMatchNotFound is returned when a match lookup yields no results.
var ErrMatchNotFound = errors.New("match not found")

// Match is an archived game outcome.
type Match struct {
	ID       int64
	RoomID   string
	GameType string
	Regular  bool
	Winner   int
	PlayedAt time.Time
}

// MatchScore is one player-fragment value belonging to an archived match.
// Value carries the exact rational as a string, e.g. "3/2" or "5".
type MatchScore struct {
	MatchID     int64
	SlotIndex   int
	DisplayName string
	Fragment    string
	Value       string
	Cause       string
}

// ScoreboardRow aggregates archived outcomes per display name.
type ScoreboardRow struct {
	DisplayName string
	Matches     int64
	Wins        int64
}

// MatchRepository provides match archive persistence operations.
type MatchRepository struct {
	db *pgxpool.Pool
}

// NewMatchRepository creates a MatchRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewMatchRepository(db *pgxpool.Pool) *MatchRepository {
	return &MatchRepository{db: db}
}

// SaveMatch archives a finished game: one matches row plus one match_scores
// row per player and fragment. The insert is transactional, so a partially
// written match never becomes visible.
//
// Precondition: result must be non-nil and its player value lengths must
// match its definition.
// Postcondition: Returns nil on success; on error no rows are persisted.
func (r *MatchRepository) SaveMatch(ctx context.Context, roomID, gameType string, result *game.Result) error {
	if result == nil {
		return errors.New("result must not be nil")
	}

	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var matchID int64
		err := tx.QueryRow(ctx, `
			INSERT INTO matches (room_id, game_type, regular, winner)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			roomID, gameType, result.Regular, result.Winner,
		).Scan(&matchID)
		if err != nil {
			return fmt.Errorf("inserting match: %w", err)
		}

		for slot, p := range result.Players {
			for i, frag := range result.Definition {
				if i >= len(p.Values) {
					return fmt.Errorf("player %d has %d values for %d fragments",
						slot, len(p.Values), len(result.Definition))
				}
				_, err := tx.Exec(ctx, `
					INSERT INTO match_scores
						(match_id, slot_index, display_name, fragment, value, cause)
					VALUES ($1, $2, $3, $4, $5, $6)`,
					matchID, slot, p.DisplayName, frag.Name,
					p.Values[i].RatString(), p.Cause.String(),
				)
				if err != nil {
					return fmt.Errorf("inserting match score: %w", err)
				}
			}
		}
		return nil
	})
}

// GetByID retrieves an archived match by its primary key.
//
// Precondition: id must be > 0.
// Postcondition: Returns the Match or ErrMatchNotFound.
func (r *MatchRepository) GetByID(ctx context.Context, id int64) (*Match, error) {
	var m Match
	err := r.db.QueryRow(ctx, `
		SELECT id, room_id, game_type, regular, winner, played_at
		FROM matches WHERE id = $1`,
		id,
	).Scan(&m.ID, &m.RoomID, &m.GameType, &m.Regular, &m.Winner, &m.PlayedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMatchNotFound
		}
		return nil, fmt.Errorf("querying match: %w", err)
	}
	return &m, nil
}

// ListMatches returns the most recent archived matches, newest first.
//
// Precondition: limit must be > 0.
// Postcondition: Returns a slice (may be empty) or a non-nil error.
func (r *MatchRepository) ListMatches(ctx context.Context, limit int) ([]*Match, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, room_id, game_type, regular, winner, played_at
		FROM matches ORDER BY played_at DESC, id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing matches: %w", err)
	}
	defer rows.Close()

	matches := make([]*Match, 0)
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.RoomID, &m.GameType, &m.Regular, &m.Winner, &m.PlayedAt); err != nil {
			return nil, fmt.Errorf("scanning match row: %w", err)
		}
		matches = append(matches, &m)
	}
	return matches, rows.Err()
}

// ListScores returns all score rows for the given match, ordered by slot
// then fragment insertion order.
//
// Precondition: matchID must be > 0.
// Postcondition: Returns a slice (may be empty) or a non-nil error.
func (r *MatchRepository) ListScores(ctx context.Context, matchID int64) ([]*MatchScore, error) {
	rows, err := r.db.Query(ctx, `
		SELECT match_id, slot_index, display_name, fragment, value, cause
		FROM match_scores WHERE match_id = $1 ORDER BY slot_index ASC, id ASC`,
		matchID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing match scores: %w", err)
	}
	defer rows.Close()

	scores := make([]*MatchScore, 0)
	for rows.Next() {
		var s MatchScore
		if err := rows.Scan(&s.MatchID, &s.SlotIndex, &s.DisplayName, &s.Fragment, &s.Value, &s.Cause); err != nil {
			return nil, fmt.Errorf("scanning match score row: %w", err)
		}
		scores = append(scores, &s)
	}
	return scores, rows.Err()
}

// Scoreboard aggregates match and win counts per display name across the
// whole archive, most wins first.
//
// Postcondition: Returns a slice (may be empty) or a non-nil error.
func (r *MatchRepository) Scoreboard(ctx context.Context) ([]*ScoreboardRow, error) {
	rows, err := r.db.Query(ctx, `
		SELECT s.display_name,
		       COUNT(DISTINCT s.match_id) AS matches,
		       COUNT(DISTINCT s.match_id) FILTER (WHERE m.winner = s.slot_index) AS wins
		FROM match_scores s
		JOIN matches m ON m.id = s.match_id
		GROUP BY s.display_name
		ORDER BY wins DESC, matches DESC, s.display_name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying scoreboard: %w", err)
	}
	defer rows.Close()

	board := make([]*ScoreboardRow, 0)
	for rows.Next() {
		var b ScoreboardRow
		if err := rows.Scan(&b.DisplayName, &b.Matches, &b.Wins); err != nil {
			return nil, fmt.Errorf("scanning scoreboard row: %w", err)
		}
		board = append(board, &b)
	}
	return board, rows.Err()
}
