package db

import (
	"context"
	"fmt"
	"time"
)

// Store is the record store used by the observer and the roster tool.
type Store interface {
	Exists(ctx context.Context, matchID int64) (bool, error)
	WriteMatch(ctx context.Context, m *Match, players []PlayerMatch) error
	UpsertPlayer(ctx context.Context, p Player) (*Player, error)
	DeactivatePlayer(ctx context.Context, accountID int64) error
	ActivatePlayer(ctx context.Context, accountID int64) error
	ListActivePlayers(ctx context.Context) ([]Player, error)
	GetPlayer(ctx context.Context, accountID int64) (*Player, error)
	MatchIDs(ctx context.Context) ([]int64, error)
	PlayerMatches(ctx context.Context, accountID int64, q PageQuery) (*MatchPage, error)
	Counts(ctx context.Context) (matches, playerMatches int, err error)
	Close() error
}

var _ Store = (*SQLStore)(nil)

const DefaultPageLimit = 20

// PageQuery selects a window of a player's matches, newest first.
type PageQuery struct {
	Limit  int
	Offset int
	// Since, when set, excludes matches that started before it.
	Since time.Time
	// GameMode and HeroID narrow the page when non-zero.
	GameMode int
	HeroID   int
}

// PlayerMatchRow joins a player's line with the match it belongs to.
type PlayerMatchRow struct {
	PlayerMatch
	StartTime    int64
	Duration     int
	GameMode     int
	LobbyType    int
	RadiantWin   bool
	RadiantScore int
	DireScore    int
}

// Won reports whether the player's side won. Slots below 128 are Radiant.
func (r PlayerMatchRow) Won() bool {
	return (r.PlayerSlot < 128) == r.RadiantWin
}

type MatchPage struct {
	AccountID int64
	Total     int
	Limit     int
	Offset    int
	Matches   []PlayerMatchRow
}

func (q PageQuery) validate(accountID int64) error {
	if accountID <= 0 {
		return fmt.Errorf("%w: account id must be positive, got %d", ErrInvalidQuery, accountID)
	}
	if q.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidQuery, q.Limit)
	}
	if q.Offset < 0 {
		return fmt.Errorf("%w: offset must not be negative, got %d", ErrInvalidQuery, q.Offset)
	}
	if q.GameMode < 0 || q.HeroID < 0 {
		return fmt.Errorf("%w: game mode and hero id must not be negative", ErrInvalidQuery)
	}
	return nil
}

// where builds the filter shared by the count and the page query.
func (q PageQuery) where(accountID int64) (string, []any) {
	var since int64
	if !q.Since.IsZero() {
		since = q.Since.Unix()
	}
	clause := "pm.account_id = ? AND m.start_time >= ?"
	args := []any{accountID, since}
	if q.GameMode != 0 {
		clause += " AND m.game_mode = ?"
		args = append(args, q.GameMode)
	}
	if q.HeroID != 0 {
		clause += " AND pm.hero_id = ?"
		args = append(args, q.HeroID)
	}
	return clause, args
}

// PlayerMatches returns one page of an account's stored matches.
func (s *SQLStore) PlayerMatches(ctx context.Context, accountID int64, q PageQuery) (*MatchPage, error) {
	if err := q.validate(accountID); err != nil {
		return nil, err
	}

	where, args := q.where(accountID)
	page := &MatchPage{AccountID: accountID, Limit: q.Limit, Offset: q.Offset}
	if err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*)
		FROM player_matches pm
		JOIN matches m ON m.match_id = pm.match_id
		WHERE `+where), args...).Scan(&page.Total); err != nil {
		return nil, &PersistenceError{Op: "count player matches", Err: err}
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT pm.match_id, pm.account_id, pm.hero_id, pm.player_slot, pm.kills, pm.deaths,
		       pm.assists, pm.gold_per_min, pm.xp_per_min, pm.last_hits, pm.denies,
		       m.start_time, m.duration, m.game_mode, m.lobby_type, m.radiant_win,
		       m.radiant_score, m.dire_score
		FROM player_matches pm
		JOIN matches m ON m.match_id = pm.match_id
		WHERE `+where+`
		ORDER BY m.start_time DESC, pm.match_id DESC
		LIMIT ? OFFSET ?
	`), append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, &PersistenceError{Op: "list player matches", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var r PlayerMatchRow
		if err := rows.Scan(&r.MatchID, &r.AccountID, &r.HeroID, &r.PlayerSlot, &r.Kills, &r.Deaths,
			&r.Assists, &r.GoldPerMin, &r.XPPerMin, &r.LastHits, &r.Denies,
			&r.StartTime, &r.Duration, &r.GameMode, &r.LobbyType, &r.RadiantWin,
			&r.RadiantScore, &r.DireScore); err != nil {
			return nil, &PersistenceError{Op: "list player matches", Err: err}
		}
		page.Matches = append(page.Matches, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list player matches", Err: err}
	}
	return page, nil
}
