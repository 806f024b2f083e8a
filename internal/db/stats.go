package db

import (
	"context"
	"fmt"
	"math"
	"time"
)

// HeroStat holds one hero's aggregate for a player
type HeroStat struct {
	HeroID     int
	Games      int
	Wins       int
	WinRate    float64
	AvgKills   float64
	AvgDeaths  float64
	AvgAssists float64
	AvgGPM     float64
	AvgXPM     float64
}

// PlayerStats summarises a player's stored matches
type PlayerStats struct {
	AccountID    int64
	TotalMatches int
	Wins         int
	Losses       int
	WinRate      float64
	AvgKDA       float64
	Heroes       []HeroStat
}

// win is true when the player's side (slot < 128 is Radiant) won.
const winExpr = `CASE WHEN (pm.player_slot < 128) = m.radiant_win THEN 1 ELSE 0 END`

// PlayerStats aggregates a player's matches, optionally only those started
// at or after since. Heroes are ordered by games played.
func (s *SQLStore) PlayerStats(ctx context.Context, accountID int64, since time.Time) (*PlayerStats, error) {
	if accountID <= 0 {
		return nil, fmt.Errorf("%w: account id must be positive, got %d", ErrInvalidQuery, accountID)
	}
	var sinceUnix int64
	if !since.IsZero() {
		sinceUnix = since.Unix()
	}

	stats := &PlayerStats{AccountID: accountID}
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*),
		       COALESCE(SUM(`+winExpr+`), 0),
		       COALESCE(AVG(CAST(pm.kills + pm.assists AS REAL) /
		           CASE WHEN pm.deaths = 0 THEN 1 ELSE pm.deaths END), 0)
		FROM player_matches pm
		JOIN matches m ON m.match_id = pm.match_id
		WHERE pm.account_id = ? AND m.start_time >= ?
	`), accountID, sinceUnix).Scan(&stats.TotalMatches, &stats.Wins, &stats.AvgKDA)
	if err != nil {
		return nil, &PersistenceError{Op: "player stats", Err: err}
	}
	stats.Losses = stats.TotalMatches - stats.Wins
	stats.AvgKDA = math.Round(stats.AvgKDA*100) / 100
	if stats.TotalMatches > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.TotalMatches) * 100
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT pm.hero_id,
		       COUNT(*),
		       COALESCE(SUM(`+winExpr+`), 0),
		       AVG(CAST(pm.kills AS REAL)),
		       AVG(CAST(pm.deaths AS REAL)),
		       AVG(CAST(pm.assists AS REAL)),
		       AVG(CAST(pm.gold_per_min AS REAL)),
		       AVG(CAST(pm.xp_per_min AS REAL))
		FROM player_matches pm
		JOIN matches m ON m.match_id = pm.match_id
		WHERE pm.account_id = ? AND m.start_time >= ?
		GROUP BY pm.hero_id
		ORDER BY COUNT(*) DESC, pm.hero_id
	`), accountID, sinceUnix)
	if err != nil {
		return nil, &PersistenceError{Op: "hero stats", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var h HeroStat
		if err := rows.Scan(&h.HeroID, &h.Games, &h.Wins, &h.AvgKills, &h.AvgDeaths,
			&h.AvgAssists, &h.AvgGPM, &h.AvgXPM); err != nil {
			return nil, &PersistenceError{Op: "hero stats", Err: err}
		}
		if h.Games > 0 {
			h.WinRate = float64(h.Wins) / float64(h.Games) * 100
		}
		stats.Heroes = append(stats.Heroes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "hero stats", Err: err}
	}
	return stats, nil
}
