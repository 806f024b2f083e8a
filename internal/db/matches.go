package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Exists reports whether a match is already stored.
func (s *SQLStore) Exists(ctx context.Context, matchID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT EXISTS(SELECT 1 FROM matches WHERE match_id = ?)
	`), matchID).Scan(&exists)
	if err != nil {
		return false, &PersistenceError{Op: "exists", MatchID: matchID, Err: err}
	}
	return exists, nil
}

// WriteMatch stores a match and its player rows in one transaction. Either
// every row is committed or none is. Writing a match id that is already
// stored is a no-op: the existing rows are durable and never rewritten.
//
// The existence check callers make first cannot race with another writer in
// a single-writer deployment; the conflict handling here only guards the
// invariant, it is not a concurrency feature.
func (s *SQLStore) WriteMatch(ctx context.Context, m *Match, players []PlayerMatch) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "begin", MatchID: m.MatchID, Err: err}
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var payload any
	if len(m.Payload) > 0 {
		payload = m.Payload
	}

	res, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO matches (
			match_id, start_time, duration, game_mode, lobby_type, leagueid,
			radiant_win, radiant_score, dire_score, match_data, stored_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (match_id) DO NOTHING
	`), m.MatchID, m.StartTime, m.Duration, m.GameMode, m.LobbyType, m.LeagueID,
		m.RadiantWin, m.RadiantScore, m.DireScore, payload, s.now().Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return s.alreadyStored(tx, m.MatchID)
		}
		return &PersistenceError{Op: "insert match", MatchID: m.MatchID, Err: err}
	}
	if n, rerr := res.RowsAffected(); rerr == nil && n == 0 {
		return s.alreadyStored(tx, m.MatchID)
	}

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO player_matches (
			match_id, account_id, hero_id, player_slot, kills, deaths, assists,
			gold_per_min, xp_per_min, last_hits, denies
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return &PersistenceError{Op: "prepare player insert", MatchID: m.MatchID, Err: err}
	}
	defer stmt.Close()

	for _, p := range players {
		if _, err = stmt.ExecContext(ctx, m.MatchID, p.AccountID, p.HeroID, p.PlayerSlot,
			p.Kills, p.Deaths, p.Assists, p.GoldPerMin, p.XPPerMin, p.LastHits, p.Denies); err != nil {
			return &PersistenceError{
				Op:      "insert player match",
				MatchID: m.MatchID,
				Err:     fmt.Errorf("account %d: %w", p.AccountID, err),
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return &PersistenceError{Op: "commit", MatchID: m.MatchID, Err: err}
	}
	return nil
}

func (s *SQLStore) alreadyStored(tx *sql.Tx, matchID int64) error {
	if err := tx.Rollback(); err != nil {
		s.logger.Warn("rollback after duplicate match failed", "match_id", matchID, "error", err)
	}
	s.logger.Debug("match already stored", "match_id", matchID)
	return nil
}

// MatchIDs returns every stored match id.
func (s *SQLStore) MatchIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT match_id FROM matches`)
	if err != nil {
		return nil, &PersistenceError{Op: "list match ids", Err: err}
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, &PersistenceError{Op: "list match ids", Err: err}
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list match ids", Err: err}
	}
	return ids, nil
}

// GetMatch returns a stored match, or sql.ErrNoRows.
func (s *SQLStore) GetMatch(ctx context.Context, matchID int64) (*Match, error) {
	var m Match
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT match_id, start_time, duration, game_mode, lobby_type, leagueid,
		       radiant_win, radiant_score, dire_score, match_data
		FROM matches WHERE match_id = ?
	`), matchID).Scan(&m.MatchID, &m.StartTime, &m.Duration, &m.GameMode, &m.LobbyType, &m.LeagueID,
		&m.RadiantWin, &m.RadiantScore, &m.DireScore, &m.Payload)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Counts returns the number of stored matches and player rows.
func (s *SQLStore) Counts(ctx context.Context) (matches, playerMatches int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM matches`).Scan(&matches); err != nil {
		return 0, 0, &PersistenceError{Op: "count matches", Err: err}
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM player_matches`).Scan(&playerMatches); err != nil {
		return 0, 0, &PersistenceError{Op: "count player matches", Err: err}
	}
	return matches, playerMatches, nil
}
