package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const playerColumns = `account_id, personaname, active, profile_updated_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlayer(row rowScanner) (*Player, error) {
	var (
		p         Player
		updatedAt sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(&p.AccountID, &p.PersonaName, &p.Active, &updatedAt, &createdAt); err != nil {
		return nil, err
	}
	if updatedAt.Valid {
		t := time.Unix(updatedAt.Int64, 0)
		p.ProfileUpdatedAt = &t
	}
	p.CreatedAt = time.Unix(createdAt, 0)
	return &p, nil
}

// UpsertPlayer inserts a new active player or refreshes the name and profile
// timestamp of an existing one. An empty PersonaName never overwrites a
// stored name. The active flag of an existing player is left alone.
func (s *SQLStore) UpsertPlayer(ctx context.Context, p Player) (*Player, error) {
	if p.AccountID <= 0 {
		return nil, fmt.Errorf("%w: account id must be positive, got %d", ErrInvalidQuery, p.AccountID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	existing, err := scanPlayer(tx.QueryRowContext(ctx, s.rebind(
		`SELECT `+playerColumns+` FROM players WHERE account_id = ?`), p.AccountID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		name := p.PersonaName
		if name == "" {
			name = defaultPersonaName
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO players (account_id, personaname, active, profile_updated_at, created_at)
			VALUES (?, ?, ?, ?, ?)
		`), p.AccountID, name, true, unixPtr(p.ProfileUpdatedAt), s.now().Unix()); err != nil {
			return nil, &PersistenceError{Op: "insert player", Err: err}
		}

	case err != nil:
		return nil, &PersistenceError{Op: "read player", Err: err}

	default:
		name := existing.PersonaName
		if p.PersonaName != "" {
			name = p.PersonaName
		}
		updatedAt := existing.ProfileUpdatedAt
		if p.ProfileUpdatedAt != nil {
			updatedAt = p.ProfileUpdatedAt
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE players SET personaname = ?, profile_updated_at = ? WHERE account_id = ?
		`), name, unixPtr(updatedAt), p.AccountID); err != nil {
			return nil, &PersistenceError{Op: "update player", Err: err}
		}
	}

	stored, err := scanPlayer(tx.QueryRowContext(ctx, s.rebind(
		`SELECT `+playerColumns+` FROM players WHERE account_id = ?`), p.AccountID))
	if err != nil {
		return nil, &PersistenceError{Op: "read player", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &PersistenceError{Op: "commit", Err: err}
	}
	return stored, nil
}

// DeactivatePlayer soft-deletes a player. Stored matches are kept.
func (s *SQLStore) DeactivatePlayer(ctx context.Context, accountID int64) error {
	return s.setActive(ctx, accountID, false)
}

// ActivatePlayer puts a previously removed player back on the roster.
func (s *SQLStore) ActivatePlayer(ctx context.Context, accountID int64) error {
	return s.setActive(ctx, accountID, true)
}

func (s *SQLStore) setActive(ctx context.Context, accountID int64, active bool) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE players SET active = ? WHERE account_id = ?`), active, accountID)
	if err != nil {
		return &PersistenceError{Op: "set player active", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &PersistenceError{Op: "set player active", Err: err}
	}
	if n == 0 {
		return fmt.Errorf("account %d: %w", accountID, ErrPlayerNotFound)
	}
	return nil
}

// GetPlayer returns one player, active or not.
func (s *SQLStore) GetPlayer(ctx context.Context, accountID int64) (*Player, error) {
	p, err := scanPlayer(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+playerColumns+` FROM players WHERE account_id = ?`), accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %d: %w", accountID, ErrPlayerNotFound)
	}
	if err != nil {
		return nil, &PersistenceError{Op: "read player", Err: err}
	}
	return p, nil
}

// ListActivePlayers returns the tracked roster ordered by account id.
func (s *SQLStore) ListActivePlayers(ctx context.Context) ([]Player, error) {
	return s.listPlayers(ctx, `SELECT `+playerColumns+` FROM players WHERE active = ? ORDER BY account_id`, true)
}

// ListPlayers returns every known player, including removed ones.
func (s *SQLStore) ListPlayers(ctx context.Context) ([]Player, error) {
	return s.listPlayers(ctx, `SELECT `+playerColumns+` FROM players ORDER BY account_id`)
}

func (s *SQLStore) listPlayers(ctx context.Context, query string, args ...any) ([]Player, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, &PersistenceError{Op: "list players", Err: err}
	}
	defer rows.Close()

	var players []Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, &PersistenceError{Op: "list players", Err: err}
		}
		players = append(players, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list players", Err: err}
	}
	return players, nil
}
