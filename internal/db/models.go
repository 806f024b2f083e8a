package db

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Match is one completed game. Rows are append-only.
type Match struct {
	MatchID      int64
	StartTime    int64
	Duration     int
	GameMode     int
	LobbyType    int
	LeagueID     int
	RadiantWin   bool
	RadiantScore int
	DireScore    int
	// Payload is the raw detail document, stored verbatim.
	Payload []byte
}

// PlayerMatch is one player's line in a match, keyed by (MatchID, AccountID).
type PlayerMatch struct {
	MatchID    int64
	AccountID  int64
	HeroID     int
	PlayerSlot int
	Kills      int
	Deaths     int
	Assists    int
	GoldPerMin int
	XPPerMin   int
	LastHits   int
	Denies     int
}

// Player is a tracked account. Removal only clears Active.
type Player struct {
	AccountID        int64
	PersonaName      string
	Active           bool
	ProfileUpdatedAt *time.Time
	CreatedAt        time.Time
}

const defaultPersonaName = "Unknown"

var (
	ErrPlayerNotFound = errors.New("player not found")
	ErrInvalidQuery   = errors.New("invalid query")
)

// PersistenceError reports a local storage failure. The transaction it came
// from has been rolled back.
type PersistenceError struct {
	Op      string
	MatchID int64
	Err     error
}

func (e *PersistenceError) Error() string {
	if e.MatchID != 0 {
		return fmt.Sprintf("persistence %s match %d: %v", e.Op, e.MatchID, e.Err)
	}
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistenceError reports whether err wraps a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// isUniqueViolation recognises primary key / unique failures from every
// supported driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}

	// libsql reports SQLite errors as plain strings over the wire
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "SQLITE_CONSTRAINT_PRIMARYKEY")
}

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
