// Package roster loads the list of tracked players and mirrors it into the
// record store.
package roster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/dinghuanghao/dota2-cultivation/internal/db"
)

var ErrEmptyRoster = errors.New("roster has no active players")

// Entry is one roster line. Active defaults to true.
type Entry struct {
	AccountID int64
	Active    bool
}

// Store is what Sync needs from the record store.
type Store interface {
	UpsertPlayer(ctx context.Context, p db.Player) (*db.Player, error)
	GetPlayer(ctx context.Context, accountID int64) (*db.Player, error)
	ActivatePlayer(ctx context.Context, accountID int64) error
	DeactivatePlayer(ctx context.Context, accountID int64) error
}

type entryWire struct {
	AccountID json.RawMessage `json:"account_id"`
	Active    *bool           `json:"active"`
}

// LoadFile reads a roster file. Accepted shapes:
//
//	[455681834, "76561198134743556"]
//	[{"account_id": 455681834, "active": false}]
//
// Steam64 ids are converted to 32-bit account ids. Duplicate ids keep their
// last occurrence.
func LoadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return Parse(data)
}

// Parse decodes roster JSON; see LoadFile.
func Parse(data []byte) ([]Entry, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode roster: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	index := make(map[int64]int, len(raw))
	for i, item := range raw {
		e, err := parseEntry(item)
		if err != nil {
			return nil, fmt.Errorf("roster entry %d: %w", i, err)
		}
		if pos, ok := index[e.AccountID]; ok {
			entries[pos] = e
			continue
		}
		index[e.AccountID] = len(entries)
		entries = append(entries, e)
	}
	return entries, nil
}

func parseEntry(item json.RawMessage) (Entry, error) {
	item = bytes.TrimSpace(item)
	if len(item) > 0 && item[0] == '{' {
		var w entryWire
		if err := json.Unmarshal(item, &w); err != nil {
			return Entry{}, err
		}
		if w.AccountID == nil {
			return Entry{}, errors.New("missing account_id")
		}
		id, err := parseAccountID(w.AccountID)
		if err != nil {
			return Entry{}, err
		}
		return Entry{AccountID: id, Active: w.Active == nil || *w.Active}, nil
	}

	id, err := parseAccountID(item)
	if err != nil {
		return Entry{}, err
	}
	return Entry{AccountID: id, Active: true}, nil
}

// parseAccountID accepts a JSON number or a numeric string.
func parseAccountID(raw json.RawMessage) (int64, error) {
	return ParseAccountID(strings.Trim(string(bytes.TrimSpace(raw)), `"`))
}

// steam64Base is the Steam64 id of account 0 in the public universe.
const steam64Base int64 = 76561197960265728

// anonymousAccount is the id OpenDota reports for hidden players.
const anonymousAccount int64 = math.MaxUint32

// ParseAccountID parses a 32-bit account id or a Steam64 id and returns the
// account id. Ids that fit neither form are rejected.
func ParseAccountID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid account id %q", s)
	}
	if id >= steam64Base {
		id -= steam64Base
	}
	switch {
	case id <= 0:
		return 0, fmt.Errorf("account id must be positive, got %s", s)
	case id >= anonymousAccount:
		return 0, fmt.Errorf("account id %s is neither a 32-bit account id nor a Steam64 id", s)
	}
	return id, nil
}

// SyncResult counts what Sync changed.
type SyncResult struct {
	Added       int
	Reactivated int
	Deactivated int
	Unchanged   int
}

// Sync makes the store's active flags follow entries. Players missing from
// entries are left alone.
func Sync(ctx context.Context, store Store, entries []Entry, logger *slog.Logger) (SyncResult, error) {
	var res SyncResult
	for _, e := range entries {
		existing, err := store.GetPlayer(ctx, e.AccountID)
		switch {
		case errors.Is(err, db.ErrPlayerNotFound):
			if _, err := store.UpsertPlayer(ctx, db.Player{AccountID: e.AccountID}); err != nil {
				return res, fmt.Errorf("add player %d: %w", e.AccountID, err)
			}
			if !e.Active {
				if err := store.DeactivatePlayer(ctx, e.AccountID); err != nil {
					return res, fmt.Errorf("deactivate player %d: %w", e.AccountID, err)
				}
				res.Deactivated++
				continue
			}
			logger.Info("player added", "account_id", e.AccountID)
			res.Added++

		case err != nil:
			return res, fmt.Errorf("read player %d: %w", e.AccountID, err)

		case existing.Active == e.Active:
			res.Unchanged++

		case e.Active:
			if err := store.ActivatePlayer(ctx, e.AccountID); err != nil {
				return res, fmt.Errorf("activate player %d: %w", e.AccountID, err)
			}
			logger.Info("player reactivated", "account_id", e.AccountID)
			res.Reactivated++

		default:
			if err := store.DeactivatePlayer(ctx, e.AccountID); err != nil {
				return res, fmt.Errorf("deactivate player %d: %w", e.AccountID, err)
			}
			logger.Info("player deactivated", "account_id", e.AccountID)
			res.Deactivated++
		}
	}
	return res, nil
}
